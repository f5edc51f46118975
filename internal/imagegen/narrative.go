package imagegen

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/skiverify/internal/models"
)

var ErrNoAPIKey = errors.New("OPENAI_API_KEY not set")

const narratorSystemPrompt = `You write the short verification blurb for a Washington Cascades ski forecast blog.
Given how a forecast compared with what was observed, write two or three plain sentences:
what the forecast got right, where it missed and in which direction, and one takeaway.
Use the numbers given. Do not invent observations. No headings, no lists.`

// Narrator writes a short results-page paragraph for a verification run
// using OpenAI's chat API.
type Narrator struct {
	client openai.Client
	model  openai.ChatModel
}

// NewNarrator returns ErrNoAPIKey when apiKey is empty.
func NewNarrator(apiKey string, opts ...option.RequestOption) (*Narrator, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Narrator{
		client: client,
		model:  openai.ChatModelGPT4oMini,
	}, nil
}

func (n *Narrator) Summarize(ctx context.Context, r *models.VerificationReport) (string, error) {
	if len(r.Rows) == 0 {
		return "", errors.New("nothing to summarize: no comparisons")
	}

	log.Printf("imagegen: narrating verification for %s (%d rows)", r.PostDate, len(r.Rows))

	resp, err := n.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: n.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(narratorSystemPrompt),
			openai.UserMessage(BuildPrompt(r)),
		},
		MaxCompletionTokens: openai.Int(300),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no completion returned")
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", errors.New("empty completion returned")
	}
	return text, nil
}

// BuildPrompt lists the comparisons of a run as plain lines.
func BuildPrompt(r *models.VerificationReport) string {
	var sb strings.Builder

	dates := make([]string, len(r.ValidDates))
	for i, d := range r.ValidDates {
		dates[i] = d.Format("Monday Jan 2")
	}
	fmt.Fprintf(&sb, "Forecast posted %s for %s.\n\n", r.PostDate.Format("Jan 2, 2006"), strings.Join(dates, ", "))

	sb.WriteString("Comparisons:\n")
	for _, row := range r.Rows {
		label := row.Metric
		if row.Day != "" {
			label += " " + row.Day
		}
		fmt.Fprintf(&sb, "- %s %s: forecast %.1f%s, observed %.1f%s", row.Area, label,
			row.ForecastValue, units(row.Units), row.ObservedValue, units(row.Units))
		if row.WithinRange != nil {
			if *row.WithinRange {
				sb.WriteString(", inside the forecast range")
			} else {
				sb.WriteString(", outside the forecast range")
			}
		}
		sb.WriteString("\n")
	}

	if len(r.Metrics) > 0 {
		sb.WriteString("\nTotals:\n")
		for _, m := range r.Metrics {
			fmt.Fprintf(&sb, "- %s: mean absolute error %.1f%s, mean bias %+.1f%s",
				m.Metric, m.MeanAbsoluteError, units(m.Units), m.MeanSignedError, units(m.Units))
			if m.WithinRangePercentage != nil {
				fmt.Fprintf(&sb, ", %d of %d within range", m.WithinRangeCount, m.RangedCount)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func units(u string) string {
	if u == "" {
		return ""
	}
	return " " + u
}
