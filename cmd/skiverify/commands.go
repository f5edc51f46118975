package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/lox/skiverify/internal/api"
	"github.com/lox/skiverify/internal/imagegen"
	"github.com/lox/skiverify/internal/ingest"
	"github.com/lox/skiverify/internal/meteogram"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/records"
	"github.com/lox/skiverify/internal/season"
	"github.com/lox/skiverify/internal/verify"
)

type VerifyCmd struct {
	PostDate  string `arg:"" help:"Post date of the forecast (YYYY-MM-DD)."`
	Format    string `enum:"text,json,csv" default:"text" help:"Output format (text, json, csv)."`
	Narrative bool   `help:"Append a generated summary paragraph (needs OPENAI_API_KEY)."`
}

func (c *VerifyCmd) Run(app *App) error {
	postDate, err := models.ParseDate(c.PostDate)
	if err != nil {
		return fmt.Errorf("post date: %w", err)
	}
	j, err := app.Jobs()
	if err != nil {
		return err
	}

	ctx := context.Background()
	report, err := j.VerifyForecast(ctx, postDate)
	if err != nil {
		return err
	}

	text := verify.RenderText(report)
	if c.Narrative {
		if summary, err := narrate(ctx, app, report); err != nil {
			log.Printf("narrative disabled: %v", err)
		} else {
			text += "\nSummary\n" + strings.Repeat("-", 40) + "\n" + summary + "\n"
			if err := records.WriteReport(app.layout, report, text); err != nil {
				return err
			}
		}
	}

	switch c.Format {
	case "json":
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	case "csv":
		out, err := verify.RenderCSV(report)
		if err != nil {
			return err
		}
		fmt.Print(out)
	default:
		fmt.Print(text)
	}
	return nil
}

func narrate(ctx context.Context, app *App, report *models.VerificationReport) (string, error) {
	n, err := imagegen.NewNarrator(app.cli.OpenAIAPIKey)
	if err != nil {
		return "", err
	}
	return n.Summarize(ctx, report)
}

type SeasonCmd struct {
	NoVerify bool   `help:"Summarize archived runs without re-verifying forecasts."`
	Format   string `enum:"text,json" default:"text" help:"Output format (text, json)."`
}

func (c *SeasonCmd) Run(app *App) error {
	j, err := app.Jobs()
	if err != nil {
		return err
	}

	if !c.NoVerify {
		run, err := j.VerifySeason(context.Background())
		if err != nil {
			return err
		}
		if len(run.Failed) > 0 {
			log.Printf("%d forecasts failed verification: %v", len(run.Failed), run.Failed)
		}
	}

	st, err := app.Store()
	if err != nil {
		return err
	}
	summary, err := season.Summarize(st)
	if err != nil {
		return err
	}

	if c.Format == "json" {
		data, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	fmt.Print(season.RenderText(summary))
	return nil
}

type ValidateCmd struct {
	Files []string `arg:"" type:"existingfile" help:"Forecast or observation files to check."`
}

func (c *ValidateCmd) Run(app *App) error {
	failed := 0
	for _, path := range c.Files {
		if err := validateFile(path); err != nil {
			failed++
			fmt.Printf("FAIL %s: %v\n", path, err)
			continue
		}
		fmt.Printf("ok   %s\n", path)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d files invalid", failed, len(c.Files))
	}
	return nil
}

// validateFile treats <area>_<YYYY-MM>.json as an observation file and
// anything else as a forecast.
func validateFile(path string) error {
	if _, _, ok := records.SplitObservationName(path); ok {
		_, err := records.LoadObservationSet(path)
		return err
	}
	_, err := records.LoadForecast(path)
	return err
}

type ObserveCmd struct {
	Area   string   `arg:"" help:"Area id, e.g. baker."`
	Date   string   `arg:"" help:"Observation date (YYYY-MM-DD)."`
	Values []string `arg:"" help:"key=value pairs; non-numeric values are stored as notes."`
	Source string   `default:"manual" help:"Value for the source note."`
}

func (c *ObserveCmd) Run(app *App) error {
	date, err := models.ParseDate(c.Date)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	data, notes, err := parseObservationArgs(c.Values)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("at least one numeric value is required")
	}
	if _, ok := notes["source"]; !ok && c.Source != "" {
		notes["source"] = c.Source
	}

	path, err := records.AppendObservation(app.layout, c.Area, models.ObservationEntry{
		Date:        date,
		Data:        data,
		Notes:       notes,
		CollectedAt: app.clock.Now().UTC(),
	})
	if err != nil {
		return err
	}
	fmt.Printf("appended %d values to %s\n", len(data), path)
	return nil
}

func parseObservationArgs(args []string) (map[string]float64, map[string]string, error) {
	data := make(map[string]float64)
	notes := make(map[string]string)
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(value), 64); err == nil {
			data[key] = v
		} else {
			notes[key] = value
		}
	}
	return data, notes, nil
}

type CollectCmd struct {
	Only string `enum:"all,snotel,metar" default:"all" help:"Which collector to run (all, snotel, metar)."`
}

func (c *CollectCmd) Run(app *App) error {
	collector, err := newCollector(app)
	if err != nil {
		return err
	}

	ctx := context.Background()
	switch c.Only {
	case "snotel":
		n, err := collector.CollectSnotel(ctx)
		log.Printf("appended %d snotel observations", n)
		return err
	case "metar":
		n, err := collector.CollectMETAR(ctx)
		log.Printf("appended %d metar observations", n)
		return err
	default:
		return collector.CollectAll(ctx)
	}
}

func newCollector(app *App) (*ingest.Collector, error) {
	st, err := app.Store()
	if err != nil {
		return nil, err
	}
	return ingest.NewCollector(app.layout,
		ingest.NewSnotelClient(st),
		ingest.NewMETARClient(st),
		areaSources(), app.clock, app.loc), nil
}

type MeteogramsCmd struct {
	Archive bool     `help:"Also keep a dated copy under images/archive."`
	Sites   []string `sep:"," help:"Comma-separated subset of areas to download."`
}

func (c *MeteogramsCmd) Run(app *App) error {
	sites := meteogramSites()
	if len(c.Sites) > 0 {
		var unknown []string
		sites, unknown = meteogram.SelectSites(sites, c.Sites)
		if len(unknown) > 0 {
			log.Printf("ignoring unknown sites %v", unknown)
		}
		if len(sites) == 0 {
			return errors.New("no valid sites specified")
		}
	}

	st, err := app.Store()
	if err != nil {
		return err
	}
	f := meteogram.NewFetcher(app.cli.AssetsDir, sites, st).WithArchive(c.Archive)
	paths, err := f.FetchAll(context.Background())
	for _, p := range paths {
		fmt.Println(p)
	}
	return err
}

type CardCmd struct {
	PostDate string `arg:"" help:"Post date of a verified forecast (YYYY-MM-DD)."`
	Output   string `short:"o" help:"Output path (default <data-dir>/cards/<post-date>.png)."`
	Area     string `help:"Use this area's saved meteogram as the background."`
}

func (c *CardCmd) Run(app *App) error {
	postDate, err := models.ParseDate(c.PostDate)
	if err != nil {
		return fmt.Errorf("post date: %w", err)
	}
	st, err := app.Store()
	if err != nil {
		return err
	}
	report, err := st.GetVerification(postDate)
	if err != nil {
		return err
	}
	if report == nil {
		return fmt.Errorf("%s has not been verified; run verify first", postDate)
	}

	card := imagegen.CardFromReport(report)
	if c.Area != "" {
		bg, err := os.ReadFile(filepath.Join(app.cli.AssetsDir, "images", c.Area+"_meteogram.png"))
		if err != nil {
			return fmt.Errorf("background: %w", err)
		}
		card.Background = bg
	}
	data, err := imagegen.RenderCard(card)
	if err != nil {
		return err
	}

	out := c.Output
	if out == "" {
		cache := imagegen.NewCardCache(filepath.Join(app.cli.DataDir, "cards"))
		if err := cache.Set(postDate, data); err != nil {
			return err
		}
		out = filepath.Join(app.cli.DataDir, "cards", postDate.String()+".png")
	} else if err := os.WriteFile(out, data, 0o644); err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

type ServeCmd struct {
	Port   string `env:"PORT" default:"8080" help:"HTTP server port."`
	NoPoll bool   `help:"Disable collectors and scheduled verification (server only, for local dev)."`
}

func (c *ServeCmd) Run(app *App) error {
	st, err := app.Store()
	if err != nil {
		return err
	}
	j, err := app.Jobs()
	if err != nil {
		return err
	}
	collector, err := newCollector(app)
	if err != nil {
		return err
	}

	scheduler := ingest.NewScheduler(st, collector, j, app.loc, app.clock)
	scheduler.SetMeteogramFetcher(meteogram.NewFetcher(app.cli.AssetsDir, meteogramSites(), st).WithArchive(true))

	cards := imagegen.NewCardCache(filepath.Join(app.cli.DataDir, "cards"))
	server := api.NewServer(st, c.Port, app.loc, cards).WithAssetsDir(app.cli.AssetsDir)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoPoll {
		go scheduler.Run(ctx)
	} else {
		log.Println("polling disabled (--no-poll)")
	}

	log.Printf("starting server on :%s", c.Port)
	return server.Run(ctx)
}
