package imagegen

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"strings"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/gobold"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/lox/skiverify/internal/models"
)

var (
	fontTitle   font.Face
	fontRegular font.Face
	fontSmall   font.Face
	fontOnce    sync.Once
	fontErr     error
)

func newFace(data []byte, size float64) (font.Face, error) {
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse font: %w", err)
	}
	return opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
}

func loadFonts() {
	fontOnce.Do(func() {
		if fontTitle, fontErr = newFace(gobold.TTF, 56); fontErr != nil {
			return
		}
		if fontRegular, fontErr = newFace(goregular.TTF, 32); fontErr != nil {
			return
		}
		fontSmall, fontErr = newFace(goregular.TTF, 24)
	})
}

// CardWidth and CardHeight are the standard Open Graph image dimensions.
const (
	CardWidth  = 1200
	CardHeight = 630
)

// Rows beyond this are dropped from the card.
const maxCardLines = 6

// CardData is what a verification card shows.
type CardData struct {
	Title      string
	Subtitle   string
	Lines      []CardLine
	Footer     string
	Background []byte // optional PNG or JPEG, center-cropped to fill
}

type CardLine struct {
	Label string
	Value string
}

// CardFromReport summarizes each metric of a verification run on one line.
func CardFromReport(r *models.VerificationReport) CardData {
	dates := make([]string, len(r.ValidDates))
	for i, d := range r.ValidDates {
		dates[i] = d.Format("Jan 2")
	}
	data := CardData{
		Title:    "Forecast Verification",
		Subtitle: fmt.Sprintf("Forecast of %s, valid %s", r.PostDate.Format("Jan 2, 2006"), strings.Join(dates, ", ")),
		Footer:   fmt.Sprintf("%d comparisons", len(r.Rows)),
	}

	if len(r.Rows) == 0 {
		data.Lines = []CardLine{{Label: "No observations matched yet"}}
		return data
	}

	for _, m := range r.Metrics {
		if len(data.Lines) == maxCardLines {
			break
		}
		units := ""
		if m.Units != "" {
			units = " " + m.Units
		}
		value := fmt.Sprintf("MAE %.1f%s", m.MeanAbsoluteError, units)
		if m.WithinRangePercentage != nil {
			value += fmt.Sprintf("   %d/%d in range (%.0f%%)", m.WithinRangeCount, m.RangedCount, *m.WithinRangePercentage)
		}
		data.Lines = append(data.Lines, CardLine{
			Label: strings.ReplaceAll(m.Metric, "_", " "),
			Value: value,
		})
	}
	return data
}

// RenderCard draws a card as PNG bytes.
func RenderCard(data CardData) ([]byte, error) {
	loadFonts()
	if fontErr != nil {
		return nil, fmt.Errorf("load fonts: %w", fontErr)
	}

	dst := image.NewRGBA(image.Rect(0, 0, CardWidth, CardHeight))
	if len(data.Background) > 0 {
		src, _, err := image.Decode(bytes.NewReader(data.Background))
		if err != nil {
			return nil, fmt.Errorf("decode background: %w", err)
		}
		drawCover(dst, src)
		darken(dst, 0.7)
	} else {
		drawGradient(dst)
	}

	drawText(dst, data.Title, 60, 110, color.RGBA{255, 255, 255, 255}, fontTitle)
	drawText(dst, data.Subtitle, 60, 165, color.RGBA{190, 205, 225, 255}, fontSmall)

	y := 250
	for _, line := range data.Lines {
		drawText(dst, line.Label, 60, y, color.RGBA{255, 255, 255, 255}, fontRegular)
		if line.Value != "" {
			drawText(dst, line.Value, 520, y, color.RGBA{160, 220, 255, 255}, fontRegular)
		}
		y += 52
	}

	if data.Footer != "" {
		drawText(dst, data.Footer, 60, CardHeight-40, color.RGBA{170, 170, 170, 255}, fontSmall)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encode card: %w", err)
	}
	return buf.Bytes(), nil
}

// drawCover scales src to cover dst and center-crops it, nearest neighbour.
func drawCover(dst *image.RGBA, src image.Image) {
	sb := src.Bounds()
	srcW, srcH := sb.Dx(), sb.Dy()
	if srcW == 0 || srcH == 0 {
		return
	}

	scale := max(float64(CardWidth)/float64(srcW), float64(CardHeight)/float64(srcH))
	offsetX := (int(float64(srcW)*scale) - CardWidth) / 2
	offsetY := (int(float64(srcH)*scale) - CardHeight) / 2

	for y := 0; y < CardHeight; y++ {
		for x := 0; x < CardWidth; x++ {
			sx := int(float64(x+offsetX) / scale)
			sy := int(float64(y+offsetY) / scale)
			if sx >= 0 && sx < srcW && sy >= 0 && sy < srcH {
				dst.Set(x, y, src.At(sb.Min.X+sx, sb.Min.Y+sy))
			}
		}
	}
}

// darken blends every pixel toward black by amount.
func darken(img *image.RGBA, amount float64) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := img.RGBAAt(x, y)
			c.R = uint8(float64(c.R) * (1 - amount))
			c.G = uint8(float64(c.G) * (1 - amount))
			c.B = uint8(float64(c.B) * (1 - amount))
			c.A = 255
			img.SetRGBA(x, y, c)
		}
	}
}

// drawGradient fills img with the dark blue used when there is no background.
func drawGradient(img *image.RGBA) {
	for y := 0; y < CardHeight; y++ {
		p := float64(y) / float64(CardHeight)
		c := color.RGBA{uint8(14 + p*10), uint8(28 + p*15), uint8(52 + p*25), 255}
		for x := 0; x < CardWidth; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func drawText(img *image.RGBA, text string, x, y int, col color.Color, face font.Face) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(text)
}
