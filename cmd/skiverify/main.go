package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/lox/skiverify/internal/ingest"
	"github.com/lox/skiverify/internal/jobs"
	"github.com/lox/skiverify/internal/meteogram"
	"github.com/lox/skiverify/internal/records"
	"github.com/lox/skiverify/internal/store"
)

type areaConfig struct {
	ID            string
	Name          string
	SnotelSite    string // NRCS station number
	METARStation  string // nearest NWS station with a METAR feed
	MeteogramCode string // CW3E West-WRF panel code
}

var defaultAreas = []areaConfig{
	{ID: "baker", Name: "Mt. Baker", SnotelSite: "909", METARStation: "KBLI", MeteogramCode: "MTB"},
	{ID: "stevens", Name: "Stevens Pass", SnotelSite: "957", METARStation: "KPAE", MeteogramCode: "STP"},
	{ID: "snoqualmie", Name: "Snoqualmie Pass", SnotelSite: "910", METARStation: "KSMP", MeteogramCode: "SNQ"},
	{ID: "crystal", Name: "Crystal Mountain", SnotelSite: "623", MeteogramCode: "CMP"},
	{ID: "white", Name: "White Pass", SnotelSite: "968", MeteogramCode: "WHP"},
	{ID: "paradise", Name: "Paradise (Mt. Rainier)", MeteogramCode: "MRNP"},
}

func areaSources() []ingest.AreaSource {
	var out []ingest.AreaSource
	for _, a := range defaultAreas {
		if a.SnotelSite == "" && a.METARStation == "" {
			continue
		}
		out = append(out, ingest.AreaSource{Area: a.ID, SnotelSite: a.SnotelSite, METARStation: a.METARStation})
	}
	return out
}

func meteogramSites() []meteogram.Site {
	var out []meteogram.Site
	for _, a := range defaultAreas {
		if a.MeteogramCode != "" {
			out = append(out, meteogram.Site{Name: a.ID, Code: a.MeteogramCode})
		}
	}
	return out
}

type CLI struct {
	DataDir      string `name:"data-dir" env:"SKIVERIFY_DATA_DIR" default:"data" help:"Directory holding forecasts, observations and reports."`
	DB           string `name:"db" env:"SKIVERIFY_DB" default:"data/skiverify.db" help:"Path to SQLite database."`
	AssetsDir    string `name:"assets-dir" env:"SKIVERIFY_ASSETS_DIR" default:"assets" help:"Blog assets directory for meteogram images."`
	Timezone     string `name:"timezone" env:"SKIVERIFY_TZ" default:"America/Los_Angeles" help:"Local timezone for forecast days."`
	OpenAIAPIKey string `name:"openai-api-key" env:"OPENAI_API_KEY" help:"Enables generated verification summaries."`

	Verify     VerifyCmd     `cmd:"" help:"Verify one forecast against the observations for its window."`
	Season     SeasonCmd     `cmd:"" help:"Re-verify every forecast and print the season summary."`
	Validate   ValidateCmd   `cmd:"" help:"Check forecast and observation files without verifying."`
	Observe    ObserveCmd    `cmd:"" help:"Append a manual observation for an area."`
	Collect    CollectCmd    `cmd:"" help:"Fetch SNOTEL and METAR observations once."`
	Meteograms MeteogramsCmd `cmd:"" help:"Download CW3E meteogram panels into the blog assets."`
	Card       CardCmd       `cmd:"" help:"Render the summary card for a verified forecast."`
	Serve      ServeCmd      `cmd:"" help:"Run the HTTP server and background collectors."`
}

// App carries what every command needs once flags are parsed.
type App struct {
	cli    *CLI
	layout records.Layout
	loc    *time.Location
	clock  clockwork.Clock

	db    *sql.DB
	store *store.Store
}

func newApp(cli *CLI) *App {
	loc, err := time.LoadLocation(cli.Timezone)
	if err != nil {
		log.Printf("Warning: could not load %s timezone, using UTC: %v", cli.Timezone, err)
		loc = time.UTC
	}
	return &App{
		cli:    cli,
		layout: records.Layout{Root: cli.DataDir},
		loc:    loc,
		clock:  clockwork.NewRealClock(),
	}
}

// Store opens and migrates the database on first use.
func (a *App) Store() (*store.Store, error) {
	if a.store != nil {
		return a.store, nil
	}

	if err := os.MkdirAll(filepath.Dir(a.cli.DB), 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	db, err := sql.Open("sqlite", a.cli.DB)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db).WithClock(a.clock)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.db, a.store = db, st
	return st, nil
}

func (a *App) Jobs() (*jobs.Jobs, error) {
	st, err := a.Store()
	if err != nil {
		return nil, err
	}
	return jobs.New(a.layout, st, a.clock), nil
}

func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("Warning: could not load .env: %v", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("skiverify"),
		kong.Description("Verify Washington ski area forecasts against observations."),
		kong.UsageOnError(),
	)

	app := newApp(&cli)
	err := ctx.Run(app)
	app.Close()
	ctx.FatalIfErrorf(err)
}
