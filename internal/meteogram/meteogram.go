// Package meteogram downloads the CW3E West-WRF 3-hour snow meteogram panels
// that forecast posts embed for each ski area.
package meteogram

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"

	"github.com/lox/skiverify/internal/httputil"
	"github.com/lox/skiverify/internal/metrics"
	"github.com/lox/skiverify/internal/store"
)

const baseURL = "https://cw3e.ucsd.edu/images/wwrf/images/ensemble/"

// Site is a CW3E meteogram location and the ski area it illustrates.
type Site struct {
	Name string // area id, used in file names
	Code string // CW3E panel code, e.g. "MTB"
}

// DefaultSites are the Washington Cascades panels CW3E publishes.
var DefaultSites = []Site{
	{Name: "paradise", Code: "MRNP"},
	{Name: "stevens", Code: "STP"},
	{Name: "crystal", Code: "CMP"},
	{Name: "snoqualmie", Code: "SNQ"},
	{Name: "baker", Code: "MTB"},
	{Name: "white", Code: "WHP"},
}

// FileName is the panel image name CW3E serves for code.
func FileName(code string) string {
	return fmt.Sprintf("West-WRF_3hrSnow_Meteogram_Panel_%s.png", code)
}

type Fetcher struct {
	baseURL   string
	assetsDir string
	sites     []Site
	archive   bool

	client        *http.Client
	store         *store.Store
	clock         clockwork.Clock
	attempts      uint64
	retryInterval time.Duration
}

// NewFetcher saves panels for sites under assetsDir/images. st may be nil.
func NewFetcher(assetsDir string, sites []Site, st *store.Store) *Fetcher {
	return &Fetcher{
		baseURL:       baseURL,
		assetsDir:     assetsDir,
		sites:         sites,
		client:        httputil.NewClient(),
		store:         st,
		clock:         clockwork.NewRealClock(),
		attempts:      3,
		retryInterval: time.Second,
	}
}

// WithArchive enables dated copies under images/archive.
func (f *Fetcher) WithArchive(archive bool) *Fetcher {
	f.archive = archive
	return f
}

func (f *Fetcher) WithClock(c clockwork.Clock) *Fetcher {
	f.clock = c
	return f
}

func (f *Fetcher) imageDir() string {
	return filepath.Join(f.assetsDir, "images")
}

// FetchAll downloads every configured site. A failed site does not stop the
// others; the returned paths are relative to the assets directory's parent,
// ready to embed in a post.
func (f *Fetcher) FetchAll(ctx context.Context) ([]string, error) {
	var paths []string
	var errs []error
	for _, site := range f.sites {
		path, err := f.Fetch(ctx, site)
		if err != nil {
			log.Printf("meteogram: %s: %v", site.Name, err)
			errs = append(errs, fmt.Errorf("%s: %w", site.Name, err))
			continue
		}
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}

// Fetch downloads one panel to images/<site>_meteogram.png.
func (f *Fetcher) Fetch(ctx context.Context, site Site) (string, error) {
	url := f.baseURL + FileName(site.Code)

	var run *store.IngestRun
	if f.store != nil {
		var err error
		run, err = f.store.StartIngestRun("cw3e", "wwrf/ensemble", site.Code, site.Name)
		if err != nil {
			return "", fmt.Errorf("start ingest run: %w", err)
		}
	}

	body, err := f.download(ctx, url, run)
	if err == nil {
		err = f.save(site, body)
	}

	if run != nil {
		if err != nil {
			run.Fail(err)
		} else {
			run.ResponseBytes = sql.NullInt64{Int64: int64(len(body)), Valid: true}
			run.Succeed(1)
		}
		if cerr := f.store.CompleteIngestRun(run); cerr != nil {
			return "", fmt.Errorf("complete ingest run: %w", cerr)
		}
	}
	if err != nil {
		return "", err
	}

	rel := filepath.ToSlash(filepath.Join(filepath.Base(f.assetsDir), "images", site.Name+"_meteogram.png"))
	log.Printf("meteogram: %s -> %s (%d bytes)", site.Name, rel, len(body))
	return rel, nil
}

func (f *Fetcher) download(ctx context.Context, url string, run *store.IngestRun) ([]byte, error) {
	var body []byte
	attempt := 0
	operation := func() error {
		attempt++
		req, err := httputil.NewRequest(ctx, url)
		if err != nil {
			return backoff.Permanent(err)
		}

		started := time.Now()
		resp, err := f.client.Do(req)
		metrics.CollectorLatency.WithLabelValues("cw3e").Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.CollectorCallsTotal.WithLabelValues("cw3e", "error").Inc()
			log.Printf("meteogram: attempt %d/%d: %v", attempt, f.attempts, err)
			return err
		}
		defer resp.Body.Close()

		metrics.CollectorCallsTotal.WithLabelValues("cw3e", strconv.Itoa(resp.StatusCode)).Inc()
		if run != nil {
			run.HTTPStatus = sql.NullInt64{Int64: int64(resp.StatusCode), Valid: true}
		}
		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("HTTP %d from %s", resp.StatusCode, url)
			log.Printf("meteogram: attempt %d/%d: %v", attempt, f.attempts, err)
			return err
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "image/") {
			err := fmt.Errorf("content type %q from %s, expected image/*", ct, url)
			log.Printf("meteogram: attempt %d/%d: %v", attempt, f.attempts, err)
			return err
		}

		body, err = io.ReadAll(resp.Body)
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.retryInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	retries := backoff.WithMaxRetries(bo, f.attempts-1)
	if err := backoff.Retry(operation, backoff.WithContext(retries, ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func (f *Fetcher) save(site Site, body []byte) error {
	name := site.Name + "_meteogram.png"
	if err := writeImage(filepath.Join(f.imageDir(), name), body); err != nil {
		return err
	}
	if f.archive {
		date := f.clock.Now().Format("2006-01-02")
		if err := writeImage(filepath.Join(f.imageDir(), "archive", date+"_"+name), body); err != nil {
			return err
		}
	}
	return nil
}

func writeImage(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// SelectSites returns the entries of sites named in names, and the names that
// matched nothing.
func SelectSites(sites []Site, names []string) (selected []Site, unknown []string) {
	byName := make(map[string]Site, len(sites))
	for _, s := range sites {
		byName[s.Name] = s
	}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if s, ok := byName[n]; ok {
			selected = append(selected, s)
		} else if n != "" {
			unknown = append(unknown, n)
		}
	}
	return selected, unknown
}
