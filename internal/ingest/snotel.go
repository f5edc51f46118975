package ingest

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/skiverify/internal/httputil"
	"github.com/lox/skiverify/internal/metrics"
	"github.com/lox/skiverify/internal/models"
	"github.com/lox/skiverify/internal/store"
)

const snotelBaseURL = "https://wcc.sc.egov.usda.gov/reportGenerator/view_csv/customSingleStationReport/daily/"

// Elements requested from the report generator, in column order after Date.
const snotelElements = "SNWD::value,TOBS::value,TMAX::value,TMIN::value,PREC::value"

// SnotelDay is one row of a SNOTEL daily report. Missing values are nil.
type SnotelDay struct {
	Date         models.Date
	SnowDepth    *float64 // in
	TempObserved *float64 // degF
	TempMax      *float64 // degF
	TempMin      *float64 // degF
	PrecipAccum  *float64 // in, water year to date
}

type SnotelClient struct {
	baseURL    string
	client     *http.Client
	store      *store.Store
	maxElapsed time.Duration
}

// NewSnotelClient creates a client for the NRCS report generator. st may be
// nil, in which case fetches are not audited.
func NewSnotelClient(st *store.Store) *SnotelClient {
	return &SnotelClient{
		baseURL:    snotelBaseURL,
		client:     httputil.NewClient(),
		store:      st,
		maxElapsed: 2 * time.Minute,
	}
}

func snotelTriplet(site string) string {
	return site + ":WA:SNTL"
}

func (c *SnotelClient) reportURL(site string, start, end models.Date) string {
	return fmt.Sprintf("%s%s%%7Cid=%%22%%22%%7Cname/%s,%s/%s", c.baseURL, snotelTriplet(site), start, end, snotelElements)
}

// FetchDaily returns the daily values for a site between start and end
// inclusive, oldest first.
func (c *SnotelClient) FetchDaily(ctx context.Context, site string, start, end models.Date) ([]SnotelDay, error) {
	var run *store.IngestRun
	if c.store != nil {
		var err error
		run, err = c.store.StartIngestRun("snotel", "reportGenerator/daily", snotelTriplet(site), "")
		if err != nil {
			return nil, fmt.Errorf("start ingest run: %w", err)
		}
	}

	days, err := c.fetchDaily(ctx, site, start, end, run)
	if run != nil {
		if err != nil {
			run.Fail(err)
		} else {
			run.Succeed(len(days))
		}
		if cerr := c.store.CompleteIngestRun(run); cerr != nil {
			return nil, fmt.Errorf("complete ingest run: %w", cerr)
		}
	}
	return days, err
}

func (c *SnotelClient) fetchDaily(ctx context.Context, site string, start, end models.Date, run *store.IngestRun) ([]SnotelDay, error) {
	url := c.reportURL(site, start, end)

	var body []byte
	operation := func() error {
		req, err := httputil.NewRequest(ctx, url)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}

		started := time.Now()
		resp, err := c.client.Do(req)
		metrics.CollectorLatency.WithLabelValues("snotel").Observe(time.Since(started).Seconds())
		if err != nil {
			metrics.CollectorCallsTotal.WithLabelValues("snotel", "error").Inc()
			return fmt.Errorf("fetch snotel: %w", err)
		}
		defer resp.Body.Close()

		metrics.CollectorCallsTotal.WithLabelValues("snotel", strconv.Itoa(resp.StatusCode)).Inc()
		if run != nil {
			run.HTTPStatus = sql.NullInt64{Int64: int64(resp.StatusCode), Valid: true}
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("fetch snotel: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch snotel: status %d: %s", resp.StatusCode, strings.TrimSpace(string(b))))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.maxElapsed
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	if run != nil {
		run.ResponseBytes = sql.NullInt64{Int64: int64(len(body)), Valid: true}
		if _, err := c.store.StoreRawPayload(run, body); err != nil {
			return nil, err
		}
	}

	days, err := ParseSnotelCSV(body)
	if err != nil {
		return nil, fmt.Errorf("parse snotel %s: %w", site, err)
	}
	return days, nil
}

// ParseSnotelCSV parses a report generator CSV. Lines starting with '#' are
// comments; the first remaining line is the header.
func ParseSnotelCSV(data []byte) ([]SnotelDay, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty report")
	}
	if len(records[0]) == 0 || records[0][0] != "Date" {
		return nil, fmt.Errorf("unexpected header %q", strings.Join(records[0], ","))
	}

	var days []SnotelDay
	for i, rec := range records[1:] {
		d, err := models.ParseDate(rec[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: bad date %q", i+1, rec[0])
		}
		day := SnotelDay{Date: d}
		targets := []**float64{&day.SnowDepth, &day.TempObserved, &day.TempMax, &day.TempMin, &day.PrecipAccum}
		for col, target := range targets {
			if col+1 >= len(rec) {
				break
			}
			v, ok, err := parseOptionalFloat(rec[col+1])
			if err != nil {
				return nil, fmt.Errorf("row %d column %d: %w", i+1, col+1, err)
			}
			if ok {
				*target = &v
			}
		}
		days = append(days, day)
	}
	return days, nil
}

func parseOptionalFloat(s string) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
