package ingest

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/lox/skiverify/internal/metrics"
	"github.com/lox/skiverify/internal/store"
)

const (
	metarFTPHost = "tgftp.nws.noaa.gov:21"
	metarDir     = "/data/observations/metar/stations"
)

// METARReading is the latest surface observation for a station.
type METARReading struct {
	Station    string
	ObservedAt time.Time
	TempF      float64
	Raw        string
}

type METARClient struct {
	host    string
	timeout time.Duration
	store   *store.Store
}

// NewMETARClient creates a client for the NWS anonymous FTP mirror. st may
// be nil.
func NewMETARClient(st *store.Store) *METARClient {
	return &METARClient{
		host:    metarFTPHost,
		timeout: 30 * time.Second,
		store:   st,
	}
}

func (c *METARClient) FetchLatest(ctx context.Context, station string) (*METARReading, error) {
	station = strings.ToUpper(station)

	var run *store.IngestRun
	if c.store != nil {
		var err error
		run, err = c.store.StartIngestRun("metar", "metar/stations", station, "")
		if err != nil {
			return nil, fmt.Errorf("start ingest run: %w", err)
		}
	}

	started := time.Now()
	body, err := c.retrieve(ctx, fmt.Sprintf("%s/%s.TXT", metarDir, station))
	metrics.CollectorLatency.WithLabelValues("metar").Observe(time.Since(started).Seconds())

	var reading *METARReading
	if err == nil {
		metrics.CollectorCallsTotal.WithLabelValues("metar", "ok").Inc()
		reading, err = ParseMETAR(station, body)
	} else {
		metrics.CollectorCallsTotal.WithLabelValues("metar", "error").Inc()
	}

	if run != nil {
		run.ResponseBytes = sql.NullInt64{Int64: int64(len(body)), Valid: len(body) > 0}
		if len(body) > 0 {
			if _, perr := c.store.StoreRawPayload(run, body); perr != nil {
				return nil, perr
			}
		}
		if err != nil {
			run.Fail(err)
		} else {
			run.Succeed(1)
		}
		if cerr := c.store.CompleteIngestRun(run); cerr != nil {
			return nil, fmt.Errorf("complete ingest run: %w", cerr)
		}
	}
	if err != nil {
		return nil, err
	}
	return reading, nil
}

func (c *METARClient) retrieve(ctx context.Context, path string) ([]byte, error) {
	conn, err := ftp.Dial(c.host, ftp.DialWithTimeout(c.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr %s: %w", path, err)
	}
	defer resp.Close()

	body, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

var (
	metarTempGroup  = regexp.MustCompile(`^(M?\d{2})/(M?\d{2})?$`)
	metarPreciseTmp = regexp.MustCompile(`^T([01])(\d{3})[01]\d{3}$`)
)

// ParseMETAR reads a station file: a "YYYY/MM/DD HH:MM" UTC line followed by
// the report. The remarks T-group is preferred over the whole-degree
// temperature group when present.
func ParseMETAR(station string, data []byte) (*METARReading, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	var lines []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 2 {
		return nil, fmt.Errorf("metar %s: expected timestamp and report, got %d lines", station, len(lines))
	}

	observedAt, err := time.Parse("2006/01/02 15:04", lines[0])
	if err != nil {
		return nil, fmt.Errorf("metar %s: bad timestamp %q", station, lines[0])
	}

	reading := &METARReading{Station: station, ObservedAt: observedAt, Raw: lines[1]}

	var celsius float64
	found := false
	for _, tok := range strings.Fields(lines[1]) {
		if m := metarPreciseTmp.FindStringSubmatch(tok); m != nil {
			tenths, _ := strconv.Atoi(m[2])
			celsius = float64(tenths) / 10
			if m[1] == "1" {
				celsius = -celsius
			}
			found = true
			break
		}
		if found {
			continue
		}
		if m := metarTempGroup.FindStringSubmatch(tok); m != nil {
			celsius = parseMETARDegrees(m[1])
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("metar %s: no temperature group in %q", station, lines[1])
	}

	reading.TempF = math.Round((celsius*9/5+32)*10) / 10
	return reading, nil
}

func parseMETARDegrees(s string) float64 {
	neg := strings.HasPrefix(s, "M")
	v, _ := strconv.Atoi(strings.TrimPrefix(s, "M"))
	if neg {
		return -float64(v)
	}
	return float64(v)
}
