package store

import (
	"database/sql"
	"time"
)

// IngestRun audits one upstream fetch: a SNOTEL report, a METAR file or a
// meteogram download.
type IngestRun struct {
	ID            int64
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	Source        string // "snotel", "metar", "cw3e"
	Endpoint      string // "reportGenerator/daily", "metar/stations", "wwrf/ensemble"
	StationID     sql.NullString
	Area          sql.NullString
	HTTPStatus    sql.NullInt64
	ResponseBytes sql.NullInt64
	Records       sql.NullInt64 // days, readings or images taken from the response
	Success       bool
	ErrorMessage  sql.NullString
}

// Succeed marks the run successful with n records taken from the response.
func (r *IngestRun) Succeed(n int) {
	r.Success = true
	r.Records = sql.NullInt64{Int64: int64(n), Valid: true}
}

// Fail marks the run as failed with err's message.
func (r *IngestRun) Fail(err error) {
	r.Success = false
	r.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
}

func (s *Store) StartIngestRun(source, endpoint, stationID, area string) (*IngestRun, error) {
	run := &IngestRun{
		StartedAt: s.clock.Now().UTC(),
		Source:    source,
		Endpoint:  endpoint,
		StationID: nullString(stationID),
		Area:      nullString(area),
	}
	res, err := s.db.Exec(`
		INSERT INTO ingest_runs (started_at, source, endpoint, station_id, area, success)
		VALUES (?, ?, ?, ?, ?, FALSE)
	`, run.StartedAt, run.Source, run.Endpoint, run.StationID, run.Area)
	if err != nil {
		return nil, err
	}
	if run.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteIngestRun stamps the finish time and stores the outcome. A nil run
// is ignored so callers can complete unconditionally.
func (s *Store) CompleteIngestRun(run *IngestRun) error {
	if run == nil {
		return nil
	}
	run.FinishedAt = sql.NullTime{Time: s.clock.Now().UTC(), Valid: true}
	_, err := s.db.Exec(`
		UPDATE ingest_runs
		SET finished_at = ?, http_status = ?, response_bytes = ?, records = ?, success = ?, error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.HTTPStatus, run.ResponseBytes, run.Records, run.Success, run.ErrorMessage, run.ID)
	return err
}

// IngestHealth counts one source's runs over a recent window.
type IngestHealth struct {
	Source    string
	Runs      int
	Succeeded int
	Failed    int
	Records   int64
}

// GetIngestHealth summarizes runs started in the last days days, per source.
func (s *Store) GetIngestHealth(days int) ([]IngestHealth, error) {
	since := s.clock.Now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.Query(`
		SELECT source,
			COUNT(*),
			SUM(CASE WHEN success THEN 1 ELSE 0 END),
			SUM(CASE WHEN success THEN 0 ELSE 1 END),
			COALESCE(SUM(records), 0)
		FROM ingest_runs
		WHERE SUBSTR(started_at, 1, 19) > ?
		GROUP BY source
		ORDER BY source
	`, since.Format("2006-01-02 15:04:05"))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestHealth
	for rows.Next() {
		var h IngestHealth
		if err := rows.Scan(&h.Source, &h.Runs, &h.Succeeded, &h.Failed, &h.Records); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetRecentIngestErrors returns the latest failed runs, newest first.
func (s *Store) GetRecentIngestErrors(limit int) ([]IngestRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, source, endpoint, station_id, area,
			http_status, response_bytes, records, success, error_message
		FROM ingest_runs
		WHERE NOT success
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []IngestRun
	for rows.Next() {
		var r IngestRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Source, &r.Endpoint,
			&r.StationID, &r.Area, &r.HTTPStatus, &r.ResponseBytes, &r.Records,
			&r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
