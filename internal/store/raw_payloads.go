package store

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
)

// StoreRawPayload keeps a gzipped copy of an upstream response so parse
// changes can be replayed. Identical bodies are stored once; a duplicate
// returns id 0.
func (s *Store) StoreRawPayload(run *IngestRun, payload []byte) (int64, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	if err := gz.Close(); err != nil {
		return 0, fmt.Errorf("compress payload: %w", err)
	}
	sum := sha256.Sum256(payload)

	var runID sql.NullInt64
	var source string
	var stationID sql.NullString
	if run != nil {
		runID = sql.NullInt64{Int64: run.ID, Valid: true}
		source, stationID = run.Source, run.StationID
	}

	res, err := s.db.Exec(`
		INSERT INTO raw_payloads (ingest_run_id, fetched_at, source, station_id, payload_gzip, sha256)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(sha256) DO NOTHING
	`, runID, s.clock.Now().UTC(), source, stationID, buf.Bytes(), hex.EncodeToString(sum[:]))
	if err != nil {
		return 0, fmt.Errorf("insert raw payload: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return 0, err
	}
	return res.LastInsertId()
}

// GetRawPayload returns the decompressed body stored under id.
func (s *Store) GetRawPayload(id int64) ([]byte, error) {
	var compressed []byte
	if err := s.db.QueryRow(`SELECT payload_gzip FROM raw_payloads WHERE id = ?`, id).Scan(&compressed); err != nil {
		return nil, err
	}
	gz, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open payload %d: %w", id, err)
	}
	defer gz.Close()
	return io.ReadAll(gz)
}

// RawPayloadStats sizes the payload archive for /health.
type RawPayloadStats struct {
	TotalCount     int
	TotalSizeBytes int64
	CountBySource  map[string]int
}

func (s *Store) GetRawPayloadStats() (*RawPayloadStats, error) {
	rows, err := s.db.Query(`
		SELECT source, COUNT(*), COALESCE(SUM(LENGTH(payload_gzip)), 0)
		FROM raw_payloads
		GROUP BY source
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &RawPayloadStats{CountBySource: make(map[string]int)}
	for rows.Next() {
		var source string
		var count int
		var size int64
		if err := rows.Scan(&source, &count, &size); err != nil {
			return nil, err
		}
		stats.CountBySource[source] = count
		stats.TotalCount += count
		stats.TotalSizeBytes += size
	}
	return stats, rows.Err()
}

// CleanupOldRawPayloads drops payloads fetched more than retentionDays ago
// and reports how many went.
func (s *Store) CleanupOldRawPayloads(retentionDays int) (int64, error) {
	cutoff := s.clock.Now().UTC().AddDate(0, 0, -retentionDays).Format("2006-01-02")
	res, err := s.db.Exec(`DELETE FROM raw_payloads WHERE SUBSTR(fetched_at, 1, 10) < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
