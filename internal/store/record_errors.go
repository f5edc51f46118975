package store

import (
	"database/sql"
	"time"

	"github.com/lox/skiverify/internal/models"
)

// RecordErrorEntry is a file that was rejected at load time.
type RecordErrorEntry struct {
	ID         int64
	RecordedAt time.Time
	PostDate   sql.NullString
	Path       string
	Field      string
	Kind       string
	Reason     string
}

// InsertRecordError logs a rejected file. postDate is the run that tried to
// load it and may be zero.
func (s *Store) InsertRecordError(postDate models.Date, path, field, kind, reason string) error {
	var pd sql.NullString
	if !postDate.IsZero() {
		pd = sql.NullString{String: postDate.String(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO record_errors (recorded_at, post_date, path, field, kind, reason)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.clock.Now().UTC(), pd, path, field, kind, reason)
	return err
}

func (s *Store) GetRecentRecordErrors(limit int) ([]RecordErrorEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, recorded_at, post_date, path, field, kind, reason
		FROM record_errors
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RecordErrorEntry
	for rows.Next() {
		var e RecordErrorEntry
		if err := rows.Scan(&e.ID, &e.RecordedAt, &e.PostDate, &e.Path, &e.Field, &e.Kind, &e.Reason); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
