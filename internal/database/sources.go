package database

import (
	"database/sql"
	"fmt"
	"time"
)

const sourceColumns = `sid, url, icon_url, name, open_target, text_dir, hidden, fetch_frequency, last_fetched`

// GetAllSources returns every persisted source ordered by sid. Derived
// counts are zero.
func (db *DB) GetAllSources() ([]Source, error) {
	rows, err := db.conn.Query("SELECT " + sourceColumns + " FROM sources ORDER BY sid")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

// GetSource returns a single source by sid, or nil if it does not exist.
func (db *DB) GetSource(sid int) (*Source, error) {
	row := db.conn.QueryRow("SELECT "+sourceColumns+" FROM sources WHERE sid = ?", sid)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// InsertSource inserts a new source row with the sid already assigned.
// A URL or sid conflict returns ErrAlreadyExists.
func (db *DB) InsertSource(s Source) (Source, error) {
	_, err := db.conn.Exec(
		`INSERT INTO sources (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SID, s.URL, s.IconURL, s.Name, s.OpenTarget, s.TextDir, boolInt(s.Hidden),
		s.FetchFrequency, s.LastFetched.Unix(),
	)
	if isUniqueViolation(err) {
		return Source{}, fmt.Errorf("source %s: %w", s.URL, ErrAlreadyExists)
	}
	if err != nil {
		return Source{}, err
	}
	return s, nil
}

// ReplaceSource writes the full source row keyed by sid, inserting it if
// missing. Taking the URL of another source returns ErrAlreadyExists and
// leaves both rows untouched.
func (db *DB) ReplaceSource(s Source) error {
	_, err := db.conn.Exec(
		`INSERT INTO sources (`+sourceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(sid) DO UPDATE SET
			url = excluded.url,
			icon_url = excluded.icon_url,
			name = excluded.name,
			open_target = excluded.open_target,
			text_dir = excluded.text_dir,
			hidden = excluded.hidden,
			fetch_frequency = excluded.fetch_frequency,
			last_fetched = excluded.last_fetched`,
		s.SID, s.URL, s.IconURL, s.Name, s.OpenTarget, s.TextDir, boolInt(s.Hidden),
		s.FetchFrequency, s.LastFetched.Unix(),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("source %s: %w", s.URL, ErrAlreadyExists)
	}
	return err
}

// DeleteSource removes a source and all of its items in one transaction.
func (db *DB) DeleteSource(sid int) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin delete source %d: %w", sid, err)
	}
	if _, err := tx.Exec("DELETE FROM items WHERE source = ?", sid); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting items of source %d: %w", sid, err)
	}
	res, err := tx.Exec("DELETE FROM sources WHERE sid = ?", sid)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting source %d: %w", sid, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return fmt.Errorf("source %d: %w", sid, ErrNotFound)
	}
	return tx.Commit()
}

// UpdateSourceLastFetched records when a source was last fetched.
func (db *DB) UpdateSourceLastFetched(sid int, t time.Time) error {
	_, err := db.conn.Exec("UPDATE sources SET last_fetched = ? WHERE sid = ?", t.Unix(), sid)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*Source, error) {
	var s Source
	var hidden int
	var lastFetched int64
	if err := row.Scan(&s.SID, &s.URL, &s.IconURL, &s.Name, &s.OpenTarget, &s.TextDir,
		&hidden, &s.FetchFrequency, &lastFetched); err != nil {
		return nil, err
	}
	s.Hidden = hidden != 0
	s.LastFetched = time.Unix(lastFetched, 0)
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
