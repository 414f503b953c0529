package database

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const itemColumns = `id, source, title, link, date, fetched_date, thumb, content, snippet, creator,
	has_read, starred, hidden, notify`

// InsertItems inserts items in one transaction, skipping any whose
// (source, link) already exists. Returns the items actually inserted with
// their IDs assigned.
func (db *DB) InsertItems(items []Item) ([]Item, error) {
	if len(items) == 0 {
		return nil, nil
	}
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin insert items: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO items
		(source, title, link, date, fetched_date, thumb, content, snippet, creator, has_read, starred, hidden, notify)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("preparing item insert: %w", err)
	}
	defer stmt.Close()

	var inserted []Item
	for _, it := range items {
		res, err := stmt.Exec(it.Source, it.Title, it.Link, it.Date.UnixMilli(), it.FetchedDate.UnixMilli(),
			it.Thumb, it.Content, it.Snippet, it.Creator,
			boolInt(it.HasRead), boolInt(it.Starred), boolInt(it.Hidden), boolInt(it.Notify))
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("inserting item %s: %w", it.Link, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		it.ID = id
		inserted = append(inserted, it)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit items: %w", err)
	}
	return inserted, nil
}

// GetItem returns a single item, or nil if it does not exist.
func (db *DB) GetItem(id int64) (*Item, error) {
	row := db.conn.QueryRow("SELECT "+itemColumns+" FROM items WHERE id = ?", id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// GetItems returns a page of non-hidden items from the given sources,
// newest first.
func (db *DB) GetItems(sids []int, offset, limit int) ([]Item, error) {
	if len(sids) == 0 {
		return nil, nil
	}
	in, args := inClause(sids)
	args = append(args, limit, offset)
	rows, err := db.conn.Query(
		"SELECT "+itemColumns+" FROM items WHERE hidden = 0 AND source IN "+in+
			" ORDER BY date DESC, id DESC LIMIT ? OFFSET ?", args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// SetItemRead updates the read flag of one item.
func (db *DB) SetItemRead(id int64, read bool) error {
	_, err := db.conn.Exec("UPDATE items SET has_read = ? WHERE id = ?", boolInt(read), id)
	return err
}

// SetItemStarred updates the starred flag of one item.
func (db *DB) SetItemStarred(id int64, starred bool) error {
	_, err := db.conn.Exec("UPDATE items SET starred = ? WHERE id = ?", boolInt(starred), id)
	return err
}

// MarkAllRead marks every unread item of the given sources as read. A
// non-zero before restricts it to items dated before that instant.
func (db *DB) MarkAllRead(sids []int, before time.Time) (int64, error) {
	if len(sids) == 0 {
		return 0, nil
	}
	in, args := inClause(sids)
	query := "UPDATE items SET has_read = 1 WHERE has_read = 0 AND source IN " + in
	if !before.IsZero() {
		query += " AND date < ?"
		args = append(args, before.UnixMilli())
	}
	res, err := db.conn.Exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteItemsBefore removes items dated before t that are not starred.
func (db *DB) DeleteItemsBefore(t time.Time) (int64, error) {
	res, err := db.conn.Exec("DELETE FROM items WHERE date < ? AND starred = 0", t.UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCounts returns the number of unread items per source.
func (db *DB) UnreadCounts() (map[int]int, error) {
	return db.countBySource("SELECT source, COUNT(*) FROM items WHERE has_read = 0 GROUP BY source")
}

// StarredCounts returns the number of starred items per source.
func (db *DB) StarredCounts() (map[int]int, error) {
	return db.countBySource("SELECT source, COUNT(*) FROM items WHERE starred = 1 GROUP BY source")
}

func (db *DB) countBySource(query string) (map[int]int, error) {
	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[int]int)
	for rows.Next() {
		var sid, n int
		if err := rows.Scan(&sid, &n); err != nil {
			return nil, err
		}
		counts[sid] = n
	}
	return counts, rows.Err()
}

func inClause(sids []int) (string, []any) {
	marks := make([]string, len(sids))
	args := make([]any, len(sids))
	for i, sid := range sids {
		marks[i] = "?"
		args[i] = sid
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var date, fetched int64
	var thumb, content, snippet, creator sql.NullString
	var read, starred, hidden, notify int
	if err := row.Scan(&it.ID, &it.Source, &it.Title, &it.Link, &date, &fetched,
		&thumb, &content, &snippet, &creator, &read, &starred, &hidden, &notify); err != nil {
		return nil, err
	}
	it.Date = time.UnixMilli(date)
	it.FetchedDate = time.UnixMilli(fetched)
	it.Thumb = thumb.String
	it.Content = content.String
	it.Snippet = snippet.String
	it.Creator = creator.String
	it.HasRead = read != 0
	it.Starred = starred != 0
	it.Hidden = hidden != 0
	it.Notify = notify != 0
	return &it, nil
}
