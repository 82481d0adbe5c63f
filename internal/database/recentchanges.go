package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/TobiSchelling/rcwatch/internal/feed"
)

const eventColumns = `article, action, author, source_time, edit_seq, comment, diff, ingested_at`

// Append inserts a batch of events in one transaction, preserving order.
// Ingestion times must increase strictly within the batch and start above
// the newest stored one; otherwise nothing is written and the error wraps
// feed.ErrUnordered.
func (db *DB) Append(ctx context.Context, events []feed.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i := 1; i < len(events); i++ {
		if events[i].IngestedAt <= events[i-1].IngestedAt {
			return fmt.Errorf("append at index %d: %w", i, feed.ErrUnordered)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var newest sql.NullFloat64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(ingested_at) FROM recentchanges`).Scan(&newest); err != nil {
		return fmt.Errorf("reading newest stamp: %w", err)
	}
	if newest.Valid && events[0].IngestedAt <= newest.Float64 {
		return fmt.Errorf("append at %f, newest stored %f: %w",
			events[0].IngestedAt, newest.Float64, feed.ErrUnordered)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO recentchanges (id, `+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		diff, err := feed.MarshalDiff(e.Diff)
		if err != nil {
			return fmt.Errorf("encoding diff of %q: %w", e.Article, err)
		}
		_, err = stmt.ExecContext(ctx, uuid.NewString(), e.Article, string(e.Action), e.Author,
			e.SourceTime, e.EditSeq, e.Comment, diff, e.IngestedAt)
		if err != nil {
			return fmt.Errorf("inserting %q: %w", e.Article, err)
		}
	}

	return tx.Commit()
}

// Query returns events selected by r, sorted by ingestion time in r's
// direction, at most r.Limit of them.
func (db *DB) Query(ctx context.Context, r feed.Range) ([]feed.ChangeEvent, error) {
	var (
		where []string
		args  []any
	)
	if r.Article != "" {
		where = append(where, "article = ?")
		args = append(args, r.Article)
	}
	if r.From != nil {
		if r.ExclusiveFrom {
			where = append(where, "ingested_at > ?")
		} else {
			where = append(where, "ingested_at >= ?")
		}
		args = append(args, *r.From)
	}
	if r.Until != nil {
		if r.ExclusiveUntil {
			where = append(where, "ingested_at < ?")
		} else {
			where = append(where, "ingested_at <= ?")
		}
		args = append(args, *r.Until)
	}

	query := "SELECT " + eventColumns + " FROM recentchanges"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if r.Desc {
		query += " ORDER BY ingested_at DESC, seq DESC"
	} else {
		query += " ORDER BY ingested_at ASC, seq ASC"
	}
	query += " LIMIT ?"
	args = append(args, r.Limit)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent changes: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// LatestActions returns the action of the newest event of every article.
func (db *DB) LatestActions(ctx context.Context) (map[string]feed.Action, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT article, action FROM recentchanges
		WHERE seq IN (SELECT MAX(seq) FROM recentchanges GROUP BY article)`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying latest actions: %w", err)
	}
	defer rows.Close()

	out := make(map[string]feed.Action)
	for rows.Next() {
		var article, action string
		if err := rows.Scan(&article, &action); err != nil {
			return nil, err
		}
		out[article] = feed.ParseAction(action)
	}
	return out, rows.Err()
}

// GetStats returns aggregate counts over the stored history.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	var s Stats
	var first, last sql.NullFloat64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT article), MIN(ingested_at), MAX(ingested_at) FROM recentchanges`,
	).Scan(&s.TotalEvents, &s.Articles, &first, &last)
	if err != nil {
		return nil, fmt.Errorf("reading stats: %w", err)
	}
	s.FirstIngestedAt = first.Float64
	s.LastIngestedAt = last.Float64

	rows, err := db.conn.QueryContext(ctx, `SELECT action, COUNT(*) FROM recentchanges GROUP BY action`)
	if err != nil {
		return nil, fmt.Errorf("reading action counts: %w", err)
	}
	defer rows.Close()
	s.ByAction = make(map[feed.Action]int)
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		s.ByAction[feed.ParseAction(action)] += n
	}
	return &s, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]feed.ChangeEvent, error) {
	events := []feed.ChangeEvent{}
	for rows.Next() {
		var (
			e       feed.ChangeEvent
			action  string
			editSeq sql.NullInt64
			comment sql.NullString
			diff    string
		)
		if err := rows.Scan(&e.Article, &action, &e.Author, &e.SourceTime,
			&editSeq, &comment, &diff, &e.IngestedAt); err != nil {
			return nil, err
		}
		e.Action = feed.ParseAction(action)
		if editSeq.Valid {
			n := int(editSeq.Int64)
			e.EditSeq = &n
		}
		if comment.Valid {
			c := comment.String
			e.Comment = &c
		}
		d, err := feed.UnmarshalDiff(diff)
		if err != nil {
			return nil, fmt.Errorf("decoding diff of %q: %w", e.Article, err)
		}
		e.Diff = d
		events = append(events, e)
	}
	return events, rows.Err()
}
