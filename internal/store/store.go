// Package store provides row-level helpers on top of a reconciled schema:
// duplicate filtering keyed by the table's live unique keys, and inserts
// that retry transient connection failures.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tiankongzhise/schemasync/internal/database"
	"github.com/tiankongzhise/schemasync/internal/dberr"
	"github.com/tiankongzhise/schemasync/internal/schema"
	"github.com/tiankongzhise/schemasync/pkg/logger"
)

const (
	insertAttempts = 3
	insertWait     = 2 * time.Second
)

// Store wraps a live connection for row writes.
type Store struct {
	db  database.Database
	log *logger.Logger

	// wait is overridable so tests do not sleep.
	wait time.Duration
}

func NewStore(db database.Database, log *logger.Logger) *Store {
	return &Store{db: db, log: log, wait: insertWait}
}

// UniqueKeyGroups returns every column tuple that uniquely identifies a row
// in the live table: the primary key plus each unique key, introspected
// fresh so the groups reflect the schema as it stands now.
func (s *Store) UniqueKeyGroups(ctx context.Context, table string) ([][]string, error) {
	live, err := s.db.Table(ctx, table)
	if err != nil {
		return nil, err
	}

	var groups [][]string
	if len(live.PrimaryKeys) > 0 {
		groups = append(groups, schema.NormalizeTuple(live.PrimaryKeys))
	}
	groups = append(groups, live.UniqueTuples()...)
	return groups, nil
}

// FilterNew returns the rows not already present in the table. A row is a
// duplicate when, for any unique key group whose columns it carries, a row
// with the same key values exists. Rows carrying no complete key group are
// kept: nothing identifies them as duplicates.
func (s *Store) FilterNew(ctx context.Context, table string, rows []map[string]any) ([]map[string]any, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	groups, err := s.UniqueKeyGroups(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to discover unique keys for %s: %w", table, err)
	}

	var fresh []map[string]any
	for _, row := range rows {
		dup, err := s.isDuplicate(ctx, table, groups, row)
		if err != nil {
			return nil, err
		}
		if !dup {
			fresh = append(fresh, row)
		}
	}

	s.log.WithFields(logrus.Fields{
		"table":      table,
		"candidates": len(rows),
		"new":        len(fresh),
	}).Debug("Filtered candidate rows against live unique keys")
	return fresh, nil
}

func (s *Store) isDuplicate(ctx context.Context, table string, groups [][]string, row map[string]any) (bool, error) {
	for _, group := range groups {
		keys := make(map[string]any, len(group))
		complete := true
		for _, col := range group {
			val, ok := row[col]
			if !ok || val == nil {
				complete = false
				break
			}
			keys[col] = val
		}
		if !complete {
			continue
		}

		exists, err := s.db.Exists(ctx, table, keys)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// Insert writes one row, retrying lost connections with a fixed wait.
// Integrity violations are never retried: resending the same row cannot
// satisfy the constraint it violates.
func (s *Store) Insert(ctx context.Context, table string, row map[string]any) error {
	var lastErr error
	for attempt := 1; attempt <= insertAttempts; attempt++ {
		err := s.db.Insert(ctx, table, row)
		if err == nil {
			return nil
		}
		lastErr = err

		if !dberr.IsConnection(err) {
			return err
		}
		s.log.WithFields(logrus.Fields{
			"table":   table,
			"attempt": attempt,
			"error":   err.Error(),
		}).Warn("Insert hit a connection failure; retrying")

		if attempt == insertAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.wait):
		}
	}
	return fmt.Errorf("insert into %s failed after %d attempts: %w", table, insertAttempts, lastErr)
}

// InsertNew filters rows against the live unique keys and inserts the
// remainder, reporting how many rows were written.
func (s *Store) InsertNew(ctx context.Context, table string, rows []map[string]any) (int, error) {
	fresh, err := s.FilterNew(ctx, table, rows)
	if err != nil {
		return 0, err
	}
	for i, row := range fresh {
		if err := s.Insert(ctx, table, row); err != nil {
			return i, err
		}
	}
	return len(fresh), nil
}
