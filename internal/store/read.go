package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/roach88/fanout/internal/ir"
)

// RunSummary is one row of the run list.
type RunSummary struct {
	RunID        string `json:"run_id"`
	Topology     string `json:"topology"`
	Complete     bool   `json:"complete"`
	Drained      bool   `json:"drained"`
	MissingCount int    `json:"missing_count"`
	StartedAt    string `json:"started_at"`
}

// ReadReport returns the stored report of runID, or ErrNotFound.
//
// Missing keys come back in natural key order; a stage without missing
// keys has an empty (not nil) Missing slice, matching the engine's reports.
func (s *Store) ReadReport(ctx context.Context, runID string) (*ir.Report, error) {
	var (
		r                   ir.Report
		counts, delivery    string
		drained, complete   int
		startedAt, finished string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT run_id, topology, topology_hash, counts, delivery, drained, complete,
		       started_at, finished_at
		FROM runs
		WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.Topology, &r.TopologyHash, &counts, &delivery,
		&drained, &complete, &startedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("read report %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", runID, err)
	}

	r.Drained = drained != 0
	r.Complete = complete != 0
	if r.Counts, err = unmarshalCounts(counts); err != nil {
		return nil, err
	}
	if r.Delivery, err = unmarshalDelivery(delivery); err != nil {
		return nil, err
	}
	if r.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = parseTime(finished); err != nil {
		return nil, err
	}

	missing, err := s.readMissing(ctx, runID)
	if err != nil {
		return nil, err
	}
	if r.Stages, err = s.readStages(ctx, runID, missing); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) readStages(ctx context.Context, runID string, missing map[string][]ir.WorkKey) ([]ir.StageReport, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, level, expected, observed, duplicates, unexpected
		FROM run_stages
		WHERE run_id = ?
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	defer rows.Close()

	stages := []ir.StageReport{}
	for rows.Next() {
		var st ir.StageReport
		var unexpected string
		if err := rows.Scan(&st.Type, &st.Level, &st.Expected, &st.Observed, &st.Duplicates, &unexpected); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		if st.Unexpected, err = unmarshalKeys(unexpected); err != nil {
			return nil, err
		}
		st.Missing = missing[st.Type]
		if st.Missing == nil {
			st.Missing = []ir.WorkKey{}
		}
		stages = append(stages, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	return stages, nil
}

func (s *Store) readMissing(ctx context.Context, runID string) (map[string][]ir.WorkKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, key
		FROM missing_keys
		WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query missing keys: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]ir.WorkKey)
	for rows.Next() {
		var messageType, key string
		if err := rows.Scan(&messageType, &key); err != nil {
			return nil, fmt.Errorf("scan missing key: %w", err)
		}
		out[messageType] = append(out[messageType], ir.WorkKey(key))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate missing keys: %w", err)
	}

	// SQL collation sorts "0-10" before "0-9"; keys use natural order.
	for _, keys := range out {
		slices.SortFunc(keys, ir.CompareKeys)
	}
	return out, nil
}

// ListRuns returns up to limit runs, newest first. limit <= 0 lists all.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, topology, complete, drained, missing_count, started_at
		FROM runs
		ORDER BY started_at DESC, run_id COLLATE BINARY ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []RunSummary{}
	for rows.Next() {
		var rs RunSummary
		var complete, drained int
		if err := rows.Scan(&rs.RunID, &rs.Topology, &complete, &drained, &rs.MissingCount, &rs.StartedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		rs.Complete = complete != 0
		rs.Drained = drained != 0
		runs = append(runs, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}
