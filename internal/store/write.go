package store

import (
	"context"
	"fmt"

	"github.com/roach88/fanout/internal/ir"
)

// WriteReport records a run's verification report in one transaction.
// Uses ON CONFLICT DO NOTHING for idempotency - writing the same run twice
// keeps the first report.
func (s *Store) WriteReport(ctx context.Context, r *ir.Report) (err error) {
	counts, err := marshalCounts(r.Counts)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	delivery, err := marshalDelivery(r.Delivery)
	if err != nil {
		return fmt.Errorf("write report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write report: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(run_id, topology, topology_hash, counts, delivery, drained, complete,
		 missing_count, started_at, finished_at, engine_version, report_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`,
		r.RunID,
		r.Topology,
		r.TopologyHash,
		counts,
		delivery,
		boolInt(r.Drained),
		boolInt(r.Complete),
		r.MissingCount(),
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
		ir.EngineVersion,
		ir.ReportVersion,
	)
	if err != nil {
		return fmt.Errorf("write report %s: %w", r.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already recorded.
		return tx.Commit()
	}

	for i, st := range r.Stages {
		unexpected, err := marshalKeys(st.Unexpected)
		if err != nil {
			return fmt.Errorf("write report %s: %w", r.RunID, err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_stages
			(run_id, position, type, level, expected, observed, duplicates, unexpected)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, r.RunID, i, st.Type, st.Level, st.Expected, st.Observed, st.Duplicates, unexpected)
		if err != nil {
			return fmt.Errorf("write stage %s of %s: %w", st.Type, r.RunID, err)
		}

		for _, k := range st.Missing {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO missing_keys (run_id, type, key)
				VALUES (?, ?, ?)
				ON CONFLICT DO NOTHING
			`, r.RunID, st.Type, string(k))
			if err != nil {
				return fmt.Errorf("write missing key %s of %s: %w", k, r.RunID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write report %s: commit: %w", r.RunID, err)
	}
	return nil
}
