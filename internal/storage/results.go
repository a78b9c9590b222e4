package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ssd-technologies/quorum/internal/consensus"
)

// RecordResult stores r and its outcomes in one transaction.
func (d *DB) RecordResult(ctx context.Context, r *consensus.Result) error {
	absent, err := json.Marshal(nonNil(r.Absent))
	if err != nil {
		return fmt.Errorf("encode absent: %w", err)
	}
	decision, err := json.Marshal(r.Decision)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	summary, err := json.Marshal(r.AggregatedAnalysis)
	if err != nil {
		return fmt.Errorf("encode aggregated analysis: %w", err)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO consensus_results (id, task_id, task_digest, algorithm, threshold,
		     consensus_reached, aggregate_confidence, valid_count, total_count, selected_count,
		     partial, absent, decision, aggregated_analysis, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskID, r.TaskDigest, r.Algorithm.String(), r.Threshold,
		boolToInt(r.ConsensusReached), r.AggregateConfidence, r.ValidCount, r.TotalCount, r.SelectedCount,
		boolToInt(r.Partial), string(absent), string(decision), string(summary), r.ProducedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create result: %w", err)
	}

	position := 0
	for _, group := range [][]consensus.Outcome{r.Successful, r.Failed} {
		for _, o := range group {
			fields, err := json.Marshal(o.Analysis)
			if err != nil {
				return fmt.Errorf("encode analysis for %s: %w", o.ValidatorID, err)
			}
			_, err = tx.ExecContext(ctx,
				`INSERT INTO validator_outcomes (result_id, position, validator_id, succeeded, valid,
				     confidence, analysis, error_kind, error, attempts, latency_ns)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				r.ID, position, o.ValidatorID, boolToInt(o.Succeeded), boolToInt(o.Valid),
				o.Confidence, string(fields), o.Kind.String(), o.Error, o.Attempts, int64(o.Latency),
			)
			if err != nil {
				return fmt.Errorf("create outcome: %w", err)
			}
			position++
		}
	}
	return tx.Commit()
}

// GetResult loads a result with its outcomes.
func (d *DB) GetResult(ctx context.Context, id string) (*consensus.Result, error) {
	r := &consensus.Result{}
	var (
		algorithm                 string
		reached, partial          int
		absent, decision, summary string
		producedAt                int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT id, task_id, task_digest, algorithm, threshold, consensus_reached,
		     aggregate_confidence, valid_count, total_count, selected_count, partial,
		     absent, decision, aggregated_analysis, produced_at
		 FROM consensus_results WHERE id = ?`, id,
	).Scan(&r.ID, &r.TaskID, &r.TaskDigest, &algorithm, &r.Threshold, &reached,
		&r.AggregateConfidence, &r.ValidCount, &r.TotalCount, &r.SelectedCount, &partial,
		&absent, &decision, &summary, &producedAt)
	if err != nil {
		return nil, fmt.Errorf("get result: %w", notFound(err))
	}

	if r.Algorithm, err = consensus.ParseAlgorithm(algorithm); err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	r.ConsensusReached = reached == 1
	r.Partial = partial == 1
	r.ProducedAt = time.Unix(0, producedAt).UTC()
	if err := json.Unmarshal([]byte(absent), &r.Absent); err != nil {
		return nil, fmt.Errorf("decode absent: %w", err)
	}
	if len(r.Absent) == 0 {
		r.Absent = nil
	}
	if err := json.Unmarshal([]byte(decision), &r.Decision); err != nil {
		return nil, fmt.Errorf("decode decision: %w", err)
	}
	if err := json.Unmarshal([]byte(summary), &r.AggregatedAnalysis); err != nil {
		return nil, fmt.Errorf("decode aggregated analysis: %w", err)
	}

	outcomes, err := d.listOutcomes(ctx, id)
	if err != nil {
		return nil, err
	}
	r.Successful = []consensus.Outcome{}
	r.Failed = []consensus.Outcome{}
	for _, o := range outcomes {
		if o.Succeeded {
			r.Successful = append(r.Successful, o)
		} else {
			r.Failed = append(r.Failed, o)
		}
	}
	return r, nil
}

func (d *DB) listOutcomes(ctx context.Context, resultID string) ([]consensus.Outcome, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT validator_id, succeeded, valid, confidence, analysis, error_kind, error, attempts, latency_ns
		 FROM validator_outcomes WHERE result_id = ? ORDER BY position`, resultID,
	)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []consensus.Outcome
	for rows.Next() {
		var (
			o                consensus.Outcome
			succeeded, valid int
			fields, kind     string
			latency          int64
		)
		if err := rows.Scan(&o.ValidatorID, &succeeded, &valid, &o.Confidence, &fields, &kind, &o.Error, &o.Attempts, &latency); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Succeeded = succeeded == 1
		o.Valid = valid == 1
		o.Latency = time.Duration(latency)
		if err := json.Unmarshal([]byte(fields), &o.Analysis); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		if err := o.Kind.UnmarshalText([]byte(kind)); err != nil {
			return nil, fmt.Errorf("decode error kind: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// ListResults returns the most recent results first. A limit of zero or less
// returns every result.
func (d *DB) ListResults(ctx context.Context, limit int) ([]ResultSummary, error) {
	query := `SELECT id, task_id, algorithm, consensus_reached, aggregate_confidence,
	              valid_count, total_count, selected_count, partial, produced_at
	          FROM consensus_results ORDER BY produced_at DESC, id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var results []ResultSummary
	for rows.Next() {
		var (
			s                ResultSummary
			reached, partial int
			producedAt       int64
		)
		if err := rows.Scan(&s.ID, &s.TaskID, &s.Algorithm, &reached, &s.AggregateConfidence,
			&s.ValidCount, &s.TotalCount, &s.SelectedCount, &partial, &producedAt); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		s.ConsensusReached = reached == 1
		s.Partial = partial == 1
		s.ProducedAt = time.Unix(0, producedAt).UTC()
		results = append(results, s)
	}
	return results, rows.Err()
}

// PruneResults deletes results produced before cutoff and returns how many
// were removed.
func (d *DB) PruneResults(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM validator_outcomes WHERE result_id IN
		     (SELECT id FROM consensus_results WHERE produced_at < ?)`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM consensus_results WHERE produced_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune results rows affected: %w", err)
	}
	return int(n), tx.Commit()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
