package dispatch

import (
	"context"

	"go.uber.org/zap"

	"github.com/ssd-technologies/quorum/internal/consensus"
	"github.com/ssd-technologies/quorum/internal/registry"
)

// Collection is what the coordinator gathered by the join point.
type Collection struct {
	// Settled holds one outcome per settled validator, in selection order.
	Settled []consensus.Outcome
	// Absent lists validators unsettled when the deadline fired, in
	// selection order.
	Absent []string
	// Phase is PhaseAllSettled or PhaseDeadline.
	Phase consensus.Phase
}

type settled struct {
	index   int
	outcome consensus.Outcome
}

// Dispatch sends task to every target and returns when all have settled or
// the deadline (or ctx) ends. Calls still in flight are cancelled and their
// late results discarded.
func (d *Dispatcher) Dispatch(ctx context.Context, task consensus.Task, targets []registry.Validator, opts Options) Collection {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Deadline)
	defer cancel()

	log := d.logger.With(zap.String("task_id", task.ID))
	log.Debug("dispatch phase", zap.Stringer("phase", consensus.PhaseDispatched), zap.Int("targets", len(targets)))

	// Buffered to len(targets) so late senders never block.
	results := make(chan settled, len(targets))
	g := bounded(opts.MaxInFlight)
	go func() {
		for i, v := range targets {
			if ctx.Err() != nil {
				return
			}
			g.Go(func() error {
				if out, ok := d.attempt(ctx, task, v, opts.Retry); ok {
					results <- settled{index: i, outcome: out}
				}
				return nil
			})
		}
	}()

	log.Debug("dispatch phase", zap.Stringer("phase", consensus.PhaseAwaitingResponses))
	got := make([]*consensus.Outcome, len(targets))
	phase := consensus.PhaseAllSettled
	for remaining := len(targets); remaining > 0; {
		select {
		case s := <-results:
			got[s.index] = &s.outcome
			remaining--
		case <-ctx.Done():
			phase = consensus.PhaseDeadline
			remaining = 0
			drain(results, got)
		}
	}

	c := Collection{Phase: phase}
	for i, o := range got {
		if o == nil {
			c.Absent = append(c.Absent, targets[i].ID)
			continue
		}
		c.Settled = append(c.Settled, *o)
	}
	log.Debug("dispatch phase",
		zap.Stringer("phase", phase),
		zap.Int("settled", len(c.Settled)),
		zap.Int("absent", len(c.Absent)))
	return c
}

// drain keeps outcomes that were already buffered when ctx ended.
func drain(results <-chan settled, got []*consensus.Outcome) {
	for {
		select {
		case s := <-results:
			got[s.index] = &s.outcome
		default:
			return
		}
	}
}
