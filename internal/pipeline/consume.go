package pipeline

import (
	"context"
	"errors"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/log"
	"github.com/andresmejia3/bestframe/internal/metrics"
	"github.com/andresmejia3/bestframe/internal/session"
)

// Consume feeds queued items into acc until the queue is closed or ctx ends.
// Per-frame errors are logged and counted; they never stop consumption.
// On cancellation the remaining queued items are released.
func Consume(ctx context.Context, q *Queue, acc *session.Accumulator, m *metrics.Metrics) error {
	logger := log.With("session", acc.ID())

	for {
		it, ok, err := q.Pop(ctx)
		if err != nil {
			n := q.Drain()
			logger.Debug("consumer cancelled", "released", n)
			return err
		}
		if !ok {
			// Pop may report the closed queue before the done context.
			return ctx.Err()
		}

		before := acc.Stats().EvictedCount
		outcome, err := acc.Ingest(it.Estimate, it.FaceDetected)
		if err != nil {
			if errors.Is(err, session.ErrSessionClosed) {
				q.Drain()
				return err
			}
			m.FrameError(errorReason(err))
			logger.Warn("frame skipped", "seq", it.Estimate.SequenceIndex, "err", err)
			continue
		}

		m.Frame(outcome.String())
		if acc.Stats().EvictedCount > before {
			m.Evicted()
		}
		if outcome == session.Accepted {
			if snap := acc.Snapshot(); len(snap) > 0 {
				m.BestScore(snap[0].Score)
			}
		}
		logger.Debug("frame ingested", "seq", it.Estimate.SequenceIndex, "outcome", outcome)
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, angle.ErrInvalidAngle):
		return "invalid_angle"
	case errors.Is(err, session.ErrOutOfOrder):
		return "out_of_order"
	default:
		return "other"
	}
}
