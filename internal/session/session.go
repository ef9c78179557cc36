// Package session accumulates the best frames of one capture session.
//
// An Accumulator is fed sequentially by a single producer, in increasing
// sequence order. It is not safe for concurrent use; decouple a concurrent
// capture loop with pipeline.Queue.
package session

import (
	"errors"
	"fmt"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/scoring"
	"github.com/andresmejia3/bestframe/internal/selector"
	"github.com/andresmejia3/bestframe/internal/types"
)

var (
	// ErrSessionClosed is returned by Ingest after Finalize or Close.
	ErrSessionClosed = errors.New("session closed")
	// ErrSessionAbandoned is returned by Finalize after Close.
	ErrSessionAbandoned = errors.New("session abandoned")
	// ErrOutOfOrder is returned when a sequence index does not increase.
	ErrOutOfOrder = errors.New("sequence index out of order")
)

// Outcome is the non-error result of ingesting one estimate.
type Outcome int

const (
	NoFace Outcome = iota
	Accepted
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case NoFace:
		return "no_face"
	case Accepted:
		return "accepted"
	case Rejected:
		return "rejected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

type state int

const (
	stateOpen state = iota
	stateFinalized
	stateAbandoned
)

// Stats are the running counters of a session.
type Stats struct {
	TotalIngested  int
	NoFaceCount    int
	MalformedCount int
	AcceptedCount  int
	RejectedCount  int
	EvictedCount   int
}

// Accumulator owns one selector for the lifetime of a session.
type Accumulator struct {
	id       string
	cfg      Config
	norm     *angle.Normalizer
	scorer   *scoring.Scorer
	selector *selector.TopK

	state   state
	stats   Stats
	lastSeq int64
	seenSeq bool
	report  *Report
}

// New validates cfg and opens a session.
func New(id string, cfg Config) (*Accumulator, error) {
	norm, scorer, err := cfg.build()
	if err != nil {
		return nil, err
	}
	sel, err := selector.New(cfg.Capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &Accumulator{
		id:       id,
		cfg:      cfg,
		norm:     norm,
		scorer:   scorer,
		selector: sel,
	}, nil
}

func (a *Accumulator) ID() string              { return a.id }
func (a *Accumulator) Config() Config          { return a.cfg }
func (a *Accumulator) Stats() Stats            { return a.stats }
func (a *Accumulator) Scorer() *scoring.Scorer { return a.scorer }

// Ingest processes one estimate. The payload of est always passes to the
// accumulator: it is either kept by the selector or released before Ingest
// returns.
//
// Errors are per frame and leave the session usable, except ErrSessionClosed.
func (a *Accumulator) Ingest(est types.PoseEstimate, faceDetected bool) (Outcome, error) {
	if a.state != stateOpen {
		est.ReleasePayload()
		return NoFace, ErrSessionClosed
	}
	a.stats.TotalIngested++

	if a.seenSeq && est.SequenceIndex <= a.lastSeq {
		est.ReleasePayload()
		a.stats.MalformedCount++
		return NoFace, fmt.Errorf("%w: %d after %d", ErrOutOfOrder, est.SequenceIndex, a.lastSeq)
	}
	a.lastSeq = est.SequenceIndex
	a.seenSeq = true

	if !faceDetected {
		est.ReleasePayload()
		a.stats.NoFaceCount++
		return NoFace, nil
	}

	pose, err := a.norm.NormalizePose(est.PitchRaw, est.YawRaw, est.RollRaw)
	if err != nil {
		est.ReleasePayload()
		a.stats.MalformedCount++
		return NoFace, fmt.Errorf("frame %d: %w", est.SequenceIndex, err)
	}

	frame := a.scorer.Score(pose, est)
	out := a.selector.Offer(frame)
	if !out.Accepted {
		frame.Release()
		a.stats.RejectedCount++
		return Rejected, nil
	}
	a.stats.AcceptedCount++
	if out.Evicted != nil {
		a.stats.EvictedCount++
	}
	return Accepted, nil
}

// Snapshot is a view of the current best frames. Once finalized it describes
// the report's frames; an abandoned session has none.
func (a *Accumulator) Snapshot() []selector.Entry {
	if a.state == stateFinalized {
		out := make([]selector.Entry, len(a.report.Frames))
		for i, rf := range a.report.Frames {
			f := rf.Frame
			out[i] = selector.Entry{
				Rank:          rf.Rank,
				Score:         f.Score(),
				Deviation:     f.Deviation(),
				Pose:          f.Pose(),
				SequenceIndex: f.SequenceIndex(),
				CapturedAt:    f.CapturedAt(),
			}
		}
		return out
	}
	return a.selector.Snapshot()
}

// Finalize closes the session and returns its report. Later calls return the
// same report. The report takes over the retained payloads.
func (a *Accumulator) Finalize() (*Report, error) {
	switch a.state {
	case stateFinalized:
		return a.report, nil
	case stateAbandoned:
		return nil, ErrSessionAbandoned
	}

	a.state = stateFinalized
	a.report = newReport(a.id, a.stats, a.selector.Drain())
	return a.report, nil
}

// Close abandons an open session, releasing every held payload exactly once.
// After Finalize it does nothing, since the payloads belong to the report.
func (a *Accumulator) Close() {
	if a.state != stateOpen {
		return
	}
	a.state = stateAbandoned
	a.selector.Release()
}
