package session

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/andresmejia3/bestframe/internal/angle"
	"github.com/andresmejia3/bestframe/internal/types"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// releaseTracker is a test double that counts Release calls per payload.
type releaseTracker struct {
	counts map[int64]int
}

func newReleaseTracker() *releaseTracker { return &releaseTracker{counts: map[int64]int{}} }

type trackedPayload struct {
	id int64
	rt *releaseTracker
}

func (p trackedPayload) Release() { p.rt.counts[p.id]++ }

func (rt *releaseTracker) estimate(seq int64, pitch, yaw, roll float64) types.PoseEstimate {
	return types.PoseEstimate{
		PitchRaw:      pitch,
		YawRaw:        yaw,
		RollRaw:       roll,
		SequenceIndex: seq,
		Payload:       trackedPayload{id: seq, rt: rt},
	}
}

func newAccumulator(t *testing.T, capacity int) *Accumulator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	acc, err := New("test-session", cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return acc
}

func TestEndToEnd_WrapArtifactRoll(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 1)

	out, err := acc.Ingest(rt.estimate(1, -0.63, -2.32, 179.9), true)
	if err != nil || out != Accepted {
		t.Fatalf("frame 1: outcome %v, err %v; want accepted", out, err)
	}
	out, err = acc.Ingest(rt.estimate(2, -9.67, -0.75, 179.5), true)
	if err != nil || out != Rejected {
		t.Fatalf("frame 2: outcome %v, err %v; want rejected", out, err)
	}
	if rt.counts[2] != 1 {
		t.Errorf("rejected payload released %d times, want 1", rt.counts[2])
	}

	report, err := acc.Finalize()
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if len(report.Frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(report.Frames))
	}

	top := report.Frames[0].Frame
	if top.SequenceIndex() != 1 || report.Frames[0].Rank != 1 {
		t.Errorf("rank 1 is frame %d, want frame 1", top.SequenceIndex())
	}
	if math.Abs(top.Deviation()-6.46) > 0.01 {
		t.Errorf("deviation = %v, want ~6.46", top.Deviation())
	}
	if math.Abs(top.Score()-94.832) > 0.01 {
		t.Errorf("score = %v, want ~94.83", top.Score())
	}
	if r := top.Pose().Roll(); r < 0.05 || r > 0.15 {
		t.Errorf("roll = %v, want a small angle near 0.1", r)
	}

	// The rejected frame scored lower.
	n, _ := angle.NewNormalizer(angle.DefaultPolicy())
	p2, _ := n.NormalizePose(-9.67, -0.75, 179.5)
	if s2 := acc.Scorer().Evaluate(p2).Score; math.Abs(s2-90.644) > 0.01 || s2 >= top.Score() {
		t.Errorf("frame 2 score = %v, want ~90.64 and below frame 1", s2)
	}

	if *report.Metadata.BestScore != top.Score() {
		t.Errorf("best_score = %v, want %v", *report.Metadata.BestScore, top.Score())
	}
	if report.Metadata.TotalIngested != 2 || report.Metadata.NoFaceCount != 0 {
		t.Errorf("metadata = %+v", report.Metadata)
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Zero capacity", func(c *Config) { c.Capacity = 0 }},
		{"Negative pitch weight", func(c *Config) { c.Weights.Pitch = -1 }},
		{"Zero scale", func(c *Config) { c.Scale = 0 }},
		{"Bad wrap threshold", func(c *Config) { c.Policy.WrapThreshold = 45 }},
		{"Bad half range", func(c *Config) { c.Policy.HalfRange = 30 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New("s", cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("New() error = %v, want ErrInvalidConfig", err)
			}
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestIngest_SingleSlotSingleFrame(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 1)

	if out, err := acc.Ingest(rt.estimate(10, 0, 0, 0), true); err != nil || out != Accepted {
		t.Fatalf("outcome %v, err %v; want accepted", out, err)
	}
	if got := acc.Snapshot(); len(got) != 1 {
		t.Fatalf("snapshot length %d, want 1", len(got))
	}
}

func TestIngest_NoFaceAndMalformed(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 3)

	if out, err := acc.Ingest(rt.estimate(1, 0, 0, 0), false); err != nil || out != NoFace {
		t.Fatalf("no-face frame: outcome %v, err %v", out, err)
	}
	if _, err := acc.Ingest(rt.estimate(2, math.NaN(), 0, 0), true); !errors.Is(err, angle.ErrInvalidAngle) {
		t.Fatalf("NaN frame: err = %v, want ErrInvalidAngle", err)
	}
	if _, err := acc.Ingest(rt.estimate(3, 0, math.Inf(1), 0), true); !errors.Is(err, angle.ErrInvalidAngle) {
		t.Fatalf("Inf frame: err = %v, want ErrInvalidAngle", err)
	}
	if _, err := acc.Ingest(rt.estimate(4, 1, 1, 1), true); err != nil {
		t.Fatalf("valid frame after malformed ones: %v", err)
	}
	if _, err := acc.Ingest(rt.estimate(4, 1, 1, 1), true); !errors.Is(err, ErrOutOfOrder) {
		t.Fatalf("repeated sequence: err = %v, want ErrOutOfOrder", err)
	}

	want := Stats{TotalIngested: 5, NoFaceCount: 1, MalformedCount: 3, AcceptedCount: 1}
	if diff := cmp.Diff(want, acc.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
	for _, seq := range []int64{1, 2, 3} {
		if rt.counts[seq] != 1 {
			t.Errorf("payload %d released %d times, want 1", seq, rt.counts[seq])
		}
	}
	if rt.counts[4] != 1 {
		t.Errorf("out-of-order duplicate released %d times, want 1 (the held frame 4 must not be released)", rt.counts[4])
	}
}

func TestFinalize_IdempotentAndClosed(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 2)
	acc.Ingest(rt.estimate(1, 5, 5, 5), true)

	r1, err := acc.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	r2, err := acc.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Error("second Finalize returned a different report")
	}

	if _, err := acc.Ingest(rt.estimate(2, 0, 0, 0), true); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Ingest after Finalize: err = %v, want ErrSessionClosed", err)
	}
	if rt.counts[2] != 1 {
		t.Errorf("payload passed after Finalize released %d times, want 1", rt.counts[2])
	}
	if acc.Stats().TotalIngested != 1 {
		t.Errorf("closed session counted a frame: %+v", acc.Stats())
	}

	// Close after Finalize must not touch the report's payloads.
	acc.Close()
	if rt.counts[1] != 0 {
		t.Errorf("Close after Finalize released a report payload")
	}
	r1.Release()
	if rt.counts[1] != 1 {
		t.Errorf("report Release count = %d, want 1", rt.counts[1])
	}
}

func TestClose_ReleasesHeldPayloadsOnce(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 3)

	// Six frames, three kept, three released along the way.
	yaws := []float64{10, 2, 30, 1, 0.5, 40}
	for i, y := range yaws {
		acc.Ingest(rt.estimate(int64(i+1), 0, y, 0), true)
	}
	acc.Close()
	acc.Close()

	for i := range yaws {
		seq := int64(i + 1)
		if rt.counts[seq] != 1 {
			t.Errorf("payload %d released %d times, want exactly 1", seq, rt.counts[seq])
		}
	}
	if _, err := acc.Finalize(); !errors.Is(err, ErrSessionAbandoned) {
		t.Errorf("Finalize after Close: err = %v, want ErrSessionAbandoned", err)
	}
	if _, err := acc.Ingest(rt.estimate(99, 0, 0, 0), true); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Ingest after Close: err = %v, want ErrSessionClosed", err)
	}
}

func TestReport_ConsistencyAndJSON(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 3)

	inputs := [][3]float64{
		{-0.63, -2.32, 179.9},
		{190, -12, 3},
		{-9.67, -0.75, 179.5},
		{4, 361, -178},
		{0, 0, 0},
	}
	for i, in := range inputs {
		if _, err := acc.Ingest(rt.estimate(int64(i), in[0], in[1], in[2]), true); err != nil {
			t.Fatal(err)
		}
	}
	report, err := acc.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	if err := Verify(report, acc.Scorer()); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	raw, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Frames   []FrameRecord `json:"frames"`
		Metadata Metadata      `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	// Persisted angles are the scoring pose, verbatim.
	for i, rec := range decoded.Frames {
		p := report.Frames[i].Frame.Pose()
		if rec.Rank != i+1 || rec.Pitch != p.Pitch() || rec.Yaw != p.Yaw() || rec.Roll != p.Roll() {
			t.Errorf("record %d = %+v, pose %v", i, rec, p)
		}
	}
	if decoded.Frames[0].SequenceIndex != 4 || decoded.Frames[0].Score != 100 {
		t.Errorf("rank 1 = %+v, want the frontal frame 4", decoded.Frames[0])
	}
	if diff := cmp.Diff(report.Records(), decoded.Frames, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("JSON frames mismatch (-want +got):\n%s", diff)
	}
}

func TestReport_Empty(t *testing.T) {
	acc := newAccumulator(t, 2)
	acc.Ingest(types.PoseEstimate{SequenceIndex: 1}, false)

	report, err := acc.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(report)
	want := `{"frames":[],"metadata":{"session_id":"test-session","total_ingested":1,"no_face_count":1,"malformed_count":0,"best_score":null}}`
	if string(raw) != want {
		t.Errorf("JSON = %s\nwant  %s", raw, want)
	}
	if mean, sd := report.ScoreStats(); mean != 0 || sd != 0 {
		t.Errorf("ScoreStats() = %v, %v on empty report", mean, sd)
	}
}

func TestReport_ScoreStats(t *testing.T) {
	rt := newReleaseTracker()
	cfg := DefaultConfig()
	cfg.Capacity = 3
	cfg.Weights.Yaw = 1
	cfg.Scale = 1
	acc, err := New("stats", cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i, y := range []float64{0, 10, 20} {
		acc.Ingest(rt.estimate(int64(i), 0, y, 0), true)
	}
	report, _ := acc.Finalize()

	mean, sd := report.ScoreStats()
	if math.Abs(mean-90) > 1e-9 || math.Abs(sd-10) > 1e-9 {
		t.Errorf("ScoreStats() = %v, %v; want 90, 10", mean, sd)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{NoFace: "no_face", Accepted: "accepted", Rejected: "rejected", Outcome(9): "Outcome(9)"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(o), o.String(), want)
		}
	}
}

func TestSnapshot_AfterFinalizeAndClose(t *testing.T) {
	rt := newReleaseTracker()
	acc := newAccumulator(t, 2)
	acc.Ingest(rt.estimate(1, 0, 20, 0), true)
	acc.Ingest(rt.estimate(2, 0, 4, 0), true)
	acc.Ingest(rt.estimate(3, 0, 8, 0), true)

	before := acc.Snapshot()
	report, err := acc.Finalize()
	if err != nil {
		t.Fatal(err)
	}
	defer report.Release()

	after := acc.Snapshot()
	if diff := cmp.Diff(before, after, cmp.AllowUnexported(angle.Pose{})); diff != "" {
		t.Errorf("Snapshot changed by Finalize (-before +after):\n%s", diff)
	}
	if len(after) != 2 || after[0].SequenceIndex != 2 || after[1].SequenceIndex != 3 {
		t.Errorf("unexpected snapshot after Finalize: %+v", after)
	}

	abandoned := newAccumulator(t, 2)
	abandoned.Ingest(rt.estimate(10, 0, 0, 0), true)
	abandoned.Close()
	if snap := abandoned.Snapshot(); len(snap) != 0 {
		t.Errorf("abandoned session snapshot = %+v, want empty", snap)
	}
}
