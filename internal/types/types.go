package types

import (
	"sync"
	"sync/atomic"
	"time"
)

const megabyte = 1024 * 1024

// Payload is frame data owned by exactly one holder at a time.
// Release must be called exactly once by whoever holds it last.
type Payload interface {
	Release()
}

// PoseEstimate is one raw head-pose reading produced by the estimator for a frame.
// Angles are degrees as emitted upstream and may exceed ±180.
type PoseEstimate struct {
	PitchRaw float64
	YawRaw   float64
	RollRaw  float64

	// Payload is handed over to whoever ingests the estimate. May be nil.
	Payload Payload

	// SequenceIndex is assigned by the caller and must increase monotonically.
	// It only breaks score ties.
	SequenceIndex int64
	CapturedAt    time.Time
}

// ReleasePayload releases the payload if there is one.
func (p PoseEstimate) ReleasePayload() {
	if p.Payload != nil {
		p.Payload.Release()
	}
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// Frame is a JPEG image held in a pooled buffer.
// Its buffer goes back to the pool on Release.
type Frame struct {
	data     []byte
	released atomic.Bool
}

// NewFrame copies src into a pooled buffer. The caller may reuse src afterwards.
func NewFrame(src []byte) *Frame {
	buf := frameBufferPool.Get().([]byte)
	if cap(buf) < len(src) {
		buf = make([]byte, len(src))
	}
	buf = buf[:len(src)]
	copy(buf, src)
	return &Frame{data: buf}
}

// Bytes returns the JPEG data, or nil once the frame has been released.
func (f *Frame) Bytes() []byte {
	if f.released.Load() {
		return nil
	}
	return f.data
}

// Release returns the buffer to the pool. Further calls are no-ops.
func (f *Frame) Release() {
	if !f.released.CompareAndSwap(false, true) {
		return
	}
	buf := f.data
	f.data = nil
	frameBufferPool.Put(buf[:0])
}

// FrameTask represents a single frame sent to a worker for processing
type FrameTask struct {
	Index      int64
	CapturedAt time.Time
	Frame      *Frame
}

// PoseResult is what the estimator reports for one frame.
type PoseResult struct {
	FaceDetected bool
	Pitch        float64
	Yaw          float64
	Roll         float64
}
