package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/andresmejia3/bestframe/internal/types"
	"github.com/andresmejia3/bestframe/internal/utils" // Using the SafeCommand wrapper
)

// DefaultScript is the pose estimator shipped alongside the binary.
const DefaultScript = "python/pose_worker.py"

// ErrEstimate wraps failures reported by the estimator itself. The process is
// still healthy after one of these.
var ErrEstimate = errors.New("pose worker error")

const (
	statusOK    = 0
	statusError = 1

	// maxResponseSize bounds one response body. Pose bodies are 14 bytes;
	// error bodies carry a short message.
	maxResponseSize = 64 * 1024
)

// Config describes how to launch a pose estimator process.
type Config struct {
	// Command and Args start the estimator. Defaults to python3 -u DefaultScript.
	Command string
	Args    []string
	// ReadTimeout bounds the wait for each response. Zero disables it.
	ReadTimeout time.Duration
	Debug       bool
}

func (c Config) command() (string, []string) {
	if c.Command == "" {
		args := []string{"-u", DefaultScript}
		if c.Debug {
			args = append(args, "--debug")
		}
		return "python3", args
	}
	return c.Command, c.Args
}

// Estimator turns one JPEG frame into a head pose.
type Estimator interface {
	Estimate(frame []byte) (types.PoseResult, error)
}

// PoseWorker is a running estimator process. Frames go in on stdin; responses
// come back on a side-channel pipe (FD 3) so the process can log freely.
type PoseWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
	cfg      Config
}

// NewPoseWorker starts an estimator process.
func NewPoseWorker(ctx context.Context, id int, cfg Config) (*PoseWorker, error) {
	name, args := cfg.command()
	proc := utils.NewSafeCommand(ctx, name, args...)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	proc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := proc.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &PoseWorker{
		ID:       id,
		Cmd:      proc,
		Stdin:    stdin,
		DataPipe: r,
		cfg:      cfg,
	}, nil
}

// Estimate sends one frame and decodes the estimator's answer.
//
// Protocol (big endian):
//
//	request:  [u32 len][jpeg]
//	response: [u32 len][body]
//	body ok:    [u8 0][u8 face][f32 pitch][f32 yaw][f32 roll]
//	body error: [u8 1][u32 n][n bytes message]
func (w *PoseWorker) Estimate(frame []byte) (types.PoseResult, error) {
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(frame))); err != nil {
		return types.PoseResult{}, err
	}
	if _, err := w.Stdin.Write(frame); err != nil {
		return types.PoseResult{}, err
	}

	if w.cfg.ReadTimeout > 0 {
		if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
			_ = d.SetReadDeadline(time.Now().Add(w.cfg.ReadTimeout))
		}
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return types.PoseResult{}, err // a crashed estimator surfaces here as EOF
	}
	n := binary.BigEndian.Uint32(header)
	if n > maxResponseSize {
		return types.PoseResult{}, fmt.Errorf("response of %d bytes exceeds limit of %d", n, maxResponseSize)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(w.DataPipe, body); err != nil {
		return types.PoseResult{}, err
	}
	return decodeResponse(body)
}

func decodeResponse(body []byte) (types.PoseResult, error) {
	r := bytes.NewReader(body)
	status, err := r.ReadByte()
	if err != nil {
		return types.PoseResult{}, fmt.Errorf("empty response: %w", err)
	}

	switch status {
	case statusOK:
		var msg struct {
			Face             uint8
			Pitch, Yaw, Roll float32
		}
		if err := binary.Read(r, binary.BigEndian, &msg); err != nil {
			return types.PoseResult{}, fmt.Errorf("truncated pose response: %w", err)
		}
		return types.PoseResult{
			FaceDetected: msg.Face != 0,
			Pitch:        float64(msg.Pitch),
			Yaw:          float64(msg.Yaw),
			Roll:         float64(msg.Roll),
		}, nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return types.PoseResult{}, fmt.Errorf("truncated error response: %w", err)
		}
		if n > uint32(r.Len()) {
			return types.PoseResult{}, fmt.Errorf("error message length %d exceeds body", n)
		}
		msg := make([]byte, n)
		_, _ = io.ReadFull(r, msg)
		return types.PoseResult{}, fmt.Errorf("%w: %s", ErrEstimate, msg)
	default:
		return types.PoseResult{}, fmt.Errorf("unknown response status %d", status)
	}
}

// EncodeResponse builds an OK response body. Used by test doubles and fixtures.
func EncodeResponse(res types.PoseResult) []byte {
	var buf bytes.Buffer
	buf.WriteByte(statusOK)
	face := uint8(0)
	if res.FaceDetected {
		face = 1
	}
	buf.WriteByte(face)
	for _, v := range []float64{res.Pitch, res.Yaw, res.Roll} {
		_ = binary.Write(&buf, binary.BigEndian, math.Float32bits(float32(v)))
	}
	return buf.Bytes()
}

// Close shuts the estimator down and waits for it to exit.
func (w *PoseWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}

// Lazy is an owned handle that starts its estimator on first use, so a
// session that never sees a frame never pays for loading the model.
type Lazy struct {
	ID  int
	cfg Config
	ctx context.Context

	mu     sync.Mutex
	worker *PoseWorker
	start  func(ctx context.Context, id int, cfg Config) (*PoseWorker, error)
}

// NewLazy returns a handle; no process is started yet.
func NewLazy(ctx context.Context, id int, cfg Config) *Lazy {
	return &Lazy{ID: id, cfg: cfg, ctx: ctx, start: NewPoseWorker}
}

// Estimate starts the process if needed and forwards the frame.
func (l *Lazy) Estimate(frame []byte) (types.PoseResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.worker == nil {
		w, err := l.start(l.ctx, l.ID, l.cfg)
		if err != nil {
			return types.PoseResult{}, err
		}
		l.worker = w
	}
	return l.worker.Estimate(frame)
}

// Started reports whether the process has been launched.
func (l *Lazy) Started() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.worker != nil
}

// Command returns the running process, or nil before the first frame.
func (l *Lazy) Command() *utils.SafeCommand {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.worker == nil {
		return nil
	}
	return l.worker.Cmd
}

// Close stops the process if it was started. The handle can be reused.
func (l *Lazy) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.worker != nil {
		l.worker.Close()
		l.worker = nil
	}
}
