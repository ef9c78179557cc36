package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/bestframe/internal/config"
	"github.com/andresmejia3/bestframe/internal/log"
	"github.com/andresmejia3/bestframe/internal/pipeline"
	"github.com/andresmejia3/bestframe/internal/session"
	"github.com/andresmejia3/bestframe/internal/types"
	"github.com/andresmejia3/bestframe/internal/utils"
	"github.com/andresmejia3/bestframe/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const megabyte = 1024 * 1024

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan a video and keep the most frontal frames",
	RunE: func(cmd *cobra.Command, args []string) error {
		tuning, err := resolveTuning(cmd, scanOpts.ConfigPath, scanTuning)
		if err != nil {
			return err
		}
		return runScan(cmd.Context(), scanOpts, tuning)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().IntVarP(&scanOpts.NthFrame, "nth-frame", "n", 1, "Estimate every nth frame")
	scanCmd.Flags().IntVarP(&scanOpts.NumEngines, "engines", "e", 1, "Number of parallel pose estimator workers")
	scanCmd.Flags().StringVarP(&scanOpts.OutDir, "out", "o", "out", "Directory for report.json and the selected frames")
	scanCmd.Flags().StringVarP(&scanOpts.ConfigPath, "config", "c", "", "Tuning config (JSON)")
	scanCmd.Flags().StringVar(&scanOpts.SessionID, "session-id", "", "Session id (default: derived from the input file)")
	scanCmd.Flags().BoolVar(&scanOpts.Live, "live", false, "Drop the oldest pending frames instead of slowing the decoder")
	scanCmd.Flags().BoolVar(&scanOpts.Verify, "verify", false, "Recompute every retained score before writing the report")
	scanCmd.Flags().StringVar(&scanOpts.WorkerCommand, "worker-cmd", "", "Pose estimator executable (default: python3 "+worker.DefaultScript+")")
	scanCmd.Flags().StringVar(&scanOpts.WorkerTimeout, "worker-timeout", "30s", "Maximum wait for one pose estimate")
	scanCmd.Flags().BoolVarP(&scanOpts.Debug, "debug", "d", false, "Start estimators in debug mode")

	addTuningFlags(scanCmd, &scanTuning)

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// runScan orchestrates the video scan: FFmpeg streaming, the estimator pool,
// ordered ingestion into the session, and report output.
func runScan(ctx context.Context, opts Options, tuning *config.TuningConfig) error {
	if err := validateScanFlags(&opts); err != nil {
		return err
	}

	sessCfg, err := tuning.SessionConfig()
	if err != nil {
		return err
	}
	queueOpts, err := tuning.QueueOptions()
	if err != nil {
		return err
	}
	if opts.Live {
		queueOpts.Policy = pipeline.DropOldest
	}

	sessionID := opts.SessionID
	if sessionID == "" {
		if sessionID, err = utils.GenerateSessionID(opts.InputPath); err != nil {
			return fmt.Errorf("failed to generate session id: %w", err)
		}
	}
	logger := log.With("session", utils.ShortID(sessionID))

	acc, err := session.New(sessionID, sessCfg)
	if err != nil {
		return err
	}
	defer acc.Close() // no-op once finalized

	queue, err := pipeline.NewQueue(queueOpts, Metrics)
	if err != nil {
		return err
	}

	workerTimeout, _ := time.ParseDuration(opts.WorkerTimeout)
	wcfg := worker.Config{Command: opts.WorkerCommand, ReadTimeout: workerTimeout, Debug: opts.Debug}

	fmt.Fprintf(os.Stderr, "📼 Processing Session ID: %s\n", utils.ShortID(sessionID))
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Pose Estimators (queue: %d, %s)...\n", opts.NumEngines, queueOpts.Capacity, queueOpts.Policy)

	// Get total frames for progress bar
	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 Selecting frames"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	start := time.Now()
	err = estimatePool(ctx, estimatePoolOptions{
		Engines: opts.NumEngines,
		Nth:     int64(opts.NthFrame),
		NewEstimator: func(ctx context.Context, id int) poseEstimator {
			return worker.NewLazy(ctx, id, wcfg)
		},
		Feed: func(ctx context.Context, tasks chan<- types.FrameTask) error {
			return streamFrames(ctx, opts, tasks, bar)
		},
	}, queue, acc)
	bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	report, err := acc.Finalize()
	if err != nil {
		return err
	}
	defer report.Release()

	if opts.Verify {
		if err := session.Verify(report, acc.Scorer()); err != nil {
			return fmt.Errorf("report verification failed: %w", err)
		}
	}

	if err := writeReport(opts.OutDir, report); err != nil {
		return err
	}
	if DB != nil {
		if err := DB.SaveReport(ctx, opts.InputPath, report); err != nil {
			return fmt.Errorf("failed to store report: %w", err)
		}
	}
	if dropped := queue.Dropped(); dropped > 0 {
		logger.Warn("frames dropped by live queue", "dropped", dropped)
	}

	printSummary(os.Stderr, report, opts.OutDir)
	fmt.Fprintf(os.Stderr, "⏱️  Elapsed: %s\n", fmtTime(time.Since(start).Seconds()))
	return nil
}

// poseEstimator is one estimator handle driven by runEstimator.
type poseEstimator interface {
	Estimate(frame []byte) (types.PoseResult, error)
	Command() *utils.SafeCommand
	Close()
}

type estimatePoolOptions struct {
	Engines int
	// Nth is the sampling interval; frame indexes are Nth, 2*Nth, ...
	Nth          int64
	NewEstimator func(ctx context.Context, id int) poseEstimator
	// Feed sends frame tasks until the input ends or ctx is done.
	Feed func(ctx context.Context, tasks chan<- types.FrameTask) error
}

// estimatePool runs the estimators over the fed frames, puts their results
// back in frame order and ingests them into acc through queue. It returns the
// first fatal error, or ctx.Err() if the run was cancelled. Every frame task
// is either ingested or released.
func estimatePool(ctx context.Context, o estimatePoolOptions, queue *pipeline.Queue, acc *session.Accumulator) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		fatalOnce sync.Once
		fatalErr  error
	)
	fail := func(err error) {
		fatalOnce.Do(func() {
			fatalErr = err
			cancel()
		})
	}

	taskChan := make(chan types.FrameTask, o.Engines)
	resultsChan := make(chan pipeline.Item, o.Engines*2)

	// Consumer: the only goroutine touching the session
	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- pipeline.Consume(ctx, queue, acc, Metrics)
	}()

	// Reorder worker output before it reaches the queue
	aggDone := make(chan struct{})
	go func() {
		defer close(aggDone)
		reseq := pipeline.NewResequencer(o.Nth, o.Nth)
		push := func(items []pipeline.Item) {
			for _, it := range items {
				// Push releases the item itself on cancellation
				_ = queue.Push(ctx, it)
			}
		}
		for res := range resultsChan {
			push(reseq.Add(res))
		}
		push(reseq.Flush())
		queue.Close()
	}()

	var wg sync.WaitGroup
	for i := 0; i < o.Engines; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			if err := runEstimator(ctx, workerID, o.NewEstimator(ctx, workerID), taskChan, resultsChan); err != nil {
				fail(err)
			}
		}(i)
	}

	readErr := o.Feed(ctx, taskChan)
	close(taskChan)
	wg.Wait()
	// Tasks left behind by crashed estimators
	for task := range taskChan {
		task.Frame.Release()
	}
	close(resultsChan)
	<-aggDone
	consumeErr := <-consumeDone
	queue.Drain()

	switch {
	case fatalErr != nil:
		return fatalErr
	case readErr != nil:
		return readErr
	case consumeErr != nil:
		return consumeErr
	}
	// streamFrames and Consume both stop quietly on a done context
	return ctx.Err()
}

// streamFrames decodes the input with FFmpeg and sends every nth frame to the
// estimator pool.
func streamFrames(ctx context.Context, opts Options, tasks chan<- types.FrameTask, bar *progressbar.ProgressBar) error {
	ffmpeg := utils.NewFFmpegCmd(ctx, opts.InputPath)

	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create FFmpeg stdout pipe: %w", err)
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	if err := ffmpeg.Start(); err != nil {
		return fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	// Frame Splitter & Nth-Frame Logic
	scanner := bufio.NewScanner(ffmpegOut)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	totalFrames := 0
	sentFrames := 0
	for scanner.Scan() {
		totalFrames++
		bar.Add(1) // Update progress bar for every frame read

		if totalFrames%opts.NthFrame != 0 {
			continue
		}
		task := types.FrameTask{
			Index:      int64(totalFrames),
			CapturedAt: time.Now(),
			Frame:      types.NewFrame(scanner.Bytes()),
		}
		select {
		case tasks <- task:
			sentFrames++
		case <-ctx.Done():
			task.Frame.Release()
			ffmpeg.Wait() // reap the killed decoder
			return nil
		}
	}

	if ctx.Err() != nil {
		ffmpeg.Wait()
		return nil
	}
	// Check for scanner errors (e.g. token too long, unexpected EOF)
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("frame scanner failed: %w", err)
	}
	if err := ffmpeg.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			fmt.Fprintf(os.Stderr, "\nFFmpeg Logs:\n%s\n", stderrBuf.String())
		}
		return fmt.Errorf("FFmpeg execution failed: %w", err)
	}

	log.Debug("decoder finished", "frames", totalFrames, "sent", sentFrames)
	return nil
}

// runEstimator feeds tasks to one estimator and forwards results. Errors the
// estimator reports for a single frame become malformed estimates; a dead
// process is fatal.
func runEstimator(ctx context.Context, id int, est poseEstimator, tasks <-chan types.FrameTask, results chan<- pipeline.Item) error {
	defer est.Close()

	for task := range tasks {
		if ctx.Err() != nil {
			task.Frame.Release()
			continue
		}

		res, err := est.Estimate(task.Frame.Bytes())
		if err != nil && !errors.Is(err, worker.ErrEstimate) {
			task.Frame.Release()
			// DRAIN: Wait for process to exit and capture final stderr logs
			cmd := est.Command()
			est.Close()
			utils.ShowError(fmt.Sprintf("pose estimator %d crashed", id), err, cmd)
			return fmt.Errorf("pose estimator %d: %w", id, err)
		}

		item := pipeline.Item{
			Estimate: types.PoseEstimate{
				PitchRaw:      res.Pitch,
				YawRaw:        res.Yaw,
				RollRaw:       res.Roll,
				Payload:       task.Frame,
				SequenceIndex: task.Index,
				CapturedAt:    task.CapturedAt,
			},
			FaceDetected: res.FaceDetected,
		}
		if err != nil {
			log.Warn("estimate failed", "worker", id, "frame", task.Index, "err", err)
			nan := math.NaN()
			item.Estimate.PitchRaw, item.Estimate.YawRaw, item.Estimate.RollRaw = nan, nan, nan
			item.FaceDetected = true
		}
		results <- item
	}
	return nil
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf("input path %s is a directory, expected a video file", opts.InputPath)
	}
	if opts.NthFrame < 1 {
		return fmt.Errorf("invalid nth-frame interval: must be >= 1, got %d", opts.NthFrame)
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	if opts.OutDir == "" {
		return errors.New("output directory must not be empty")
	}
	if opts.WorkerTimeout != "" {
		d, err := time.ParseDuration(opts.WorkerTimeout)
		if err != nil {
			return fmt.Errorf("invalid worker-timeout format (use '30s', '500ms'): %w", err)
		}
		if d < 0 {
			return fmt.Errorf("worker-timeout must not be negative, got %s", d)
		}
	}
	return nil
}

// writeReport stores report.json and the retained frames under dir.
func writeReport(dir string, r *session.Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "report.json"), append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}

	for _, rf := range r.Frames {
		frame, ok := rf.Payload().(*types.Frame)
		if !ok || frame.Bytes() == nil {
			continue
		}
		name := frameFileName(rf.Rank, rf.Frame.SequenceIndex())
		if err := os.WriteFile(filepath.Join(dir, name), frame.Bytes(), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func frameFileName(rank int, seq int64) string {
	return fmt.Sprintf("rank_%02d_frame_%06d.jpg", rank, seq)
}

// printSummary writes a human readable recap of the report.
func printSummary(out io.Writer, r *session.Report, dir string) {
	md := r.Metadata
	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "📊 SELECTION SUMMARY\n")
	fmt.Fprintf(out, "---------------------------------------------------------\n")

	if len(r.Frames) == 0 {
		fmt.Fprintf(out, "No frame with a detected face was kept.\n")
	} else {
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "RANK\tSCORE\tPITCH\tYAW\tROLL\tFRAME")
		fmt.Fprintln(w, "----\t-----\t-----\t---\t----\t-----")
		for _, rec := range r.Records() {
			fmt.Fprintf(w, "%d\t%.3f\t%.2f\t%.2f\t%.2f\t%d\n",
				rec.Rank, rec.Score, rec.Pitch, rec.Yaw, rec.Roll, rec.SequenceIndex)
		}
		w.Flush()

		mean, sd := r.ScoreStats()
		fmt.Fprintf(out, "\n📈 Kept score mean %.3f, stddev %.3f\n", mean, sd)
	}

	fmt.Fprintf(out, "\n---------------------------------------------------------\n")
	fmt.Fprintf(out, "🎞️  Frames Ingested:   %d\n", md.TotalIngested)
	fmt.Fprintf(out, "🙈 No Face:           %d\n", md.NoFaceCount)
	fmt.Fprintf(out, "⚠️  Malformed:         %d\n", md.MalformedCount)
	if dir != "" {
		fmt.Fprintf(out, "📁 Output:            %s\n", dir)
	}
	fmt.Fprintf(out, "---------------------------------------------------------\n")
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
