package cmd

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/bestframe/internal/config"
	"github.com/andresmejia3/bestframe/internal/log"
	"github.com/andresmejia3/bestframe/internal/metrics"
	"github.com/andresmejia3/bestframe/internal/pipeline"
	"github.com/andresmejia3/bestframe/internal/session"
	"github.com/andresmejia3/bestframe/internal/types"
	"github.com/andresmejia3/bestframe/internal/utils"
	"github.com/spf13/cobra"
)

var rankOpts Options

var rankCmd = &cobra.Command{
	Use:   "rank [file.jsonl]",
	Short: "Rank pose estimates read as JSON lines (stdin when no file is given)",
	Long: `Reads one pose estimate per line:

  {"sequence_index": 3, "pitch": -0.6, "yaw": -2.3, "roll": 179.9, "face_detected": true}

sequence_index defaults to the line number, face_detected to true. A missing
angle counts the frame as malformed. The report is written as JSON.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := io.Reader(os.Stdin)
		source := "-"
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			in, source = f, args[0]
		}
		tuning, err := resolveTuning(cmd, rankOpts.ConfigPath, rankTuning)
		if err != nil {
			return err
		}
		return runRank(cmd.Context(), in, source, rankOpts, tuning, cmd.OutOrStdout())
	},
}

func init() {
	rankCmd.Flags().StringVarP(&rankOpts.ConfigPath, "config", "c", "", "Tuning config (JSON)")
	rankCmd.Flags().StringVar(&rankOpts.SessionID, "session-id", "", "Session id (default: random)")
	rankCmd.Flags().StringVarP(&rankOpts.OutFile, "out", "o", "", "Write the report here instead of stdout")
	rankCmd.Flags().BoolVar(&rankOpts.Verify, "verify", false, "Recompute every retained score before writing the report")
	addTuningFlags(rankCmd, &rankTuning)
	rootCmd.AddCommand(rankCmd)
}

// poseLine is one JSONL input record.
type poseLine struct {
	SequenceIndex *int64     `json:"sequence_index"`
	Pitch         *float64   `json:"pitch"`
	Yaw           *float64   `json:"yaw"`
	Roll          *float64   `json:"roll"`
	FaceDetected  *bool      `json:"face_detected"`
	CapturedAt    *time.Time `json:"captured_at"`
}

// parsePoseLine decodes one record. lineNo is used when the record carries
// no sequence index.
func parsePoseLine(line []byte, lineNo int64) (pipeline.Item, error) {
	var pl poseLine
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pl); err != nil {
		return pipeline.Item{}, err
	}

	orNaN := func(v *float64) float64 {
		if v == nil {
			return math.NaN()
		}
		return *v
	}
	est := types.PoseEstimate{
		PitchRaw:      orNaN(pl.Pitch),
		YawRaw:        orNaN(pl.Yaw),
		RollRaw:       orNaN(pl.Roll),
		SequenceIndex: lineNo,
	}
	if pl.SequenceIndex != nil {
		est.SequenceIndex = *pl.SequenceIndex
	}
	if pl.CapturedAt != nil {
		est.CapturedAt = *pl.CapturedAt
	}
	face := pl.FaceDetected == nil || *pl.FaceDetected
	return pipeline.Item{Estimate: est, FaceDetected: face}, nil
}

// rankStream ingests every record of in through the queue and returns the
// finalized report. Lines that are not valid JSON are logged and skipped.
func rankStream(ctx context.Context, in io.Reader, sessionID string, tuning *config.TuningConfig, m *metrics.Metrics) (*session.Report, *session.Accumulator, error) {
	sessCfg, err := tuning.SessionConfig()
	if err != nil {
		return nil, nil, err
	}
	queueOpts, err := tuning.QueueOptions()
	if err != nil {
		return nil, nil, err
	}
	acc, err := session.New(sessionID, sessCfg)
	if err != nil {
		return nil, nil, err
	}
	queue, err := pipeline.NewQueue(queueOpts, m)
	if err != nil {
		return nil, nil, err
	}

	consumeDone := make(chan error, 1)
	go func() {
		consumeDone <- pipeline.Consume(ctx, queue, acc, m)
	}()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), megabyte)
	var lineNo int64
	var pushErr error
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		it, err := parsePoseLine(line, lineNo)
		if err != nil {
			m.FrameError("parse")
			log.Warn("skipping unreadable line", "line", lineNo, "err", err)
			continue
		}
		if pushErr = queue.Push(ctx, it); pushErr != nil {
			break
		}
	}
	queue.Close()
	consumeErr := <-consumeDone

	if pushErr == nil && consumeErr == nil {
		// the consumer may have drained everything before noticing ctx
		pushErr = ctx.Err()
	}
	if pushErr != nil || consumeErr != nil {
		acc.Close()
		queue.Drain()
		if pushErr != nil {
			return nil, nil, pushErr
		}
		return nil, nil, consumeErr
	}
	if err := scanner.Err(); err != nil {
		acc.Close()
		return nil, nil, fmt.Errorf("failed to read input: %w", err)
	}

	report, err := acc.Finalize()
	if err != nil {
		return nil, nil, err
	}
	return report, acc, nil
}

func runRank(ctx context.Context, in io.Reader, source string, opts Options, tuning *config.TuningConfig, stdout io.Writer) error {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = utils.NewSessionID()
	}

	report, acc, err := rankStream(ctx, in, sessionID, tuning, Metrics)
	if err != nil {
		return err
	}
	defer report.Release()

	if opts.Verify {
		if err := session.Verify(report, acc.Scorer()); err != nil {
			return fmt.Errorf("report verification failed: %w", err)
		}
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if opts.OutFile != "" {
		if err := os.WriteFile(opts.OutFile, data, 0644); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	} else if _, err := stdout.Write(data); err != nil {
		return err
	}

	if DB != nil {
		if err := DB.SaveReport(ctx, source, report); err != nil {
			return fmt.Errorf("failed to store report: %w", err)
		}
	}
	log.Info("ranked", "session", utils.ShortID(sessionID), "frames", len(report.Frames),
		"ingested", report.Metadata.TotalIngested, "malformed", report.Metadata.MalformedCount)
	return nil
}
