// Command smartscope-bench runs the manager against live or simulated
// hardware and prints a continuously refreshed line of queue depth,
// active worker count, detection result age and frames-per-second.
//
// TTY-awareness follows the DOMAIN STACK's mattn/go-isatty +
// mattn/go-colorable pairing: when stdout is a real terminal the stats
// line is redrawn in place with ANSI cursor control; when it's
// redirected to a file or pipe (isatty reports false) the tool falls
// back to one plain log line per tick instead of spraying control
// codes into a log file, the same guard logrus's own TextFormatter uses
// internally to decide whether to colorize.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"smartscope/internal/calib"
	"smartscope/internal/config"
	"smartscope/internal/inference"
	"smartscope/internal/logging"
	"smartscope/internal/manager"
	"smartscope/internal/videoframe"
)

var log = logging.For("bench")

// fakeDetector simulates NPU inference latency for benchmarking without
// real accelerator hardware, grounded on inference_test.go's fakeDetector.
type fakeDetector struct {
	delay time.Duration
}

func (f *fakeDetector) Detect(frame videoframe.DecodedFrame) ([]inference.Detection, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return []inference.Detection{{ClassID: 1, Confidence: 0.5}}, nil
}

func (f *fakeDetector) Close() error { return nil }

func main() {
	configDir := flag.String("config-dir", ".", "directory containing config.default.yaml and config.yaml")
	calibPath := flag.String("calibration", "", "path to the calibration bundle YAML (optional)")
	simulatedLatency := flag.Duration("simulated-inference-latency", 15*time.Millisecond, "per-frame delay for the built-in fake detector")
	flag.Parse()

	result, err := config.Load(*configDir)
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	cfg := result.Config

	var bundle *calib.Bundle
	if *calibPath != "" {
		data, err := os.ReadFile(*calibPath)
		if err != nil {
			log.WithError(err).Warn("calibration read failed, continuing without it")
		} else if b, err := calib.Load(data); err != nil {
			log.WithError(err).Warn("calibration parse failed, continuing without it")
		} else {
			bundle = b
		}
	}

	var frameCount atomic.Uint64

	mgr := manager.New(manager.Options{
		Width:           cfg.Camera.Width,
		Height:          cfg.Camera.Height,
		FPS:             cfg.Camera.FPS,
		LeftKeywords:    cfg.Camera.Left.NameKeywords,
		RightKeywords:   cfg.Camera.Right.NameKeywords,
		MonitorInterval: cfg.MonitorIntervalDur,
		SyncToleranceMs: cfg.SyncToleranceMs,
		Calibration:     bundle,
		InferenceOptions: inference.Options{
			MaxQueue:   cfg.Inference.MaxQueue,
			NumWorkers: cfg.Inference.NumWorkers,
			ResultTTL:  cfg.ResultTTLDur,
		},
		DetectorFactory: func(idx int) (inference.Detector, error) {
			return &fakeDetector{delay: *simulatedLatency}, nil
		},
	})

	mgr.RegisterDataCallback(func(snap manager.FrameSnapshot) {
		if snap.Left != nil || snap.Right != nil {
			frameCount.Add(1)
		}
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.WithError(err).Fatal("manager start failed")
	}
	defer mgr.Stop()

	out := colorable.NewColorableStdout()
	live := isatty.IsTerminal(os.Stdout.Fd())

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastCount uint64
	lastTick := time.Now()
	disp := mgr.Dispatcher()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return
		case now := <-ticker.C:
			count := frameCount.Load()
			elapsed := now.Sub(lastTick).Seconds()
			fps := float64(count-lastCount) / elapsed
			lastCount = count
			lastTick = now

			status := mgr.GetStatus()
			ageMs := disp.LatestAgeMs()
			ageStr := "—"
			if ageMs != ^uint64(0) {
				ageStr = fmt.Sprintf("%dms", ageMs)
			}

			line := fmt.Sprintf(
				"mode=%-8s cameras=%d queue=%d/%*d workers=%d result_age=%-6s fps=%.1f",
				status.Mode.String(), status.CameraCount,
				disp.QueueDepth(), 2, cfg.Inference.MaxQueue,
				disp.ActiveWorkers(), ageStr, fps,
			)
			if live {
				fmt.Fprintf(out, "\r\x1b[K%s", line)
			} else {
				fmt.Fprintln(out, line)
			}
		}
	}
}
