// Command smartscope is the standalone daemon entry point: it loads the
// configuration surface and the calibration bundle, leaves the detector
// factory unset (so no inference runs until an integrator supplies a real
// NPU detector), then runs the manager until a signal arrives.
//
// Grounded on the teacher's server/main.go (config.Load at startup,
// signal.NotifyContext for graceful shutdown, background loops spawned
// and joined via context cancellation) with the HTTP/browser/hardware
// surface dropped since this daemon has no UI of its own — see
// DESIGN.md.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"smartscope/internal/calib"
	"smartscope/internal/config"
	"smartscope/internal/inference"
	"smartscope/internal/logging"
	"smartscope/internal/manager"
)

var log = logging.For("main")

func main() {
	configDir := flag.String("config-dir", ".", "directory containing config.default.yaml and config.yaml")
	calibPath := flag.String("calibration", "", "path to the calibration bundle YAML (optional)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logging.SetLevel(logrus.DebugLevel)
	}

	result, err := config.Load(*configDir)
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}
	cfg := result.Config

	var bundle *calib.Bundle
	path := *calibPath
	if path == "" && cfg.CalibrationDir != "" {
		path = cfg.CalibrationDir + "/calibration.yaml"
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Warn("calibration read failed, distortion correction disabled")
		} else if b, err := calib.Load(data); err != nil {
			log.WithError(err).Warn("calibration parse failed, distortion correction disabled")
		} else {
			bundle = b
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mgr := manager.New(manager.Options{
		Width:            cfg.Camera.Width,
		Height:           cfg.Camera.Height,
		FPS:              cfg.Camera.FPS,
		LeftKeywords:     cfg.Camera.Left.NameKeywords,
		RightKeywords:    cfg.Camera.Right.NameKeywords,
		MonitorInterval:  cfg.MonitorIntervalDur,
		SyncToleranceMs:  cfg.SyncToleranceMs,
		Calibration:      bundle,
		InferenceOptions: inferenceOptionsFrom(cfg),
		// DetectorFactory is left nil: this daemon streams and serves
		// status/frames without running inference unless an integrator
		// links in a real NPU detector and sets it before Start.
	})

	applyPipelineDefaults(mgr, cfg)

	if err := mgr.Start(ctx); err != nil {
		log.WithError(err).Fatal("manager start failed")
	}
	log.Info("smartscope daemon running")

	mgr.RegisterDataCallback(func(snap manager.FrameSnapshot) {
		log.WithFields(logrus.Fields{
			"mode":      snap.Status.Mode.String(),
			"cameras":   snap.Status.CameraCount,
			"sync_delta_us": snap.SyncDeltaUs,
		}).Debug("frame snapshot")
	})

	<-ctx.Done()
	log.Info("shutting down")

	stopped := make(chan struct{})
	go func() {
		mgr.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		log.Warn("manager did not stop within grace period")
	}
}

func inferenceOptionsFrom(cfg *config.Config) inference.Options {
	return inference.Options{
		MaxQueue:   cfg.Inference.MaxQueue,
		NumWorkers: cfg.Inference.NumWorkers,
		ResultTTL:  cfg.ResultTTLDur,
	}
}

// applyPipelineDefaults seeds the shared transform config from the
// configuration surface's pipeline sub-tree. transform.Config only
// exposes the same increment/toggle operations the UI control commands
// use (§4.6), so startup seeding drives them the same way a sequence of
// control commands would rather than reaching around the API.
func applyPipelineDefaults(mgr *manager.Manager, cfg *config.Config) {
	tc := mgr.TransformConfig()
	for rotated := 0; rotated < cfg.Pipeline.RotationDegrees%360; rotated += 90 {
		tc.ApplyRotation()
	}
	if cfg.Pipeline.FlipH {
		tc.ToggleFlipH()
	}
	if cfg.Pipeline.FlipV {
		tc.ToggleFlipV()
	}
	if cfg.Pipeline.Invert {
		tc.ToggleInvert()
	}
}
