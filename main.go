// vidtrack runs an object detector over a video, keeps persistent track
// identities across frames and draws them onto the video, showing it live
// and optionally writing the annotated result.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"vidtrack/config"
	"vidtrack/debuglog"
	"vidtrack/detection"
	"vidtrack/overlay"
	"vidtrack/pipeline"
	"vidtrack/pkg/ffmpeg"
	"vidtrack/preview"
	"vidtrack/report"
	"vidtrack/tracking"
	"vidtrack/tracklog"
	"vidtrack/video"
)

func init() {
	// highgui windows must be driven from a single OS thread
	runtime.LockOSThread()
}

func main() {
	os.Exit(exitCode(run(os.Args[1:])))
}

func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return 0
	case errors.Is(err, config.ErrInvalid):
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintln(os.Stderr, "Use -h for flag descriptions")
		return 2
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
}

// wireDebug connects every package to the session logger. Per-box overlay
// chatter is throttled to one line a second.
func wireDebug(log *debuglog.Logger, debug bool) {
	detection.SetDebugFunction(log.Msg)
	detection.SetDebugVerboseFunction(log.Verbose)
	tracking.SetDebugFunction(log.Msg)
	tracking.SetDebugVerboseFunction(log.Verbose)
	if debug {
		overlay.SetDebugVerboseFunction(log.Throttled(time.Second))
	}
	video.SetDebugFunction(log.Msg)
	video.SetDebugVerboseFunction(log.Verbose)
	ffmpeg.SetDebugFunction(log.Msg)
	ffmpeg.SetDebugVerboseFunction(log.Verbose)
	pipeline.SetDebugFunction(log.Msg)
	preview.SetDebugFunction(log.Msg)
}

func run(args []string) (err error) {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	session := uuid.NewString()
	log := debuglog.New(os.Stderr, session, cfg.Debug)
	wireDebug(log, cfg.Debug)
	log.Msg("SYSTEM", fmt.Sprintf("input=%s model=%s device=%s conf=%.2f iou=%.2f imgsz=%d",
		cfg.Input, cfg.Model, cfg.Device, cfg.ConfidenceThreshold, cfg.IoUThreshold, cfg.InferenceSize))

	// The model is loaded before any frame is read.
	model, err := detection.LoadModel(cfg.ModelConfig())
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, model.Close()) }()
	info := model.GetProviderInfo()
	log.Msg("DETECTION", fmt.Sprintf("using %s provider (%s), ready in %v", info.Type, info.Backend, info.InitTime))

	src, err := video.OpenSource(cfg.Input)
	if err != nil {
		return err
	}
	meta := src.Metadata()

	tracker, err := tracking.NewBYTETracker(cfg.TrackerConfig(meta.FPS))
	if err != nil {
		src.Close()
		return fmt.Errorf("%w: tracker: %w", config.ErrInvalid, err)
	}

	colors, err := cfg.ColorPolicy()
	if err != nil {
		src.Close()
		return err
	}
	annotator := overlay.NewAnnotator(model.ClassNames(), overlay.Options{
		LineWidth:   overlay.DefaultOptions().LineWidth,
		ShowTrackID: cfg.ShowTrackID,
		Colors:      colors,
	})

	pcfg := pipeline.Config{
		OpenSource:    func() (pipeline.FrameSource, error) { return src, nil },
		Detector:      model,
		Tracker:       tracker,
		Annotator:     annotator,
		Prefetch:      cfg.Prefetch,
		StatsInterval: cfg.StatsInterval.Duration,
		SessionID:     session,
	}
	if cfg.SaveVideo {
		pcfg.Sinks = append(pcfg.Sinks, encoderSink(cfg))
	}
	if cfg.JPEGPath != "" {
		dir, every := cfg.JPEGPath, cfg.JPEGEvery
		pcfg.Sinks = append(pcfg.Sinks, func(video.Metadata) (video.Sink, error) {
			return video.OpenJPEGSink(dir, every, 2)
		})
	}
	if cfg.PreviewAddr != "" {
		addr := cfg.PreviewAddr
		pcfg.Sinks = append(pcfg.Sinks, func(video.Metadata) (video.Sink, error) {
			return preview.Listen(addr)
		})
	}
	if cfg.ShowVideo {
		exitKey := cfg.ExitKey
		pcfg.OpenDisplay = func() (pipeline.Display, error) {
			return video.NewDisplay("vidtrack", exitKey)
		}
	}

	var trackDB *tracklog.DB
	if cfg.TrackDB != "" {
		if trackDB, err = tracklog.Open(cfg.TrackDB, session, cfg.Input); err != nil {
			src.Close()
			return fmt.Errorf("%w: track db: %w", video.ErrResource, err)
		}
		defer func() { err = errors.Join(err, trackDB.Close()) }()
		pcfg.Observers = append(pcfg.Observers, trackDB)
	}
	var recorder *report.Recorder
	if cfg.ReportPath != "" {
		recorder = report.NewRecorder(cfg.Input, session)
		pcfg.Observers = append(pcfg.Observers, recorder)
	}

	driver, err := pipeline.NewDriver(pcfg)
	if err != nil {
		src.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	res, runErr := driver.Run(ctx)

	frames, fps := driver.Stats().Overall()
	log.Msg("SYSTEM", fmt.Sprintf("processed %d frames at %.1f fps, wrote %d, cancelled=%t",
		frames, fps, res.FramesWritten, res.Cancelled))
	reported, issued := tracker.Counts()
	log.Msg("TRACK", fmt.Sprintf("%d track IDs issued, %d on the last frame", issued, reported))

	if trackDB != nil {
		if err := trackDB.Finish(res); err != nil {
			log.Error("TRACKDB", err)
		}
		if tracks, err := trackDB.Tracks(); err == nil {
			log.Msg("TRACKDB", fmt.Sprintf("%d tracks recorded in %s", len(tracks), cfg.TrackDB))
		}
	}
	if recorder != nil {
		if err := recorder.WriteFile(cfg.ReportPath, res); err != nil {
			log.Error("REPORT", err)
		} else {
			log.Msg("REPORT", "wrote "+cfg.ReportPath)
		}
	}
	return runErr
}

// encoderSink opens the configured encoder once the frame size is known.
func encoderSink(cfg *config.Config) pipeline.SinkFactory {
	return func(meta video.Metadata) (video.Sink, error) {
		if cfg.Encoder == "ffmpeg" {
			return ffmpeg.NewEncoder(ffmpeg.Config{
				OutputPath: cfg.OutputPath,
				Width:      meta.Width,
				Height:     meta.Height,
				FPS:        meta.FPS,
			})
		}
		return video.OpenWriter(cfg.OutputPath, cfg.Codec, meta.FPS, meta.Width, meta.Height)
	}
}
