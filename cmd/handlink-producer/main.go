// Command handlink-producer tracks a hand with the camera and streams its
// landmarks to one consumer over TCP.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/ayusman/handlink/internal/capture"
	"github.com/ayusman/handlink/internal/config"
	"github.com/ayusman/handlink/internal/detector"
	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/producer"
	"github.com/ayusman/handlink/internal/store"
)

const windowTitle = "Hand Tracking"

// OpenCV windows must be driven from the main OS thread.
func init() {
	runtime.LockOSThread()
}

type options struct {
	configPath string
	record     string
	replay     string
	list       bool
	headless   bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "Path to YAML configuration file")
	flag.StringVar(&opts.record, "record", "", "Record streamed frames under this name")
	flag.StringVar(&opts.replay, "replay", "", "Replay the recording with this ID instead of using the camera")
	flag.BoolVar(&opts.list, "list", false, "List stored recordings and exit")
	flag.BoolVar(&opts.headless, "headless", false, "Disable the preview window")
	flag.Parse()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handlink-producer: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handlink-producer: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, opts, log); err != nil {
		log.Error("producer failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options, log *zap.Logger) error {
	var st *store.Store
	if opts.list || opts.record != "" || opts.replay != "" {
		var err error
		if st, err = openStore(cfg.Producer.StorePath); err != nil {
			return err
		}
		defer st.Close()
	}

	if opts.list {
		return listRecordings(os.Stdout, st.Recordings())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stdin := bufio.NewReader(os.Stdin)
	for {
		srv, err := newServer(cfg, opts, st, log)
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err != nil {
			log.Error("server error", zap.Error(err))
			log.Info("restarting", zap.Duration("delay", cfg.Producer.RestartDelay))
			if !sleep(ctx, cfg.Producer.RestartDelay) {
				return nil
			}
			continue
		}

		err = srv.Serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, producer.ErrPeerGone) {
			log.Error("error in main loop", zap.Error(err))
		}

		fmt.Print("Server stopped. Press 'r' to restart or 'q' to quit: ")
		answer, err := stdin.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if !strings.EqualFold(strings.TrimSpace(answer), "r") {
			return nil
		}
	}
}

// newServer builds the frame source for this session and binds the listener.
func newServer(cfg *config.Config, opts options, st *store.Store, log *zap.Logger) (*producer.Server, error) {
	src, err := newSource(cfg, opts, st, log)
	if err != nil {
		return nil, err
	}

	srv := producer.New(producer.Config{Addr: cfg.Producer.Addr}, src, log)
	if err := srv.Listen(); err != nil {
		src.Close()
		return nil, err
	}
	return srv, nil
}

func newSource(cfg *config.Config, opts options, st *store.Store, log *zap.Logger) (producer.Source, error) {
	var src producer.Source
	if opts.replay != "" {
		replay, err := producer.NewReplaySource(st.Recordings(), opts.replay, cfg.Producer.ReplayLoop, log)
		if err != nil {
			return nil, err
		}
		src = replay
	} else {
		cam, err := newCameraSource(cfg, opts, log)
		if err != nil {
			return nil, err
		}
		src = cam
	}

	if opts.record != "" {
		rec, err := producer.NewRecorder(src, st.Recordings(), opts.record, log)
		if err != nil {
			src.Close()
			return nil, err
		}
		src = rec
	}
	return src, nil
}

func newCameraSource(cfg *config.Config, opts options, log *zap.Logger) (*producer.CameraSource, error) {
	pc := cfg.Producer

	det, err := detector.NewMediaPipeDetector(detector.Config{
		MaxHands:        1,
		ModelComplexity: pc.Detector.ModelComplexity,
		MinConfidence:   pc.Detector.MinDetectionConfidence,
		MinTrackingConf: pc.Detector.MinTrackingConfidence,
		ScriptPath:      pc.Detector.ScriptPath,
		PythonPath:      pc.Detector.PythonPath,
	}, logging.Component(log, "detector"))
	if err != nil {
		return nil, fmt.Errorf("mediapipe not available: %w", err)
	}

	cam := capture.NewCamera(capture.Config{
		DeviceID: pc.Camera.DeviceID,
		Width:    pc.Camera.Width,
		Height:   pc.Camera.Height,
		FPS:      pc.Camera.FPS,
		Mirror:   pc.Camera.Mirror,
	})

	var preview producer.Preview
	if pc.Preview && !opts.headless {
		preview = producer.NewWindow(windowTitle)
	}

	src, err := producer.NewCameraSource(cam, det, preview, log)
	if err != nil {
		det.Close()
		if preview != nil {
			preview.Close()
		}
		return nil, err
	}
	return src, nil
}

func openStore(path string) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	st, err := store.New(path)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}
	return st, nil
}

func listRecordings(w io.Writer, repo *store.RecordingRepository) error {
	recs, err := repo.List()
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFRAMES\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Frames, r.CreatedAt.Format(time.DateTime))
	}
	return tw.Flush()
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
