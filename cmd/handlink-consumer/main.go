// Command handlink-consumer connects to handlink-producer and drives a scene
// object's transform from the hand landmark stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ayusman/handlink/internal/config"
	"github.com/ayusman/handlink/internal/consumer"
	"github.com/ayusman/handlink/internal/host"
	"github.com/ayusman/handlink/internal/logging"
	"github.com/ayusman/handlink/internal/server"
	"github.com/ayusman/handlink/internal/transform"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration file")
	addr := flag.String("addr", "", "Producer address (overrides config)")
	httpAddr := flag.String("http", "", "Status server address (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handlink-consumer: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Consumer.Addr = *addr
	}
	if *httpAddr != "" {
		cfg.Consumer.HTTPAddr = *httpAddr
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "handlink-consumer: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg.Consumer, log); err != nil {
		log.Error("consumer failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Consumer, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scene := host.NewScene(cfg.Scene, logging.Component(log, "scene"))
	if _, err := scene.Add(cfg.Object, transform.Identity()); err != nil {
		return err
	}

	mgr := consumer.NewManager(consumer.ManagerConfig{
		Addr:        cfg.Addr,
		DialTimeout: cfg.DialTimeout,
	}, scene, log)

	log.Info("starting hand tracking")
	if err := mgr.Start(ctx); err != nil {
		log.Error("failed to start hand tracking; send SIGHUP to retry", zap.Error(err))
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := scene.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.HTTPAddr != "" {
		srv := server.New(server.Config{Scene: scene, Sessions: mgr, Log: log})
		g.Go(func() error {
			return srv.ListenAndServe(ctx, cfg.HTTPAddr)
		})
	}

	g.Go(func() error {
		supervise(ctx, mgr, log)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		// Closing the scene first releases a receiver blocked in Schedule.
		scene.Close()
		mgr.Stop()
		return nil
	})

	return g.Wait()
}

// supervise restarts the session on SIGHUP and releases it when the
// producer goes away.
func supervise(ctx context.Context, mgr *consumer.Manager, log *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		var done <-chan struct{}
		if c := mgr.Active(); c != nil {
			done = c.Done()
		}

		select {
		case <-ctx.Done():
			return
		case <-hup:
			log.Info("restarting hand tracking")
			if err := mgr.Start(ctx); err != nil {
				log.Error("failed to start hand tracking", zap.Error(err))
			}
		case <-done:
			if c := mgr.Active(); c != nil {
				st := c.Stats()
				log.Warn("hand tracking session ended; send SIGHUP to reconnect",
					zap.Uint64("received", st.Received),
					zap.Uint64("applied", st.Applied),
					zap.Uint64("dropped", st.Dropped),
					zap.Uint64("malformed", st.Malformed),
				)
			}
			mgr.Stop()
		}
	}
}
