package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/headcount/internal/config"
	"github.com/banshee-data/headcount/internal/db"
	"github.com/banshee-data/headcount/internal/detect"
	"github.com/banshee-data/headcount/internal/events"
	"github.com/banshee-data/headcount/internal/identity"
	"github.com/banshee-data/headcount/internal/monitoring"
	"github.com/banshee-data/headcount/internal/pipeline"
	"github.com/banshee-data/headcount/internal/timeutil"
	"github.com/banshee-data/headcount/internal/version"
)

type options struct {
	configPath    string
	dbPath        string
	dev           bool
	devIdentities string
	listen        string
}

const shutdownTimeout = 10 * time.Second

// run starts the pipeline and blocks until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, opts options) error {
	log.Printf("starting %s", version.String())
	clk := timeutil.RealClock{}
	metrics := monitoring.NewMetrics()

	alerts, closeAlerts, err := buildAlerts(cfg.GetAlerts())
	if err != nil {
		return err
	}
	defer closeAlerts()

	database, err := db.Open(opts.dbPath)
	if err != nil {
		return fmt.Errorf("open database %s: %w", opts.dbPath, err)
	}
	defer database.Close()

	if opts.dev {
		if err := seedDevIdentities(ctx, database, opts.devIdentities, cfg.GetEmbeddingDim()); err != nil {
			return fmt.Errorf("seed dev identities: %w", err)
		}
	}

	matcher, reloader, err := buildResolver(cfg, database, metrics)
	if err != nil {
		return err
	}
	if err := reloader.Reload(ctx); err != nil {
		log.Printf("initial identity load failed, starting with an empty cache: %v", err)
	}
	pool := identity.NewPool(matcher, cfg.GetPoolSize(), cfg.GetPoolQueue())
	defer pool.Close()

	backendName := cfg.GetDetectionBackend()
	if opts.dev {
		backendName = "annotated"
	}
	backend, err := detect.NewBackend(backendName, detect.BackendOptions{
		InferenceURL: cfg.GetInferenceURL(),
		EmbeddingDim: cfg.GetEmbeddingDim(),
	})
	if err != nil {
		return err
	}
	load := detect.NewLoadMonitor(detect.CPUSampler{}, cfg.GetLoadSampleInterval(), clk)

	sinkCfg := cfg.GetSink()
	if opts.dev && cfg.Sink == nil {
		sinkCfg = config.SinkConfig{Kind: "log"}
	}
	sink, err := buildSink(sinkCfg, database)
	if err != nil {
		return fmt.Errorf("event sink: %w", err)
	}
	defer sink.close()
	pub := events.NewPublisher(events.PublisherConfig{
		Sink:          sink.sink,
		Probe:         sink.probe,
		Capacity:      cfg.GetBufferCapacity(),
		BatchSize:     cfg.GetBatchSize(),
		RetryInterval: cfg.GetRetryInterval(),
		WarnFraction:  cfg.GetBufferWarnFraction(),
		WriteTimeout:  cfg.GetWriteTimeout(),
		Clock:         clk,
		Alerts:        alerts,
		Metrics:       metrics,
	})

	cams, err := cameraSpecs(cfg, opts.dev, clk)
	if err != nil {
		return err
	}
	if len(cams) == 0 {
		return errors.New("no cameras configured")
	}

	// The publisher and helpers run on their own context so the final
	// FAILED statuses emitted while the cameras stop still reach the buffer.
	svcCtx, cancelSvc := context.WithCancel(context.Background())
	defer cancelSvc()
	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		load.Run(svcCtx)
	}()
	go func() {
		defer wg.Done()
		reloader.Run(svcCtx)
	}()
	go func() {
		defer wg.Done()
		if err := pub.Run(svcCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("publisher stopped: %v", err)
		}
	}()

	rt := pipeline.NewRuntime(pipeline.SettingsFromConfig(cfg, backend, load), pipeline.Shared{
		Pool:      pool,
		Publisher: pub,
		Clock:     clk,
		Alerts:    alerts,
		Metrics:   metrics,
	})
	rt.Start(svcCtx, cams)

	var server *http.Server
	if opts.listen != "" {
		status := &statusServer{cameras: rt, publisher: pub, metrics: metrics, clock: clk, started: clk.Now()}
		server = &http.Server{Addr: opts.listen, Handler: status.ServeMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			log.Printf("serving /metrics, /healthz and /status on %s", opts.listen)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server: %v", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for running := true; running; {
		select {
		case <-ctx.Done():
			running = false
		case <-hup:
			reconfigure(rt, reloader, opts, clk)
		}
	}

	log.Printf("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
	}
	rt.Stop()
	cancelSvc()
	wg.Wait()
	if err := pub.Flush(shutdownCtx); err != nil {
		log.Printf("%d events not delivered at shutdown: %v", pub.Len(), err)
	}
	return nil
}

// cameraSpecs returns the configured cameras, or the synthetic demo cameras
// in dev mode when none are configured.
func cameraSpecs(cfg *config.Config, dev bool, clk timeutil.Clock) ([]pipeline.CameraSpec, error) {
	if dev && len(cfg.Cameras) == 0 {
		return devCameras(clk)
	}
	return pipeline.CamerasFromConfig(cfg, clk)
}

// reconfigure re-reads the config file on SIGHUP. Tunables outside the
// camera list keep their startup values.
func reconfigure(rt *pipeline.Runtime, reloader *identity.Reloader, opts options, clk timeutil.Clock) {
	reloader.Invalidate()
	if opts.configPath == "" {
		log.Printf("SIGHUP: no config file, refreshed identities only")
		return
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		log.Printf("SIGHUP: reload failed, keeping current cameras: %v", err)
		return
	}
	cams, err := cameraSpecs(cfg, opts.dev, clk)
	if err != nil {
		log.Printf("SIGHUP: reload failed, keeping current cameras: %v", err)
		return
	}
	res := rt.Reconfigure(cams)
	log.Printf("SIGHUP: %d started, %d stopped, %d restarted, %d updated",
		len(res.Started), len(res.Stopped), len(res.Restarted), len(res.Updated))
}
