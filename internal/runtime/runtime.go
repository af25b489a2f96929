package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-asr/internal/bus"
	"github.com/loqalabs/loqa-asr/internal/capability"
	"github.com/loqalabs/loqa-asr/internal/config"
	"github.com/loqalabs/loqa-asr/internal/decoder"
	"github.com/loqalabs/loqa-asr/internal/eventstore"
	"github.com/loqalabs/loqa-asr/internal/natsserver"
	"github.com/loqalabs/loqa-asr/internal/publish"
	"github.com/loqalabs/loqa-asr/internal/segmenter"
	"github.com/loqalabs/loqa-asr/internal/selector"
)

// Runtime owns one recognizer node: its bus connection, the decode stream and the
// health/metrics endpoints.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	httpServer *http.Server
	metricsSrv *http.Server
	ready      atomic.Bool
	wg         sync.WaitGroup

	bus        *bus.Client
	registry   *capability.Registry
	controller *segmenter.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start runs until the context is cancelled or the audio stream ends.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if terr := shutdownTelemetry(shutdownCtx); terr != nil {
			r.logger.Error("telemetry shutdown error", slogError(terr))
		}
	}()

	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	defer embedded.Shutdown()
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, r.logger)
	if err != nil {
		return err
	}
	defer client.Close()
	r.bus = client

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	streamID := r.cfg.Audio.StreamID
	if streamID == "" {
		streamID = uuid.NewString()
	}
	log := r.logger.With(slog.String("stream", streamID))
	if err := store.AppendStream(ctx, streamID, r.cfg.Node.ID); err != nil {
		log.Warn("failed to record stream", slogError(err))
	}

	publisher := publish.NewPublisher(client, store, streamID, r.logger)
	controls, err := publish.SubscribeControls(client, r.logger)
	if err != nil {
		return err
	}
	defer controls.Close()

	source, err := openSource(r.cfg.Audio, streamID, client, log)
	if err != nil {
		return fmt.Errorf("open audio source: %w", err)
	}
	defer func() {
		if cerr := source.Close(); cerr != nil {
			log.Warn("audio source close failed", slogError(cerr))
		}
	}()
	format := source.Format()

	if err := publisher.Loading(ctx); err != nil {
		log.Warn("failed to publish loading event", slogError(err))
	}
	engine, err := decoder.NewEngine(ctx, r.cfg.Decoder, format.SampleRate)
	if err != nil {
		return fmt.Errorf("load decoder: %w", err)
	}
	defer func() {
		if cerr := engine.Close(); cerr != nil {
			log.Warn("decoder close failed", slogError(cerr))
		}
	}()

	seg := r.cfg.Segmenter
	controller, err := segmenter.New(segmenter.Options{
		StreamID:     streamID,
		UseThreads:   seg.UseThreads,
		WaitForStart: seg.WaitForStart,
		Continuous:   seg.Continuous,
		Decoder: decoder.Options{
			SampleRate:     format.SampleRate,
			PadConfidences: r.cfg.Decoder.PadConfidences,
		},
	}, segmenter.Deps{
		Logger: r.logger,
		Engine: engine,
		Source: source,
		Selector: selector.New(selector.Options{
			Cutoff:       seg.MicVolCutoff,
			MinDwell:     seg.MinFramesPerSpeaker,
			LabelPattern: seg.SpeakerName,
		}),
		Sink:     publisher,
		Controls: controls.C(),
	})
	if err != nil {
		return err
	}
	r.controller = controller

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, capability.Stream{
		ID:         streamID,
		SampleRate: format.SampleRate,
		Channels:   r.cfg.Audio.Channels,
		Engine:     r.cfg.Decoder.Mode,
	}, r.nodeStatus, client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	defer registry.Close()
	r.registry = registry

	r.startHTTP(metricsHandler)
	defer r.stopHTTP()

	if err := publisher.Ready(ctx); err != nil {
		log.Warn("failed to publish ready event", slogError(err))
	}
	r.ready.Store(true)
	log.Info("runtime started",
		slog.String("source", r.cfg.Audio.Source),
		slog.Int("sample_rate", format.SampleRate),
		slog.Int("channels", format.Channels),
		slog.String("decoder", r.cfg.Decoder.Mode))

	runErr := controller.Run(ctx)
	r.ready.Store(false)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("segmentation: %w", runErr)
	}
	log.Info("runtime stopping")
	return nil
}

func (r *Runtime) nodeStatus() capability.Status {
	if r.controller == nil {
		return capability.Status{State: segmenter.StateIdle.String()}
	}
	return capability.Status{
		State:      r.controller.State().String(),
		Utterances: r.controller.Finalized(),
	}
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)

	if metricsHandler != nil {
		if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricsHandler)
			r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsSrv, "metrics")
		} else {
			mux.Handle("/metrics", metricsHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")
	r.logger.Info("http listening", slog.String("addr", addr))
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slogError(err))
		}
	}()
}

func (r *Runtime) stopHTTP() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slogError(err))
		}
	}
	r.wg.Wait()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.registry != nil && r.registry.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
