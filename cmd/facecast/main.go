package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/config"
	"github.com/satindergrewal/facecast/internal/encoder"
	"github.com/satindergrewal/facecast/internal/engine"
	"github.com/satindergrewal/facecast/internal/events"
	"github.com/satindergrewal/facecast/internal/frame"
	"github.com/satindergrewal/facecast/internal/pipeline"
	"github.com/satindergrewal/facecast/internal/stream"
	"github.com/satindergrewal/facecast/internal/telemetry"
	"github.com/satindergrewal/facecast/internal/web"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	audioPath := flag.String("audio", "", "audio file driving the avatar (overrides run.audio)")
	source := flag.String("source", "", "portrait image or video (overrides run.source)")
	mode := flag.String("mode", "", "submission mode: online or offline (overrides run.mode)")
	serve := flag.Bool("serve", false, "keep serving viewers after the run ends")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("facecast", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Config: %v", err)
	}
	if *audioPath != "" {
		cfg.Run.Audio = *audioPath
	}
	if *source != "" {
		cfg.Run.Source = *source
	}
	if *mode != "" {
		cfg.Run.Mode = *mode
		if err := cfg.Validate(); err != nil {
			log.Fatalf("Config: %v", err)
		}
	}
	if cfg.Run.Audio == "" {
		log.Fatal("No audio given (use -audio or run.audio)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, *serve); err != nil {
		log.Printf("facecast: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, serve bool) error {
	log.Printf("facecast %s starting up...", version)

	// Metrics
	var metricsHandler http.Handler
	if cfg.Telemetry.Metrics {
		shutdown, handler, err := telemetry.Setup(ctx, "facecast", version)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer shutdown(context.Background())
		metricsHandler = handler
	}

	// Lifecycle events (optional)
	var notifier events.Notifier = events.Discard{}
	var bus *events.Publisher
	if cfg.Events.Enabled {
		servers := cfg.Events.Servers
		if cfg.Events.Embedded {
			srv, err := events.StartEmbedded("127.0.0.1", cfg.Events.Port)
			if err != nil {
				return err
			}
			defer srv.Shutdown()
			servers = []string{srv.ClientURL()}
		}
		pub, err := events.Connect(events.Options{
			Servers:        servers,
			Subject:        cfg.Events.Subject,
			Token:          cfg.Events.Token,
			ConnectTimeout: cfg.Events.ConnectTimeout,
		})
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier = pub
		bus = pub
	} else {
		log.Println("Events not configured (set FACECAST_EVENTS=true to publish run events)")
	}

	// Audio and per-frame control
	sig, err := audio.DecodeFile(ctx, cfg.Run.Audio)
	if err != nil {
		return err
	}
	numFrames := audio.FramesFor(len(sig), audio.SampleRate, cfg.Run.FPS)
	ctrl, err := engine.LoadControl(cfg.Run.ControlFile, numFrames)
	if err != nil {
		return err
	}
	log.Printf("Audio loaded: %s (%v, %d frames)", cfg.Run.Audio, sig.Duration(), numFrames)

	// Viewer surfaces
	publisher, err := stream.NewPublisher(cfg.Server.JPEGQuality)
	if err != nil {
		return fmt.Errorf("publisher: %w", err)
	}
	publisher.SetAudio(sig, cfg.Run.FPS)
	video := stream.NewBroadcaster[media.Sample](50)
	webrtcHandler := stream.NewWebRTCHandler(video, publisher.Audio)
	defer webrtcHandler.Close()

	// Generation engine
	frames := frame.NewChannel(cfg.Run.QueueCapacity)
	eng, err := newEngine(cfg, frames)
	if err != nil {
		return err
	}
	strat, err := engine.StrategyFor(cfg.Run.Mode, cfg.Run.Chunk, cfg.Geometry())
	if err != nil {
		return err
	}

	// Encoders
	var encoders []pipeline.FrameWriter
	if cfg.Record.Enabled {
		rec, err := encoder.Open(encoderOptions("record", cfg, cfg.Record, nil))
		if err != nil {
			return err
		}
		encoders = append(encoders, rec)
	}
	if cfg.Live.Enabled {
		live, err := openLive(ctx, cfg, video)
		if err != nil {
			for _, enc := range encoders {
				enc.Close()
			}
			return err
		}
		encoders = append(encoders, live)
	}

	p := pipeline.New(pipeline.Config{
		Setup: engine.Setup{
			SourcePath: cfg.Run.Source,
			NumFrames:  numFrames,
			FPS:        cfg.Run.FPS,
			FadeIn:     cfg.Run.FadeIn,
			FadeOut:    cfg.Run.FadeOut,
			Control:    ctrl,
		},
		PollTimeout: cfg.Run.PollTimeout,
		Realtime:    cfg.Run.Realtime,
	}, frames, eng, strat, pipeline.Options{
		Encoders: encoders,
		Display:  publisher,
		Notifier: notifier,
	})

	// HTTP routes
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(web.IndexHTML)
	})
	mux.Handle("/stream", stream.NewMJPEGHandler(publisher))
	mux.Handle("/snapshot.jpg", stream.SnapshotHandler(publisher))
	mux.Handle("/offer", webrtcHandler)
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(map[string]any{
			"run":            p.Status(),
			"mjpeg_viewers":  publisher.Pictures.ListenerCount(),
			"webrtc_viewers": webrtcHandler.PeerCount(),
			"events":         cfg.Events.Enabled,
			"events_up":      bus.Healthy(),
			"config": map[string]any{
				"mode":           cfg.Run.Mode,
				"chunk":          cfg.Run.Chunk.String(),
				"fps":            cfg.Run.FPS,
				"engine":         cfg.Engine.Kind,
				"width":          cfg.Engine.Width,
				"height":         cfg.Engine.Height,
				"queue_capacity": cfg.Run.QueueCapacity,
			},
		})
	})
	mux.HandleFunc("/healthz", healthz(bus))
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	server := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("facecast live on %s", cfg.Server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	defer server.Close()

	runErr := p.Run(ctx, sig)
	if serve && ctx.Err() == nil {
		log.Println("Run finished, still serving (Ctrl-C to stop)")
		select {
		case <-ctx.Done():
		case err := <-serverErr:
			return errors.Join(runErr, err)
		}
	}
	log.Println("Shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	return runErr
}

func encoderOptions(name string, cfg config.Config, enc config.EncoderConfig, stdout io.Writer) encoder.Options {
	return encoder.Options{
		Name:         name,
		Command:      enc.Command,
		FPS:          cfg.Run.FPS,
		Width:        cfg.Engine.Width,
		Height:       cfg.Engine.Height,
		PixelFormat:  enc.PixelFormat,
		Quality:      enc.Quality,
		ExtraArgs:    enc.ExtraArgs,
		Stdout:       stdout,
		CloseTimeout: enc.CloseTimeout,
	}
}

// openLive starts the encoder whose H264 output feeds WebRTC viewers.
func openLive(ctx context.Context, cfg config.Config, video *stream.Broadcaster[media.Sample]) (*encoder.Encoder, error) {
	pr, pw := io.Pipe()
	live, err := encoder.Open(encoderOptions("live", cfg, cfg.Live, pw))
	if err != nil {
		pw.Close()
		return nil, err
	}
	aus := make(chan media.Sample, 8)
	go video.Run(ctx, aus)
	go func() {
		defer close(aus)
		if err := stream.PumpH264(ctx, pr, cfg.Run.FPS, aus); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("Live video: %v", err)
		}
		// keep draining so the encoder never blocks on its stdout
		io.Copy(io.Discard, pr)
	}()
	go func() {
		<-live.Done()
		pw.Close()
	}()
	return live, nil
}

func newEngine(cfg config.Config, sink engine.Sink) (engine.Engine, error) {
	order, err := frame.ParseOrder(cfg.Engine.Order)
	if err != nil {
		return nil, err
	}
	switch cfg.Engine.Kind {
	case "exec":
		return engine.NewExec(engine.ExecOptions{
			Command: cfg.Engine.Command,
			Width:   cfg.Engine.Width,
			Height:  cfg.Engine.Height,

			KillTimeout: cfg.Engine.KillTimeout,
		}, sink)
	default:
		return engine.NewSynthetic(engine.SyntheticOptions{
			Width:      cfg.Engine.Width,
			Height:     cfg.Engine.Height,
			Order:      order,
			SampleRate: audio.SampleRate,
			Latency:    cfg.Engine.Latency,
		}, sink), nil
	}
}

// healthz answers 503 while a configured event bus is disconnected. bus is
// nil when events are off.
func healthz(bus *events.Publisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if bus != nil && !bus.Healthy() {
			http.Error(w, "events: disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n"))
	}
}
