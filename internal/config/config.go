// Package config loads runtime configuration: defaults, then an optional
// YAML file, then FACECAST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satindergrewal/facecast/internal/audio"
	"github.com/satindergrewal/facecast/internal/engine"
	"github.com/satindergrewal/facecast/internal/frame"
)

// ServerConfig controls the viewer HTTP server.
type ServerConfig struct {
	Addr        string `yaml:"addr"`
	JPEGQuality int    `yaml:"jpeg_quality"`
}

// RunConfig describes one streaming run.
type RunConfig struct {
	Mode          string          `yaml:"mode"` // online, offline
	Source        string          `yaml:"source"`
	Audio         string          `yaml:"audio"`
	ControlFile   string          `yaml:"control_file"`
	FPS           int             `yaml:"fps"`
	FadeIn        int             `yaml:"fade_in"`
	FadeOut       int             `yaml:"fade_out"`
	QueueCapacity int             `yaml:"queue_capacity"`
	PollTimeout   time.Duration   `yaml:"poll_timeout"`
	Realtime      bool            `yaml:"realtime"`
	Chunk         audio.ChunkSpec `yaml:"chunk"`
	ExtraSamples  int             `yaml:"extra_samples"`
}

// EngineConfig selects and configures the generation engine.
type EngineConfig struct {
	Kind    string        `yaml:"kind"` // synthetic, exec
	Command string        `yaml:"command"`
	Width   int           `yaml:"width"`
	Height  int           `yaml:"height"`
	Order   string        `yaml:"order"` // rgb, bgr
	Latency time.Duration `yaml:"latency"`
	// KillTimeout bounds how long an exec worker may linger after its
	// output ended.
	KillTimeout time.Duration `yaml:"kill_timeout"`
}

// EncoderConfig is one encoder session.
type EncoderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Command      string        `yaml:"command"`
	PixelFormat  string        `yaml:"pixel_format"`
	Quality      int           `yaml:"quality"`
	ExtraArgs    []string      `yaml:"extra_args"`
	CloseTimeout time.Duration `yaml:"close_timeout"`
}

// EventsConfig controls lifecycle events over NATS.
type EventsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Embedded       bool          `yaml:"embedded"`
	Port           int           `yaml:"port"`
	Servers        []string      `yaml:"servers"`
	Subject        string        `yaml:"subject"`
	Token          string        `yaml:"token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// TelemetryConfig controls the /metrics endpoint.
type TelemetryConfig struct {
	Metrics bool `yaml:"metrics"`
}

// Config holds all runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Run       RunConfig       `yaml:"run"`
	Engine    EngineConfig    `yaml:"engine"`
	Record    EncoderConfig   `yaml:"record"` // file or RTMP output
	Live      EncoderConfig   `yaml:"live"`   // H264 on stdout for WebRTC viewers
	Events    EventsConfig    `yaml:"events"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:        ":8080",
			JPEGQuality: 80,
		},
		Run: RunConfig{
			Mode:          string(engine.ModeOnline),
			FPS:           audio.FPS,
			FadeIn:        -1,
			FadeOut:       -1,
			QueueCapacity: 100,
			PollTimeout:   time.Second,
			Realtime:      true,
			Chunk:         audio.DefaultChunkSpec(),
			ExtraSamples:  audio.ExtraSamples,
		},
		Engine: EngineConfig{
			Kind:   "synthetic",
			Width:  512,
			Height: 512,
			Order:  "bgr",

			KillTimeout: 10 * time.Second,
		},
		Record: EncoderConfig{
			Enabled:      false,
			Command:      "ffmpeg -loglevel error -y -c:v libx264 -preset veryfast -f flv facecast.flv",
			PixelFormat:  "yuv420p",
			Quality:      18,
			CloseTimeout: 10 * time.Second,
		},
		Live: EncoderConfig{
			Enabled:      true,
			Command:      "ffmpeg -loglevel error -c:v libx264 -preset veryfast -tune zerolatency -bf 0 -g 50 -x264-params slices=1 -f h264 pipe:1",
			PixelFormat:  "yuv420p",
			Quality:      23,
			CloseTimeout: 5 * time.Second,
		},
		Events: EventsConfig{
			Enabled:        false,
			Embedded:       false,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			Subject:        "facecast.run",
			ConnectTimeout: 2 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Metrics: true,
		},
	}
}

// Load reads the YAML file at path (optional), applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = envStr("FACECAST_ADDR", cfg.Server.Addr)
	cfg.Server.JPEGQuality = envInt("FACECAST_JPEG_QUALITY", cfg.Server.JPEGQuality)

	cfg.Run.Mode = envStr("FACECAST_MODE", cfg.Run.Mode)
	cfg.Run.Source = envStr("FACECAST_SOURCE", cfg.Run.Source)
	cfg.Run.Audio = envStr("FACECAST_AUDIO", cfg.Run.Audio)
	cfg.Run.ControlFile = envStr("FACECAST_CONTROL_FILE", cfg.Run.ControlFile)
	cfg.Run.FPS = envInt("FACECAST_FPS", cfg.Run.FPS)
	cfg.Run.FadeIn = envInt("FACECAST_FADE_IN", cfg.Run.FadeIn)
	cfg.Run.FadeOut = envInt("FACECAST_FADE_OUT", cfg.Run.FadeOut)
	cfg.Run.QueueCapacity = envInt("FACECAST_QUEUE_CAPACITY", cfg.Run.QueueCapacity)
	cfg.Run.PollTimeout = envDuration("FACECAST_POLL_TIMEOUT", cfg.Run.PollTimeout)
	cfg.Run.Realtime = envBool("FACECAST_REALTIME", cfg.Run.Realtime)
	cfg.Run.Chunk = envChunk("FACECAST_CHUNK", cfg.Run.Chunk)
	cfg.Run.ExtraSamples = envInt("FACECAST_EXTRA_SAMPLES", cfg.Run.ExtraSamples)

	cfg.Engine.Kind = envStr("FACECAST_ENGINE", cfg.Engine.Kind)
	cfg.Engine.Command = envStr("FACECAST_ENGINE_COMMAND", cfg.Engine.Command)
	cfg.Engine.Width = envInt("FACECAST_WIDTH", cfg.Engine.Width)
	cfg.Engine.Height = envInt("FACECAST_HEIGHT", cfg.Engine.Height)
	cfg.Engine.Order = envStr("FACECAST_ORDER", cfg.Engine.Order)
	cfg.Engine.KillTimeout = envDuration("FACECAST_ENGINE_KILL_TIMEOUT", cfg.Engine.KillTimeout)

	cfg.Record.Enabled = envBool("FACECAST_RECORD", cfg.Record.Enabled)
	cfg.Record.Command = envStr("FACECAST_RECORD_COMMAND", cfg.Record.Command)
	cfg.Record.Quality = envInt("FACECAST_RECORD_QUALITY", cfg.Record.Quality)
	cfg.Live.Enabled = envBool("FACECAST_LIVE", cfg.Live.Enabled)
	cfg.Live.Command = envStr("FACECAST_LIVE_COMMAND", cfg.Live.Command)

	cfg.Events.Enabled = envBool("FACECAST_EVENTS", cfg.Events.Enabled)
	cfg.Events.Embedded = envBool("FACECAST_EVENTS_EMBEDDED", cfg.Events.Embedded)
	cfg.Events.Port = envInt("FACECAST_EVENTS_PORT", cfg.Events.Port)
	cfg.Events.Servers = envList("FACECAST_EVENTS_SERVERS", cfg.Events.Servers)
	cfg.Events.Subject = envStr("FACECAST_EVENTS_SUBJECT", cfg.Events.Subject)
	cfg.Events.Token = envStr("FACECAST_EVENTS_TOKEN", cfg.Events.Token)

	cfg.Telemetry.Metrics = envBool("FACECAST_METRICS", cfg.Telemetry.Metrics)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if _, err := engine.StrategyFor(c.Run.Mode, c.Run.Chunk, c.Geometry()); err != nil {
		errs = append(errs, err)
	}
	if c.Run.FPS <= 0 {
		errs = append(errs, fmt.Errorf("run.fps must be positive, got %d", c.Run.FPS))
	}
	if c.Run.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("run.queue_capacity must be at least 1, got %d", c.Run.QueueCapacity))
	}
	if c.Run.PollTimeout <= 0 {
		errs = append(errs, fmt.Errorf("run.poll_timeout must be positive, got %v", c.Run.PollTimeout))
	}
	if c.Run.ExtraSamples < 0 {
		errs = append(errs, fmt.Errorf("run.extra_samples must be >= 0, got %d", c.Run.ExtraSamples))
	}
	switch c.Engine.Kind {
	case "synthetic":
	case "exec":
		if strings.TrimSpace(c.Engine.Command) == "" {
			errs = append(errs, errors.New("engine.command is required for the exec engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.kind must be synthetic or exec, got %q", c.Engine.Kind))
	}
	if c.Engine.Width <= 0 || c.Engine.Height <= 0 || c.Engine.Width%2 != 0 || c.Engine.Height%2 != 0 {
		errs = append(errs, fmt.Errorf("engine frame size must be positive and even, got %dx%d", c.Engine.Width, c.Engine.Height))
	}
	if c.Engine.KillTimeout <= 0 {
		errs = append(errs, fmt.Errorf("engine.kill_timeout must be positive, got %v", c.Engine.KillTimeout))
	}
	if _, err := frame.ParseOrder(c.Engine.Order); err != nil {
		errs = append(errs, fmt.Errorf("engine.order: %w", err))
	}
	for name, enc := range map[string]EncoderConfig{"record": c.Record, "live": c.Live} {
		if enc.Enabled && strings.TrimSpace(enc.Command) == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when enabled", name))
		}
	}
	if c.Events.Enabled && !c.Events.Embedded && len(c.Events.Servers) == 0 {
		errs = append(errs, errors.New("events.servers is required unless events.embedded is set"))
	}
	return errors.Join(errs...)
}

// Geometry returns the chunk geometry for the configured extra samples.
func (c Config) Geometry() audio.Geometry {
	geo := audio.DefaultGeometry()
	geo.ExtraSamples = c.Run.ExtraSamples
	return geo
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// envChunk parses "lookback,stride,lookahead", e.g. "3,5,2".
func envChunk(key string, fallback audio.ChunkSpec) audio.ChunkSpec {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	if len(parts) != 3 {
		return fallback
	}
	var n [3]int
	for i, p := range parts {
		x, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return fallback
		}
		n[i] = x
	}
	return audio.ChunkSpec{Lookback: n[0], Stride: n[1], Lookahead: n[2]}
}
