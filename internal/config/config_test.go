package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/satindergrewal/facecast/internal/audio"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facecast.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %q, want :8080", cfg.Server.Addr)
	}
	if cfg.Run.Mode != "online" {
		t.Errorf("Run.Mode = %q, want online", cfg.Run.Mode)
	}
	if cfg.Run.Chunk != audio.DefaultChunkSpec() {
		t.Errorf("Run.Chunk = %v, want (3, 5, 2)", cfg.Run.Chunk)
	}
	if cfg.Run.QueueCapacity != 100 {
		t.Errorf("Run.QueueCapacity = %d, want 100", cfg.Run.QueueCapacity)
	}
	if cfg.Run.PollTimeout != time.Second {
		t.Errorf("Run.PollTimeout = %v, want 1s", cfg.Run.PollTimeout)
	}
	if cfg.Run.FadeIn != -1 || cfg.Run.FadeOut != -1 {
		t.Errorf("fades = (%d, %d), want disabled", cfg.Run.FadeIn, cfg.Run.FadeOut)
	}
	if cfg.Record.Quality != 18 || cfg.Record.PixelFormat != "yuv420p" {
		t.Errorf("Record = %+v, want crf 18 yuv420p", cfg.Record)
	}
	if got := cfg.Geometry().ExtraSamples; got != 80 {
		t.Errorf("Geometry().ExtraSamples = %d, want 80", got)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: 127.0.0.1:9000
run:
  mode: offline
  poll_timeout: 250ms
  chunk:
    lookback: 2
    stride: 4
    lookahead: 1
  extra_samples: 0
engine:
  kind: exec
  command: python worker.py --device cuda
  order: rgb
  kill_timeout: 30s
record:
  enabled: true
  command: ffmpeg -y -f flv rtmp://localhost/live/face
  extra_args: ["-preset", "ultrafast"]
events:
  enabled: true
  embedded: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Run.Mode != "offline" {
		t.Errorf("unexpected %+v %+v", cfg.Server, cfg.Run)
	}
	if cfg.Run.PollTimeout != 250*time.Millisecond {
		t.Errorf("PollTimeout = %v, want 250ms", cfg.Run.PollTimeout)
	}
	if cfg.Run.Chunk != (audio.ChunkSpec{Lookback: 2, Stride: 4, Lookahead: 1}) {
		t.Errorf("Chunk = %v", cfg.Run.Chunk)
	}
	if cfg.Geometry().ExtraSamples != 0 {
		t.Errorf("ExtraSamples = %d, want 0", cfg.Geometry().ExtraSamples)
	}
	if cfg.Engine.Kind != "exec" || cfg.Engine.Width != 512 {
		t.Errorf("Engine = %+v; unset fields should keep defaults", cfg.Engine)
	}
	if cfg.Engine.KillTimeout != 30*time.Second {
		t.Errorf("KillTimeout = %v, want 30s", cfg.Engine.KillTimeout)
	}
	if len(cfg.Record.ExtraArgs) != 2 || cfg.Record.Quality != 18 {
		t.Errorf("Record = %+v", cfg.Record)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("FACECAST_ADDR", ":3000")
	t.Setenv("FACECAST_MODE", "offline")
	t.Setenv("FACECAST_CHUNK", "4, 6, 3")
	t.Setenv("FACECAST_POLL_TIMEOUT", "2s")
	t.Setenv("FACECAST_REALTIME", "false")
	t.Setenv("FACECAST_WIDTH", "256")
	t.Setenv("FACECAST_EVENTS_SERVERS", "nats://a:4222, nats://b:4222")
	t.Setenv("FACECAST_QUEUE_CAPACITY", "not-a-number")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":3000" || cfg.Run.Mode != "offline" {
		t.Errorf("Addr=%q Mode=%q", cfg.Server.Addr, cfg.Run.Mode)
	}
	if cfg.Run.Chunk != (audio.ChunkSpec{Lookback: 4, Stride: 6, Lookahead: 3}) {
		t.Errorf("Chunk = %v", cfg.Run.Chunk)
	}
	if cfg.Run.PollTimeout != 2*time.Second || cfg.Run.Realtime {
		t.Errorf("PollTimeout=%v Realtime=%v", cfg.Run.PollTimeout, cfg.Run.Realtime)
	}
	if cfg.Engine.Width != 256 {
		t.Errorf("Width = %d, want 256", cfg.Engine.Width)
	}
	if len(cfg.Events.Servers) != 2 || cfg.Events.Servers[1] != "nats://b:4222" {
		t.Errorf("Servers = %v", cfg.Events.Servers)
	}
	if cfg.Run.QueueCapacity != 100 {
		t.Errorf("invalid int should keep default, got %d", cfg.Run.QueueCapacity)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "run:\n  fps: 30\n")
	t.Setenv("FACECAST_FPS", "20")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Run.FPS != 20 {
		t.Errorf("FPS = %d, want env value 20", cfg.Run.FPS)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero stride", func(c *Config) { c.Run.Chunk.Stride = 0 }, "stride"},
		{"unknown mode", func(c *Config) { c.Run.Mode = "batch" }, "unknown submission mode"},
		{"odd width", func(c *Config) { c.Engine.Width = 511 }, "even"},
		{"exec without command", func(c *Config) { c.Engine.Kind = "exec" }, "engine.command"},
		{"bad order", func(c *Config) { c.Engine.Order = "rgba" }, "engine.order"},
		{"zero kill timeout", func(c *Config) { c.Engine.KillTimeout = 0 }, "engine.kill_timeout"},
		{"zero queue", func(c *Config) { c.Run.QueueCapacity = 0 }, "queue_capacity"},
		{"record without command", func(c *Config) { c.Record.Enabled = true; c.Record.Command = " " }, "record.command"},
		{"events without servers", func(c *Config) { c.Events.Enabled = true; c.Events.Servers = nil }, "events.servers"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error mentioning %q", err, tt.want)
			}
		})
	}

	cfg := Default()
	cfg.Run.Chunk.Stride = 0
	if err := cfg.Validate(); !errors.Is(err, audio.ErrInvalidChunkSpec) {
		t.Errorf("chunk error should wrap ErrInvalidChunkSpec, got %v", err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := Load(writeConfig(t, "run: [not, a, map]")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Load(writeConfig(t, "run:\n  queue_capacity: 0\n")); err == nil {
		t.Error("expected validation error")
	}
}
