package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Default().Validate())
	assert.Equal(t, ":3000", DefaultServer().Addr())
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("ATLAS_TARGET_WIDTH", "640")
	t.Setenv("ATLAS_PADDING", "0.25")
	t.Setenv("ATLAS_POWER_OF_TWO", "false")
	t.Setenv("ATLAS_GRID_GAP", "0")
	t.Setenv("ATLAS_GRID_BACKEND", "cell")
	t.Setenv("ATLAS_POLL_MS", "50")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("DEBUG_SERVER", "false")
	t.Setenv("ATLAS_SEED", "42")
	t.Setenv("RATE_LIMIT_VIEWPORT_RPS", "30")
	t.Setenv("RATE_LIMIT_VIEWPORT_BURST", "5")

	v := ViewportFromEnv()
	assert.Equal(t, 640, v.TargetWidth)
	assert.Equal(t, 720, v.TargetHeight, "unset keys keep defaults")
	assert.Equal(t, 0.25, v.PaddingFraction)
	assert.False(t, v.PowerOfTwo)

	g := GridFromEnv()
	assert.Equal(t, 0, g.Gap)
	assert.Equal(t, "cell", g.Backend)

	assert.Equal(t, 50*time.Millisecond, ProducerFromEnv().PollInterval)
	srv := ServerFromEnv()
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, srv.AllowedOrigins)
	assert.Equal(t, 30.0, srv.ViewportRequestsPerSecond)
	assert.Equal(t, 5, srv.ViewportBurst)
	assert.Equal(t, DefaultServer().RequestsPerSecond, srv.RequestsPerSecond)
	assert.False(t, DebugFromEnv().Enabled)
	assert.Equal(t, uint64(42), ModelFromEnv().Seed)
}

func TestMalformedEnvIgnored(t *testing.T) {
	t.Setenv("ATLAS_TARGET_WIDTH", "wide")
	t.Setenv("PORT", "-1")
	assert.Equal(t, 1280, ViewportFromEnv().TargetWidth)
	assert.Equal(t, 3000, ServerFromEnv().Port)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "atlas.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
viewport:
  target_width: 800
  padding_fraction: 0.1
grid:
  backend: cell
  cell_size: 128
producer:
  poll_interval: 20ms
model:
  manifest: models/tiny.yaml
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)

	want := Default()
	want.Viewport.TargetWidth = 800
	want.Viewport.PaddingFraction = 0.1
	want.Grid.Backend = "cell"
	want.Grid.CellSize = 128
	want.Producer.PollInterval = 20 * time.Millisecond
	want.Model.Manifest = "models/tiny.yaml"

	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("LoadFile mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadFileErrors(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "viewport: [unclosed"))
	assert.Error(t, err)

	_, err = LoadFile(writeFile(t, "grid:\n  backend: quadtree\n"))
	assert.True(t, errors.Is(err, ErrInvalid))
}

func TestLoadPrecedence(t *testing.T) {
	path := writeFile(t, "server:\n  port: 4000\nviewport:\n  target_height: 400\n")
	t.Setenv("ATLAS_CONFIG", path)
	t.Setenv("PORT", "5000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port, "env beats file")
	assert.Equal(t, 400, cfg.Viewport.TargetHeight, "file beats defaults")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"zero target", func(c *AppConfig) { c.Viewport.TargetWidth = 0 }},
		{"negative padding", func(c *AppConfig) { c.Viewport.PaddingFraction = -0.1 }},
		{"negative gap", func(c *AppConfig) { c.Grid.Gap = -1 }},
		{"backend", func(c *AppConfig) { c.Grid.Backend = "rtree" }},
		{"poll interval", func(c *AppConfig) { c.Producer.PollInterval = 0 }},
		{"port", func(c *AppConfig) { c.Server.Port = 70000 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}
}
