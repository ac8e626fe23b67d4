// Package config provides centralized configuration management.
// This is the SINGLE SOURCE OF TRUTH for viewport, grid and server settings.
//
// Precedence, lowest first: defaults, the YAML file named by ATLAS_CONFIG,
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// =============================================================================
// VIEWPORT CONFIGURATION
// =============================================================================

// ViewportConfig controls detail-factor quantization and region padding.
type ViewportConfig struct {
	TargetWidth     int     `yaml:"target_width"`     // output width in pixels
	TargetHeight    int     `yaml:"target_height"`    // output height in pixels
	PaddingFraction float64 `yaml:"padding_fraction"` // margin per side, fraction of the view
	PowerOfTwo      bool    `yaml:"power_of_two"`     // quantize factors to powers of two
	MinZoom         float64 `yaml:"min_zoom"`         // zoom at or below this is the minimum-zoom bound
}

// DefaultViewport returns the default viewport configuration.
func DefaultViewport() ViewportConfig {
	return ViewportConfig{
		TargetWidth:     1280, // 720p output
		TargetHeight:    720,
		PaddingFraction: 1.0 / 6.0, // small pans stay inside the cached region
		PowerOfTwo:      true,
		MinZoom:         0.01,
	}
}

// ViewportFromEnv returns viewport configuration with environment overrides.
func ViewportFromEnv() ViewportConfig {
	cfg := DefaultViewport()
	cfg.applyEnv()
	return cfg
}

func (c *ViewportConfig) applyEnv() {
	if w := getEnvInt("ATLAS_TARGET_WIDTH", 0); w > 0 {
		c.TargetWidth = w
	}
	if h := getEnvInt("ATLAS_TARGET_HEIGHT", 0); h > 0 {
		c.TargetHeight = h
	}
	if p := getEnvFloat("ATLAS_PADDING", -1); p >= 0 {
		c.PaddingFraction = p
	}
	if v := os.Getenv("ATLAS_POWER_OF_TWO"); v != "" {
		c.PowerOfTwo = v != "false"
	}
	if z := getEnvFloat("ATLAS_MIN_ZOOM", -1); z > 0 {
		c.MinZoom = z
	}
}

// =============================================================================
// GRID CONFIGURATION
// =============================================================================

// GridConfig controls layer packing and the visibility backend.
type GridConfig struct {
	Gap          int    `yaml:"gap"`           // empty cells between layers
	ColumnHeight int    `yaml:"column_height"` // 0 = derive from total area
	Backend      string `yaml:"backend"`       // "scan" or "cell"
	CellSize     int    `yaml:"cell_size"`     // cell backend bucket size
}

// DefaultGrid returns the default grid configuration.
func DefaultGrid() GridConfig {
	return GridConfig{
		Gap:      8,
		Backend:  "scan", // a few hundred layers scan faster than they hash
		CellSize: 512,
	}
}

// GridFromEnv returns grid configuration with environment overrides.
func GridFromEnv() GridConfig {
	cfg := DefaultGrid()
	cfg.applyEnv()
	return cfg
}

func (c *GridConfig) applyEnv() {
	if g := getEnvInt("ATLAS_GRID_GAP", -1); g >= 0 {
		c.Gap = g
	}
	if h := getEnvInt("ATLAS_COLUMN_HEIGHT", -1); h >= 0 {
		c.ColumnHeight = h
	}
	if b := os.Getenv("ATLAS_GRID_BACKEND"); b != "" {
		c.Backend = b
	}
	if s := getEnvInt("ATLAS_GRID_CELL_SIZE", 0); s > 0 {
		c.CellSize = s
	}
}

// =============================================================================
// PRODUCER CONFIGURATION
// =============================================================================

// ProducerConfig controls frame polling and viewport update throttling.
type ProducerConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval"`  // how often the server polls for frames
	ViewportRate  float64       `yaml:"viewport_rate"`  // viewport updates per second, 0 = unlimited
	ViewportBurst int           `yaml:"viewport_burst"` // burst allowance for ViewportRate
}

// DefaultProducer returns the default producer configuration.
func DefaultProducer() ProducerConfig {
	return ProducerConfig{
		PollInterval:  time.Second / 30,
		ViewportRate:  60,
		ViewportBurst: 10,
	}
}

// ProducerFromEnv returns producer configuration with environment overrides.
func ProducerFromEnv() ProducerConfig {
	cfg := DefaultProducer()
	cfg.applyEnv()
	return cfg
}

func (c *ProducerConfig) applyEnv() {
	if ms := getEnvInt("ATLAS_POLL_MS", 0); ms > 0 {
		c.PollInterval = time.Duration(ms) * time.Millisecond
	}
	if r := getEnvFloat("ATLAS_VIEWPORT_RATE", -1); r >= 0 {
		c.ViewportRate = r
	}
	if b := getEnvInt("ATLAS_VIEWPORT_BURST", 0); b > 0 {
		c.ViewportBurst = b
	}
}

// =============================================================================
// SERVER CONFIGURATION
// =============================================================================

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port              int      `yaml:"port"`
	AllowedOrigins    []string `yaml:"allowed_origins"`
	RequestsPerSecond float64  `yaml:"requests_per_second"` // per client IP, model and plot routes
	Burst             int      `yaml:"burst"`
	MaxWSClients      int      `yaml:"max_ws_clients"`
	AdminToken        string   `yaml:"admin_token"` // required for model load/unload when set

	// pan/zoom routes (viewport, frame, point, mix) have their own bucket
	ViewportRequestsPerSecond float64 `yaml:"viewport_requests_per_second"`
	ViewportBurst             int     `yaml:"viewport_burst"`
}

// DefaultServer returns the default server configuration.
func DefaultServer() ServerConfig {
	return ServerConfig{
		Port: 3000,
		AllowedOrigins: []string{
			"http://localhost:*",
			"http://127.0.0.1:*",
		},
		RequestsPerSecond:         20,
		Burst:                     40,
		ViewportRequestsPerSecond: 120, // viewport drags are chatty
		ViewportBurst:             240,
		MaxWSClients:              64,
	}
}

// ServerFromEnv returns server configuration with environment overrides.
func ServerFromEnv() ServerConfig {
	cfg := DefaultServer()
	cfg.applyEnv()
	return cfg
}

func (c *ServerConfig) applyEnv() {
	if p := getEnvInt("PORT", 0); p > 0 {
		c.Port = p
	}
	if o := os.Getenv("ALLOWED_ORIGINS"); o != "" {
		c.AllowedOrigins = splitList(o)
	}
	if r := getEnvFloat("RATE_LIMIT_RPS", 0); r > 0 {
		c.RequestsPerSecond = r
	}
	if b := getEnvInt("RATE_LIMIT_BURST", 0); b > 0 {
		c.Burst = b
	}
	if r := getEnvFloat("RATE_LIMIT_VIEWPORT_RPS", 0); r > 0 {
		c.ViewportRequestsPerSecond = r
	}
	if b := getEnvInt("RATE_LIMIT_VIEWPORT_BURST", 0); b > 0 {
		c.ViewportBurst = b
	}
	if m := getEnvInt("MAX_WS_CLIENTS", 0); m > 0 {
		c.MaxWSClients = m
	}
	if t := os.Getenv("ATLAS_ADMIN_TOKEN"); t != "" {
		c.AdminToken = t
	}
}

// =============================================================================
// DEBUG CONFIGURATION
// =============================================================================

// DebugConfig controls the pprof/metrics server.
type DebugConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // MUST stay on localhost in production
}

// DefaultDebug returns the default debug configuration.
func DefaultDebug() DebugConfig {
	return DebugConfig{
		Enabled:    true,
		ListenAddr: "127.0.0.1:6060",
	}
}

// DebugFromEnv returns debug configuration with environment overrides.
func DebugFromEnv() DebugConfig {
	cfg := DefaultDebug()
	cfg.applyEnv()
	return cfg
}

func (c *DebugConfig) applyEnv() {
	if os.Getenv("DEBUG_SERVER") == "false" {
		c.Enabled = false
	}
	if a := os.Getenv("DEBUG_ADDR"); a != "" {
		c.ListenAddr = a
	}
}

// =============================================================================
// MODEL CONFIGURATION
// =============================================================================

// ModelConfig selects what is loaded at startup.
type ModelConfig struct {
	Manifest string `yaml:"manifest"` // YAML layer manifest; empty = synthetic model
	Seed     uint64 `yaml:"seed"`     // synthetic model seed
	AutoLoad bool   `yaml:"auto_load"`
}

// DefaultModel returns the default model configuration.
func DefaultModel() ModelConfig {
	return ModelConfig{
		Seed:     1,
		AutoLoad: true,
	}
}

// ModelFromEnv returns model configuration with environment overrides.
func ModelFromEnv() ModelConfig {
	cfg := DefaultModel()
	cfg.applyEnv()
	return cfg
}

func (c *ModelConfig) applyEnv() {
	if m := os.Getenv("ATLAS_MANIFEST"); m != "" {
		c.Manifest = m
	}
	if s := os.Getenv("ATLAS_SEED"); s != "" {
		if v, err := strconv.ParseUint(s, 10, 64); err == nil {
			c.Seed = v
		}
	}
	if os.Getenv("ATLAS_AUTOLOAD") == "false" {
		c.AutoLoad = false
	}
}

// =============================================================================
// COMPLETE APP CONFIGURATION
// =============================================================================

// AppConfig holds the complete application configuration.
type AppConfig struct {
	Viewport ViewportConfig `yaml:"viewport"`
	Grid     GridConfig     `yaml:"grid"`
	Producer ProducerConfig `yaml:"producer"`
	Server   ServerConfig   `yaml:"server"`
	Debug    DebugConfig    `yaml:"debug"`
	Model    ModelConfig    `yaml:"model"`
}

// Default returns the configuration without file or environment overrides.
func Default() AppConfig {
	return AppConfig{
		Viewport: DefaultViewport(),
		Grid:     DefaultGrid(),
		Producer: DefaultProducer(),
		Server:   DefaultServer(),
		Debug:    DefaultDebug(),
		Model:    DefaultModel(),
	}
}

// Load returns the complete configuration: defaults, then the YAML file
// named by ATLAS_CONFIG (if set), then environment overrides.
func Load() (AppConfig, error) {
	cfg := Default()
	if path := strings.TrimSpace(os.Getenv("ATLAS_CONFIG")); path != "" {
		var err error
		if cfg, err = LoadFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.Viewport.applyEnv()
	cfg.Grid.applyEnv()
	cfg.Producer.applyEnv()
	cfg.Server.applyEnv()
	cfg.Debug.applyEnv()
	cfg.Model.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads a YAML file over the defaults. Keys missing from the file
// keep their default values.
func LoadFile(path string) (AppConfig, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c AppConfig) Validate() error {
	switch {
	case c.Viewport.TargetWidth <= 0 || c.Viewport.TargetHeight <= 0:
		return fmt.Errorf("%w: target size %dx%d", ErrInvalid, c.Viewport.TargetWidth, c.Viewport.TargetHeight)
	case c.Viewport.PaddingFraction < 0 || c.Viewport.PaddingFraction > 2:
		return fmt.Errorf("%w: padding fraction %v not in [0,2]", ErrInvalid, c.Viewport.PaddingFraction)
	case c.Grid.Gap < 0:
		return fmt.Errorf("%w: negative grid gap %d", ErrInvalid, c.Grid.Gap)
	case c.Grid.Backend != "scan" && c.Grid.Backend != "cell":
		return fmt.Errorf("%w: unknown grid backend %q", ErrInvalid, c.Grid.Backend)
	case c.Producer.PollInterval <= 0:
		return fmt.Errorf("%w: poll interval %v", ErrInvalid, c.Producer.PollInterval)
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalid, c.Server.Port)
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
