// Package config loads vigil settings from a TOML file, the environment and
// built-in defaults, in increasing order of precedence: defaults, file, env.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigPath = "~/.config/vigil/config.toml"

// Store selects the identity store backend.
type Store struct {
	// URL is a SQLite file path or a postgres:// connection string.
	URL string `toml:"url"`
}

// Engine configures the external face engine process.
type Engine struct {
	Python    string   `toml:"python"`
	Script    string   `toml:"script"`
	Args      []string `toml:"args"`
	Dimension int      `toml:"dimension"`
}

// Matching contains the matcher selection and threshold.
type Matching struct {
	Tolerance float64 `toml:"tolerance"`
	// Matcher is "linear" or "hnsw".
	Matcher string `toml:"matcher"`
}

// Camera describes the ffmpeg capture input.
type Camera struct {
	Input           string `toml:"input"`
	Format          string `toml:"format"`
	Width           int    `toml:"width"`
	Height          int    `toml:"height"`
	FPS             int    `toml:"fps"`
	Realtime        bool   `toml:"realtime"`
	OpenTimeoutSecs int    `toml:"open_timeout_seconds"`
}

// Pipeline contains live loop settings.
type Pipeline struct {
	Downscale     float64 `toml:"downscale"`
	OutputDir     string  `toml:"output_dir"`
	OutputQuality int     `toml:"output_quality"`
	LockPath      string  `toml:"lock_path"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for vigil.
type Config struct {
	Store    Store    `toml:"store"`
	Engine   Engine   `toml:"engine"`
	Matching Matching `toml:"matching"`
	Camera   Camera   `toml:"camera"`
	Pipeline Pipeline `toml:"pipeline"`
	Logging  Logging  `toml:"logging"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: Store{URL: "~/.local/share/vigil/faces.db"},
		Engine: Engine{
			Python:    "python3",
			Script:    "python/worker.py",
			Dimension: 128,
		},
		Matching: Matching{Tolerance: 0.6, Matcher: "linear"},
		Camera: Camera{
			Input:           "/dev/video0",
			Format:          "v4l2",
			OpenTimeoutSecs: 10,
		},
		Pipeline: Pipeline{
			Downscale:     1,
			OutputQuality: 85,
			LockPath:      "~/.local/share/vigil/watch.lock",
		},
		Logging: Logging{Format: "console", Level: "info"},
	}
}

// Load reads path, or the default location when path is empty. A missing file
// is not an error. It returns the resolved path and whether the file existed.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolved, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}
	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}
	return &cfg, resolved, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}
		return "", false, fmt.Errorf("stat config: %w", err)
	}
	if info.IsDir() {
		return "", false, fmt.Errorf("config path %s is a directory", expanded)
	}
	return expanded, true, nil
}

// applyEnv layers VIGIL_* and POSTGRES_* variables over the file values.
func (c *Config) applyEnv() error {
	if v := os.Getenv("VIGIL_DB"); v != "" {
		c.Store.URL = v
	} else if host := os.Getenv("POSTGRES_HOST"); host != "" {
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		c.Store.URL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
			os.Getenv("POSTGRES_USER"), os.Getenv("POSTGRES_PASSWORD"), host, port, os.Getenv("POSTGRES_DB"))
	}
	if v := os.Getenv("VIGIL_TOLERANCE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("VIGIL_TOLERANCE: %w", err)
		}
		c.Matching.Tolerance = f
	}
	if v := os.Getenv("VIGIL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("VIGIL_CAMERA"); v != "" {
		c.Camera.Input = v
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	c.Store.URL = strings.TrimSpace(c.Store.URL)
	if !IsPostgresURL(c.Store.URL) {
		if c.Store.URL, err = ExpandPath(c.Store.URL); err != nil {
			return fmt.Errorf("store.url: %w", err)
		}
	}
	if c.Pipeline.OutputDir, err = ExpandPath(c.Pipeline.OutputDir); err != nil {
		return fmt.Errorf("pipeline.output_dir: %w", err)
	}
	if c.Pipeline.LockPath, err = ExpandPath(c.Pipeline.LockPath); err != nil {
		return fmt.Errorf("pipeline.lock_path: %w", err)
	}
	c.Matching.Matcher = strings.ToLower(strings.TrimSpace(c.Matching.Matcher))
	if c.Matching.Matcher == "" {
		c.Matching.Matcher = "linear"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	return nil
}

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if c.Store.URL == "" {
		return errors.New("store.url must be set")
	}
	if c.Matching.Tolerance <= 0 || c.Matching.Tolerance > 1 {
		return fmt.Errorf("matching.tolerance must be in (0, 1], got %g", c.Matching.Tolerance)
	}
	switch c.Matching.Matcher {
	case "linear", "hnsw":
	default:
		return fmt.Errorf("matching.matcher must be linear or hnsw, got %q", c.Matching.Matcher)
	}
	if c.Engine.Dimension < 1 {
		return fmt.Errorf("engine.dimension must be positive, got %d", c.Engine.Dimension)
	}
	if c.Pipeline.Downscale <= 0 || c.Pipeline.Downscale > 1 {
		return fmt.Errorf("pipeline.downscale must be in (0, 1], got %g", c.Pipeline.Downscale)
	}
	if c.Pipeline.OutputQuality < 1 || c.Pipeline.OutputQuality > 100 {
		return fmt.Errorf("pipeline.output_quality must be between 1 and 100, got %d", c.Pipeline.OutputQuality)
	}
	if c.Camera.Width < 0 || c.Camera.Height < 0 || c.Camera.FPS < 0 {
		return errors.New("camera width, height and fps must not be negative")
	}
	switch c.Logging.Format {
	case "", "console", "text", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

// IsPostgresURL reports whether url selects the PostgreSQL store.
func IsPostgresURL(url string) bool {
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// ExpandPath resolves a leading ~ and makes the path absolute. Empty stays empty.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}

// Encode renders cfg as TOML.
func Encode(cfg Config) ([]byte, error) {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	return data, nil
}

// WriteSample writes the defaults to path as TOML.
func WriteSample(path string) error {
	data, err := Encode(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
