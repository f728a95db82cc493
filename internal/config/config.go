// Package config loads service configuration from a JSON file backend and
// DRAWPARSE_* environment variables, with env taking precedence. API keys
// are secrets and come from the environment only; a missing key is not a
// load error — it surfaces when an AI call is attempted.
package config

import (
	"os"
	"path/filepath"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Vision  EndpointConfig
	Chat    EndpointConfig
	Raster  RasterConfig
	Cleanup CleanupConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	MaxConns int
}

type StorageConfig struct {
	// DataDir holds the job database.
	DataDir string
	// UploadsDir is the root of the per-task scratch directories.
	UploadsDir string
}

// EndpointConfig describes one external chat-completions endpoint.
type EndpointConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout string
}

type RasterConfig struct {
	// Tool is the pdftoppm binary used to render PDF pages.
	Tool   string
	DPI    int
	Width  int
	Height int
}

type CleanupConfig struct {
	TTL      string
	Interval string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port:     8080,
			MCPPort:  8081,
			MaxConns: 64,
		},
		Storage: StorageConfig{
			DataDir:    dataDir,
			UploadsDir: filepath.Join(dataDir, "uploads"),
		},
		Vision: EndpointConfig{
			BaseURL: "https://open.bigmodel.cn/api/paas/v4",
			Model:   "glm-4v-plus-0111",
			Timeout: "120s",
		},
		Chat: EndpointConfig{
			BaseURL: "https://api.deepseek.com/v1",
			Model:   "deepseek-chat",
			Timeout: "120s",
		},
		Raster: RasterConfig{
			Tool:   "pdftoppm",
			DPI:    150,
			Width:  1200,
			Height: 1600,
		},
		Cleanup: CleanupConfig{
			TTL:      "5m",
			Interval: "60s",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/drawparse/config.json and applies DRAWPARSE_* env
// overrides on top of defaults.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b Backend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "drawparse-data"
		}
	}
	return filepath.Join(dir, "drawparse")
}
