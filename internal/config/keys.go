package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DRAWPARSE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "DRAWPARSE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.max_conns", typ: kInt, env: "DRAWPARSE_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DRAWPARSE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.uploads_dir", typ: kString, env: "DRAWPARSE_STORAGE_UPLOADS_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.UploadsDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.UploadsDir },
	},
	{
		key: "vision.base_url", typ: kString, env: "DRAWPARSE_VISION_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Vision.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vision.BaseURL },
	},
	{
		key: "vision.model", typ: kString, env: "DRAWPARSE_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Vision.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Vision.Model },
	},
	{
		key: "vision.api_key", typ: kString, env: "DRAWPARSE_VISION_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Vision.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vision.APIKey },
	},
	{
		key: "vision.timeout", typ: kString, env: "DRAWPARSE_VISION_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Vision.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Vision.Timeout },
	},
	{
		key: "chat.base_url", typ: kString, env: "DRAWPARSE_CHAT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Chat.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.BaseURL },
	},
	{
		key: "chat.model", typ: kString, env: "DRAWPARSE_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Chat.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Model },
	},
	{
		key: "chat.api_key", typ: kString, env: "DRAWPARSE_CHAT_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Chat.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.APIKey },
	},
	{
		key: "chat.timeout", typ: kString, env: "DRAWPARSE_CHAT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Chat.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.Timeout },
	},
	{
		key: "raster.tool", typ: kString, env: "DRAWPARSE_RASTER_TOOL",
		apply:   func(cfg *Config, v any) { cfg.Raster.Tool = v.(string) },
		extract: func(cfg Config) any { return cfg.Raster.Tool },
	},
	{
		key: "raster.dpi", typ: kInt, env: "DRAWPARSE_RASTER_DPI",
		apply:   func(cfg *Config, v any) { cfg.Raster.DPI = v.(int) },
		extract: func(cfg Config) any { return cfg.Raster.DPI },
	},
	{
		key: "raster.width", typ: kInt, env: "DRAWPARSE_RASTER_WIDTH",
		apply:   func(cfg *Config, v any) { cfg.Raster.Width = v.(int) },
		extract: func(cfg Config) any { return cfg.Raster.Width },
	},
	{
		key: "raster.height", typ: kInt, env: "DRAWPARSE_RASTER_HEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Raster.Height = v.(int) },
		extract: func(cfg Config) any { return cfg.Raster.Height },
	},
	{
		key: "cleanup.ttl", typ: kString, env: "DRAWPARSE_CLEANUP_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.TTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Cleanup.TTL },
	},
	{
		key: "cleanup.interval", typ: kString, env: "DRAWPARSE_CLEANUP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Cleanup.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Cleanup.Interval },
	},
	{
		key: "log.level", typ: kString, env: "DRAWPARSE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b Backend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
