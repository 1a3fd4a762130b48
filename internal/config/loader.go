package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/knowledged/internal/errkind"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// envPrefix is stripped from environment variable names before mapping.
// Both KNOWLEDGED_PORT and the bare documented names (VECTOR_ENDPOINT,
// MCP_PORT, ...) are accepted.
const envPrefix = "KNOWLEDGED_"

// envAliases maps documented legacy env names onto config keys.
var envAliases = map[string]string{
	"mcp_port": "port",
	"mcp_host": "host",
}

// Load assembles configuration from defaults, an optional YAML file and
// environment variables. Mutators run last, before validation; the caller
// uses them to apply command-line flag overrides.
//
// Precedence (highest to lowest): mutators (flags), environment, YAML
// file, defaults. Any failure is config-invalid.
func Load(configPath string, mutators ...func(*Config)) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, errkind.Wrap(errkind.ConfigInvalid, "read config file", err)
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, errkind.Wrap(errkind.ConfigInvalid, fmt.Sprintf("parse config file %s", configPath), err)
			}
		}
	}

	// Environment variables override the file. KNOWLEDGED_VECTOR_ENDPOINT
	// and VECTOR_ENDPOINT both map to vector_endpoint.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if alias, ok := envAliases[key]; ok {
			return alias
		}
		return key
	}), nil); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "load environment variables", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errkind.Wrap(errkind.ConfigInvalid, "unmarshal config", err)
	}

	for _, m := range mutators {
		m(&cfg)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigFile reads configPath, returning nil content when the file
// does not exist. The file is opened once and validated through its
// descriptor to avoid a stat/open race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return content, nil
}
