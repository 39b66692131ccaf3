package overlay

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/meigma/overlay/resolve"
)

// DefaultDumpDir is where emulated files are dumped when dumping is on.
const DefaultDumpDir = "FEmulator-Dumps/UTOCEmulator"

// Config holds the operator settings of a Runtime.
type Config struct {
	LogLevel        string `yaml:"log_level"`
	Debug           bool   `yaml:"debug"`
	FileAccessLog   bool   `yaml:"file_access_log"`
	DumpFiles       bool   `yaml:"dump_files"`
	DumpCompress    bool   `yaml:"dump_compress"`
	DumpDir         string `yaml:"dump_dir"`
	OrderMultiplier int    `yaml:"order_multiplier"`
	VirtualPrefix   string `yaml:"virtual_prefix"`
	ScratchDir      string `yaml:"scratch_dir"`
	PlaceholderDir  string `yaml:"placeholder_dir"`
	SignaturesFile  string `yaml:"signatures_file"`
	EagerBuild      bool   `yaml:"eager_build"`
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        "info",
		DumpDir:         DefaultDumpDir,
		OrderMultiplier: resolve.DefaultOrderMultiplier,
		VirtualPrefix:   resolve.DefaultVirtualPrefix,
	}
}

// LoadConfig reads a YAML config file. An empty path returns the defaults;
// on error the defaults are returned alongside it.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path) //nolint:gosec // config path is operator-provided
	if err != nil {
		return DefaultConfig(), fmt.Errorf("read overlay config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, filling unset fields with defaults.
func ParseConfig(data []byte) (*Config, error) {
	if len(data) == 0 {
		return DefaultConfig(), nil
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parse overlay config: %w", err)
	}
	def := DefaultConfig()
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.DumpDir == "" {
		cfg.DumpDir = def.DumpDir
	}
	if cfg.OrderMultiplier <= 0 {
		cfg.OrderMultiplier = def.OrderMultiplier
	}
	if cfg.VirtualPrefix == "" {
		cfg.VirtualPrefix = def.VirtualPrefix
	}
	return &cfg, nil
}

// Level returns the configured log level. Debug forces slog.LevelDebug;
// an unrecognized level name means slog.LevelInfo.
func (c *Config) Level() slog.Level {
	if c.Debug {
		return slog.LevelDebug
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return l
}
