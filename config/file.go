package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultFilenames = []string{
	"conveyor.yaml",
	"conveyor.yml",
	"conveyor.toml",
}

// ResolvePath finds the config file: the --config flag, then
// CONVEYOR_CONFIG, then a conveyor.{yaml,yml,toml} in the working
// directory. An empty result means no file.
func ResolvePath(args []string) (string, error) {
	path, ok, err := configFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p, nil
	}
	for _, name := range defaultFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

// LoadFile decodes the YAML or TOML file at path into cfg. Keys absent
// from the file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse yaml: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: parse toml: %w", err)
		}
	default:
		return fmt.Errorf("config: unsupported file extension %q", filepath.Ext(path))
	}
	return nil
}

func configFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("config: missing value for --config")
			}
			return args[i+1], true, nil
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			if value == "" {
				return "", true, fmt.Errorf("config: missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Duration is a time.Duration written as "30s" or "5m" in files and
// environment variables.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String implements fmt.Stringer.
func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalText implements encoding.TextUnmarshaler (environment, TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalText([]byte(node.Value))
}
