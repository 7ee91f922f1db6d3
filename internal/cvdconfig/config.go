// Package cvdconfig builds the daemon's Config from Cobra flag values
// merged with an optional on-disk YAML file, the way the teacher
// builds its manager Config from persistent flags.
package cvdconfig

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cuttlefish-host/cvdd/internal/cvderr"
	"github.com/cuttlefish-host/cvdd/internal/cvdlog"
	"github.com/cuttlefish-host/cvdd/internal/lockfile"
)

// DefaultMaxSlots is the historical default slot upper bound; real
// deployments may configure a larger one via --max-instances.
const DefaultMaxSlots = 10

// Config is the single place the daemon's tunables live, assembled
// from flag defaults, an optional config file, and explicit flag
// overrides, in that order of increasing precedence.
type Config struct {
	RunDir       string      `yaml:"run_dir"`
	MaxInstances int         `yaml:"max_instances"`
	LogLevel     cvdlog.Level `yaml:"log_level"`
	LogJSON      bool        `yaml:"log_json"`
	SocketPath   string      `yaml:"socket_path"`
	MetricsAddr  string      `yaml:"metrics_addr"`
}

// Default returns the built-in defaults used before any config file or
// flag is applied.
func Default() Config {
	return Config{
		RunDir:       "/run/cvdd",
		MaxInstances: DefaultMaxSlots,
		LogLevel:     cvdlog.InfoLevel,
		SocketPath:   "/run/cvdd/cvdd.sock",
	}
}

// MergeFile loads a YAML config file, if present, overlaying its
// fields onto cfg. A missing file is not an error — it is the common
// case when the daemon is run with flags alone.
func MergeFile(cfg Config, path string) (Config, error) {
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, cvderr.IOErrorf(err, "reading config file %s", path)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, cvderr.SchemaMismatchf("parsing config file %s: %v", path, err)
	}

	merged := cfg
	if fileCfg.RunDir != "" {
		merged.RunDir = fileCfg.RunDir
	}
	if fileCfg.MaxInstances != 0 {
		merged.MaxInstances = fileCfg.MaxInstances
	}
	if fileCfg.LogLevel != "" {
		merged.LogLevel = fileCfg.LogLevel
	}
	if fileCfg.SocketPath != "" {
		merged.SocketPath = fileCfg.SocketPath
	}
	if fileCfg.MetricsAddr != "" {
		merged.MetricsAddr = fileCfg.MetricsAddr
	}
	merged.LogJSON = merged.LogJSON || fileCfg.LogJSON
	return merged, nil
}

// Validate checks invariants flags alone can't enforce.
func (c Config) Validate() error {
	if c.MaxInstances < 1 {
		return cvderr.InvalidArgumentf("max_instances must be positive, got %d", c.MaxInstances)
	}
	if c.RunDir == "" {
		return cvderr.InvalidArgumentf("run_dir must not be empty")
	}
	return nil
}

// NewLockManager constructs the lock-file manager this config implies.
func (c Config) NewLockManager() *lockfile.Manager {
	return lockfile.NewManager(c.RunDir, c.MaxInstances)
}
