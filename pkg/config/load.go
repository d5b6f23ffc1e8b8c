package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from a YAML file, applies defaults and
// validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfigWithEnvOverrides loads configuration from a YAML file and
// applies environment variable overrides of the form
// GATEWARDEN_SECTION_FIELD (e.g. GATEWARDEN_SERVER_LISTEN_ADDRESS).
// Environment variables take precedence over file values.
func LoadConfigWithEnvOverrides(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns a validated configuration with all defaults, for
// running without a config file.
func DefaultConfig() *Config {
	var cfg Config
	ApplyDefaults(&cfg)
	return &cfg
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := lookup("SERVER_LISTEN_ADDRESS"); ok {
		cfg.Server.ListenAddress = v
	}
	if v, ok := lookup("SERVER_IDENTITY_HEADER"); ok {
		cfg.Server.IdentityHeader = v
	}
	if v, ok := lookup("STORE_BACKEND"); ok {
		cfg.Store.Backend = v
	}
	if v, ok := lookup("STORE_SQLITE_PATH"); ok {
		cfg.Store.SQLite.Path = v
	}
	if v, ok := lookup("STORE_REDIS_ADDR"); ok {
		cfg.Store.Redis.Addr = v
	}
	if v, ok := lookup("STORE_REDIS_PASSWORD"); ok {
		cfg.Store.Redis.Password = v
	}
	if v, ok := lookup("STORE_REDIS_DB"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.Redis.DB = n
		}
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.Telemetry.Logging.Level = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		cfg.Telemetry.Logging.Format = v
	}
}

func lookup(suffix string) (string, bool) {
	v, ok := os.LookupEnv("GATEWARDEN_" + suffix)
	return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
}

// Watch monitors the configuration file and invokes onReload with the
// freshly loaded configuration whenever it changes and still validates.
// Invalid edits are logged via onError and the running configuration is
// kept. Watch blocks until ctx is cancelled.
//
// Editors typically replace files by rename, so the parent directory is
// watched and events are debounced before reloading.
func Watch(ctx context.Context, path string, onReload func(*Config), onError func(error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	base := filepath.Base(path)
	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	fire := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case fire <- struct{}{}:
				default:
				}
			})

		case <-fire:
			cfg, err := LoadConfig(path)
			if err != nil {
				onError(err)
				continue
			}
			onReload(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			onError(err)
		}
	}
}
