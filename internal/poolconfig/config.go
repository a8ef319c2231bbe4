// Package poolconfig loads the YAML file describing the set of named
// connection pools a mysqlpoold process should run, and watches it for
// hot-reload.
package poolconfig

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for mysqlpoold.
type Config struct {
	Listen   ListenConfig          `yaml:"listen"`
	Defaults PoolDefaults          `yaml:"defaults"`
	Pools    map[string]PoolConfig `yaml:"pools"`
}

// ListenConfig defines the stats/health HTTP endpoint's bind address.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
}

// PoolDefaults defines default pool settings applied when a pool entry
// doesn't override them.
type PoolDefaults struct {
	MinConnections int           `yaml:"min_connections"`
	MaxConnections int           `yaml:"max_connections"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// PoolConfig holds the connection URL and pool sizing for a single named
// pool. URL follows dsnopts.ParseURL's mysql:// grammar; Username/Password
// here exist only for config files that prefer not to embed credentials in
// the URL itself and are merged into the parsed Opts by the caller.
type PoolConfig struct {
	URL            string         `yaml:"url"`
	Username       string         `yaml:"username,omitempty"`
	Password       string         `yaml:"password,omitempty"`
	MinConnections *int           `yaml:"min_connections,omitempty"`
	MaxConnections *int           `yaml:"max_connections,omitempty"`
	AcquireTimeout *time.Duration `yaml:"acquire_timeout,omitempty"`
	Init           []string       `yaml:"init,omitempty"`
}

// EffectiveMinConnections returns the pool's min connections or the default.
func (p PoolConfig) EffectiveMinConnections(defaults PoolDefaults) int {
	if p.MinConnections != nil {
		return *p.MinConnections
	}
	return defaults.MinConnections
}

// EffectiveMaxConnections returns the pool's max connections or the default.
func (p PoolConfig) EffectiveMaxConnections(defaults PoolDefaults) int {
	if p.MaxConnections != nil {
		return *p.MaxConnections
	}
	return defaults.MaxConnections
}

// EffectiveAcquireTimeout returns the pool's acquire timeout or the default.
func (p PoolConfig) EffectiveAcquireTimeout(defaults PoolDefaults) time.Duration {
	if p.AcquireTimeout != nil {
		return *p.AcquireTimeout
	}
	return defaults.AcquireTimeout
}

// Redacted returns a copy of the PoolConfig with the password masked, for
// logging.
func (p PoolConfig) Redacted() PoolConfig {
	c := p
	if c.Password != "" {
		c.Password = "***REDACTED***"
	}
	return c
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment
// variable values, leaving unmatched names untouched.
func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8080
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MinConnections == 0 {
		cfg.Defaults.MinConnections = 10
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 100
	}
	if cfg.Defaults.AcquireTimeout == 0 {
		cfg.Defaults.AcquireTimeout = 10 * time.Second
	}
}

func validate(cfg *Config) error {
	for name, p := range cfg.Pools {
		if p.URL == "" {
			return fmt.Errorf("pool %q: url is required", name)
		}
		if p.MinConnections != nil && p.MaxConnections != nil && *p.MinConnections > *p.MaxConnections {
			return fmt.Errorf("pool %q: min_connections > max_connections", name)
		}
	}
	return nil
}

// Watcher watches a config file for changes and calls the callback with
// the new config once reloading settles.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}

	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{
		path:    path,
		callback: callback,
		watcher: w,
		stopCh:  make(chan struct{}),
	}

	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					cw.reload()
				})
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[poolconfig] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[poolconfig] hot-reload failed: %v", err)
		return
	}

	log.Printf("[poolconfig] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
