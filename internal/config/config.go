// Package config loads and live-reloads ingestd's configuration using
// viper, the way the pack's AMD-AGI-Primus-SaFE common module does:
// defaults, an optional config.yaml, then INGESTD_* environment overrides,
// with viper.WatchConfig backing the control plane's live-reload path.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/dsa110/contimg-ingestd/internal/corerr"
)

// Config mirrors spec §6.4's recognized options. JSON tags match the
// mapstructure keys so GET /config renders the same flat key names an
// operator would use in config.yaml or a POST /config payload.
type Config struct {
	InputDir       string `mapstructure:"input_dir" json:"input_dir"`
	StagingDir     string `mapstructure:"staging_dir" json:"staging_dir"`
	PublishedDir   string `mapstructure:"published_dir" json:"published_dir"`
	QueueDBPath    string `mapstructure:"queue_db_path" json:"queue_db_path"`
	RegistryDBPath string `mapstructure:"registry_db_path" json:"registry_db_path"`

	ExpectedSubbands     int `mapstructure:"expected_subbands" json:"expected_subbands"`
	MinSubbands          int `mapstructure:"min_subbands" json:"min_subbands"`
	CompletenessTimeoutS int `mapstructure:"completeness_timeout_s" json:"completeness_timeout_s"`
	NWorkers             int `mapstructure:"n_workers" json:"n_workers"`
	MaxGroupRetries      int `mapstructure:"max_group_retries" json:"max_group_retries"`
	MaxPublishAttempts   int `mapstructure:"max_publish_attempts" json:"max_publish_attempts"`
	MaxBackoffS          int `mapstructure:"max_backoff_s" json:"max_backoff_s"`
	MSLockTimeoutS       int `mapstructure:"ms_lock_timeout_s" json:"ms_lock_timeout_s"`
	StaleLockAgeS        int `mapstructure:"stale_lock_age_s" json:"stale_lock_age_s"`
	ClaimReaperAgeS      int `mapstructure:"claim_reaper_age_s" json:"claim_reaper_age_s"`

	RecursiveWatch bool `mapstructure:"recursive_watch" json:"recursive_watch"`

	StageTimeoutS map[string]int    `mapstructure:"stage_timeout_s" json:"stage_timeout_s"`
	StageCommand  map[string]string `mapstructure:"stage_command" json:"stage_command"`

	LogMode      string `mapstructure:"log_mode" json:"log_mode"`
	HTTPAddr     string `mapstructure:"http_addr" json:"http_addr"`
	RedisAddr    string `mapstructure:"redis_addr" json:"redis_addr"`
	EnableRedis  bool   `mapstructure:"enable_redis" json:"enable_redis"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint" json:"otlp_endpoint"`
}

func (c Config) CompletenessTimeout() time.Duration {
	return time.Duration(c.CompletenessTimeoutS) * time.Second
}

func (c Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffS) * time.Second
}

func (c Config) MSLockTimeout() time.Duration {
	return time.Duration(c.MSLockTimeoutS) * time.Second
}

func (c Config) StaleLockAge() time.Duration {
	return time.Duration(c.StaleLockAgeS) * time.Second
}

func (c Config) ClaimReaperAge() time.Duration {
	return time.Duration(c.ClaimReaperAgeS) * time.Second
}

func (c Config) StageTimeout(stage string) time.Duration {
	if s, ok := c.StageTimeoutS[stage]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 300 * time.Second
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("expected_subbands", 16)
	v.SetDefault("min_subbands", 12)
	v.SetDefault("completeness_timeout_s", 120)
	v.SetDefault("n_workers", runtime.NumCPU())
	v.SetDefault("max_group_retries", 3)
	v.SetDefault("max_publish_attempts", 5)
	v.SetDefault("max_backoff_s", 600)
	v.SetDefault("ms_lock_timeout_s", 3600)
	v.SetDefault("stale_lock_age_s", 3600)
	v.SetDefault("claim_reaper_age_s", 3600)
	v.SetDefault("recursive_watch", false)
	v.SetDefault("log_mode", "development")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("enable_redis", false)
}

// Loader owns the viper instance, validates required keys, and supports the
// control plane's live-reload path: Apply sets safe keys in place and
// returns the keys that require a restart to take effect.
type Loader struct {
	mu sync.RWMutex
	v  *viper.Viper
	cw Config
}

var restartOnlyKeys = map[string]bool{
	"input_dir":        true,
	"staging_dir":      true,
	"published_dir":    true,
	"queue_db_path":    true,
	"registry_db_path": true,
	"http_addr":        true,
}

func NewLoader(path string) (*Loader, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("INGESTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, corerr.New(corerr.KindConfig, "config.ReadInConfig", err)
		}
	}

	l := &Loader{v: v}
	if err := l.reload(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Loader) reload() error {
	var c Config
	if err := l.v.Unmarshal(&c); err != nil {
		return corerr.New(corerr.KindConfig, "config.Unmarshal", err)
	}
	if err := validate(c); err != nil {
		return err
	}
	l.mu.Lock()
	l.cw = c
	l.mu.Unlock()
	return nil
}

func validate(c Config) error {
	missing := []string{}
	if c.InputDir == "" {
		missing = append(missing, "input_dir")
	}
	if c.StagingDir == "" {
		missing = append(missing, "staging_dir")
	}
	if c.PublishedDir == "" {
		missing = append(missing, "published_dir")
	}
	if c.QueueDBPath == "" {
		missing = append(missing, "queue_db_path")
	}
	if c.RegistryDBPath == "" {
		missing = append(missing, "registry_db_path")
	}
	if len(missing) > 0 {
		return corerr.New(corerr.KindConfig, "config.validate",
			fmt.Errorf("missing required keys: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// Current returns a snapshot of the configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cw
}

// WatchAndReload installs viper's file watcher and calls onChange with the
// newly validated config each time the backing file changes.
func (l *Loader) WatchAndReload(onChange func(Config)) {
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		if err := l.reload(); err == nil && onChange != nil {
			onChange(l.Current())
		}
	})
	l.v.WatchConfig()
}

// Apply writes an operator-supplied key/value map into the Loader's config
// (for keys that are safe to change at runtime) and reports which requested
// keys were deferred to a restart, per the control plane's POST /config
// contract. Only later calls to Current see the new values; components that
// copied a value at construction (scheduler, assembler, registry) keep it.
func (l *Loader) Apply(changes map[string]any) (applied []string, deferred []string, err error) {
	l.mu.Lock()
	for k, v := range changes {
		if restartOnlyKeys[k] {
			deferred = append(deferred, k)
			continue
		}
		l.v.Set(k, v)
		applied = append(applied, k)
	}
	l.mu.Unlock()
	if len(applied) > 0 {
		if rerr := l.reload(); rerr != nil {
			return applied, deferred, rerr
		}
	}
	return applied, deferred, nil
}
