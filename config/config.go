// Config loads docforge settings from the environment (and optionally a
// YAML file named by DOCFORGE_CONFIG), with defaults matching the values
// the service ships with.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const Version = "1.0"

// Settings is the full runtime configuration. Build one with Load; the zero
// value is not usable.
type Settings struct {
	// Record-keeping platform.
	PlatformURL string

	// Token acquisition. TokenURL and ClientID are shared by both
	// strategies. RefreshToken enables the stored-refresh-token exchange;
	// PrivateKeyPEM + Principal enable the signed-assertion exchange.
	TokenURL      string
	ClientID      string
	RefreshToken  string
	PrivateKeyPEM string
	Principal     string

	// Scheduler.
	ActiveInterval time.Duration
	IdleInterval   time.Duration
	BatchSize      int
	MaxConcurrency int
	LockTTL        time.Duration
	MaxAttempts    int

	// Conversion pool.
	ConverterBinary string
	ConverterArgs   []string
	ConvertTimeout  time.Duration
	ConvertSlots    int
	ConvertWorkDir  string

	// Merge collaborator (external placeholder-substitution tool).
	MergeBinary string

	// Template cache budget in bytes.
	CacheMaxBytes int64

	// Idempotency gate recency window for reusing SUCCEEDED renders.
	HashRecencyWindow time.Duration

	// Ops/interactive HTTP server.
	ServerAddr     string
	ServerUser     string
	ServerPassword string

	// Parent-record linking: object type to relation key. Unknown object
	// types are skipped when creating links.
	RelationKeys map[string]string
}

// Load reads settings from the environment. Only PlatformURL and TokenURL
// have no usable defaults; their absence is reported by the components that
// need them, not here, so tools that touch a subset of the config can still
// start.
func Load() (*Settings, error) {
	v := viper.New()
	v.SetEnvPrefix("docforge")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("platform.url", "")
	v.SetDefault("token.url", "")
	v.SetDefault("token.client_id", "")
	v.SetDefault("token.refresh_token", "")
	v.SetDefault("token.private_key_pem", "")
	v.SetDefault("token.principal", "")

	v.SetDefault("scheduler.active_interval_ms", 15000)
	v.SetDefault("scheduler.idle_interval_ms", 60000)
	v.SetDefault("scheduler.batch_size", 20)
	v.SetDefault("scheduler.max_concurrency", 8)
	v.SetDefault("scheduler.lock_ttl_ms", 120000)
	v.SetDefault("scheduler.max_attempts", 3)

	v.SetDefault("convert.binary", "soffice")
	v.SetDefault("convert.timeout_ms", 60000)
	v.SetDefault("convert.slots", 8)
	v.SetDefault("convert.work_dir", "")

	v.SetDefault("merge.binary", "docforge-merge")

	v.SetDefault("cache.max_bytes", int64(500*1024*1024))
	v.SetDefault("hash.recency_window_ms", int64(24*time.Hour/time.Millisecond))

	v.SetDefault("server.addr", ":9090")
	v.SetDefault("server.user", "jobs")
	v.SetDefault("server.password", "")

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	s := &Settings{
		PlatformURL:   v.GetString("platform.url"),
		TokenURL:      v.GetString("token.url"),
		ClientID:      v.GetString("token.client_id"),
		RefreshToken:  v.GetString("token.refresh_token"),
		PrivateKeyPEM: v.GetString("token.private_key_pem"),
		Principal:     v.GetString("token.principal"),

		ActiveInterval: msDuration(v.GetInt64("scheduler.active_interval_ms")),
		IdleInterval:   msDuration(v.GetInt64("scheduler.idle_interval_ms")),
		BatchSize:      v.GetInt("scheduler.batch_size"),
		MaxConcurrency: v.GetInt("scheduler.max_concurrency"),
		LockTTL:        msDuration(v.GetInt64("scheduler.lock_ttl_ms")),
		MaxAttempts:    v.GetInt("scheduler.max_attempts"),

		ConverterBinary: v.GetString("convert.binary"),
		ConverterArgs:   v.GetStringSlice("convert.args"),
		ConvertTimeout:  msDuration(v.GetInt64("convert.timeout_ms")),
		ConvertSlots:    v.GetInt("convert.slots"),
		ConvertWorkDir:  v.GetString("convert.work_dir"),

		MergeBinary: v.GetString("merge.binary"),

		CacheMaxBytes:     v.GetInt64("cache.max_bytes"),
		HashRecencyWindow: msDuration(v.GetInt64("hash.recency_window_ms")),

		ServerAddr:     v.GetString("server.addr"),
		ServerUser:     v.GetString("server.user"),
		ServerPassword: v.GetString("server.password"),

		RelationKeys: v.GetStringMapString("links.relation_keys"),
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) check() error {
	if s.BatchSize <= 0 {
		return errors.New("config: scheduler batch size must be positive")
	}
	if s.MaxConcurrency <= 0 {
		return errors.New("config: scheduler max concurrency must be positive")
	}
	if s.ConvertSlots <= 0 {
		return errors.New("config: converter slot count must be positive")
	}
	if s.MaxAttempts <= 0 {
		return errors.New("config: max attempts must be positive")
	}
	if s.CacheMaxBytes <= 0 {
		return errors.New("config: cache byte budget must be positive")
	}
	return nil
}

func msDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
