// Package config loads the Config struct enumerated in spec §6 from a YAML
// file, with ${VAR}-style environment overrides, in the style of the
// sallandpioneers-ultra-engineer reference example's config loader.
package config

import (
	"encoding/hex"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is every value spec §6 enumerates under "Config (enumerated)".
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	WorkerPoolSize        int `yaml:"worker_pool_size"`
	PerUserConcurrencyCap int `yaml:"per_user_concurrency_cap"`

	MaxUploadBytes        int64         `yaml:"max_upload_bytes"`
	ChunkSizeBytes        int64         `yaml:"chunk_size_bytes"`
	UploadSessionTTL      time.Duration `yaml:"upload_session_ttl"`
	MaxParallelChunkPuts  int           `yaml:"max_parallel_chunk_puts"`

	// UploadMagicAllowListHex is the server-owned allow-list of acceptable
	// sealed-artifact magic numbers, hex-encoded (spec §4.2: seal validates
	// "against an allow-list of magic numbers" — a policy the server owns,
	// not something a client's request body gets to supply).
	UploadMagicAllowListHex []string `yaml:"upload_magic_allow_list_hex"`

	ProgressThrottle        time.Duration `yaml:"progress_throttle"`
	ProgressThrottlePercent int           `yaml:"progress_throttle_percent"`
	NoProgressTimeout       time.Duration `yaml:"no_progress_timeout"`
	CancelGrace             time.Duration `yaml:"cancel_grace"`

	PriorityAgingSeconds int `yaml:"priority_aging_seconds"`

	CacheTTL      CacheTTLConfig        `yaml:"cache_ttl"`
	RateLimits    map[string]RateLimit  `yaml:"rate_limits"`

	WebSocketHeartbeat     time.Duration `yaml:"websocket_heartbeat"`
	WebSocketIdleKill      time.Duration `yaml:"websocket_idle_kill"`
	WebSocketRingCapacity  int           `yaml:"websocket_ring_capacity"`

	WhisperBinary string `yaml:"whisper_binary"`
}

// CacheTTLConfig holds the per-endpoint-class TTLs spec §4.6 names.
type CacheTTLConfig struct {
	Health      time.Duration `yaml:"health"`
	JobListing  time.Duration `yaml:"job_listing"`
	JobDetail   time.Duration `yaml:"job_detail"`
	UserStats   time.Duration `yaml:"user_stats"`
}

// RateLimit is one row of the per-endpoint-class rate limit table (§4.7/§6).
type RateLimit struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// Default returns the defaults a fresh deployment starts from; the stricter
// value wins wherever the original source's duplicate front ends disagreed
// (spec §9 open question resolution — this table is authoritative).
func Default() *Config {
	return &Config{
		ListenAddr:            ":8080",
		DataDir:               "./data",
		WorkerPoolSize:        4,
		PerUserConcurrencyCap: 2,
		MaxUploadBytes:        500 * 1024 * 1024,
		ChunkSizeBytes:        5 * 1024 * 1024,
		UploadSessionTTL:      time.Hour,
		MaxParallelChunkPuts:  4,
		UploadMagicAllowListHex: []string{
			"52494646", // RIFF (WAV)
			"664c6143", // fLaC
			"4f676753", // OggS
			"494433",   // ID3 (MP3)
		},
		ProgressThrottle:      500 * time.Millisecond,
		ProgressThrottlePercent: 1,
		NoProgressTimeout:     10 * time.Minute,
		CancelGrace:           10 * time.Second,
		PriorityAgingSeconds:  120,
		CacheTTL: CacheTTLConfig{
			Health:     60 * time.Second,
			JobListing: 90 * time.Second,
			JobDetail:  60 * time.Second,
			UserStats:  600 * time.Second,
		},
		RateLimits: map[string]RateLimit{
			"uploads":       {Limit: 10, Window: time.Hour},
			"mutating_admin": {Limit: 50, Window: 5 * time.Minute},
			"general":       {Limit: 100, Window: 5 * time.Minute},
		},
		WebSocketHeartbeat:    30 * time.Second,
		WebSocketIdleKill:     90 * time.Second,
		WebSocketRingCapacity: 256,
		WhisperBinary:         "whisper",
	}
}

// MagicAllowList decodes UploadMagicAllowListHex into raw byte prefixes for
// upload.New.
func (c *Config) MagicAllowList() ([][]byte, error) {
	allow := make([][]byte, len(c.UploadMagicAllowListHex))
	for i, h := range c.UploadMagicAllowListHex {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, err
		}
		allow[i] = b
	}
	return allow, nil
}

// Load reads cfg from path, overlaying it on Default(), expanding ${VAR}
// references against the process environment first.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	data = expandEnvVars(data)

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(envPattern.FindSubmatch(match)[1])
		return []byte(os.Getenv(name))
	})
}
