package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

func strKey(key, env string, field func(*Config) *string) keySpec {
	return keySpec{key: key, typ: kString, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(string) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func intKey(key, env string, field func(*Config) *int) keySpec {
	return keySpec{key: key, typ: kInt, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(int) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func floatKey(key, env string, field func(*Config) *float64) keySpec {
	return keySpec{key: key, typ: kFloat, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(float64) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func boolKey(key, env string, field func(*Config) *bool) keySpec {
	return keySpec{key: key, typ: kBool, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(bool) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

func durationKey(key, env string, field func(*Config) *time.Duration) keySpec {
	return keySpec{key: key, typ: kDuration, env: env,
		apply:   func(cfg *Config, v any) { *field(cfg) = v.(time.Duration) },
		extract: func(cfg Config) any { return *field(&cfg) },
	}
}

var specs = func() []keySpec {
	s := []keySpec{
		intKey("server.port", "STUDYCHAT_SERVER_PORT", func(c *Config) *int { return &c.Server.Port }),
		floatKey("server.rate_limit", "STUDYCHAT_SERVER_RATE_LIMIT", func(c *Config) *float64 { return &c.Server.RateLimit }),
		intKey("server.rate_burst", "STUDYCHAT_SERVER_RATE_BURST", func(c *Config) *int { return &c.Server.RateBurst }),

		strKey("storage.data_dir", "STUDYCHAT_STORAGE_DATA_DIR", func(c *Config) *string { return &c.Storage.DataDir }),
		strKey("storage.backend", "STUDYCHAT_STORAGE_BACKEND", func(c *Config) *string { return &c.Storage.Backend }),
		strKey("redis.addr", "STUDYCHAT_REDIS_ADDR", func(c *Config) *string { return &c.Redis.Addr }),
		intKey("redis.db", "STUDYCHAT_REDIS_DB", func(c *Config) *int { return &c.Redis.DB }),
		strKey("redis.prefix", "STUDYCHAT_REDIS_PREFIX", func(c *Config) *string { return &c.Redis.Prefix }),

		strKey("generation.base_url", "STUDYCHAT_GENERATION_BASE_URL", func(c *Config) *string { return &c.Generation.BaseURL }),
		strKey("generation.model", "STUDYCHAT_GENERATION_MODEL", func(c *Config) *string { return &c.Generation.Model }),

		strKey("embedding.provider", "STUDYCHAT_EMBEDDING_PROVIDER", func(c *Config) *string { return &c.Embedding.Provider }),
		strKey("embedding.model", "STUDYCHAT_EMBEDDING_MODEL", func(c *Config) *string { return &c.Embedding.Model }),
		intKey("embedding.local_dimensions", "STUDYCHAT_EMBEDDING_LOCAL_DIMENSIONS", func(c *Config) *int { return &c.Embedding.LocalDimensions }),
		intKey("embedding.memo_size", "STUDYCHAT_EMBEDDING_MEMO_SIZE", func(c *Config) *int { return &c.Embedding.MemoSize }),
		strKey("ollama.base_url", "STUDYCHAT_OLLAMA_BASE_URL", func(c *Config) *string { return &c.Ollama.BaseURL }),

		floatKey("cache.local_threshold", "STUDYCHAT_CACHE_LOCAL_THRESHOLD", func(c *Config) *float64 { return &c.Cache.LocalThreshold }),
		floatKey("cache.remote_threshold", "STUDYCHAT_CACHE_REMOTE_THRESHOLD", func(c *Config) *float64 { return &c.Cache.RemoteThreshold }),
		intKey("cache.max_age_days", "STUDYCHAT_CACHE_MAX_AGE_DAYS", func(c *Config) *int { return &c.Cache.MaxAgeDays }),
		intKey("cache.min_hits", "STUDYCHAT_CACHE_MIN_HITS", func(c *Config) *int { return &c.Cache.MinHits }),
		intKey("cache.memo_size", "STUDYCHAT_CACHE_MEMO_SIZE", func(c *Config) *int { return &c.Cache.MemoSize }),

		intKey("quota.limit", "STUDYCHAT_QUOTA_LIMIT", func(c *Config) *int { return &c.Quota.Limit }),
		durationKey("quota.window", "STUDYCHAT_QUOTA_WINDOW", func(c *Config) *time.Duration { return &c.Quota.Window }),
		boolKey("quota.atomic", "STUDYCHAT_QUOTA_ATOMIC", func(c *Config) *bool { return &c.Quota.Atomic }),

		floatKey("guidelines.threshold", "STUDYCHAT_GUIDELINES_THRESHOLD", func(c *Config) *float64 { return &c.Guidelines.Threshold }),
		intKey("guidelines.top_k", "STUDYCHAT_GUIDELINES_TOP_K", func(c *Config) *int { return &c.Guidelines.TopK }),

		intKey("upload.max_bytes", "STUDYCHAT_UPLOAD_MAX_BYTES", func(c *Config) *int { return &c.Upload.MaxBytes }),
		intKey("composer.max_document_chars", "STUDYCHAT_COMPOSER_MAX_DOCUMENT_CHARS", func(c *Config) *int { return &c.Composer.MaxDocumentChars }),

		strKey("log.level", "STUDYCHAT_LOG_LEVEL", func(c *Config) *string { return &c.Log.Level }),
		strKey("log.format", "STUDYCHAT_LOG_FORMAT", func(c *Config) *string { return &c.Log.Format }),
	}

	secrets := []keySpec{
		strKey("generation.api_key", "STUDYCHAT_GENERATION_API_KEY", func(c *Config) *string { return &c.Generation.APIKey }),
		strKey("redis.password", "STUDYCHAT_REDIS_PASSWORD", func(c *Config) *string { return &c.Redis.Password }),
	}
	for _, sec := range secrets {
		sec.secret = true
		s = append(s, sec)
	}
	return s
}()

// parseValue converts a raw string into the Go type of the key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (s.typ != kString && raw == "") {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", s.key, raw, err)
		}
		s.apply(cfg, v)
	}
	return nil
}

// applyEnvOverrides applies STUDYCHAT_* variables. Unparseable values are
// logged and skipped.
func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			slog.Warn("ignoring unparseable environment override", "env", s.env, "value", raw, "error", err)
			continue
		}
		s.apply(cfg, v)
	}
}
