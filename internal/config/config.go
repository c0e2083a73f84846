package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Redis      RedisConfig
	Generation GenerationConfig
	Embedding  EmbeddingConfig
	Ollama     OllamaConfig
	Cache      CacheConfig
	Quota      QuotaConfig
	Guidelines GuidelinesConfig
	Upload     UploadConfig
	Composer   ComposerConfig
	Log        LogConfig
}

type ServerConfig struct {
	Port      int     `validate:"min=1,max=65535"`
	RateLimit float64 `validate:"gt=0"`
	RateBurst int     `validate:"min=1"`
}

type StorageConfig struct {
	DataDir string `validate:"required"`
	Backend string `validate:"oneof=sqlite redis"`
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int `validate:"min=0"`
	Prefix   string
}

type GenerationConfig struct {
	BaseURL string `validate:"required,url"`
	APIKey  string
	Model   string `validate:"required"`
}

type EmbeddingConfig struct {
	Provider        string `validate:"oneof=remote ollama local"`
	Model           string
	LocalDimensions int `validate:"min=1"`
	MemoSize        int `validate:"min=1"`
}

type OllamaConfig struct {
	BaseURL string `validate:"required,url"`
}

type CacheConfig struct {
	LocalThreshold  float64 `validate:"gt=0,lte=1"`
	RemoteThreshold float64 `validate:"gt=0,lte=1"`
	MaxAgeDays      int     `validate:"min=1"`
	MinHits         int     `validate:"min=0"`
	MemoSize        int     `validate:"min=1"`
}

type QuotaConfig struct {
	Limit  int           `validate:"min=1"`
	Window time.Duration `validate:"min=1m"`
	Atomic bool
}

type GuidelinesConfig struct {
	Threshold float64 `validate:"gt=0,lte=1"`
	TopK      int     `validate:"min=1,max=50"`
}

type UploadConfig struct {
	MaxBytes int `validate:"min=1"`
}

type ComposerConfig struct {
	MaxDocumentChars int `validate:"min=1"`
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=text json"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:      4000,
			RateLimit: 5,
			RateBurst: 10,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: "sqlite",
		},
		Redis: RedisConfig{
			Prefix: "studychat:",
		},
		Generation: GenerationConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
			Model:   "gemini-2.0-flash",
		},
		Embedding: EmbeddingConfig{
			Provider:        "remote",
			Model:           "text-embedding-004",
			LocalDimensions: 300,
			MemoSize:        4096,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Cache: CacheConfig{
			LocalThreshold:  0.85,
			RemoteThreshold: 0.75,
			MaxAgeDays:      30,
			MinHits:         2,
			MemoSize:        1024,
		},
		Quota: QuotaConfig{
			Limit:  5,
			Window: 5 * time.Hour,
		},
		Guidelines: GuidelinesConfig{
			Threshold: 0.70,
			TopK:      3,
		},
		Upload: UploadConfig{
			MaxBytes: 10 * 1024 * 1024,
		},
		Composer: ComposerConfig{
			MaxDocumentChars: 30000,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.studychat.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/studychat/config.json
// and secrets fall back to $XDG_DATA_HOME/studychat/secrets.json.
//
// Environment variables (STUDYCHAT_*) override backend values on all platforms.
func Load() (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}
	return loadWith(newPlatformBackend(), NewKeychain())
}

// loadDotEnv exports variables from the given files without overriding ones
// already set. Missing files are ignored.
func loadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Generation.APIKey == "" {
		if key, err := kc.Get(keychainService, generationKeyAccount); err == nil && key != "" {
			cfg.Generation.APIKey = key
		}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.Generation.APIKey == "" {
		return fmt.Errorf("missing required config: generation API key. "+
			"Set it via environment variable STUDYCHAT_GENERATION_API_KEY%s", apiKeyHint())
	}
	if cfg.Storage.Backend == "redis" && cfg.Redis.Addr == "" {
		return fmt.Errorf("missing required config: redis.addr must be set when storage.backend is redis")
	}

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s (%s=%s, got %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
