package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: documented defaults, then an
// optional YAML file (CADENZA_CONFIG), then environment variables. A .env
// file in the working directory is read into the environment first when
// present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("could not read .env file", "error", err)
	}

	cfg := Default()

	if path := os.Getenv("CADENZA_CONFIG"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		if err := overlayYAML(cfg, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
		f.Close()
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string
// literals. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := overlayYAML(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlayYAML decodes YAML from r on top of cfg, rejecting unknown fields.
func overlayYAML(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyEnv overlays recognised environment variables onto cfg. Unset
// variables leave the current value in place.
func applyEnv(cfg *Config) {
	envString("CADENZA_LISTEN_ADDR", &cfg.Server.ListenAddr)
	envString("CADENZA_METRICS_ADDR", &cfg.Server.MetricsAddr)
	if v := os.Getenv("CADENZA_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
	envString("DATABASE_URL", &cfg.Database.DSN)

	envString("WHISPER_SERVER_URL", &cfg.STT.ServerURL)
	envInt("WHISPER_RECONNECT_MAX_RETRIES", &cfg.STT.MaxRetries)
	envFloat("WHISPER_RECONNECT_BACKOFF", &cfg.STT.BackoffMultiplier)
	envSeconds("WHISPER_TIMEOUT_S", &cfg.STT.ConnectTimeout)

	envString("CHATTERBOX_URL", &cfg.TTS.BaseURL)
	envString("CHATTERBOX_VOICE_ID", &cfg.TTS.DefaultVoice)
	envSeconds("TTS_TIMEOUT_S", &cfg.TTS.Timeout)
	envInt("TTS_STREAM_CHUNK_SIZE", &cfg.TTS.StreamChunkSize)

	envString("OPENROUTER_API_KEY", &cfg.LLM.OpenRouterAPIKey)
	envString("OPENROUTER_BASE_URL", &cfg.LLM.OpenRouterBaseURL)
	envString("LOCAL_LLM_BACKEND", &cfg.LLM.LocalBackend)
	envString("LOCAL_LLM_BASE_URL", &cfg.LLM.LocalBaseURL)
	envString("LLM_DEFAULT_MODEL", &cfg.LLM.DefaultModel)
	envString("LLM_FALLBACK_MODEL", &cfg.LLM.FallbackModel)
	envSeconds("LLM_TIMEOUT_S", &cfg.LLM.Timeout)

	envString("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	envString("EMBEDDING_MODEL", &cfg.Embedding.Model)
	envString("EMBEDDING_API_KEY", &cfg.Embedding.APIKey)
	envString("EMBEDDING_BASE_URL", &cfg.Embedding.BaseURL)

	if v := os.Getenv("VECTOR_BACKEND"); v != "" {
		cfg.Vector.Backend = VectorBackend(v)
	}
	envString("VECTOR_SERVER_URL", &cfg.Vector.ServerURL)
	envInt("VECTOR_WORKERS", &cfg.Vector.Workers)

	envMinutes("CONVERSATION_CACHE_TTL_MINUTES", &cfg.Cache.TTL)
	envInt("MAX_CONTEXT_MESSAGES", &cfg.Cache.MaxContextMessages)
	envSeconds("CACHE_CLEANUP_INTERVAL_SECONDS", &cfg.Cache.CleanupInterval)

	envMillis("SILENCE_THRESHOLD_MS", &cfg.Session.SilenceThreshold)

	envInt("MAX_MEMORIES_PER_USER", &cfg.Memory.MaxMemoriesPerUser)
	if v := os.Getenv("PRUNING_STRATEGY"); v != "" {
		cfg.Memory.PruningStrategy = PruningStrategy(v)
	}
	envInt("PRUNING_BATCH_SIZE", &cfg.Memory.PruningBatchSize)
	envFloat("VECTOR_SIMILARITY_THRESHOLD", &cfg.Memory.SimilarityThreshold)
	envBool("ENABLE_EXTRACTION_SHORTCUTS", &cfg.Memory.EnableShortcuts)
	envInt("SHORTCUT_MAX_LENGTH", &cfg.Memory.ShortcutMaxLength)
	envBool("ENABLE_DEDUPLICATION", &cfg.Memory.EnableDeduplication)
	envFloat("EMBEDDING_SIMILARITY_THRESHOLD", &cfg.Memory.EmbeddingSimilarityThreshold)
	envFloat("TEXT_SIMILARITY_THRESHOLD", &cfg.Memory.TextSimilarityThreshold)
	envBool("ENABLE_TEMPORAL_DETECTION", &cfg.Memory.EnableTemporalDetection)
	envBool("ENABLE_SUMMARIZATION", &cfg.Memory.EnableSummarization)
	envHours("SUMMARIZATION_INTERVAL_HOURS", &cfg.Memory.SummarizationInterval)
	envDays("SUMMARIZATION_MIN_AGE_DAYS", &cfg.Memory.SummarizationMinAge)
	envFloat("SUMMARIZATION_SIMILARITY_THRESHOLD", &cfg.Memory.SummarizationSimilarityThreshold)
	envInt("SUMMARIZATION_MAX_CLUSTER", &cfg.Memory.SummarizationMaxCluster)
	envInt("SUMMARIZATION_MIN_CLUSTER", &cfg.Memory.SummarizationMinCluster)
	envBool("ENABLE_ERROR_GUARD", &cfg.Memory.EnableErrorGuard)
	envSeconds("ERROR_GUARD_WINDOW", &cfg.Memory.ErrorGuardWindow)
	envInt("ERROR_GUARD_THRESHOLD", &cfg.Memory.ErrorGuardThreshold)
	envSeconds("ERROR_GUARD_COOLDOWN", &cfg.Memory.ErrorGuardCooldown)

	envFloat("PLUGIN_CPU_LIMIT_PERCENT", &cfg.Plugins.CPULimitPercent)
	envFloat("PLUGIN_MEMORY_LIMIT_MB", &cfg.Plugins.MemoryLimitMB)
	envSeconds("PLUGIN_SAMPLE_INTERVAL_S", &cfg.Plugins.SampleInterval)
	envInt("PLUGIN_VIOLATION_THRESHOLD", &cfg.Plugins.ViolationThreshold)

	// PLUGIN_ENCRYPTION_KEY is the historical name; ENCRYPTION_KEY wins.
	envString("PLUGIN_ENCRYPTION_KEY", &cfg.Vault.EncryptionKey)
	envString("ENCRYPTION_KEY", &cfg.Vault.EncryptionKey)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required (DATABASE_URL)"))
	}

	if cfg.STT.ServerURL == "" {
		slog.Warn("stt.server_url is empty; speech input will be unavailable")
	}
	if cfg.STT.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("stt.max_retries %d must not be negative", cfg.STT.MaxRetries))
	}
	if cfg.STT.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("stt.backoff_multiplier %.2f must be at least 1", cfg.STT.BackoffMultiplier))
	}

	if cfg.TTS.BaseURL == "" {
		slog.Warn("tts.base_url is empty; responses will be text-only")
	}

	if !cfg.Vector.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("vector.backend %q is invalid; valid values: http, postgres", cfg.Vector.Backend))
	}
	if cfg.Vector.Backend == VectorBackendHTTP && cfg.Vector.ServerURL == "" {
		errs = append(errs, errors.New("vector.server_url is required when vector.backend is http"))
	}

	if cfg.Cache.MaxContextMessages <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_context_messages %d must be positive", cfg.Cache.MaxContextMessages))
	}
	if cfg.Cache.TTL <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl %s must be positive", cfg.Cache.TTL))
	}

	if !cfg.Memory.PruningStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("memory.pruning_strategy %q is invalid; valid values: FIFO, LRU", cfg.Memory.PruningStrategy))
	}
	if cfg.Memory.SimilarityThreshold < 0 || cfg.Memory.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.similarity_threshold %.2f is out of range [0, 1]", cfg.Memory.SimilarityThreshold))
	}
	if cfg.Memory.EmbeddingSimilarityThreshold < 0 || cfg.Memory.EmbeddingSimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.embedding_similarity_threshold %.2f is out of range [0, 1]", cfg.Memory.EmbeddingSimilarityThreshold))
	}
	if cfg.Memory.TextSimilarityThreshold < 0 || cfg.Memory.TextSimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("memory.text_similarity_threshold %.2f is out of range [0, 1]", cfg.Memory.TextSimilarityThreshold))
	}
	if cfg.Memory.SummarizationMinCluster > cfg.Memory.SummarizationMaxCluster {
		errs = append(errs, fmt.Errorf("memory.summarization_min_cluster %d exceeds max_cluster %d",
			cfg.Memory.SummarizationMinCluster, cfg.Memory.SummarizationMaxCluster))
	}

	if cfg.Session.SilenceThreshold <= 0 {
		errs = append(errs, fmt.Errorf("session.silence_threshold %s must be positive", cfg.Session.SilenceThreshold))
	}

	if cfg.Vault.EncryptionKey == "" {
		slog.Warn("vault.encryption_key is empty; credentials will be stored in plaintext")
	}

	return errors.Join(errs...)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		} else {
			slog.Warn("ignoring non-integer environment value", "key", key, "value", v)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		} else {
			slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		} else {
			slog.Warn("ignoring non-boolean environment value", "key", key, "value", v)
		}
	}
}

func envDuration(key string, unit time.Duration, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(unit))
		} else {
			slog.Warn("ignoring non-numeric environment value", "key", key, "value", v)
		}
	}
}

func envMillis(key string, dst *time.Duration)  { envDuration(key, time.Millisecond, dst) }
func envSeconds(key string, dst *time.Duration) { envDuration(key, time.Second, dst) }
func envMinutes(key string, dst *time.Duration) { envDuration(key, time.Minute, dst) }
func envHours(key string, dst *time.Duration)   { envDuration(key, time.Hour, dst) }
func envDays(key string, dst *time.Duration)    { envDuration(key, 24*time.Hour, dst) }
