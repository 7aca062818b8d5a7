package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix scopes environment overrides: MEDRAG_ENGINE_CHUNK_SIZE -> engine.chunk_size.
const EnvPrefix = "MEDRAG_"

const maxConfigFileSize = 1 << 20

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	HTTP       HTTPConfig       `koanf:"http"`
	Storage    StorageConfig    `koanf:"storage"`
	Vector     VectorConfig     `koanf:"vector"`
	Models     ModelsConfig     `koanf:"models"`
	Queue      QueueConfig      `koanf:"queue"`
	Engine     EngineConfig     `koanf:"engine"`
	Resilience ResilienceConfig `koanf:"resilience"`
}

type ServiceConfig struct {
	Name              string `koanf:"name"`
	LogLevel          string `koanf:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	APIPort           string `koanf:"api_port" validate:"required,numeric"`
	WorkerMetricsPort string `koanf:"worker_metrics_port" validate:"required,numeric"`
}

type HTTPConfig struct {
	RateLimitRPS   float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int           `koanf:"rate_limit_burst" validate:"gte=0"`
	MaxInFlight    int           `koanf:"max_in_flight" validate:"gte=0"`
	QueueTimeout   time.Duration `koanf:"queue_timeout"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes" validate:"gt=0"`
	// AsyncIndex routes POST /v1/documents through the queue instead of indexing inline.
	AsyncIndex bool `koanf:"async_index"`
}

type StorageConfig struct {
	Driver      string `koanf:"driver" validate:"oneof=memory postgres"`
	PostgresDSN string `koanf:"postgres_dsn" validate:"required_if=Driver postgres"`
}

type VectorConfig struct {
	Backend         string `koanf:"backend" validate:"oneof=chromem qdrant"`
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
	Collection      string `koanf:"collection" validate:"required"`
	QdrantURL       string `koanf:"qdrant_url" validate:"required_if=Backend qdrant"`
	Dimensions      int    `koanf:"dimensions" validate:"gte=0"`
}

type ModelsConfig struct {
	Embedder          string        `koanf:"embedder" validate:"oneof=hashing ollama"`
	Scorer            string        `koanf:"scorer" validate:"oneof=lexical ollama none"`
	Expander          string        `koanf:"expander" validate:"oneof=ollama none"`
	HashingDimensions int           `koanf:"hashing_dimensions" validate:"gt=0"`
	OllamaURL         string        `koanf:"ollama_url" validate:"omitempty,url"`
	GenModel          string        `koanf:"gen_model"`
	EmbedModel        string        `koanf:"embed_model"`
	RateLimitRPS      float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst    int           `koanf:"rate_limit_burst" validate:"gte=0"`
	Timeout           time.Duration `koanf:"timeout"`
}

type QueueConfig struct {
	// NATSURL empty disables the index queue and the invalidation broadcast.
	NATSURL             string `koanf:"nats_url"`
	IndexSubject        string `koanf:"index_subject"`
	InvalidationSubject string `koanf:"invalidation_subject"`
}

// EngineConfig carries the retrieval knobs.
type EngineConfig struct {
	ChunkSize           int           `koanf:"chunk_size" validate:"gt=0"`
	ChunkOverlap        int           `koanf:"chunk_overlap" validate:"gte=0,ltfield=ChunkSize"`
	ChunkTolerance      int           `koanf:"chunk_tolerance" validate:"gte=0"`
	MaxChunks           int           `koanf:"max_chunks" validate:"gt=0"`
	KSearch             int           `koanf:"k_search" validate:"gt=0"`
	KRerank             int           `koanf:"k_rerank" validate:"gt=0"`
	KFinal              int           `koanf:"k_final" validate:"gt=0"`
	MaxTopK             int           `koanf:"max_top_k" validate:"gtefield=KFinal"`
	WSemantic           float64       `koanf:"w_semantic" validate:"gte=0,lte=1"`
	WKeyword            float64       `koanf:"w_keyword" validate:"gte=0,lte=1"`
	CacheTTL            time.Duration `koanf:"cache_ttl" validate:"gt=0"`
	CacheMaxEntries     int           `koanf:"cache_max_entries" validate:"gt=0"`
	CacheAdaptiveTTL    bool          `koanf:"cache_adaptive_ttl"`
	SimilarityThreshold float64       `koanf:"similarity_threshold" validate:"gt=0,lte=1"`
	RerankTimeout       time.Duration `koanf:"rerank_timeout" validate:"gt=0"`
	QueryTimeout        time.Duration `koanf:"query_timeout" validate:"gtfield=RerankTimeout"`
	RerankConcurrency   int           `koanf:"rerank_concurrency" validate:"gt=0"`
	MaxQueryVariants    int           `koanf:"max_query_variants" validate:"gte=1,lte=8"`
	RelevanceFloor      float64       `koanf:"relevance_floor" validate:"gt=0,lte=1"`
	LowConfidence       float64       `koanf:"low_confidence" validate:"gte=0,lte=1"`
	EmbedBatchSize      int           `koanf:"embed_batch_size" validate:"gt=0"`
	IndexConcurrency    int           `koanf:"index_concurrency" validate:"gt=0"`
}

type ResilienceConfig struct {
	RetryMaxAttempts        int           `koanf:"retry_max_attempts" validate:"gt=0"`
	RetryInitialBackoff     time.Duration `koanf:"retry_initial_backoff"`
	RetryMaxBackoff         time.Duration `koanf:"retry_max_backoff"`
	RetryMultiplier         float64       `koanf:"retry_multiplier"`
	BreakerEnabled          bool          `koanf:"breaker_enabled"`
	BreakerMinRequests      uint32        `koanf:"breaker_min_requests"`
	BreakerFailureRatio     float64       `koanf:"breaker_failure_ratio" validate:"gte=0,lte=1"`
	BreakerOpenTimeout      time.Duration `koanf:"breaker_open_timeout"`
	BreakerHalfOpenMaxCalls uint32        `koanf:"breaker_half_open_max_calls"`
}

// Default is the configuration used when neither file nor environment sets a value.
func Default() Config {
	return Config{
		Service: ServiceConfig{
			Name:              "medrag",
			LogLevel:          "info",
			APIPort:           "8080",
			WorkerMetricsPort: "9090",
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   20,
			RateLimitBurst: 40,
			MaxInFlight:    64,
			QueueTimeout:   250 * time.Millisecond,
			MaxBodyBytes:   8 << 20,
		},
		Storage: StorageConfig{Driver: "memory"},
		Vector: VectorConfig{
			Backend:    "chromem",
			Collection: "medical_chunks",
		},
		Models: ModelsConfig{
			Embedder:          "hashing",
			Scorer:            "lexical",
			Expander:          "none",
			HashingDimensions: 384,
			OllamaURL:         "http://localhost:11434",
			GenModel:          "llama3.1:8b",
			EmbedModel:        "nomic-embed-text",
			RateLimitRPS:      10,
			RateLimitBurst:    10,
			Timeout:           60 * time.Second,
		},
		Queue: QueueConfig{
			IndexSubject:        "medrag.index.requests",
			InvalidationSubject: "medrag.cache.invalidations",
		},
		Engine: EngineConfig{
			ChunkSize:           800,
			ChunkOverlap:        150,
			MaxChunks:           10000,
			KSearch:             20,
			KRerank:             10,
			KFinal:              5,
			MaxTopK:             50,
			WSemantic:           0.5,
			WKeyword:            0.5,
			CacheTTL:            time.Hour,
			CacheMaxEntries:     1000,
			CacheAdaptiveTTL:    true,
			SimilarityThreshold: 0.95,
			RerankTimeout:       2 * time.Second,
			QueryTimeout:        30 * time.Second,
			RerankConcurrency:   8,
			MaxQueryVariants:    4,
			RelevanceFloor:      0.3,
			LowConfidence:       0.5,
			EmbedBatchSize:      32,
			IndexConcurrency:    4,
		},
		Resilience: ResilienceConfig{
			RetryMaxAttempts:        3,
			RetryInitialBackoff:     100 * time.Millisecond,
			RetryMaxBackoff:         400 * time.Millisecond,
			RetryMultiplier:         2,
			BreakerEnabled:          true,
			BreakerMinRequests:      10,
			BreakerFailureRatio:     0.5,
			BreakerOpenTimeout:      30 * time.Second,
			BreakerHalfOpenMaxCalls: 2,
		},
	}
}

// Load reads the optional YAML file at path, then applies MEDRAG_* environment
// overrides. Precedence: environment, file, defaults.
func Load(path string) (Config, error) {
	var raw []byte
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return Config{}, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return Config{}, fmt.Errorf("config file %s is larger than %d bytes", path, maxConfigFileSize)
		}
		raw, err = os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return load(raw)
}

func load(raw []byte) (Config, error) {
	k := koanf.New(".")
	if len(raw) > 0 {
		if err := k.Load(rawbytes.Provider(raw), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("parse config yaml: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	applyDefaults(&cfg, k)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps MEDRAG_ENGINE_CHUNK_SIZE to engine.chunk_size: the first
// segment is the section, the rest is the field name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + field
}

// applyDefaults fills every key the sources left unset. Explicit zero
// values (w_keyword: 0, breaker_enabled: false) are kept.
func applyDefaults(cfg *Config, k *koanf.Koanf) {
	def := Default()
	set := func(key string, apply func()) {
		if !k.Exists(key) {
			apply()
		}
	}

	set("service.name", func() { cfg.Service.Name = def.Service.Name })
	set("service.log_level", func() { cfg.Service.LogLevel = def.Service.LogLevel })
	set("service.api_port", func() { cfg.Service.APIPort = def.Service.APIPort })
	set("service.worker_metrics_port", func() { cfg.Service.WorkerMetricsPort = def.Service.WorkerMetricsPort })

	set("http.rate_limit_rps", func() { cfg.HTTP.RateLimitRPS = def.HTTP.RateLimitRPS })
	set("http.rate_limit_burst", func() { cfg.HTTP.RateLimitBurst = def.HTTP.RateLimitBurst })
	set("http.max_in_flight", func() { cfg.HTTP.MaxInFlight = def.HTTP.MaxInFlight })
	set("http.queue_timeout", func() { cfg.HTTP.QueueTimeout = def.HTTP.QueueTimeout })
	set("http.max_body_bytes", func() { cfg.HTTP.MaxBodyBytes = def.HTTP.MaxBodyBytes })

	set("storage.driver", func() { cfg.Storage.Driver = def.Storage.Driver })

	set("vector.backend", func() { cfg.Vector.Backend = def.Vector.Backend })
	set("vector.collection", func() { cfg.Vector.Collection = def.Vector.Collection })

	set("models.embedder", func() { cfg.Models.Embedder = def.Models.Embedder })
	set("models.scorer", func() { cfg.Models.Scorer = def.Models.Scorer })
	set("models.expander", func() { cfg.Models.Expander = def.Models.Expander })
	set("models.hashing_dimensions", func() { cfg.Models.HashingDimensions = def.Models.HashingDimensions })
	set("models.ollama_url", func() { cfg.Models.OllamaURL = def.Models.OllamaURL })
	set("models.gen_model", func() { cfg.Models.GenModel = def.Models.GenModel })
	set("models.embed_model", func() { cfg.Models.EmbedModel = def.Models.EmbedModel })
	set("models.rate_limit_rps", func() { cfg.Models.RateLimitRPS = def.Models.RateLimitRPS })
	set("models.rate_limit_burst", func() { cfg.Models.RateLimitBurst = def.Models.RateLimitBurst })
	set("models.timeout", func() { cfg.Models.Timeout = def.Models.Timeout })

	set("queue.index_subject", func() { cfg.Queue.IndexSubject = def.Queue.IndexSubject })
	set("queue.invalidation_subject", func() { cfg.Queue.InvalidationSubject = def.Queue.InvalidationSubject })

	e, de := &cfg.Engine, def.Engine
	set("engine.chunk_size", func() { e.ChunkSize = de.ChunkSize })
	set("engine.chunk_overlap", func() { e.ChunkOverlap = de.ChunkOverlap })
	set("engine.max_chunks", func() { e.MaxChunks = de.MaxChunks })
	set("engine.k_search", func() { e.KSearch = de.KSearch })
	set("engine.k_rerank", func() { e.KRerank = de.KRerank })
	set("engine.k_final", func() { e.KFinal = de.KFinal })
	set("engine.max_top_k", func() { e.MaxTopK = de.MaxTopK })
	set("engine.w_semantic", func() { e.WSemantic = de.WSemantic })
	set("engine.w_keyword", func() { e.WKeyword = de.WKeyword })
	set("engine.cache_ttl", func() { e.CacheTTL = de.CacheTTL })
	set("engine.cache_max_entries", func() { e.CacheMaxEntries = de.CacheMaxEntries })
	set("engine.cache_adaptive_ttl", func() { e.CacheAdaptiveTTL = de.CacheAdaptiveTTL })
	set("engine.similarity_threshold", func() { e.SimilarityThreshold = de.SimilarityThreshold })
	set("engine.rerank_timeout", func() { e.RerankTimeout = de.RerankTimeout })
	set("engine.query_timeout", func() { e.QueryTimeout = de.QueryTimeout })
	set("engine.rerank_concurrency", func() { e.RerankConcurrency = de.RerankConcurrency })
	set("engine.max_query_variants", func() { e.MaxQueryVariants = de.MaxQueryVariants })
	set("engine.relevance_floor", func() { e.RelevanceFloor = de.RelevanceFloor })
	set("engine.low_confidence", func() { e.LowConfidence = de.LowConfidence })
	set("engine.embed_batch_size", func() { e.EmbedBatchSize = de.EmbedBatchSize })
	set("engine.index_concurrency", func() { e.IndexConcurrency = de.IndexConcurrency })
	// Tolerance defaults to a fifth of the chunk size, after the size is known.
	set("engine.chunk_tolerance", func() { e.ChunkTolerance = e.ChunkSize / 5 })

	r, dr := &cfg.Resilience, def.Resilience
	set("resilience.retry_max_attempts", func() { r.RetryMaxAttempts = dr.RetryMaxAttempts })
	set("resilience.retry_initial_backoff", func() { r.RetryInitialBackoff = dr.RetryInitialBackoff })
	set("resilience.retry_max_backoff", func() { r.RetryMaxBackoff = dr.RetryMaxBackoff })
	set("resilience.retry_multiplier", func() { r.RetryMultiplier = dr.RetryMultiplier })
	set("resilience.breaker_enabled", func() { r.BreakerEnabled = dr.BreakerEnabled })
	set("resilience.breaker_min_requests", func() { r.BreakerMinRequests = dr.BreakerMinRequests })
	set("resilience.breaker_failure_ratio", func() { r.BreakerFailureRatio = dr.BreakerFailureRatio })
	set("resilience.breaker_open_timeout", func() { r.BreakerOpenTimeout = dr.BreakerOpenTimeout })
	set("resilience.breaker_half_open_max_calls", func() { r.BreakerHalfOpenMaxCalls = dr.BreakerHalfOpenMaxCalls })
}

var validate = validator.New()

// Validate checks field ranges and cross-field rules.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			msgs := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Engine.WSemantic+c.Engine.WKeyword == 0 {
		return errors.New("invalid config: w_semantic and w_keyword cannot both be zero")
	}
	if c.Engine.KRerank > c.Engine.KSearch*2 {
		return fmt.Errorf("invalid config: k_rerank %d exceeds the %d candidates two searches can return", c.Engine.KRerank, c.Engine.KSearch*2)
	}
	if c.Engine.KFinal > c.Engine.KRerank {
		return fmt.Errorf("invalid config: k_final %d exceeds k_rerank %d", c.Engine.KFinal, c.Engine.KRerank)
	}
	if c.Models.Embedder == "ollama" || c.Models.Scorer == "ollama" || c.Models.Expander == "ollama" {
		if c.Models.OllamaURL == "" {
			return errors.New("invalid config: models.ollama_url is required for ollama models")
		}
	}
	return nil
}
