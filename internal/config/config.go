// Package config 负责加载和管理应用程序的配置。
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 FRAMEINDEX_DATABASE_DSN。
const EnvPrefix = "FRAMEINDEX"

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Ingestion     IngestionConfig     `mapstructure:"ingestion"`
	Search        SearchConfig        `mapstructure:"search"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	Driver string      `mapstructure:"driver"` // mysql | sqlite
	DSN    string      `mapstructure:"dsn"`
	Redis  RedisConfig `mapstructure:"redis"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled 判断是否配置了 Redis。
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret           string `mapstructure:"secret"`
	TokenExpireHours int    `mapstructure:"token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
type KafkaConfig struct {
	Brokers     string `mapstructure:"brokers"`
	Topic       string `mapstructure:"topic"`
	GroupID     string `mapstructure:"group_id"`
	MaxAttempts int    `mapstructure:"max_attempts"`
}

// Enabled 判断是否配置了 Kafka。
func (c KafkaConfig) Enabled() bool {
	return strings.TrimSpace(c.Brokers) != ""
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string `mapstructure:"server_url"`
	OCRLang   string `mapstructure:"ocr_language"`
}

// Enabled 判断是否配置了 Tika。
func (c TikaConfig) Enabled() bool {
	return strings.TrimSpace(c.ServerURL) != ""
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
// Addresses 为空时不启用 ANN 索引，检索走精确扫描。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// Enabled 判断是否配置了 ES。
func (c ElasticsearchConfig) Enabled() bool {
	return strings.TrimSpace(c.Addresses) != ""
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// Enabled 判断是否配置了 MinIO。
func (c MinIOConfig) Enabled() bool {
	return strings.TrimSpace(c.Endpoint) != ""
}

// EmbeddingConfig 存储 Embedding 服务相关的配置。
type EmbeddingConfig struct {
	APIKeys           []string      `mapstructure:"api_keys"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	Dimensions        int           `mapstructure:"dimensions"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseDelay         time.Duration `mapstructure:"base_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	RotateProbability float64       `mapstructure:"rotate_probability"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// LLMConfig 存储分类用大语言模型的配置。
type LLMConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Prompt      string  `mapstructure:"prompt"`
}

// Enabled 判断是否配置了 LLM。
func (c LLMConfig) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != "" && strings.TrimSpace(c.Model) != ""
}

// IngestionConfig 存储入库流水线的默认参数。
type IngestionConfig struct {
	ChunkSize           int     `mapstructure:"chunk_size"`
	ChunkOverlap        int     `mapstructure:"chunk_overlap"`
	MaxChunks           int     `mapstructure:"max_chunks"`
	Semantic            bool    `mapstructure:"semantic"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MaxConcurrent       int     `mapstructure:"max_concurrent"`
	StoreRetries        int     `mapstructure:"store_retries"`
}

// SearchConfig 存储检索默认参数。
type SearchConfig struct {
	DefaultTopK         int           `mapstructure:"default_top_k"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	QueryCacheTTL       time.Duration `mapstructure:"query_cache_ttl"`
}

func setDefaults(v *viper.Viper) {
	// 空字符串默认值让 AutomaticEnv 的覆盖在 Unmarshal 时可见。
	for _, key := range []string{
		"database.dsn", "database.redis.addr", "database.redis.password", "jwt.secret",
		"log.output_path", "kafka.brokers", "tika.server_url",
		"elasticsearch.addresses", "elasticsearch.username", "elasticsearch.password",
		"minio.endpoint", "minio.access_key_id", "minio.secret_access_key",
		"llm.api_key", "llm.base_url", "llm.model", "llm.prompt",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("database.redis.db", 0)
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("ingestion.max_chunks", 0)
	v.SetDefault("ingestion.semantic", false)
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.driver", "mysql")
	v.SetDefault("jwt.token_expire_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("kafka.topic", "frame-ingest")
	v.SetDefault("kafka.group_id", "frame-ingest-consumer")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("tika.ocr_language", "eng")
	v.SetDefault("elasticsearch.index_name", "frame_vectors")
	v.SetDefault("minio.bucket_name", "frames")
	v.SetDefault("embedding.api_keys", []string{})
	v.SetDefault("embedding.base_url", "https://api.voyageai.com/v1")
	v.SetDefault("embedding.model", "voyage-multimodal-3")
	v.SetDefault("embedding.dimensions", 1024)
	v.SetDefault("embedding.requests_per_minute", 300)
	v.SetDefault("embedding.max_retries", 5)
	v.SetDefault("embedding.base_delay", time.Second)
	v.SetDefault("embedding.max_delay", 30*time.Second)
	v.SetDefault("embedding.rotate_probability", 0.25)
	v.SetDefault("embedding.timeout", 60*time.Second)
	v.SetDefault("llm.temperature", 0.0)
	v.SetDefault("llm.max_tokens", 1024)
	v.SetDefault("ingestion.chunk_size", 1000)
	v.SetDefault("ingestion.chunk_overlap", 100)
	v.SetDefault("ingestion.similarity_threshold", 0.7)
	v.SetDefault("ingestion.max_concurrent", 10)
	v.SetDefault("ingestion.store_retries", 3)
	v.SetDefault("search.default_top_k", 10)
	v.SetDefault("search.similarity_threshold", 0.0)
	v.SetDefault("search.query_cache_ttl", 10*time.Minute)
}

// Load 从指定的路径读取 YAML 文件并解析为 Config。
// configPath 为空时只使用默认值与环境变量。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver must be mysql or sqlite, got %q", c.Database.Driver))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, errors.New("embedding.dimensions must be > 0"))
	}
	if c.Embedding.RequestsPerMinute <= 0 {
		errs = append(errs, errors.New("embedding.requests_per_minute must be > 0"))
	}
	if c.Ingestion.ChunkSize <= 0 {
		errs = append(errs, errors.New("ingestion.chunk_size must be > 0"))
	}
	if c.Ingestion.ChunkOverlap < 0 {
		errs = append(errs, errors.New("ingestion.chunk_overlap must be >= 0"))
	}
	if c.Ingestion.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("ingestion.max_concurrent must be > 0"))
	}
	return errors.Join(errs...)
}
