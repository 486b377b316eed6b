// Package config loads agent-runner configuration from environment
// variables, optionally overlaid by a YAML file (the "platform config"
// referenced by the command-builder's argv layout).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// RunnerConfig controls the execution pipeline: spec.md §4.2/§4.3/§4.4.
type RunnerConfig struct {
	AgentID                 string        `yaml:"agentId"`
	ServerAPIBaseURL        string        `yaml:"serverApiBaseUrl"`
	AgentJavaCmd            string        `yaml:"agentJavaCmd"`
	RunnerPath              string        `yaml:"runnerPath"`
	JavaPath                string        `yaml:"javaPath"`
	RunnerSecurityManagerOn bool          `yaml:"runnerSecurityManagerEnabled"`
	DependencyListDir       string        `yaml:"dependencyListDir"`
	DependencyCacheDir      string        `yaml:"dependencyCacheDir"`
	DockerHost              string        `yaml:"dockerHost"`
	TempDir                 string        `yaml:"tempDir"`
	MaxPreforkAge           time.Duration `yaml:"maxPreforkAge"`
	MaxPreforkCount         int           `yaml:"maxPreforkCount"`
}

type NatsConfig struct {
	URL         string
	Subject     string
	StreamName  string
	ConsumerTTL time.Duration
}

type RedisConfig struct {
	TTL            int
	ClientPassword string
	URL            string
}

type FreeCacheConfig struct {
	SizeBytes int
	TTL       int
}

type MinioConfig struct {
	URL              string
	DepsBucket       string
	AttachmentBucket string
	AccessKey        string
	SecretKey        string
	UseSSL           bool
}

type PostgresConfig struct {
	URL string
}

// Config is the top-level process configuration.
type Config struct {
	ServiceName string
	TraceURL    string
	CacheType   string
	QueueType   string
	StorageType string
	HTTPAddr    string

	Runner RunnerConfig
}

func env(key string) string {
	return os.Getenv(key)
}

func envOr(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func convertStringToInt(s string, key string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return -1, fmt.Errorf("error initializing config with key: %s, err: %v", key, err)
	}
	return n, nil
}

// Load builds a Config from the environment, then applies an optional YAML
// overlay file (path from AGENT_CONFIG_FILE, or the explicit path when
// non-empty) on top of it. YAML values win over env defaults for the
// RunnerConfig fields the platform config is expected to own.
func Load(yamlPath string) (*Config, error) {
	maxPreforkCount, err := convertStringToInt(env("MAX_PREFORK_COUNT"), "MAX_PREFORK_COUNT")
	if err != nil {
		return nil, err
	}
	maxPreforkAgeSec, err := convertStringToInt(env("MAX_PREFORK_AGE_SECONDS"), "MAX_PREFORK_AGE_SECONDS")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ServiceName: envOr("SERVICE_NAME", "agentrunner"),
		TraceURL:    env("TRACE_URL"),
		CacheType:   envOr("CACHE_TYPE", "freecache"),
		QueueType:   envOr("QUEUE_TYPE", "jetstream"),
		StorageType: envOr("STORAGE_TYPE", "minio"),
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		Runner: RunnerConfig{
			AgentID:                 envOr("AGENT_ID", "agent-1"),
			ServerAPIBaseURL:        env("SERVER_API_BASE_URL"),
			AgentJavaCmd:            envOr("AGENT_JAVA_CMD", "java"),
			RunnerPath:              env("RUNNER_PATH"),
			JavaPath:                envOr("JAVA_PATH", "java"),
			RunnerSecurityManagerOn: env("RUNNER_SECURITY_MANAGER_ENABLED") == "true",
			DependencyListDir:       envOr("DEPENDENCY_LIST_DIR", "/tmp/agent/deps-lists"),
			DependencyCacheDir:      envOr("DEPENDENCY_CACHE_DIR", "/tmp/agent/deps-cache"),
			DockerHost:              env("DOCKER_HOST"),
			TempDir:                 envOr("TMP_DIR", os.TempDir()),
			MaxPreforkCount:         maxPreforkCount,
			MaxPreforkAge:           time.Duration(maxPreforkAgeSec) * time.Second,
		},
	}

	if yamlPath == "" {
		yamlPath = env("AGENT_CONFIG_FILE")
	}
	if yamlPath != "" {
		if err := overlayYAML(cfg, yamlPath); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

type yamlOverlay struct {
	ServiceName string       `yaml:"serviceName"`
	TraceURL    string       `yaml:"traceUrl"`
	HTTPAddr    string       `yaml:"httpAddr"`
	Runner      RunnerConfig `yaml:"runner"`
}

func overlayYAML(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var ov yamlOverlay
	if err := yaml.Unmarshal(b, &ov); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if ov.ServiceName != "" {
		cfg.ServiceName = ov.ServiceName
	}
	if ov.TraceURL != "" {
		cfg.TraceURL = ov.TraceURL
	}
	if ov.HTTPAddr != "" {
		cfg.HTTPAddr = ov.HTTPAddr
	}
	mergeRunnerConfig(&cfg.Runner, ov.Runner)
	return nil
}

func mergeRunnerConfig(dst *RunnerConfig, src RunnerConfig) {
	if src.AgentID != "" {
		dst.AgentID = src.AgentID
	}
	if src.ServerAPIBaseURL != "" {
		dst.ServerAPIBaseURL = src.ServerAPIBaseURL
	}
	if src.AgentJavaCmd != "" {
		dst.AgentJavaCmd = src.AgentJavaCmd
	}
	if src.RunnerPath != "" {
		dst.RunnerPath = src.RunnerPath
	}
	if src.JavaPath != "" {
		dst.JavaPath = src.JavaPath
	}
	if src.RunnerSecurityManagerOn {
		dst.RunnerSecurityManagerOn = true
	}
	if src.DependencyListDir != "" {
		dst.DependencyListDir = src.DependencyListDir
	}
	if src.DependencyCacheDir != "" {
		dst.DependencyCacheDir = src.DependencyCacheDir
	}
	if src.DockerHost != "" {
		dst.DockerHost = src.DockerHost
	}
	if src.TempDir != "" {
		dst.TempDir = src.TempDir
	}
	if src.MaxPreforkCount != 0 {
		dst.MaxPreforkCount = src.MaxPreforkCount
	}
	if src.MaxPreforkAge != 0 {
		dst.MaxPreforkAge = src.MaxPreforkAge
	}
}

func GetNatsConfig() (*NatsConfig, error) {
	url := env("JETSTREAM_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: JETSTREAM_URL is empty")
	}
	ttlSec, err := convertStringToInt(env("JETSTREAM_CONSUMER_TTL"), "JETSTREAM_CONSUMER_TTL")
	if err != nil {
		return nil, err
	}
	return &NatsConfig{
		URL:         url,
		Subject:     envOr("JETSTREAM_SUBJECT", "jobs.assigned"),
		StreamName:  envOr("JETSTREAM_STREAM", "JOBS"),
		ConsumerTTL: time.Duration(ttlSec) * time.Second,
	}, nil
}

func GetRedisConfig() (*RedisConfig, error) {
	url := env("REDIS_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: REDIS_ENDPOINT is empty")
	}
	ttl, err := convertStringToInt(env("REDIS_TTL"), "REDIS_TTL")
	if err != nil {
		return nil, err
	}
	return &RedisConfig{
		TTL:            ttl,
		ClientPassword: env("REDIS_CLIENT_PASSWORD"),
		URL:            url,
	}, nil
}

func GetFreeCacheConfig() (*FreeCacheConfig, error) {
	sizeBytes, err := convertStringToInt(envOr("FREECACHE_SIZE", "10485760"), "FREECACHE_SIZE")
	if err != nil {
		return nil, err
	}
	ttl, err := convertStringToInt(envOr("FREECACHE_TTL", "3600"), "FREECACHE_TTL")
	if err != nil {
		return nil, err
	}
	return &FreeCacheConfig{SizeBytes: sizeBytes, TTL: ttl}, nil
}

func GetMinioConfig() (*MinioConfig, error) {
	url := env("MINIO_ENDPOINT")
	if url == "" {
		return nil, fmt.Errorf("KEY: MINIO_ENDPOINT is empty")
	}
	ak := env("MINIO_ACCESS_KEY")
	if ak == "" {
		return nil, fmt.Errorf("KEY: MINIO_ACCESS_KEY is empty")
	}
	sk := env("MINIO_SECRET_KEY")
	if sk == "" {
		return nil, fmt.Errorf("KEY: MINIO_SECRET_KEY is empty")
	}
	return &MinioConfig{
		URL:              url,
		DepsBucket:       envOr("MINIO_DEPS_BUCKET", "agent-deps"),
		AttachmentBucket: envOr("MINIO_ATTACHMENTS_BUCKET", "agent-attachments"),
		AccessKey:        ak,
		SecretKey:        sk,
		UseSSL:           env("MINIO_USE_SSL") == "true",
	}, nil
}

func GetPostgresConfig() (*PostgresConfig, error) {
	url := env("POSTGRES_URL")
	if url == "" {
		return nil, fmt.Errorf("KEY: POSTGRES_URL is empty")
	}
	return &PostgresConfig{URL: url}, nil
}
