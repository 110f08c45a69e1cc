// Package config provides configuration loading and management for the sync service.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/digdir/erproxy-sync/internal/telemetry"
)

const (
	// SinkTypeS3 stores records in an S3 bucket
	SinkTypeS3 = "s3"

	// SinkTypeMinio stores records in a MinIO bucket
	SinkTypeMinio = "minio"

	// SinkTypeFile stores records as files below a local directory
	SinkTypeFile = "file"

	// SinkTypeMemory keeps records in process memory, for tests and dry runs
	SinkTypeMemory = "memory"
)

// EnvPrefix is the prefix of environment variables read through viper
const EnvPrefix = "ERPROXY"

const (
	// DefaultBaseURL is the public API of the business registry
	DefaultBaseURL = "https://data.brreg.no/enhetsregisteret/api"

	// DefaultContainer is the bucket or directory all records are written to
	DefaultContainer = "erproxy"

	// DefaultMaxConcurrency is the default number of concurrent sink operations
	DefaultMaxConcurrency = 64

	// DefaultMaxTransferSize is the largest single object the sink accepts (50 MiB)
	DefaultMaxTransferSize int64 = 50 * 1024 * 1024

	// DefaultPageSize is the number of change events requested per page
	DefaultPageSize = 30

	// DefaultPaginationCap is the deepest offset the change feed serves
	DefaultPaginationCap = 10000

	// DefaultCursorParam is the query parameter carrying the change feed cursor
	DefaultCursorParam = "dato"

	// DefaultIDField is the bulk export field that names each record
	DefaultIDField = "organisasjonsnummer"

	// DefaultSyncInterval is how often the scheduled loop runs
	DefaultSyncInterval = time.Hour

	// DefaultCallTimeout bounds every per-record fetch and write
	DefaultCallTimeout = 2 * time.Minute

	// DefaultRequestTimeout bounds buffered registry requests
	DefaultRequestTimeout = 30 * time.Second

	// DefaultMaxRetries is the number of retries for registry requests
	DefaultMaxRetries = 3

	// DefaultProgressEvery is how many records pass between progress log lines
	DefaultProgressEvery = 10000

	// DefaultServerAddress is the listen address of the trigger API
	DefaultServerAddress = ":8080"
)

// knownPartitions describes the feed shape of the partitions the registry publishes.
var knownPartitions = map[string]PartitionConfig{
	"enheter": {
		Name:        "units",
		Tag:         "enheter",
		EmbeddedKey: "oppdaterteEnheter",
		LinkRel:     "enhet",
	},
	"underenheter": {
		Name:        "subunits",
		Tag:         "underenheter",
		EmbeddedKey: "oppdaterteUnderenheter",
		LinkRel:     "underenhet",
	},
}

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks to prevent symlink attacks.
		// Note that this calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Registry   RegistryConfig    `yaml:"registry"`
	Partitions []PartitionConfig `yaml:"partitions,omitempty"`
	Sink       SinkConfig        `yaml:"sink"`
	Sync       SyncConfig        `yaml:"sync"`
	Server     ServerConfig      `yaml:"server"`
	Telemetry  *telemetry.Config `yaml:"telemetry,omitempty"`
}

// RegistryConfig defines how the business registry API is reached
type RegistryConfig struct {
	// BaseURL is the API root the default partition URLs are derived from
	BaseURL string `yaml:"baseURL,omitempty"`

	// Timeout bounds each buffered request, e.g. "30s"
	Timeout string `yaml:"timeout,omitempty"`

	// MaxRetries is the number of retries on transport errors, 429 and 5xx responses.
	// Zero uses the default.
	MaxRetries int `yaml:"maxRetries,omitempty"`

	// RequestsPerSecond limits the request rate. Zero disables limiting.
	RequestsPerSecond float64 `yaml:"requestsPerSecond,omitempty"`

	// Burst is the token bucket size used with RequestsPerSecond
	Burst int `yaml:"burst,omitempty"`

	UserAgent string `yaml:"userAgent,omitempty"`
}

// PartitionConfig describes one independently synced part of the dataset
type PartitionConfig struct {
	// Name identifies the partition in logs, metrics and status
	Name string `yaml:"name"`

	// Tag is the registry resource name and the key prefix in the sink
	Tag string `yaml:"tag"`

	SnapshotURL   string `yaml:"snapshotURL,omitempty"`
	ChangesURL    string `yaml:"changesURL,omitempty"`
	EntityURL     string `yaml:"entityURL,omitempty"`
	EmbeddedKey   string `yaml:"embeddedKey,omitempty"`
	LinkRel       string `yaml:"linkRel,omitempty"`
	CheckpointKey string `yaml:"checkpointKey,omitempty"`
}

// SinkConfig defines the destination object store
type SinkConfig struct {
	// Type is one of s3, minio, file or memory
	Type string `yaml:"type"`

	// Container is the bucket name, or the directory below File.Path
	Container string `yaml:"container,omitempty"`

	MaxConcurrency  int   `yaml:"maxConcurrency,omitempty"`
	MaxTransferSize int64 `yaml:"maxTransferSize,omitempty"`

	S3    *S3Config       `yaml:"s3,omitempty"`
	Minio *MinioConfig    `yaml:"minio,omitempty"`
	File  *FileSinkConfig `yaml:"file,omitempty"`
}

// S3Config defines S3 sink settings. Credentials come from the default AWS chain.
type S3Config struct {
	Region string `yaml:"region,omitempty"`

	// Endpoint overrides the service endpoint, e.g. for LocalStack
	Endpoint string `yaml:"endpoint,omitempty"`

	UsePathStyle bool `yaml:"usePathStyle,omitempty"`
}

// MinioConfig defines MinIO sink settings
type MinioConfig struct {
	// Endpoint is host:port without scheme
	Endpoint string `yaml:"endpoint"`

	AccessKey string `yaml:"accessKey,omitempty"`

	// SecretKeyFile is the path to a file containing the secret key
	SecretKeyFile string `yaml:"secretKeyFile,omitempty"`

	UseSSL bool   `yaml:"useSSL,omitempty"`
	Region string `yaml:"region,omitempty"`
}

// FileSinkConfig defines local directory sink settings
type FileSinkConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig defines the behaviour of the sync pipeline
type SyncConfig struct {
	PageSize      int `yaml:"pageSize,omitempty"`
	Concurrency   int `yaml:"concurrency,omitempty"`
	PaginationCap int `yaml:"paginationCap,omitempty"`

	// CallTimeout bounds every per-record fetch and write, e.g. "2m"
	CallTimeout string `yaml:"callTimeout,omitempty"`

	CursorParam string `yaml:"cursorParam,omitempty"`

	// IDField is the gjson path of the record identifier in bulk exports
	IDField string `yaml:"idField,omitempty"`

	// Interval is the period of the scheduled loop, e.g. "1h". "0s" disables the loop.
	Interval string `yaml:"interval,omitempty"`

	// RunOnStart triggers a run as soon as the scheduled loop starts
	RunOnStart bool `yaml:"runOnStart,omitempty"`

	ProgressEvery int `yaml:"progressEvery,omitempty"`
}

// ServerConfig defines the trigger API listener
type ServerConfig struct {
	Address           string `yaml:"address,omitempty"`
	ReadHeaderTimeout string `yaml:"readHeaderTimeout,omitempty"`
	ShutdownTimeout   string `yaml:"shutdownTimeout,omitempty"`
}

// LoadConfig loads configuration from the given options, applying defaults for
// everything that is not set. Without a config path the defaults are returned.
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	var config Config
	if loaderCfg.path != "" {
		data, err := os.ReadFile(loaderCfg.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	config.applyDefaults()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	var config Config
	config.applyDefaults()
	return &config
}

func (c *Config) applyDefaults() {
	if c.Registry.BaseURL == "" {
		c.Registry.BaseURL = DefaultBaseURL
	}
	c.Registry.BaseURL = strings.TrimRight(c.Registry.BaseURL, "/")

	if len(c.Partitions) == 0 {
		c.Partitions = []PartitionConfig{knownPartitions["enheter"], knownPartitions["underenheter"]}
	}
	for i := range c.Partitions {
		c.Partitions[i].applyDefaults(c.Registry.BaseURL)
	}

	if c.Sink.Type == "" {
		c.Sink.Type = SinkTypeFile
	}
	if c.Sink.Container == "" {
		c.Sink.Container = DefaultContainer
	}
	if c.Sink.Type == SinkTypeFile && c.Sink.File == nil {
		c.Sink.File = &FileSinkConfig{Path: "data"}
	}
}

func (p *PartitionConfig) applyDefaults(baseURL string) {
	if known, ok := knownPartitions[p.Tag]; ok {
		if p.Name == "" {
			p.Name = known.Name
		}
		if p.EmbeddedKey == "" {
			p.EmbeddedKey = known.EmbeddedKey
		}
		if p.LinkRel == "" {
			p.LinkRel = known.LinkRel
		}
	}
	if p.Tag == "" {
		return
	}
	if p.SnapshotURL == "" {
		p.SnapshotURL = baseURL + "/" + p.Tag + "/lastned"
	}
	if p.ChangesURL == "" {
		p.ChangesURL = baseURL + "/oppdateringer/" + p.Tag
	}
	if p.EntityURL == "" {
		p.EntityURL = baseURL + "/" + p.Tag
	}
	if p.CheckpointKey == "" {
		p.CheckpointKey = "state/" + p.Tag + ".json"
	}
}

// validate performs validation on the configuration
func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateURL(c.Registry.BaseURL, "registry.baseURL"); err != nil {
		return err
	}
	if err := validateDuration(c.Registry.Timeout, "registry.timeout"); err != nil {
		return err
	}
	if c.Registry.MaxRetries < 0 {
		return fmt.Errorf("registry.maxRetries must not be negative")
	}
	if c.Registry.RequestsPerSecond < 0 {
		return fmt.Errorf("registry.requestsPerSecond must not be negative")
	}

	names := make(map[string]bool)
	tags := make(map[string]bool)
	for i := range c.Partitions {
		p := &c.Partitions[i]
		if p.Name == "" {
			return fmt.Errorf("partitions[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("partitions[%d]: duplicate partition name '%s'", i, p.Name)
		}
		names[p.Name] = true

		if tags[p.Tag] {
			return fmt.Errorf("partitions[%d]: duplicate partition tag '%s'", i, p.Tag)
		}
		tags[p.Tag] = true

		if err := p.validate(i); err != nil {
			return err
		}
	}

	if err := c.Sink.validate(); err != nil {
		return err
	}
	if err := c.Sync.validate(); err != nil {
		return err
	}
	if err := c.Server.validate(); err != nil {
		return err
	}

	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}

	return nil
}

func (p *PartitionConfig) validate(index int) error {
	prefix := fmt.Sprintf("partitions[%d] (%s)", index, p.Name)

	if p.Tag == "" {
		return fmt.Errorf("%s: tag is required", prefix)
	}
	if strings.Contains(p.Tag, "/") {
		return fmt.Errorf("%s: tag must not contain '/'", prefix)
	}
	if p.EmbeddedKey == "" {
		return fmt.Errorf("%s: embeddedKey is required for tag '%s'", prefix, p.Tag)
	}
	if p.LinkRel == "" {
		return fmt.Errorf("%s: linkRel is required for tag '%s'", prefix, p.Tag)
	}

	for field, raw := range map[string]string{
		"snapshotURL": p.SnapshotURL,
		"changesURL":  p.ChangesURL,
		"entityURL":   p.EntityURL,
	} {
		if err := validateURL(raw, prefix+": "+field); err != nil {
			return err
		}
	}

	return nil
}

func (s *SinkConfig) validate() error {
	if s.MaxConcurrency < 0 {
		return fmt.Errorf("sink.maxConcurrency must not be negative")
	}
	if s.MaxTransferSize < 0 {
		return fmt.Errorf("sink.maxTransferSize must not be negative")
	}

	switch s.Type {
	case SinkTypeS3:
		if s.S3 != nil && s.S3.Endpoint != "" {
			return validateURL(s.S3.Endpoint, "sink.s3.endpoint")
		}
	case SinkTypeMinio:
		if s.Minio == nil || s.Minio.Endpoint == "" {
			return fmt.Errorf("sink.minio.endpoint is required for sink type '%s'", SinkTypeMinio)
		}
		if strings.Contains(s.Minio.Endpoint, "://") {
			return fmt.Errorf("sink.minio.endpoint must be host:port without scheme")
		}
	case SinkTypeFile:
		if s.File == nil || s.File.Path == "" {
			return fmt.Errorf("sink.file.path is required for sink type '%s'", SinkTypeFile)
		}
	case SinkTypeMemory:
	default:
		return fmt.Errorf("sink.type must be one of %s, %s, %s or %s, got '%s'",
			SinkTypeS3, SinkTypeMinio, SinkTypeFile, SinkTypeMemory, s.Type)
	}

	return nil
}

func (s *SyncConfig) validate() error {
	if s.PageSize < 0 {
		return fmt.Errorf("sync.pageSize must not be negative")
	}
	if s.Concurrency < 0 {
		return fmt.Errorf("sync.concurrency must not be negative")
	}
	if s.PaginationCap < 0 {
		return fmt.Errorf("sync.paginationCap must not be negative")
	}
	if s.PaginationCap > 0 && s.PageSize > s.PaginationCap {
		return fmt.Errorf("sync.pageSize (%d) must not exceed sync.paginationCap (%d)", s.PageSize, s.PaginationCap)
	}
	if err := validateDuration(s.CallTimeout, "sync.callTimeout"); err != nil {
		return err
	}
	return validateDuration(s.Interval, "sync.interval")
}

func (s *ServerConfig) validate() error {
	if err := validateDuration(s.ReadHeaderTimeout, "server.readHeaderTimeout"); err != nil {
		return err
	}
	return validateDuration(s.ShutdownTimeout, "server.shutdownTimeout")
}

func validateURL(raw, field string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid URL: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must be an http or https URL, got '%s'", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host, got '%s'", field, raw)
	}
	return nil
}

func validateDuration(raw, field string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%s must be a valid duration (e.g., '30s', '1h'): %w", field, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", field)
	}
	return nil
}

// parseDuration returns the parsed value of raw, or def when raw is empty.
// Values are validated at load time.
func parseDuration(raw string, def time.Duration) time.Duration {
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// GetTimeout returns the request timeout, using the default if not specified
func (r *RegistryConfig) GetTimeout() time.Duration {
	return parseDuration(r.Timeout, DefaultRequestTimeout)
}

// GetMaxRetries returns the retry count, using the default if not specified
func (r *RegistryConfig) GetMaxRetries() int {
	if r.MaxRetries == 0 {
		return DefaultMaxRetries
	}
	return r.MaxRetries
}

// GetBurst returns the rate limiter burst, at least 1
func (r *RegistryConfig) GetBurst() int {
	if r.Burst <= 0 {
		return 1
	}
	return r.Burst
}

// GetMaxConcurrency returns the sink concurrency hint
func (s *SinkConfig) GetMaxConcurrency() int {
	if s.MaxConcurrency == 0 {
		return DefaultMaxConcurrency
	}
	return s.MaxConcurrency
}

// GetMaxTransferSize returns the largest object the sink accepts
func (s *SinkConfig) GetMaxTransferSize() int64 {
	if s.MaxTransferSize == 0 {
		return DefaultMaxTransferSize
	}
	return s.MaxTransferSize
}

// GetAccessKey returns the access key from the config or ERPROXY_MINIO_ACCESS_KEY
func (m *MinioConfig) GetAccessKey() string {
	if m.AccessKey != "" {
		return m.AccessKey
	}
	return os.Getenv("ERPROXY_MINIO_ACCESS_KEY")
}

// GetSecretKey returns the MinIO secret key using the following priority:
// 1. Read from SecretKeyFile if specified
// 2. Read from ERPROXY_MINIO_SECRET_KEY environment variable
func (m *MinioConfig) GetSecretKey() (string, error) {
	if m.SecretKeyFile != "" {
		data, err := os.ReadFile(filepath.Clean(m.SecretKeyFile))
		if err != nil {
			return "", fmt.Errorf("failed to read secret key from file %s: %w", m.SecretKeyFile, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envKey := os.Getenv("ERPROXY_MINIO_SECRET_KEY"); envKey != "" {
		return envKey, nil
	}

	return "", fmt.Errorf(
		"no minio secret key configured: set secretKeyFile or ERPROXY_MINIO_SECRET_KEY environment variable",
	)
}

// GetPageSize returns the change feed page size
func (s *SyncConfig) GetPageSize() int {
	if s.PageSize == 0 {
		return DefaultPageSize
	}
	return s.PageSize
}

// GetConcurrency returns the per-partition operation concurrency
func (s *SyncConfig) GetConcurrency() int {
	if s.Concurrency == 0 {
		return DefaultMaxConcurrency
	}
	return s.Concurrency
}

// GetPaginationCap returns the deepest offset the change feed serves
func (s *SyncConfig) GetPaginationCap() int {
	if s.PaginationCap == 0 {
		return DefaultPaginationCap
	}
	return s.PaginationCap
}

// GetCallTimeout returns the per-record call timeout
func (s *SyncConfig) GetCallTimeout() time.Duration {
	return parseDuration(s.CallTimeout, DefaultCallTimeout)
}

// GetCursorParam returns the change feed cursor parameter name
func (s *SyncConfig) GetCursorParam() string {
	if s.CursorParam == "" {
		return DefaultCursorParam
	}
	return s.CursorParam
}

// GetIDField returns the bulk export identifier path
func (s *SyncConfig) GetIDField() string {
	if s.IDField == "" {
		return DefaultIDField
	}
	return s.IDField
}

// GetInterval returns the scheduled loop period. Zero means the loop is disabled.
func (s *SyncConfig) GetInterval() time.Duration {
	return parseDuration(s.Interval, DefaultSyncInterval)
}

// GetProgressEvery returns the progress logging period in records
func (s *SyncConfig) GetProgressEvery() int {
	if s.ProgressEvery == 0 {
		return DefaultProgressEvery
	}
	return s.ProgressEvery
}

// GetAddress returns the listen address
func (s *ServerConfig) GetAddress() string {
	if s.Address == "" {
		return DefaultServerAddress
	}
	return s.Address
}

// GetReadHeaderTimeout returns the server read header timeout
func (s *ServerConfig) GetReadHeaderTimeout() time.Duration {
	return parseDuration(s.ReadHeaderTimeout, 10*time.Second)
}

// GetShutdownTimeout returns the graceful shutdown timeout
func (s *ServerConfig) GetShutdownTimeout() time.Duration {
	return parseDuration(s.ShutdownTimeout, 30*time.Second)
}
