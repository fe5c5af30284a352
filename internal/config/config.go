package config

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig          `yaml:"server"`
	Remote   RemoteConfig          `yaml:"remote"`
	Signing  SigningConfig         `yaml:"signing"`
	Disks    map[string]DiskConfig `yaml:"disks"`
	Uploader Settings              `yaml:"uploader"`
}

type ServerConfig struct {
	Address          string        `yaml:"address"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MaxUploadSize    int64         `yaml:"max_upload_size"`
	BatchConcurrency int           `yaml:"batch_concurrency"`
}

type RemoteConfig struct {
	Timeout   time.Duration `yaml:"timeout"`
	MaxSize   int64         `yaml:"max_size"`
	UserAgent string        `yaml:"user_agent"`
	TempDir   string        `yaml:"temp_dir"`
}

type SigningConfig struct {
	Secret string        `yaml:"secret"` // #nosec G117 -- configuration secret field.
	TTL    time.Duration `yaml:"ttl"`
}

type DiskConfig struct {
	Driver string           `yaml:"driver"`
	Local  DiskLocalConfig  `yaml:"local"`
	S3     DiskS3Config     `yaml:"s3"`
	Redis  DiskRedisConfig  `yaml:"redis"`
	SQLite DiskSQLiteConfig `yaml:"sqlite"`
}

type DiskLocalConfig struct {
	Directory string `yaml:"directory"`
	PublicURL string `yaml:"public_url"`
	SignURLs  bool   `yaml:"sign_urls"`
}

type DiskS3Config struct {
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"`
	PublicURL       string        `yaml:"public_url"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	SessionToken    string        `yaml:"session_token"` // #nosec G117 -- configuration secret field.
	Prefix          string        `yaml:"prefix"`
	PathStyle       bool          `yaml:"path_style"`
	PresignTTL      time.Duration `yaml:"presign_ttl"`
}

type DiskRedisConfig struct {
	URL       string        `yaml:"url"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"` // #nosec G117 -- configuration secret field.
	DB        int           `yaml:"db"`
	UseTLS    bool          `yaml:"tls"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
	PublicURL string        `yaml:"public_url"`
	SignURLs  bool          `yaml:"sign_urls"`
}

type DiskSQLiteConfig struct {
	Path      string `yaml:"path"`
	PublicURL string `yaml:"public_url"`
	SignURLs  bool   `yaml:"sign_urls"`
}

const (
	DriverLocal  = "local"
	DriverS3     = "s3"
	DriverMemory = "memory"
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	root, err := os.OpenRoot(filepath.Dir(path))
	if err == nil {
		defer root.Close()
		if _, err := root.Stat(filepath.Base(path)); err == nil {
			file, err := root.Open(filepath.Base(path))
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return nil, fmt.Errorf("reading config file: %w", err)
			}

			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	// maps and slices merge under yaml decoding, so defaults for them are
	// applied only when the document left them unset
	cfg.applyDefaults()

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("applying env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Parse decodes a YAML document without consulting the environment.
func Parse(data []byte) (*Config, error) {
	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":8080",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     60 * time.Second,
			IdleTimeout:      60 * time.Second,
			MaxUploadSize:    32 * 1024 * 1024, // 32MB
			BatchConcurrency: 4,
		},
		Remote: RemoteConfig{
			Timeout:   30 * time.Second,
			MaxSize:   32 * 1024 * 1024,
			UserAgent: "uploader/1.0",
		},
		Signing: SigningConfig{
			TTL: time.Hour,
		},
	}
}

func (c *Config) applyDefaults() {
	if c.Disks == nil {
		c.Disks = map[string]DiskConfig{
			"local": {
				Driver: DriverLocal,
				Local:  DiskLocalConfig{Directory: "data/uploads"},
			},
		}
	}
	if c.Uploader.BlockedMimetypes == nil {
		c.Uploader.BlockedMimetypes = append([]string(nil), DefaultBlockedMimetypes...)
	}
	if c.Uploader.Configurations == nil && c.Uploader.MimeResolvers == nil {
		disk := "local"
		if _, ok := c.Disks[disk]; !ok {
			disk = firstDisk(c.Disks)
		}
		c.Uploader.MimeResolvers = MimeResolvers{
			{Name: "images", Patterns: []string{"image/*"}},
			{Name: "files", Patterns: []string{"*"}},
		}
		c.Uploader.Configurations = map[string]Configuration{
			"images": {
				Disk:                disk,
				Subpath:             "images",
				NamingStrategy:      NamingFixUnique,
				Processor:           ProcessorImage,
				ImageResizeMaxWidth: 1280,
			},
			"files": {
				Disk:           disk,
				Subpath:        "files",
				NamingStrategy: NamingFixUnique,
				Processor:      ProcessorGeneric,
			},
		}
	}
	c.Uploader.normalize()
}

type Overrides struct {
	ServerAddress        *string
	ServerReadTimeout    *time.Duration
	ServerWriteTimeout   *time.Duration
	ServerIdleTimeout    *time.Duration
	ServerMaxUploadSize  *int64
	RemoteTimeout        *time.Duration
	RemoteMaxSize        *int64
	SigningSecret        *string
	DefaultConfiguration *string
	LocalDirectory       *string
}

func (c *Config) ApplyOverrides(overrides Overrides) error {
	if overrides.ServerAddress != nil {
		c.Server.Address = *overrides.ServerAddress
	}
	if overrides.ServerReadTimeout != nil {
		c.Server.ReadTimeout = *overrides.ServerReadTimeout
	}
	if overrides.ServerWriteTimeout != nil {
		c.Server.WriteTimeout = *overrides.ServerWriteTimeout
	}
	if overrides.ServerIdleTimeout != nil {
		c.Server.IdleTimeout = *overrides.ServerIdleTimeout
	}
	if overrides.ServerMaxUploadSize != nil {
		c.Server.MaxUploadSize = *overrides.ServerMaxUploadSize
	}
	if overrides.RemoteTimeout != nil {
		c.Remote.Timeout = *overrides.RemoteTimeout
	}
	if overrides.RemoteMaxSize != nil {
		c.Remote.MaxSize = *overrides.RemoteMaxSize
	}
	if overrides.SigningSecret != nil {
		c.Signing.Secret = *overrides.SigningSecret
	}
	if overrides.DefaultConfiguration != nil {
		c.Uploader.Default = *overrides.DefaultConfiguration
	}
	if overrides.LocalDirectory != nil {
		for name, disk := range c.Disks {
			if disk.Driver == DriverLocal {
				disk.Local.Directory = *overrides.LocalDirectory
				c.Disks[name] = disk
			}
		}
	}

	return c.validate()
}

func (c *Config) applyEnv() error {
	if value, ok := lookupEnv("UPLOADER_SERVER_ADDRESS"); ok {
		c.Server.Address = value
	} else if value, ok := lookupEnv("PORT"); ok {
		c.Server.Address = fmt.Sprintf("0.0.0.0:%s", value)
	}
	if value, ok := lookupEnv("UPLOADER_SERVER_READ_TIMEOUT"); ok {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_SERVER_READ_TIMEOUT: %w", err)
		}
		c.Server.ReadTimeout = duration
	}
	if value, ok := lookupEnv("UPLOADER_SERVER_WRITE_TIMEOUT"); ok {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_SERVER_WRITE_TIMEOUT: %w", err)
		}
		c.Server.WriteTimeout = duration
	}
	if value, ok := lookupEnv("UPLOADER_SERVER_MAX_UPLOAD_SIZE"); ok {
		parsed, err := parseInt64(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_SERVER_MAX_UPLOAD_SIZE: %w", err)
		}
		c.Server.MaxUploadSize = parsed
	}
	if value, ok := lookupEnv("UPLOADER_SERVER_BATCH_CONCURRENCY"); ok {
		parsed, err := parseInt(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_SERVER_BATCH_CONCURRENCY: %w", err)
		}
		c.Server.BatchConcurrency = parsed
	}
	if value, ok := lookupEnv("UPLOADER_REMOTE_TIMEOUT"); ok {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_REMOTE_TIMEOUT: %w", err)
		}
		c.Remote.Timeout = duration
	}
	if value, ok := lookupEnv("UPLOADER_REMOTE_MAX_SIZE"); ok {
		parsed, err := parseInt64(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_REMOTE_MAX_SIZE: %w", err)
		}
		c.Remote.MaxSize = parsed
	}
	if value, ok := lookupEnv("UPLOADER_REMOTE_USER_AGENT"); ok {
		c.Remote.UserAgent = value
	}
	if value, ok := lookupEnv("UPLOADER_SIGNING_SECRET"); ok {
		c.Signing.Secret = value
	}
	if value, ok := lookupEnv("UPLOADER_SIGNING_TTL"); ok {
		duration, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("UPLOADER_SIGNING_TTL: %w", err)
		}
		c.Signing.TTL = duration
	}
	if value, ok := lookupEnv("UPLOADER_DEFAULT_CONFIGURATION"); ok {
		c.Uploader.Default = value
	}
	if value, ok := lookupEnv("UPLOADER_BLOCKED_MIMETYPES"); ok {
		c.Uploader.BlockedMimetypes = splitList(value)
		c.Uploader.normalize()
	}

	for name, disk := range c.Disks {
		if err := disk.applyEnv(envDiskPrefix(name)); err != nil {
			return err
		}
		c.Disks[name] = disk
	}

	return nil
}

func (d *DiskConfig) applyEnv(prefix string) error {
	if value, ok := lookupEnv(prefix + "DIRECTORY"); ok {
		d.Local.Directory = value
	}
	if value, ok := lookupEnv(prefix + "PUBLIC_URL"); ok {
		d.Local.PublicURL = value
		d.S3.PublicURL = value
		d.Redis.PublicURL = value
		d.SQLite.PublicURL = value
	}
	if value, ok := lookupEnv(prefix + "S3_BUCKET"); ok {
		d.S3.Bucket = value
	}
	if value, ok := lookupEnv(prefix + "S3_REGION"); ok {
		d.S3.Region = value
	}
	if value, ok := lookupEnv(prefix + "S3_ENDPOINT"); ok {
		d.S3.Endpoint = value
	}
	if value, ok := lookupEnv(prefix + "S3_ACCESS_KEY_ID"); ok {
		d.S3.AccessKeyID = value
	}
	if value, ok := lookupEnv(prefix + "S3_SECRET_ACCESS_KEY"); ok {
		d.S3.SecretAccessKey = value
	}
	if value, ok := lookupEnv(prefix + "S3_SESSION_TOKEN"); ok {
		d.S3.SessionToken = value
	}
	if value, ok := lookupEnv(prefix + "S3_PATH_STYLE"); ok {
		parsed, err := parseBool(value)
		if err != nil {
			return fmt.Errorf("%sS3_PATH_STYLE: %w", prefix, err)
		}
		d.S3.PathStyle = parsed
	}
	if value, ok := lookupEnv(prefix + "REDIS_URL"); ok {
		d.Redis.URL = value
	}
	if value, ok := lookupEnv(prefix + "REDIS_PASSWORD"); ok {
		d.Redis.Password = value
	}
	if value, ok := lookupEnv(prefix + "SQLITE_PATH"); ok {
		d.SQLite.Path = value
	}
	return nil
}

func envDiskPrefix(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "UPLOADER_DISK_" + upper + "_"
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", false
	}
	return value, true
}

func parseInt(value string) (int, error) {
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseInt64(value string) (int64, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, err
	}
	return parsed, nil
}

func parseBool(value string) (bool, error) {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, err
	}
	return parsed, nil
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func applyRedisURL(cfg *DiskRedisConfig) error {
	if cfg == nil {
		return nil
	}
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("redis url: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("redis url: missing host")
	}
	if parsed.User != nil {
		password, ok := parsed.User.Password()
		if ok {
			cfg.Password = password
		}
	}
	path := strings.Trim(parsed.Path, "/")
	if path != "" {
		if dbIndex, err := strconv.Atoi(path); err == nil {
			cfg.DB = dbIndex
		} else {
			return fmt.Errorf("redis url: invalid db index")
		}
	}
	query := parsed.Query()
	if value := strings.TrimSpace(query.Get("db")); value != "" {
		if dbIndex, err := strconv.Atoi(value); err == nil {
			cfg.DB = dbIndex
		} else {
			return fmt.Errorf("redis url: invalid db query param")
		}
	}
	if value := strings.ToLower(strings.TrimSpace(query.Get("tls"))); value != "" {
		parsedBool, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("redis url: invalid tls query param")
		}
		cfg.UseTLS = parsedBool
	}

	if strings.ToLower(parsed.Scheme) == "rediss" {
		cfg.UseTLS = true
	}
	if cfg.Addr == "" {
		cfg.Addr = parsed.Host
	}
	return nil
}

func (c *Config) validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server address is required")
	}
	if c.Server.MaxUploadSize <= 0 {
		c.Server.MaxUploadSize = 32 * 1024 * 1024
	}
	if c.Server.BatchConcurrency <= 0 {
		c.Server.BatchConcurrency = 4
	}
	if c.Remote.Timeout <= 0 {
		c.Remote.Timeout = 30 * time.Second
	}
	if c.Signing.TTL <= 0 {
		c.Signing.TTL = time.Hour
	}

	if len(c.Disks) == 0 {
		return fmt.Errorf("at least one disk is required")
	}
	signing := false
	for _, name := range sortedKeys(c.Disks) {
		disk := c.Disks[name]
		disk.Driver = strings.ToLower(strings.TrimSpace(disk.Driver))
		if disk.Driver == "" {
			disk.Driver = DriverLocal
		}
		if disk.Driver == DriverRedis {
			if err := applyRedisURL(&disk.Redis); err != nil {
				return fmt.Errorf("disk %s: %w", name, err)
			}
		}
		c.Disks[name] = disk
		if err := disk.validate(name); err != nil {
			return err
		}
		if disk.SignsURLs() {
			signing = true
		}
	}
	if signing && strings.TrimSpace(c.Signing.Secret) == "" {
		if os.Getenv("UPLOADER_ENV") == "production" {
			return fmt.Errorf("signing secret must be set when a disk signs urls")
		}
		c.Signing.Secret = "change-me-in-production"
	}

	return c.Uploader.Validate(c.Disks)
}

func (d DiskConfig) validate(name string) error {
	switch d.Driver {
	case DriverLocal:
		if strings.TrimSpace(d.Local.Directory) == "" {
			return fmt.Errorf("disk %s: local directory is required", name)
		}
		return validatePublicURL(name, d.Local.PublicURL)
	case DriverS3:
		if strings.TrimSpace(d.S3.Bucket) == "" {
			return fmt.Errorf("disk %s: s3 bucket is required", name)
		}
		if strings.TrimSpace(d.S3.Region) == "" {
			return fmt.Errorf("disk %s: s3 region is required", name)
		}
		return validatePublicURL(name, d.S3.PublicURL)
	case DriverRedis:
		if strings.TrimSpace(d.Redis.Addr) == "" {
			return fmt.Errorf("disk %s: redis addr is required", name)
		}
		return validatePublicURL(name, d.Redis.PublicURL)
	case DriverSQLite:
		if strings.TrimSpace(d.SQLite.Path) == "" {
			return fmt.Errorf("disk %s: sqlite path is required", name)
		}
		return validatePublicURL(name, d.SQLite.PublicURL)
	case DriverMemory:
		return nil
	default:
		return fmt.Errorf("disk %s: driver must be one of local, s3, memory, redis, sqlite", name)
	}
}

// SignsURLs reports whether links to this disk carry a signed token.
func (d DiskConfig) SignsURLs() bool {
	switch d.Driver {
	case DriverLocal:
		return d.Local.SignURLs
	case DriverRedis:
		return d.Redis.SignURLs
	case DriverSQLite:
		return d.SQLite.SignURLs
	}
	return false
}

func validatePublicURL(disk, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("disk %s: public url must be a valid url", disk)
	}
	// relative prefixes such as /files are served by the http surface
	if parsed.Host == "" && strings.HasPrefix(parsed.Path, "/") {
		return nil
	}
	scheme := strings.ToLower(parsed.Scheme)
	if parsed.Host == "" || (scheme != "http" && scheme != "https") {
		return fmt.Errorf("disk %s: public url must use http or https", disk)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func firstDisk(disks map[string]DiskConfig) string {
	keys := sortedKeys(disks)
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
