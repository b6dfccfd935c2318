package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for sharebox
type Config struct {
	// Server configuration
	Listen    string `mapstructure:"listen"`
	DataDir   string `mapstructure:"data_dir"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // json, text

	// Public URLs
	PublicURL   string `mapstructure:"public_url"`   // base for filesystem signed URLs, e.g. https://files.example.com
	FrontendURL string `mapstructure:"frontend_url"` // base for share links, e.g. https://app.example.com

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	Metadata MetadataConfig `mapstructure:"metadata"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Share    ShareConfig    `mapstructure:"share"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Audit    AuditConfig    `mapstructure:"audit"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// MetadataConfig selects the record store engine
type MetadataConfig struct {
	Backend string `mapstructure:"backend"` // sqlite, badger, pebble
}

// StorageConfig defines object store configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // filesystem, s3, gcs
	Bucket  string `mapstructure:"bucket"`

	// Filesystem backend
	Root          string `mapstructure:"root"`
	SigningKeyID  string `mapstructure:"signing_key_id"`
	SigningSecret string `mapstructure:"signing_secret"`

	S3  S3Config  `mapstructure:"s3"`
	GCS GCSConfig `mapstructure:"gcs"`
}

// S3Config configures the S3 (or S3-compatible) backend
type S3Config struct {
	Region       string `mapstructure:"region"`
	Endpoint     string `mapstructure:"endpoint"` // empty = AWS
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
}

// GCSConfig configures the Google Cloud Storage backend
type GCSConfig struct {
	CredentialsFile   string `mapstructure:"credentials_file"`
	SigningEmail      string `mapstructure:"signing_email"`
	SigningPrivateKey string `mapstructure:"signing_private_key"`
}

// AuthConfig defines authentication configuration
type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	TokenTTL         time.Duration `mapstructure:"token_ttl"`
	MaxLoginAttempts int           `mapstructure:"max_login_attempts"` // failures per email before lockout, 0 disables
	LoginWindow      time.Duration `mapstructure:"login_window"`
}

// UploadConfig limits uploads
type UploadConfig struct {
	MaxFileSize int64 `mapstructure:"max_file_size"`
	MaxFiles    int   `mapstructure:"max_files"`
}

// ShareConfig holds share-link defaults
type ShareConfig struct {
	DefaultLinkTTLHours float64 `mapstructure:"default_link_ttl_hours"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable   bool   `mapstructure:"enable"`
	Path     string `mapstructure:"path"`
	Interval int    `mapstructure:"interval"` // seconds between system gauge refreshes
}

// RateLimitConfig throttles unauthenticated endpoints per client IP
type RateLimitConfig struct {
	PublicPerMinute float64 `mapstructure:"public_per_minute"` // 0 disables
}

// AuditConfig defines login audit configuration
type AuditConfig struct {
	Enable        bool `mapstructure:"enable"`
	RetentionDays int  `mapstructure:"retention_days"` // 0 keeps events forever
}

// Load loads configuration from flags, config file and environment
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables, e.g. SHAREBOX_STORAGE_S3_REGION
	v.SetEnvPrefix("SHAREBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("frontend_url", "http://localhost:5173")

	v.SetDefault("enable_tls", false)

	// Metadata defaults
	v.SetDefault("metadata.backend", "sqlite")

	// Storage defaults
	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.bucket", "files")
	v.SetDefault("storage.root", "") // built from data_dir
	v.SetDefault("storage.signing_key_id", "sharebox")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.use_path_style", false)

	// Auth defaults, tokens last three days
	v.SetDefault("auth.token_ttl", "72h")
	v.SetDefault("auth.max_login_attempts", 5)
	v.SetDefault("auth.login_window", "15m")

	// Upload defaults
	v.SetDefault("upload.max_file_size", 10*1024*1024)
	v.SetDefault("upload.max_files", 10)

	// Share defaults
	v.SetDefault("share.default_link_ttl_hours", 24)

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.interval", 30)

	v.SetDefault("audit.enable", true)
	v.SetDefault("audit.retention_days", 90)

	v.SetDefault("rate_limit.public_per_minute", 60)
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":           "listen",
		"data-dir":         "data_dir",
		"log-level":        "log_level",
		"metadata-backend": "metadata.backend",
		"storage-backend":  "storage.backend",
		"enable-tls":       "enable_tls",
		"cert-file":        "cert_file",
		"key-file":         "key_file",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or SHAREBOX_DATA_DIR environment variable")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Metadata.Backend {
	case "sqlite", "badger", "pebble":
	default:
		return fmt.Errorf("unsupported metadata backend: %s", cfg.Metadata.Backend)
	}

	switch cfg.Storage.Backend {
	case "filesystem":
		if cfg.Storage.Root == "" {
			cfg.Storage.Root = filepath.Join(cfg.DataDir, "objects")
		}
		if !filepath.IsAbs(cfg.Storage.Root) {
			if absRoot, err := filepath.Abs(cfg.Storage.Root); err == nil {
				cfg.Storage.Root = absRoot
			}
		}
		if cfg.Storage.SigningSecret == "" {
			logrus.Warn("storage.signing_secret not set, signed URLs will not survive a restart")
			cfg.Storage.SigningSecret = generateRandomString(32)
		}
	case "s3":
		if cfg.Storage.Bucket == "" || cfg.Storage.S3.AccessKey == "" || cfg.Storage.S3.SecretKey == "" {
			return fmt.Errorf("storage.bucket, storage.s3.access_key and storage.s3.secret_key are required for the s3 backend")
		}
	case "gcs":
		if cfg.Storage.Bucket == "" || cfg.Storage.GCS.SigningEmail == "" || cfg.Storage.GCS.SigningPrivateKey == "" {
			return fmt.Errorf("storage.bucket, storage.gcs.signing_email and storage.gcs.signing_private_key are required for the gcs backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	if cfg.Upload.MaxFileSize <= 0 {
		return fmt.Errorf("upload.max_file_size must be positive")
	}
	if cfg.Share.DefaultLinkTTLHours <= 0 {
		return fmt.Errorf("share.default_link_ttl_hours must be positive")
	}

	if cfg.Auth.JWTSecret == "" {
		logrus.Warn("auth.jwt_secret not set, issued tokens will not survive a restart")
		cfg.Auth.JWTSecret = generateRandomString(32)
	}

	return nil
}

// generateRandomString returns length hex characters from crypto/rand
func generateRandomString(length int) string {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand unavailable: %v", err))
	}
	return hex.EncodeToString(b)[:length]
}
