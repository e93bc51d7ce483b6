package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "GOCHAT"

type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	PublicURL string `mapstructure:"public_url"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type Config struct {
	ServerAddr     string   `mapstructure:"addr"`
	DatabaseDSN    string   `mapstructure:"dsn"`
	SigningKey     []byte   `mapstructure:"-"`
	AllowedOrigins []string `mapstructure:"-"`
	Env            string   `mapstructure:"env"`

	// Store is postgres or memory.
	Store string `mapstructure:"store"`
	// Transport is local or redis.
	Transport string `mapstructure:"transport"`
	RedisURL  string `mapstructure:"redis_url"`
	// Blob is minio or memory.
	Blob  string      `mapstructure:"blob"`
	Minio MinioConfig `mapstructure:"minio"`

	PurgeMode         string        `mapstructure:"purge_mode"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PageLimit         int           `mapstructure:"page_limit"`
	MaxUploadSize     int64         `mapstructure:"max_upload_size"`
	MessageRate       float64       `mapstructure:"message_rate"`
	MessageBurst      int           `mapstructure:"message_burst"`
}

// Flags are command line values. Empty fields leave the loaded value alone.
type Flags struct {
	ServerAddr     string
	DatabaseDSN    string
	SigningKey     string
	AllowedOrigins []string
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("signing secret cannot be empty")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "localhost:8000")
	v.SetDefault("dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("signing_key", "")
	v.SetDefault("allowed_origins", "")
	v.SetDefault("env", "development")
	v.SetDefault("store", "postgres")
	v.SetDefault("transport", "local")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("blob", "memory")
	v.SetDefault("minio.endpoint", "localhost:9000")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "gochat")
	v.SetDefault("minio.public_url", "")
	v.SetDefault("minio.use_ssl", false)
	v.SetDefault("purge_mode", "hard")
	v.SetDefault("heartbeat_interval", "60s")
	v.SetDefault("page_limit", 100)
	v.SetDefault("max_upload_size", 10<<20)
	v.SetDefault("message_rate", 10)
	v.SetDefault("message_burst", 20)
}

// Load reads .env, the optional YAML file at path and GOCHAT_* environment
// variables, in increasing precedence, then applies flags.
func Load(path string, flags Flags) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	return parse(v, flags)
}

func parse(v *viper.Viper, flags Flags) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	secret := v.GetString("signing_key")
	cfg.AllowedOrigins = splitList(v.GetStringSlice("allowed_origins"))

	if flags.ServerAddr != "" {
		cfg.ServerAddr = flags.ServerAddr
	}
	if flags.DatabaseDSN != "" {
		cfg.DatabaseDSN = flags.DatabaseDSN
	}
	if flags.SigningKey != "" {
		secret = flags.SigningKey
	}
	if len(flags.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = splitList(flags.AllowedOrigins)
	}

	signingKey, err := decodeSigningSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}
	cfg.SigningKey = signingKey

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// splitList flattens comma separated entries.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func oneOf(field, value string, allowed ...string) error {
	if !slices.Contains(allowed, value) {
		return fmt.Errorf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if len(c.SigningKey) == 0 {
		return fmt.Errorf("signing secret cannot be empty")
	}
	if err := oneOf("env", c.Env, "development", "production"); err != nil {
		return err
	}
	if err := oneOf("store", c.Store, "postgres", "memory"); err != nil {
		return err
	}
	if c.Store == "postgres" && c.DatabaseDSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if err := oneOf("transport", c.Transport, "local", "redis"); err != nil {
		return err
	}
	if c.Transport == "redis" && c.RedisURL == "" {
		return fmt.Errorf("redis url cannot be empty")
	}
	if err := oneOf("blob", c.Blob, "memory", "minio"); err != nil {
		return err
	}
	if c.Blob == "minio" && (c.Minio.Endpoint == "" || c.Minio.Bucket == "") {
		return fmt.Errorf("minio endpoint and bucket are required")
	}
	if err := oneOf("purge_mode", c.PurgeMode, "hard", "soft"); err != nil {
		return err
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.PageLimit < 0 || c.MaxUploadSize < 0 || c.MessageRate < 0 || c.MessageBurst < 0 {
		return fmt.Errorf("limits cannot be negative")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
