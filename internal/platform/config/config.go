package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the deployment configuration of the API server and the admin CLI.
//
// Precedence: built-in defaults, then the YAML file named by FEDERATION_CONFIG_FILE,
// then environment variables (optionally pre-loaded from .env).
type Config struct {
	Port       string          `yaml:"port" validate:"required,numeric"`
	AdminToken string          `yaml:"adminToken"`
	Logging    LoggingConfig   `yaml:"logging"`
	Storage    StorageConfig   `yaml:"storage"`
	Documents  DocumentsConfig `yaml:"documents"`
	Directory  DirectoryConfig `yaml:"directory"`
	Events     EventsConfig    `yaml:"events"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	File  string `yaml:"file"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend" validate:"oneof=memory postgres redis badger"`
	DatabaseURL string `yaml:"databaseUrl" validate:"required_if=Backend postgres"`
	RedisURL    string `yaml:"redisUrl" validate:"required_if=Backend redis"`
	BadgerPath  string `yaml:"badgerPath" validate:"required_if=Backend badger"`
}

type DocumentsConfig struct {
	Backend           string        `yaml:"backend" validate:"oneof=filesystem gcs"`
	BaseDir           string        `yaml:"baseDir" validate:"required_if=Backend filesystem"`
	GCSBucket         string        `yaml:"gcsBucket" validate:"required_if=Backend gcs"`
	GCSPrefix         string        `yaml:"gcsPrefix"`
	GCSCredentials    string        `yaml:"gcsCredentialsFile"`
	AllowedExtensions []string      `yaml:"allowedExtensions" validate:"min=1,dive,required,alphanum"`
	MaxBytes          int64         `yaml:"maxBytes" validate:"gt=0"`
	WriteTimeout      time.Duration `yaml:"writeTimeout" validate:"gt=0"`
}

type DirectoryConfig struct {
	Backend  string `yaml:"backend" validate:"oneof=memory postgres"`
	SeedFile string `yaml:"seedFile"`
}

type EventsConfig struct {
	Backend string   `yaml:"backend" validate:"oneof=memory kafka"`
	Brokers []string `yaml:"brokers" validate:"required_if=Backend kafka"`
	Topic   string   `yaml:"topic"`
}

func Default() Config {
	return Config{
		Port:    "8080",
		Logging: LoggingConfig{Level: "info"},
		Storage: StorageConfig{Backend: "memory"},
		Documents: DocumentsConfig{
			Backend:           "filesystem",
			BaseDir:           "./data/documents",
			AllowedExtensions: []string{"jpg", "jpeg", "png", "webp"},
			MaxBytes:          10 << 20,
			WriteTimeout:      15 * time.Second,
		},
		Directory: DirectoryConfig{Backend: "memory"},
		Events:    EventsConfig{Backend: "memory", Topic: "federation.transitions"},
	}
}

// Load builds the configuration from .env, the optional YAML file and the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return LoadFrom(os.LookupEnv)
}

// LoadFrom is Load without touching .env, reading variables through lookup.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path, ok := lookup("FEDERATION_CONFIG_FILE"); ok && path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = parseCommaSeparated(v)
		}
	}

	str("PORT", &cfg.Port)
	str("ADMIN_TOKEN", &cfg.AdminToken)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FILE", &cfg.Logging.File)
	str("STORAGE_BACKEND", &cfg.Storage.Backend)
	str("DATABASE_URL", &cfg.Storage.DatabaseURL)
	str("REDIS_URL", &cfg.Storage.RedisURL)
	str("BADGER_PATH", &cfg.Storage.BadgerPath)
	str("DOCUMENT_BACKEND", &cfg.Documents.Backend)
	str("DOCUMENT_BASE_DIR", &cfg.Documents.BaseDir)
	str("GCS_BUCKET", &cfg.Documents.GCSBucket)
	str("GCS_PREFIX", &cfg.Documents.GCSPrefix)
	str("GCS_CREDENTIALS_FILE", &cfg.Documents.GCSCredentials)
	list("DOCUMENT_ALLOWED_EXTENSIONS", &cfg.Documents.AllowedExtensions)
	if v, ok := lookup("DOCUMENT_MAX_BYTES"); ok && v != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("DOCUMENT_MAX_BYTES must be an integer: %w", err))
		}
		cfg.Documents.MaxBytes = n
	}
	if v, ok := lookup("DOCUMENT_WRITE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("DOCUMENT_WRITE_TIMEOUT must be a duration (e.g. 15s): %w", err))
		}
		cfg.Documents.WriteTimeout = d
	}
	str("MEMBER_DIRECTORY_BACKEND", &cfg.Directory.Backend)
	str("MEMBER_DIRECTORY_SEED_FILE", &cfg.Directory.SeedFile)
	str("EVENTS_BACKEND", &cfg.Events.Backend)
	list("KAFKA_BROKERS", &cfg.Events.Brokers)
	str("KAFKA_TOPIC", &cfg.Events.Topic)

	for i, ext := range cfg.Documents.AllowedExtensions {
		cfg.Documents.AllowedExtensions[i] = strings.ToLower(strings.TrimPrefix(ext, "."))
	}

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Directory.Backend == "postgres" && c.Storage.DatabaseURL == "" {
		return errors.New("invalid config: MEMBER_DIRECTORY_BACKEND=postgres requires DATABASE_URL")
	}
	return nil
}

// NeedsPostgres reports whether any component is backed by Postgres.
func (c Config) NeedsPostgres() bool {
	return c.Storage.Backend == "postgres" || c.Directory.Backend == "postgres"
}

func parseCommaSeparated(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
