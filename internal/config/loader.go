package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gcdistribution/portal/internal/logging"
)

// Default values for Config.
const (
	DefaultServerPort    = 5001
	DefaultTokenTTL      = 24 * time.Hour
	DefaultMaxUploadMB   = 50
	DefaultStorageDir    = "./storage"
	DefaultConfigDir     = "./config"
	DefaultWorkerCommand = "python3"
	DefaultWorkerScript  = "./scripts/voucher_upload_controlled.py"
	DefaultLogLevel      = "info"

	DefaultLoginMaxAttempts = 5
	DefaultLoginWindow      = time.Minute
	DefaultLoginBlockAfter  = 10
	DefaultLoginBlockTime   = 5 * time.Minute
)

// EnvPort overrides server.port when set.
const EnvPort = "PORT"

// DefaultServerConfig returns a ServerConfig with sensible default values.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:           DefaultServerPort,
		AllowedOrigins: []string{"*"},
		TokenTTL:       DefaultTokenTTL,
		MaxUploadMB:    DefaultMaxUploadMB,
		LoginRateLimit: DefaultLoginRateLimit(),
	}
}

// DefaultLoginRateLimit returns the login throttling defaults.
func DefaultLoginRateLimit() LoginRateLimit {
	return LoginRateLimit{
		MaxAttempts: DefaultLoginMaxAttempts,
		Window:      DefaultLoginWindow,
		BlockAfter:  DefaultLoginBlockAfter,
		BlockTime:   DefaultLoginBlockTime,
	}
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Server:    DefaultServerConfig(),
		Storage:   StorageConfig{Dir: DefaultStorageDir},
		ConfigDir: DefaultConfigDir,
		Worker: WorkerConfig{
			Command: DefaultWorkerCommand,
			Script:  DefaultWorkerScript,
		},
		Log: LogConfig{Level: DefaultLogLevel},
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Load reads and parses the YAML config at path. An empty path or a missing
// file yields the defaults. Missing fields keep their defaults, and the PORT
// environment variable overrides server.port.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return ValidationError{Field: EnvPort, Message: "must be an integer"}
		}
		cfg.Server.Port = port
	}
	return nil
}

// Validate checks that all config values are valid.
func Validate(cfg *Config) error {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return ValidationError{Field: "server.port", Message: "must be between 0 and 65535"}
	}
	if cfg.Server.TokenTTL <= 0 {
		return ValidationError{Field: "server.token_ttl", Message: "must be positive"}
	}
	if cfg.Server.MaxUploadMB <= 0 {
		return ValidationError{Field: "server.max_upload_mb", Message: "must be positive"}
	}
	if err := validateLoginRateLimit(cfg.Server.LoginRateLimit); err != nil {
		return err
	}
	if cfg.Storage.Dir == "" {
		return ValidationError{Field: "storage.dir", Message: "required field is empty"}
	}
	if cfg.ConfigDir == "" {
		return ValidationError{Field: "config_dir", Message: "required field is empty"}
	}
	if cfg.Worker.Command == "" {
		return ValidationError{Field: "worker.command", Message: "required field is empty"}
	}
	if cfg.Worker.StopGrace < 0 {
		return ValidationError{Field: "worker.stop_grace", Message: "must not be negative"}
	}
	if _, err := logging.ParseLevel(cfg.Log.Level); err != nil {
		return ValidationError{Field: "log.level", Message: err.Error()}
	}
	return nil
}

func validateLoginRateLimit(l LoginRateLimit) error {
	const prefix = "server.login_rate_limit."
	switch {
	case l.MaxAttempts <= 0:
		return ValidationError{Field: prefix + "max_attempts", Message: "must be positive"}
	case l.Window <= 0:
		return ValidationError{Field: prefix + "window", Message: "must be positive"}
	case l.BlockAfter <= 0:
		return ValidationError{Field: prefix + "block_after", Message: "must be positive"}
	case l.BlockTime <= 0:
		return ValidationError{Field: prefix + "block_time", Message: "must be positive"}
	}
	return nil
}

// LoadEnvFile parses a dotenv file into a map of key-value pairs.
// The file format is KEY=VALUE per line. Lines starting with # are comments.
// Empty lines are ignored. A missing file yields an empty map.
func LoadEnvFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, fmt.Errorf("failed to open env file: %w", err)
	}
	defer file.Close()

	env := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")

		idx := strings.Index(line, "=")
		if idx == -1 {
			return nil, fmt.Errorf("invalid env file line %d: missing '='", lineNum)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])

		// Strip surrounding quotes (single or double)
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		if key == "" {
			return nil, fmt.Errorf("invalid env file line %d: empty key", lineNum)
		}

		env[key] = value
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	return env, nil
}

// ApplyEnvFile loads path and exports every variable that is not already set
// in the process environment. It returns the keys it set.
func ApplyEnvFile(path string) ([]string, error) {
	env, err := LoadEnvFile(path)
	if err != nil {
		return nil, err
	}
	var set []string
	for key, value := range env {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return set, fmt.Errorf("failed to set %s: %w", key, err)
		}
		set = append(set, key)
	}
	return set, nil
}
