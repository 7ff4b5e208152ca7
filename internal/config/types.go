package config

import (
	"path/filepath"
	"time"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           int            `yaml:"port"`
	AllowedOrigins []string       `yaml:"allowed_origins"`
	TokenTTL       time.Duration  `yaml:"token_ttl"`
	MaxUploadMB    int64          `yaml:"max_upload_mb"`
	LoginRateLimit LoginRateLimit `yaml:"login_rate_limit"`
}

// LoginRateLimit bounds login attempts for one login name from one client
// address. BlockAfter consecutive wrong passwords block the pair for
// BlockTime, doubling with every further block until a login succeeds.
type LoginRateLimit struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Window      time.Duration `yaml:"window"`
	BlockAfter  int           `yaml:"block_after"`
	BlockTime   time.Duration `yaml:"block_time"`
}

// StorageConfig locates run workspaces and the batch id ledger.
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// UploadsDir is the parent of every run workspace.
func (s StorageConfig) UploadsDir() string {
	return filepath.Join(s.Dir, "stock_uploads")
}

// LedgerPath is the shared procurement batch id ledger.
func (s StorageConfig) LedgerPath() string {
	return filepath.Join(s.Dir, "procurement_batch_id.txt")
}

// WorkerConfig describes the external voucher upload program.
type WorkerConfig struct {
	Command   string        `yaml:"command"`
	Script    string        `yaml:"script"`
	StopGrace time.Duration `yaml:"stop_grace"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config represents portal.yaml.
type Config struct {
	Server    ServerConfig  `yaml:"server"`
	Storage   StorageConfig `yaml:"storage"`
	ConfigDir string        `yaml:"config_dir"`
	Worker    WorkerConfig  `yaml:"worker"`
	Log       LogConfig     `yaml:"log"`
}

// User is an entry of users.json. Password holds an argon2id hash.
type User struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Email       string   `json:"email"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
}

// UsersFile is the layout of users.json.
type UsersFile struct {
	Users []User `json:"users"`
}

// Client is an entry of clients.json.
type Client struct {
	Name    string `json:"name"`
	OfferID string `json:"offer_id"`
}

// Credentials are the worker's login for one target environment.
type Credentials struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Environments is the layout of environments.json, keyed by upper-case
// environment name.
type Environments map[string]Credentials
