package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"llm-playground/internal/domain"
)

// Config is the top-level application configuration.
type Config struct {
	LLM    LLMConfig    `yaml:"llm"`
	Chat   ChatConfig   `yaml:"chat"`
	Store  StoreConfig  `yaml:"store"`
	Logger LoggerConfig `yaml:"logger"`
	Tracer TracerConfig `yaml:"tracer"`
}

// LLMConfig holds LLM provider settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	RequestTimeout  time.Duration        `yaml:"request_timeout"` // until response headers arrive
	IdleTimeout     time.Duration        `yaml:"idle_timeout"`    // max gap between stream reads
	ConnTimeout     time.Duration        `yaml:"conn_timeout"`
	MaxEventSize    int                  `yaml:"max_event_size"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool            PoolConfig           `yaml:"pool"`
}

// RateLimitConfig throttles outbound requests per provider host.
// RequestsPerMinute <= 0 disables limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for LLM providers.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
}

// ChatConfig holds generation defaults and session limits.
type ChatConfig struct {
	Temperature          float64       `yaml:"temperature"`
	MaxTokens            int           `yaml:"max_tokens"`
	SystemPrompt         string        `yaml:"system_prompt"`
	FlushInterval        time.Duration `yaml:"flush_interval"` // 0 = persist every delta
	MaxConcurrentStreams int           `yaml:"max_concurrent_streams"`
}

// StoreConfig selects the conversation store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// DataDir returns $HOME/.llm-playground, falling back to ./data when $HOME
// cannot be determined.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".llm-playground")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DataDir(), "config.yaml")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		LLM: LLMConfig{
			DefaultProvider: "openai",
			Providers: []ProviderConfig{
				{Name: "openai", Type: "openai", Model: "gpt-4o-mini"},
			},
			RequestTimeout: 30 * time.Second,
			IdleTimeout:    60 * time.Second,
			ConnTimeout:    10 * time.Second,
			MaxEventSize:   1 << 20,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 0,
				Burst:             1,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Chat: ChatConfig{
			Temperature:          0.8,
			MaxTokens:            1024,
			MaxConcurrentStreams: 4,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(DataDir(), "history.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: filepath.Join(DataDir(), "playground.log"),
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := finish(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
	}

	if err := validatePermissions(path); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish decrypts secrets and validates.
func finish(cfg *Config) error {
	if passphrase := os.Getenv("LLMPG_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return fmt.Errorf("decrypt secrets: %w", err)
		}
	}
	return Validate(cfg)
}

// ApplyEnvOverrides maps LLMPG_* env vars to config fields. Provider API keys
// can also be supplied as LLMPG_<NAME>_API_KEY (name upper-cased, dashes as
// underscores) when the file leaves them empty.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LLMPG_LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	if v := os.Getenv("LLMPG_LLM_REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.RequestTimeout = d
		}
	}
	if v := os.Getenv("LLMPG_LLM_IDLE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LLM.IdleTimeout = d
		}
	}
	if v := os.Getenv("LLMPG_CHAT_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Chat.Temperature = f
		}
	}
	if v := os.Getenv("LLMPG_CHAT_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Chat.MaxTokens = n
		}
	}
	if v := os.Getenv("LLMPG_CHAT_SYSTEM_PROMPT"); v != "" {
		cfg.Chat.SystemPrompt = v
	}
	if v := os.Getenv("LLMPG_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LLMPG_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LLMPG_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("LLMPG_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("LLMPG_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("LLMPG_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("LLMPG_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey != "" {
			continue
		}
		if v := os.Getenv(EnvKeyName(p.Name)); v != "" {
			p.APIKey = v
		}
	}
}

// EnvKeyName returns the environment variable that supplies provider's API key.
func EnvKeyName(provider string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(provider))
	return "LLMPG_" + name + "_API_KEY"
}

// Provider returns the provider entry called name.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.LLM.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// ResolveProvider builds the read-only provider value handed to the core:
// the named entry (or the default provider when name is empty) with chat
// defaults filling unset generation parameters.
func (c *Config) ResolveProvider(name string) (domain.ProviderConfig, error) {
	if name == "" {
		name = c.LLM.DefaultProvider
	}
	p, ok := c.Provider(name)
	if !ok {
		return domain.ProviderConfig{}, domain.NewDomainError("Config.ResolveProvider", domain.ErrProviderNotFound, name)
	}

	temp := c.Chat.Temperature
	if p.Temperature != nil {
		temp = *p.Temperature
	}
	maxTokens := c.Chat.MaxTokens
	if p.MaxTokens > 0 {
		maxTokens = p.MaxTokens
	}

	return domain.ProviderConfig{
		Name:        p.Name,
		Family:      domain.ProviderFamily(p.Type),
		APIKey:      p.APIKey,
		BaseURL:     p.BaseURL,
		Model:       p.Model,
		Temperature: &temp,
		MaxTokens:   maxTokens,
	}, nil
}

// decryptSecrets finds "enc:..." values in provider API keys and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		key := cfg.LLM.Providers[i].APIKey
		if strings.HasPrefix(key, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(key, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
			}
			cfg.LLM.Providers[i].APIKey = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue. Failures wrap
// domain.ErrDecryption.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
// The file holds API keys.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: stat config: %v", domain.ErrConfigLoad, err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("%w: config file %s has insecure permissions %o (want 0600 or 0644)", domain.ErrConfigLoad, path, mode)
	}
	return nil
}
