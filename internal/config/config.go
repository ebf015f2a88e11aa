package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/org/groupledger/internal/crypto"
)

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

type KDF struct {
	Iterations int           `yaml:"iterations"`
	Timeout    time.Duration `yaml:"timeout"` // per-request derivation budget
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type Config struct {
	ListenAddr    string    `yaml:"listen_addr"`
	TLSCertFile   string    `yaml:"tls_cert"`
	TLSKeyFile    string    `yaml:"tls_key"`
	DBUrl         string    `yaml:"db_url"`
	MigrationsDir string    `yaml:"migrations_dir"`
	Storage       string    `yaml:"storage"`
	LogLevel      string    `yaml:"log_level"`
	OperatorToken string    `yaml:"operator_token"`
	KDF           KDF       `yaml:"kdf"`
	FieldCipher   string    `yaml:"field_cipher"`
	RateLimit     RateLimit `yaml:"rate_limit"`
	TrustProxy    bool      `yaml:"trust_proxy"`
}

func Default() Config {
	return Config{
		ListenAddr:    ":8300",
		MigrationsDir: "migrations",
		Storage:       StoragePostgres,
		LogLevel:      "info",
		KDF: KDF{
			Iterations: 600_000,
			Timeout:    10 * time.Second,
		},
		FieldCipher: string(crypto.AlgAES256GCM),
		RateLimit:   RateLimit{RPS: 100, Burst: 200},
	}
}

// Load reads defaults, then the YAML file at path (if it exists), then
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LEDGER_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DBUrl = v
	}
	if v := os.Getenv("LEDGER_OPERATOR_TOKEN"); v != "" {
		c.OperatorToken = v
	}
	if v := os.Getenv("LEDGER_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LEDGER_TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEDGER_TRUST_PROXY: %w", err)
		}
		c.TrustProxy = b
	}
	if v := os.Getenv("LEDGER_KDF_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_KDF_ITERATIONS: %w", err)
		}
		c.KDF.Iterations = n
	}
	return nil
}

func (c Config) Validate() error {
	switch c.Storage {
	case StoragePostgres:
		if c.DBUrl == "" {
			return errors.New("db_url must be configured (or DATABASE_URL env var)")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unknown storage %q", c.Storage)
	}
	if c.OperatorToken == "" {
		return errors.New("operator_token must be configured (or LEDGER_OPERATOR_TOKEN env var)")
	}
	if c.KDF.Iterations < 1 {
		return fmt.Errorf("kdf.iterations must be positive, got %d", c.KDF.Iterations)
	}
	if c.KDF.Timeout <= 0 {
		return errors.New("kdf.timeout must be positive")
	}
	if _, err := crypto.NewFieldCipher(crypto.Algorithm(c.FieldCipher)); err != nil {
		return fmt.Errorf("field_cipher: %w", err)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	return nil
}
