package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mdcn/internal/domain"
)

// Config models mdcn.yml.
type Config struct {
	Network struct {
		Name string `yaml:"name"`
	} `yaml:"network"`
	Ledger struct {
		Path    string        `yaml:"path"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"ledger"`
	Projection struct {
		PollInterval time.Duration `yaml:"poll_interval"`
		VerifyAcks   bool          `yaml:"verify_acks"`
	} `yaml:"projection"`
	Broadcast struct {
		Rate  float64 `yaml:"rate"`
		Burst int     `yaml:"burst"`
	} `yaml:"broadcast"`
	Server struct {
		Addr                string `yaml:"addr"`
		BasePath            string `yaml:"base_path"`
		JWTSecret           string `yaml:"jwt_secret"`
		AllowIdentityHeader bool   `yaml:"allow_identity_header"`
	} `yaml:"server"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Seed struct {
		Roles []SeedRole `yaml:"roles"`
	} `yaml:"seed"`
}

// SeedRole is one role applied by mdcn seed.
type SeedRole struct {
	Identity string `yaml:"identity"`
	Role     string `yaml:"role"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run mdcn init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(filepath.Base(absOrSelf(workspace))), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

func absOrSelf(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Network.Name == "" {
		return fmt.Errorf("config.network.name is required")
	}
	if c.Ledger.Timeout <= 0 {
		return fmt.Errorf("config.ledger.timeout must be positive")
	}
	if c.Projection.PollInterval <= 0 {
		return fmt.Errorf("config.projection.poll_interval must be positive")
	}
	if c.Broadcast.Rate < 0 {
		return fmt.Errorf("config.broadcast.rate must not be negative")
	}
	if c.Broadcast.Rate > 0 && c.Broadcast.Burst < 1 {
		return fmt.Errorf("config.broadcast.burst must be at least 1 when rate is set")
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("config.log.format must be json or console")
	}
	for i, s := range c.Seed.Roles {
		if strings.TrimSpace(s.Identity) == "" {
			return fmt.Errorf("config.seed.roles[%d].identity is required", i)
		}
		if _, err := domain.ParseRole(s.Role); err != nil {
			return fmt.Errorf("config.seed.roles[%d]: %w", i, err)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "mdcn.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(name string) string {
	return fmt.Sprintf(defaultTemplate, name)
}

// Default returns the default Config for a network.
func Default(name string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(GenerateDefault(name)), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing
// from data keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("mdcn")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Seeds converts the seed list into typed assignments.
func (c *Config) Seeds() ([]domain.RoleAssignment, error) {
	out := make([]domain.RoleAssignment, 0, len(c.Seed.Roles))
	for _, s := range c.Seed.Roles {
		role, err := domain.ParseRole(s.Role)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.RoleAssignment{Identity: domain.Identity(s.Identity).Normalize(), Role: role})
	}
	return out, nil
}

const defaultTemplate = `network:
  name: %s

ledger:
  path: ""
  timeout: 5s

projection:
  poll_interval: 10s
  verify_acks: false

broadcast:
  rate: 20
  burst: 5

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  jwt_secret: ""
  allow_identity_header: false

log:
  level: info
  format: json

seed:
  roles: []
`
