// Package config loads the proxy configuration from a yaml file with
// NANOPROXY_* environment overrides layered on top.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type BasicAuth struct {
	Enabled  bool   `yaml:"enabled"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

type Security struct {
	BasicAuth BasicAuth `yaml:"basic_auth"`
}

type Limits struct {
	MaxConns     int           `yaml:"max_conns"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Certs struct {
	// Dir holds the CA and one directory per signed cache key.
	Dir string `yaml:"dir"`
	// SelfName is the host name of the proxy-self leaf.
	SelfName string `yaml:"self_name"`
	// CacheSize bounds the in-memory leaf cache.
	CacheSize int `yaml:"cache_size"`
}

type Logging struct {
	// Level: 0 silent, 1 error, 2 +warning, 3 +notice, 4 +info.
	Level int `yaml:"level"`
}

type Metrics struct {
	Addr string `yaml:"addr"`
}

type Audit struct {
	// Path of the sqlite event log; empty disables auditing.
	Path string `yaml:"path"`
}

type Egress struct {
	DNSMode string `yaml:"dns_mode"` // terasu | system | auto
}

type Config struct {
	Listen        string   `yaml:"listen"`
	UseTLS        bool     `yaml:"use_tls"`
	TLSPort       int      `yaml:"tls_port"`
	ProxyDomains  []string `yaml:"proxy_domains"`
	ProxyIPs      []string `yaml:"proxy_ips"`
	Mode          string   `yaml:"mode"`
	InterceptList []string `yaml:"intercept_list"`
	Certs         Certs    `yaml:"certs"`
	Security      Security `yaml:"security"`
	Limits        Limits   `yaml:"limits"`
	Logging       Logging  `yaml:"logging"`
	Metrics       Metrics  `yaml:"metrics"`
	Audit         Audit    `yaml:"audit"`
	Egress        Egress   `yaml:"egress"`
}

func defaultConfig() *Config {
	return &Config{
		Listen:  "0.0.0.0:12345",
		TLSPort: 12346,
		Mode:    "all",
		Certs:   Certs{Dir: "./Violentcert", SelfName: "localhost"},
		Limits:  Limits{MaxConns: 4096, ReadTimeout: 15 * time.Second, WriteTimeout: 30 * time.Second},
		Logging: Logging{Level: 4},
		Egress:  Egress{DNSMode: "auto"},
	}
}

// ParsedIPs converts ProxyIPs, dropping anything unparsable.
func (c *Config) ParsedIPs() []net.IP {
	var out []net.IP
	for _, s := range c.ProxyIPs {
		if ip := net.ParseIP(strings.TrimSpace(s)); ip != nil {
			out = append(out, ip)
		}
	}
	return out
}

// Load loads config from a yaml file; an empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	applyEnv(cfg)
	if cfg.Logging.Level < 0 {
		cfg.Logging.Level = 0
	}
	if cfg.Logging.Level > 4 {
		cfg.Logging.Level = 4
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NANOPROXY_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("NANOPROXY_USE_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.UseTLS = b
		}
	}
	if v := os.Getenv("NANOPROXY_TLS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TLSPort = n
		}
	}
	if v := os.Getenv("NANOPROXY_PROXY_DOMAINS"); v != "" {
		cfg.ProxyDomains = splitList(v)
	}
	if v := os.Getenv("NANOPROXY_PROXY_IPS"); v != "" {
		cfg.ProxyIPs = splitList(v)
	}
	if v := os.Getenv("NANOPROXY_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("NANOPROXY_INTERCEPT_LIST"); v != "" {
		cfg.InterceptList = splitList(v)
	}
	if v := os.Getenv("NANOPROXY_CERT_DIR"); v != "" {
		cfg.Certs.Dir = v
	}
	if v := os.Getenv("NANOPROXY_CERT_SELF_NAME"); v != "" {
		cfg.Certs.SelfName = v
	}
	if v := os.Getenv("NANOPROXY_LOG_LEVEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Logging.Level = n
		}
	}
	if v := os.Getenv("NANOPROXY_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("NANOPROXY_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("NANOPROXY_EGRESS_DNS_MODE"); v != "" {
		cfg.Egress.DNSMode = v
	}
	if v := os.Getenv("NANOPROXY_LIMITS_MAX_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConns = n
		}
	}
	if v := os.Getenv("NANOPROXY_LIMITS_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.ReadTimeout = d
		}
	}
	if v := os.Getenv("NANOPROXY_LIMITS_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Limits.WriteTimeout = d
		}
	}
	if v := os.Getenv("NANOPROXY_BASIC_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Security.BasicAuth.Enabled = b
		}
	}
	if v := os.Getenv("NANOPROXY_BASIC_AUTH_USERNAME"); v != "" {
		cfg.Security.BasicAuth.Username = v
	}
	if v := os.Getenv("NANOPROXY_BASIC_AUTH_PASSWORD"); v != "" {
		cfg.Security.BasicAuth.Password = v
	}
}

func splitList(v string) []string {
	var list []string
	for _, p := range strings.Split(v, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			list = append(list, p)
		}
	}
	return list
}
