package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/tariel-x/invitechat/internal/auth"
	"github.com/tariel-x/invitechat/internal/models"
	"github.com/tariel-x/invitechat/internal/storage"
)

const EnvPrefix = "INVITECHAT"

// Server modes.
const (
	ModeHTTP       = "http"
	ModeSelfSigned = "self-signed"
	ModeAutocert   = "autocert"
)

type Config struct {
	Env       string          `mapstructure:"env"`
	LogLevel  string          `mapstructure:"log_level"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Port       string `mapstructure:"port"`
	HTTPSPort  string `mapstructure:"https_port"`
	Mode       string `mapstructure:"mode"`
	Domain     string `mapstructure:"domain"`
	CertsDir   string `mapstructure:"certs_dir"`
	CORSOrigin string `mapstructure:"cors_origin"`
	// TrustedProxies lists the proxy addresses or CIDRs whose forwarding
	// headers name the client. Empty trusts none.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type DatabaseConfig struct {
	Type string `mapstructure:"type"`
	DSN  string `mapstructure:"dsn"`
}

type AuthConfig struct {
	Mode      string        `mapstructure:"mode"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	KeysDir   string        `mapstructure:"keys_dir"`
}

// BootstrapConfig lists privileged invite codes as CODE=role pairs.
type BootstrapConfig struct {
	Codes []string `mapstructure:"codes"`
}

type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
	Size  int     `mapstructure:"size"`
}

type MetricsConfig struct {
	Refresh string `mapstructure:"refresh"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "prod")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.port", "8080")
	v.SetDefault("http.https_port", "8443")
	v.SetDefault("http.mode", ModeHTTP)
	v.SetDefault("http.domain", "")
	v.SetDefault("http.certs_dir", "certs")
	v.SetDefault("http.cors_origin", "*")
	v.SetDefault("http.trusted_proxies", []string{})
	v.SetDefault("database.type", storage.TypeSQLite)
	v.SetDefault("database.dsn", "invitechat.db?_pragma=busy_timeout(5000)")
	v.SetDefault("auth.mode", string(auth.ModeToken))
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 30*24*time.Hour)
	v.SetDefault("auth.keys_dir", "keys")
	v.SetDefault("bootstrap.codes", []string{"ADMIN123=admin"})
	v.SetDefault("ratelimit.rps", 5.0)
	v.SetDefault("ratelimit.burst", 20)
	v.SetDefault("ratelimit.size", 4096)
	v.SetDefault("metrics.refresh", "@every 1m")
}

// FlagSet declares the command-line overrides. Flag names use '-' and map
// onto keys with '_' and '.' through the normalize func.
func FlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("invitechat", pflag.ContinueOnError)
	fs.SetNormalizeFunc(normalize)
	fs.StringP("config", "c", "", "path to a TOML config file")
	fs.String("env", "", "runtime environment (dev or prod)")
	fs.String("log-level", "", "log level")
	fs.String("http.port", "", "HTTP listen port")
	fs.String("http.mode", "", "server mode: http, self-signed or autocert")
	fs.String("http.domain", "", "domain for TLS certificates")
	fs.String("database.type", "", "database type: sqlite or postgres")
	fs.String("database.dsn", "", "database DSN or sqlite path")
	fs.String("auth.mode", "", "caller identification: token or claimed")
	return fs
}

func normalize(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "-", "_"))
}

// Load resolves configuration from defaults, an optional TOML file,
// INVITECHAT_* environment variables and flags, in rising precedence.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" || !f.Changed {
				return
			}
			if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
		if path, _ := fs.GetString("config"); path != "" {
			v.SetConfigFile(path)
			v.SetConfigType("toml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.HTTP.Mode {
	case ModeHTTP, ModeSelfSigned, ModeAutocert:
	default:
		return fmt.Errorf("http.mode: unsupported value %q", c.HTTP.Mode)
	}
	if c.HTTP.Mode == ModeAutocert && c.HTTP.Domain == "" {
		return fmt.Errorf("http.domain is required in autocert mode")
	}
	switch c.Database.Type {
	case storage.TypeSQLite, storage.TypePostgres:
	default:
		return fmt.Errorf("database.type: unsupported value %q", c.Database.Type)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	switch auth.Mode(c.Auth.Mode) {
	case auth.ModeToken, auth.ModeClaimed:
	default:
		return fmt.Errorf("auth.mode: unsupported value %q", c.Auth.Mode)
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.RateLimit.RPS < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit values must not be negative")
	}
	if c.RateLimit.RPS > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("ratelimit.burst must be positive when ratelimit.rps is set")
	}
	if _, err := c.BootstrapRoles(); err != nil {
		return err
	}
	return nil
}

// BootstrapRoles parses bootstrap.codes into a code to role table.
func (c *Config) BootstrapRoles() (map[string]models.Role, error) {
	out := make(map[string]models.Role, len(c.Bootstrap.Codes))
	for _, entry := range c.Bootstrap.Codes {
		code, role, ok := strings.Cut(entry, "=")
		code = strings.TrimSpace(code)
		if !ok || code == "" {
			return nil, fmt.Errorf("bootstrap.codes: %q is not CODE=role", entry)
		}
		out[code] = models.Role(strings.TrimSpace(role))
	}
	return out, nil
}
