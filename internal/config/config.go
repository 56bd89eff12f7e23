package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the config file read by the server, MADR_CONFIG or config.yaml.
var ConfigPath = func() string {
	if v := strings.TrimSpace(os.Getenv("MADR_CONFIG")); v != "" {
		return v
	}
	return "config.yaml"
}()

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string `yaml:"port"`
	LogLevel    string `yaml:"logLevel"`
	DatabaseURL string `yaml:"databaseURL"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`

	SessionTTL        string `yaml:"sessionTTL"`
	JWTSecret         string `yaml:"jwtSecret"`
	JWTPrivateKeyPath string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath  string `yaml:"jwtPublicKeyPath"`
	JWTIssuer         string `yaml:"jwtIssuer"`
	JWTAudience       string `yaml:"jwtAudience"`
	JWTLeeway         string `yaml:"jwtLeeway"`
	ActionTokenTTL    string `yaml:"actionTokenTTL"`

	CORSOrigins       []string `yaml:"corsOrigins"`
	TrustedProxyCIDRs []string `yaml:"trustedProxyCIDRs"`

	SignupRateLimitPerMinute int `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute  int `yaml:"loginRateLimitPerMinute"`

	FirstSuperuserUsername string `yaml:"firstSuperuserUsername"`
	FirstSuperuserEmail    string `yaml:"firstSuperuserEmail"`
	FirstSuperuserPassword string `yaml:"firstSuperuserPassword"`

	PublicBaseURL string `yaml:"publicBaseURL"`
	SMTPAddr      string `yaml:"smtpAddr"`
	SMTPUsername  string `yaml:"smtpUsername"`
	SMTPPassword  string `yaml:"smtpPassword"`
	MailFrom      string `yaml:"mailFrom"`
	MailStream    string `yaml:"mailStream"`
	MailGroup     string `yaml:"mailGroup"`
}

// Load reads config from path (defaults to ConfigPath). A missing file is not
// an error when the environment supplies everything required.
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	str := map[string]*string{
		"MADR_PORT":                     &cfg.Port,
		"MADR_LOG_LEVEL":                &cfg.LogLevel,
		"DATABASE_URL":                  &cfg.DatabaseURL,
		"REDIS_ADDR":                    &cfg.RedisAddr,
		"REDIS_PASSWORD":                &cfg.RedisPassword,
		"MADR_SESSION_TTL":              &cfg.SessionTTL,
		"JWT_SECRET":                    &cfg.JWTSecret,
		"JWT_PRIVATE_KEY_PATH":          &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":           &cfg.JWTPublicKeyPath,
		"JWT_ISSUER":                    &cfg.JWTIssuer,
		"JWT_AUDIENCE":                  &cfg.JWTAudience,
		"JWT_LEEWAY":                    &cfg.JWTLeeway,
		"MADR_ACTION_TOKEN_TTL":         &cfg.ActionTokenTTL,
		"MADR_FIRST_SUPERUSER_USERNAME": &cfg.FirstSuperuserUsername,
		"MADR_FIRST_SUPERUSER_EMAIL":    &cfg.FirstSuperuserEmail,
		"MADR_FIRST_SUPERUSER_PASSWORD": &cfg.FirstSuperuserPassword,
		"MADR_PUBLIC_BASE_URL":          &cfg.PublicBaseURL,
		"SMTP_ADDR":                     &cfg.SMTPAddr,
		"SMTP_USERNAME":                 &cfg.SMTPUsername,
		"SMTP_PASSWORD":                 &cfg.SMTPPassword,
		"MADR_MAIL_FROM":                &cfg.MailFrom,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MADR_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("MADR_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitList(v)
	}
	if v := os.Getenv("MADR_SIGNUP_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SignupRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("MADR_LOGIN_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LoginRateLimitPerMinute = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Port == "" {
		cfg.Port = "8000"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = "sqlite://madr.db"
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}
	if cfg.MailFrom == "" {
		cfg.MailFrom = "madr@localhost"
	}
	if cfg.MailStream == "" {
		cfg.MailStream = "madr:mail"
	}
	if cfg.MailGroup == "" {
		cfg.MailGroup = "madr-mailer"
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.JWTSecret) == "" && strings.TrimSpace(cfg.JWTPrivateKeyPath) == "" {
		return errors.New("config: jwtSecret or jwtPrivateKeyPath is required (set JWT_SECRET)")
	}
	if cfg.JWTPrivateKeyPath == "" && cfg.JWTPublicKeyPath != "" {
		return errors.New("config: jwtPublicKeyPath requires jwtPrivateKeyPath")
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		// action tokens are always HS256
		return errors.New("config: jwtSecret is required for account verification links")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	su := []string{cfg.FirstSuperuserUsername, cfg.FirstSuperuserEmail, cfg.FirstSuperuserPassword}
	set := 0
	for _, v := range su {
		if strings.TrimSpace(v) != "" {
			set++
		}
	}
	if set != 0 && set != len(su) {
		return errors.New("config: firstSuperuserUsername, firstSuperuserEmail and firstSuperuserPassword must be set together")
	}
	for _, d := range []struct{ name, value string }{
		{"sessionTTL", cfg.SessionTTL},
		{"jwtLeeway", cfg.JWTLeeway},
		{"actionTokenTTL", cfg.ActionTokenTTL},
	} {
		if _, err := ParseDuration(d.name, d.value); err != nil {
			return err
		}
	}
	return nil
}

// ParseDuration parses an optional duration string; empty means zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must be >= 0", name)
	}
	return dur, nil
}

// ParseSessionTTL parses optional session TTL duration string.
func ParseSessionTTL(ttlStr string) (time.Duration, error) {
	return ParseDuration("sessionTTL", ttlStr)
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	return ParseDuration("jwtLeeway", leewayStr)
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
