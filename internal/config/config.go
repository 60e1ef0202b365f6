package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config корневая структура конфигурации узла порождения.
type Config struct {
	Session   SessionConfig    `yaml:"session"`
	Pools     []PoolConfig     `yaml:"pools"`
	Templates []TemplateConfig `yaml:"templates"`
	EventBus  EventBusConfig   `yaml:"eventbus"`
	Server    ServerConfig     `yaml:"server"`
	Telemetry TelemetryConfig  `yaml:"telemetry"`
	Auth      AuthConfig       `yaml:"auth"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// SessionConfig роль участника и параметры цикла симуляции
type SessionConfig struct {
	ParticipantID uint32 `yaml:"participant_id"`
	Authority     bool   `yaml:"authority"`
	// AuthoritativeServer запрещает клиентам порождать себя без сервера
	AuthoritativeServer      bool               `yaml:"authoritative_server"`
	TickRate                 int                `yaml:"tick_rate"`
	CleanupAfterParticipants *bool              `yaml:"cleanup_after_participants"`
	AnnounceSelf             AnnounceSelfConfig `yaml:"announce_self"`
}

// AnnounceSelfConfig порождение собственной сущности участника при старте
type AnnounceSelfConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Proxy           string        `yaml:"proxy"`
	Owner           string        `yaml:"owner"`
	AppendLoginData bool          `yaml:"append_login_data"`
	LoginData       []interface{} `yaml:"login_data"`
}

// PoolConfig пул, наполняемый при старте сессии
type PoolConfig struct {
	Key     string `yaml:"key"`
	MinSize int    `yaml:"min_size"`
}

// TemplateConfig шаблон сущности
type TemplateConfig struct {
	Key          string `yaml:"key"`
	Behavior     string `yaml:"behavior"`
	ManualViewID uint32 `yaml:"manual_view_id"`
}

type EventBusConfig struct {
	URL       string `yaml:"url"`
	Stream    string `yaml:"stream"`
	Retention int    `yaml:"retention_hours"`
	Buffer    int    `yaml:"buffer"`
	// CompressThreshold размер тела события в байтах, после которого включается zstd
	CompressThreshold int `yaml:"compress_threshold"`
	// PublishTimeoutMs предел ожидания шины при публикации из тика
	PublishTimeoutMs int `yaml:"publish_timeout_ms"`
}

type ServerConfig struct {
	RESTPort    int `yaml:"rest_port"`
	MetricsPort int `yaml:"metrics_port"`
}

type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
	Endpoint    string `yaml:"endpoint"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	Files bool   `yaml:"files"`
}

const (
	DefaultTickRate          = 60
	DefaultPoolMinSize       = 50
	DefaultStream            = "SPAWN_EVENTS"
	DefaultBuffer            = 1024
	DefaultCompressThreshold = 512
	DefaultPublishTimeoutMs  = 50
)

// Default возвращает конфигурацию одиночного authority-узла
func Default() *Config {
	cfg := &Config{
		Session: SessionConfig{Authority: true},
	}
	cfg.applyDefaults()
	return cfg
}

// CleanupEnabled сообщает, нужно ли освобождать сущности ушедших участников
func (s *SessionConfig) CleanupEnabled() bool {
	if s.CleanupAfterParticipants == nil {
		return true
	}
	return *s.CleanupAfterParticipants
}

// GetRESTPort возвращает REST API порт с поддержкой fallback значений
func (s *ServerConfig) GetRESTPort() int {
	return getPortWithEnvFallback(s.RESTPort, "SPAWN_REST_PORT", 8088)
}

// GetMetricsPort возвращает Prometheus метрики порт с поддержкой fallback значений
func (s *ServerConfig) GetMetricsPort() int {
	return getPortWithEnvFallback(s.MetricsPort, "SPAWN_METRICS_PORT", 2112)
}

// Secret возвращает секрет JWT: конфиг, затем SPAWN_JWT_SECRET
func (a *AuthConfig) Secret() string {
	if a.JWTSecret != "" {
		return a.JWTSecret
	}
	return os.Getenv("SPAWN_JWT_SECRET")
}

// getPortWithEnvFallback возвращает порт с приоритетом: config -> env -> default
func getPortWithEnvFallback(configPort int, envVar string, defaultPort int) int {
	if configPort > 0 {
		return configPort
	}
	if envVal := os.Getenv(envVar); envVal != "" {
		if port, err := strconv.Atoi(envVal); err == nil && port > 0 {
			return port
		}
	}
	return defaultPort
}

func (c *Config) applyDefaults() {
	if c.Session.TickRate <= 0 {
		c.Session.TickRate = DefaultTickRate
	}
	for i := range c.Pools {
		if c.Pools[i].MinSize <= 0 {
			c.Pools[i].MinSize = DefaultPoolMinSize
		}
	}
	for i := range c.Templates {
		if c.Templates[i].Behavior == "" {
			c.Templates[i].Behavior = "noop"
		}
	}
	if c.EventBus.Stream == "" {
		c.EventBus.Stream = DefaultStream
	}
	if c.EventBus.Buffer <= 0 {
		c.EventBus.Buffer = DefaultBuffer
	}
	if c.EventBus.CompressThreshold <= 0 {
		c.EventBus.CompressThreshold = DefaultCompressThreshold
	}
	if c.EventBus.PublishTimeoutMs <= 0 {
		c.EventBus.PublishTimeoutMs = DefaultPublishTimeoutMs
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "mmo-spawn"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate проверяет согласованность конфигурации и возвращает все найденные ошибки
func (c *Config) Validate() error {
	var errs []error

	if c.Session.Authority && c.Session.ParticipantID != 0 {
		errs = append(errs, fmt.Errorf("session: authority must be participant 0, got %d", c.Session.ParticipantID))
	}
	if !c.Session.Authority && c.Session.ParticipantID == 0 {
		errs = append(errs, errors.New("session: participant 0 is reserved for the authority"))
	}

	templates := make(map[string]TemplateConfig, len(c.Templates))
	for i, t := range c.Templates {
		if t.Key == "" {
			errs = append(errs, fmt.Errorf("templates[%d]: empty key", i))
			continue
		}
		if _, dup := templates[t.Key]; dup {
			errs = append(errs, fmt.Errorf("templates[%d]: duplicate key %q", i, t.Key))
			continue
		}
		templates[t.Key] = t
	}

	pools := make(map[string]bool, len(c.Pools))
	for i, p := range c.Pools {
		t, ok := templates[p.Key]
		switch {
		case p.Key == "":
			errs = append(errs, fmt.Errorf("pools[%d]: empty key", i))
		case !ok:
			errs = append(errs, fmt.Errorf("pools[%d]: unknown template %q", i, p.Key))
		case t.ManualViewID != 0:
			errs = append(errs, fmt.Errorf("pools[%d]: template %q has manual_view_id %d, pooled templates must use 0", i, p.Key, t.ManualViewID))
		}
		if pools[p.Key] {
			errs = append(errs, fmt.Errorf("pools[%d]: duplicate pool %q", i, p.Key))
		}
		pools[p.Key] = true
	}

	if as := c.Session.AnnounceSelf; as.Enabled {
		if _, ok := templates[as.Proxy]; !ok {
			errs = append(errs, fmt.Errorf("session.announce_self: unknown proxy template %q", as.Proxy))
		}
		if as.Owner != "" {
			if _, ok := templates[as.Owner]; !ok {
				errs = append(errs, fmt.Errorf("session.announce_self: unknown owner template %q", as.Owner))
			}
		}
	}

	if secret := c.Auth.Secret(); secret != "" {
		raw, err := base64.StdEncoding.DecodeString(secret)
		if err != nil {
			errs = append(errs, fmt.Errorf("auth.jwt_secret: %w", err))
		} else if len(raw) < 32 {
			errs = append(errs, fmt.Errorf("auth.jwt_secret: need at least 32 bytes, got %d", len(raw)))
		}
	}

	return errors.Join(errs...)
}

// Load читает YAML файл конфигурации.
// Если path == "", пытается прочитать из ENV SPAWN_CONFIG или возвращает Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SPAWN_CONFIG")
		if path == "" {
			return Default(), nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse разбирает YAML, подставляет значения по умолчанию и проверяет результат
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
