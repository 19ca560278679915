package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar names an optional YAML file layered between defaults and the environment.
const PathEnvVar = "MANIFOLD_HUB_CONFIG"

type Config struct {
	LogLevel     string          `koanf:"log_level" validate:"oneof=debug info warn warning error"`
	OTLPEndpoint string          `koanf:"otlp_endpoint" validate:"omitempty,url"`
	HTTP         HTTPConfig      `koanf:"http"`
	MQTT         MQTTConfig      `koanf:"mqtt"`
	Postgres     DBConfig        `koanf:"postgres"`
	Redis        RedisConfig     `koanf:"redis"`
	Influx       InfluxConfig    `koanf:"influx"`
	Heartbeat    HeartbeatConfig `koanf:"heartbeat"`
}

type HTTPConfig struct {
	Port string `koanf:"port" validate:"required,numeric"`
}

type MQTTConfig struct {
	TCPAddr     string `koanf:"tcp_addr" validate:"required"`
	WSAddr      string `koanf:"ws_addr"`
	UpstreamURL string `koanf:"upstream_url" validate:"omitempty,url"`
	ClientID    string `koanf:"client_id"`
}

type DBConfig struct {
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password"`
	DBName   string `koanf:"db" validate:"required"`
	Host     string `koanf:"host" validate:"required"`
	Port     string `koanf:"port" validate:"required,numeric"`
	SSLMode  string `koanf:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
}

// RedisConfig is optional; an empty Addr disables the reading cache.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"gte=0"`
}

// InfluxConfig is optional; an empty URL disables telemetry history.
type InfluxConfig struct {
	URL    string `koanf:"url" validate:"omitempty,url"`
	Token  string `koanf:"token" validate:"required_with=URL"`
	Org    string `koanf:"org" validate:"required_with=URL"`
	Bucket string `koanf:"bucket" validate:"required_with=URL"`
}

type HeartbeatConfig struct {
	SweepInterval  time.Duration `koanf:"sweep_interval" validate:"gt=0"`
	StaleAfter     time.Duration `koanf:"stale_after" validate:"gtfield=SweepInterval"`
	DemotionMargin time.Duration `koanf:"demotion_margin" validate:"gt=0,ltfield=StaleAfter"`
}

func defaults() Config {
	return Config{
		LogLevel: "info",
		HTTP:     HTTPConfig{Port: "8080"},
		MQTT:     MQTTConfig{TCPAddr: ":1883", ClientID: "manifold-hub"},
		Postgres: DBConfig{Port: "5432", SSLMode: "disable"},
		Heartbeat: HeartbeatConfig{
			SweepInterval:  5 * time.Second,
			StaleAfter:     15 * time.Second,
			DemotionMargin: time.Second,
		},
	}
}

var envKeys = map[string]string{
	"LOG_LEVEL":                   "log_level",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "otlp_endpoint",
	"MANIFOLD_HUB_PORT":           "http.port",
	"MQTT_TCP_ADDR":               "mqtt.tcp_addr",
	"MQTT_WS_ADDR":                "mqtt.ws_addr",
	"MQTT_UPSTREAM_URL":           "mqtt.upstream_url",
	"MQTT_CLIENT_ID":              "mqtt.client_id",
	"POSTGRES_USER":               "postgres.user",
	"POSTGRES_PASSWORD":           "postgres.password",
	"POSTGRES_DB":                 "postgres.db",
	"POSTGRES_HOST":               "postgres.host",
	"POSTGRES_PORT":               "postgres.port",
	"POSTGRES_SSLMODE":            "postgres.sslmode",
	"REDIS_ADDR":                  "redis.addr",
	"REDIS_PASSWORD":              "redis.password",
	"REDIS_DB":                    "redis.db",
	"INFLUX_URL":                  "influx.url",
	"INFLUX_TOKEN":                "influx.token",
	"INFLUX_ORG":                  "influx.org",
	"INFLUX_BUCKET":               "influx.bucket",
	"HEARTBEAT_SWEEP_INTERVAL":    "heartbeat.sweep_interval",
	"HEARTBEAT_STALE_AFTER":       "heartbeat.stale_after",
	"HEARTBEAT_DEMOTION_MARGIN":   "heartbeat.demotion_margin",
}

// envKey maps an environment variable to its koanf path. Unknown variables are skipped.
func envKey(key string) string {
	return envKeys[key]
}

// Load layers defaults, the optional YAML file and the environment, then validates.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := strings.TrimSpace(os.Getenv(PathEnvVar)); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	slog.Info("manifold-hub config loaded", "port", cfg.HTTP.Port, "mqtt", cfg.MQTT.TCPAddr, "upstream", cfg.MQTT.UpstreamURL != "")
	return cfg, nil
}
