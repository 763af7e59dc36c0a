package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	AMI   AMIConfig   `yaml:"ami"`
	HTTP  HTTPConfig  `yaml:"http"`
	MQTT  MQTTConfig  `yaml:"mqtt"`
	Redis RedisConfig `yaml:"redis"`
	Log   LogConfig   `yaml:"log"`
	Queue QueueConfig `yaml:"queue"`
}

type AMIConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Secret          string        `yaml:"secret"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	ActionTimeout   time.Duration `yaml:"action_timeout"`
	ReconnectDelay  time.Duration `yaml:"reconnect_delay"`
	EventBuffer     int           `yaml:"event_buffer"`
	AgentTransports []string      `yaml:"agent_transports"`
	// AgentTransport addresses agent devices in queue and originate actions.
	AgentTransport string `yaml:"agent_transport"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type RedisConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Addr          string `yaml:"addr"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QueueConfig holds the queue used when an operator request names none.
type QueueConfig struct {
	Default string `yaml:"default"`
}

func (c *AMIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ZerologLevel parses the configured log level, falling back to info.
func (c *LogConfig) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		AMI: AMIConfig{
			Host:            "127.0.0.1",
			Port:            5038,
			DialTimeout:     10 * time.Second,
			ActionTimeout:   20 * time.Second,
			ReconnectDelay:  5 * time.Second,
			EventBuffer:     256,
			AgentTransports: []string{"SIP", "PJSIP", "IAX2"},
			AgentTransport:  "SIP",
		},
		HTTP: HTTPConfig{Listen: ":8080"},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "vicidial-bridge",
			TopicPrefix: "vicidial",
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			ChannelPrefix: "vicidial",
		},
		Log:   LogConfig{Level: "info", Format: "console"},
		Queue: QueueConfig{Default: "DEMOIN"},
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.AMI.Host == "" {
		return fmt.Errorf("ami.host is required")
	}
	if c.AMI.Port < 1 || c.AMI.Port > 65535 {
		return fmt.Errorf("ami.port must be between 1 and 65535, got %d", c.AMI.Port)
	}
	if c.AMI.Username == "" {
		return fmt.Errorf("ami.username is required")
	}
	if c.AMI.Secret == "" {
		return fmt.Errorf("ami.secret is required")
	}
	if c.AMI.DialTimeout <= 0 {
		return fmt.Errorf("ami.dial_timeout must be positive, got %s", c.AMI.DialTimeout)
	}
	if c.AMI.ActionTimeout <= 0 {
		return fmt.Errorf("ami.action_timeout must be positive, got %s", c.AMI.ActionTimeout)
	}
	if c.AMI.ReconnectDelay <= 0 {
		return fmt.Errorf("ami.reconnect_delay must be positive, got %s", c.AMI.ReconnectDelay)
	}
	if c.AMI.EventBuffer < 1 {
		return fmt.Errorf("ami.event_buffer must be at least 1, got %d", c.AMI.EventBuffer)
	}
	if len(c.AMI.AgentTransports) == 0 {
		return fmt.Errorf("ami.agent_transports must not be empty")
	}
	if c.AMI.AgentTransport == "" {
		return fmt.Errorf("ami.agent_transport is required")
	}
	if c.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.ClientID == "" {
			return fmt.Errorf("mqtt.client_id is required when mqtt is enabled")
		}
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil || c.Log.Level == "" {
		return fmt.Errorf("log.level %q is not a known level", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	return nil
}
