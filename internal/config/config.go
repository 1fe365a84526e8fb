package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/Quit4859/trackmybus/pkg/model"
	"github.com/Quit4859/trackmybus/pkg/motion"
	"github.com/Quit4859/trackmybus/pkg/sensor"
	"github.com/Quit4859/trackmybus/pkg/transport"
)

// EnvPrefix prefixes every environment override, e.g. TRACKMYBUS_DEVICE_ROLE
const EnvPrefix = "TRACKMYBUS"

// Config is the device configuration
type Config struct {
	Device  DeviceConfig  `mapstructure:"device"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Sensor  SensorConfig  `mapstructure:"sensor"`
	Motion  MotionConfig  `mapstructure:"motion"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type DeviceConfig struct {
	Role     string `mapstructure:"role" validate:"required,oneof=admin driver rider student parent"`
	UserID   string `mapstructure:"user_id" validate:"required_unless=Role admin"`
	RouteID  string `mapstructure:"route_id"`
	DataPath string `mapstructure:"data_path"` // bbolt file; empty keeps state in memory
}

type BrokerConfig struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	TopicBase      string        `mapstructure:"topic_base" validate:"required"`
	ClientIDPrefix string        `mapstructure:"client_id_prefix" validate:"required"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
	RetryInterval  time.Duration `mapstructure:"retry_interval" validate:"gt=0"`
	KeepAlive      time.Duration `mapstructure:"keep_alive" validate:"gte=0"`
	PositionQoS    int           `mapstructure:"position_qos" validate:"min=0,max=2"`
	SubscribeQoS   int           `mapstructure:"subscribe_qos" validate:"min=0,max=2"`
	DedupSize      int           `mapstructure:"dedup_size" validate:"gte=0"`
}

type SensorConfig struct {
	JitterDegrees     float64       `mapstructure:"jitter_degrees" validate:"gt=0,lt=180"`
	MaxAccuracyMeters float64       `mapstructure:"max_accuracy_meters" validate:"gte=0"`
	Simulate          bool          `mapstructure:"simulate"`
	SimulateInterval  time.Duration `mapstructure:"simulate_interval" validate:"gt=0"`
	SimulateStep      float64       `mapstructure:"simulate_step_meters" validate:"gt=0"`
}

type MotionConfig struct {
	TickRate      float64 `mapstructure:"tick_rate" validate:"gt=0,lte=240"`
	Alpha         float64 `mapstructure:"alpha" validate:"gt=0,lte=1"`
	OverviewZoom  float64 `mapstructure:"overview_zoom" validate:"gt=0"`
	FollowZoom    float64 `mapstructure:"follow_zoom" validate:"gt=0"`
	FollowPitch   float64 `mapstructure:"follow_pitch" validate:"gte=0,lte=85"`
	FlyDurationMs int64   `mapstructure:"fly_duration_ms" validate:"gte=0"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port" validate:"min=0,max=65535"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("device.role", string(model.RoleRider))
	v.SetDefault("device.user_id", "S-1")
	v.SetDefault("device.route_id", "")
	v.SetDefault("device.data_path", "")

	broker := transport.DefaultConfig()
	v.SetDefault("broker.url", broker.BrokerURL)
	v.SetDefault("broker.topic_base", model.DefaultTopicBase)
	v.SetDefault("broker.client_id_prefix", broker.ClientIDPrefix)
	v.SetDefault("broker.username", "")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.connect_timeout", broker.ConnectTimeout)
	v.SetDefault("broker.retry_interval", broker.RetryInterval)
	v.SetDefault("broker.keep_alive", broker.KeepAlive)
	v.SetDefault("broker.position_qos", 0)
	v.SetDefault("broker.subscribe_qos", int(broker.SubscribeQoS))
	v.SetDefault("broker.dedup_size", 1024)

	v.SetDefault("sensor.jitter_degrees", sensor.DefaultJitterDegrees)
	v.SetDefault("sensor.max_accuracy_meters", 0.0)
	v.SetDefault("sensor.simulate", false)
	v.SetDefault("sensor.simulate_interval", 2*time.Second)
	v.SetDefault("sensor.simulate_step_meters", 15.0)

	mc := motion.DefaultConfig()
	v.SetDefault("motion.tick_rate", float64(time.Second)/float64(mc.TickInterval))
	v.SetDefault("motion.alpha", motion.DefaultAlpha)
	v.SetDefault("motion.overview_zoom", mc.OverviewZoom)
	v.SetDefault("motion.follow_zoom", mc.FollowZoom)
	v.SetDefault("motion.follow_pitch", mc.FollowPitch)
	v.SetDefault("motion.fly_duration_ms", mc.FlyDurationMs)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads defaults, the optional YAML file and TRACKMYBUS_* environment
// overrides, then validates the result. With an empty path the file is
// looked up as configs/config.yaml and may be absent.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints. Call it again after applying flag overrides.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// GetConfigPath returns TRACKMYBUS_CONFIG_PATH, else configs/config.yaml
// when it exists, else an empty string
func GetConfigPath() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG_PATH"); path != "" {
		return path
	}
	configPath := filepath.Join("configs", "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		return configPath
	}
	return ""
}

// ParsedRole maps the configured role name, including legacy aliases
func (d DeviceConfig) ParsedRole() (model.Role, error) {
	return model.ParseRole(d.Role)
}

// Transport returns the session configuration
func (b BrokerConfig) Transport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.BrokerURL = b.URL
	cfg.ClientIDPrefix = b.ClientIDPrefix
	cfg.Username = b.Username
	cfg.Password = b.Password
	cfg.ConnectTimeout = b.ConnectTimeout
	cfg.RetryInterval = b.RetryInterval
	cfg.KeepAlive = b.KeepAlive
	cfg.SubscribeQoS = byte(b.SubscribeQoS)
	return cfg
}

func (b BrokerConfig) Topics() model.Topics {
	return model.NewTopics(b.TopicBase)
}

func (s SensorConfig) Ingest() sensor.Config {
	return sensor.Config{
		JitterDegrees:     s.JitterDegrees,
		MaxAccuracyMeters: s.MaxAccuracyMeters,
	}
}

// Controller returns the motion controller configuration
func (m MotionConfig) Controller() motion.Config {
	cfg := motion.DefaultConfig()
	cfg.TickInterval = time.Duration(float64(time.Second) / m.TickRate)
	cfg.Alpha = m.Alpha
	cfg.OverviewZoom = m.OverviewZoom
	cfg.FollowZoom = m.FollowZoom
	cfg.FollowPitch = m.FollowPitch
	cfg.FlyDurationMs = m.FlyDurationMs
	return cfg
}

// Addr is the HTTP listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
