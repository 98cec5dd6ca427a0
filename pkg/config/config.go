// Package config loads the YAML configuration file and resolves defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"gopkg.in/yaml.v3"

	"github.com/bodygraph/scalelink/pkg/body"
)

const (
	TransportLocal = "local"
	TransportProxy = "proxy"
)

// Duration is a time.Duration that unmarshals from YAML strings like "15s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"15s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MQTT configures the proxy transport's broker session and topic tree.
type MQTT struct {
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix" default:"blegw"`
	DeviceID    string `yaml:"device_id"`
}

// User is the body profile the composition calculator needs.
type User struct {
	HeightCm float64 `yaml:"height_cm"`
	Age      int     `yaml:"age"`
	Gender   string  `yaml:"gender" default:"male"`
	Athlete  bool    `yaml:"athlete"`
}

// Config is the full application configuration.
type Config struct {
	Transport string `yaml:"transport" default:"local"`
	LogLevel  string `yaml:"log_level" default:"info"`

	// TargetAddress pins acquisitions to one scale.
	TargetAddress string `yaml:"target_address"`

	// ScanTimeout's zero value resolves per transport: the proxy's remote
	// scan cycle is much slower than a local one.
	ScanTimeout       Duration `yaml:"scan_timeout"`
	ConnectTimeout    Duration `yaml:"connect_timeout"`
	CompletionTimeout Duration `yaml:"completion_timeout"`

	MQTT MQTT `yaml:"mqtt"`
	User User `yaml:"user"`
}

// Default returns a configuration with every default resolved, usable
// without a config file.
func Default() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	cfg.resolve()
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := new(Config)
	defaults.SetDefaults(cfg)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) resolve() {
	if c.ScanTimeout == 0 {
		if c.Transport == TransportProxy {
			c.ScanTimeout = Duration(60 * time.Second)
		} else {
			c.ScanTimeout = Duration(15 * time.Second)
		}
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = Duration(20 * time.Second)
	}
	if c.CompletionTimeout == 0 {
		c.CompletionTimeout = Duration(60 * time.Second)
	}
}

// Validate rejects configurations the transports or calculator cannot use.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportLocal, TransportProxy:
	default:
		return fmt.Errorf("unknown transport %q (want %q or %q)", c.Transport, TransportLocal, TransportProxy)
	}
	if c.Transport == TransportProxy {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("proxy transport requires mqtt.broker")
		}
		if c.MQTT.DeviceID == "" {
			return fmt.Errorf("proxy transport requires mqtt.device_id")
		}
	}
	switch strings.ToLower(c.User.Gender) {
	case "male", "female":
	default:
		return fmt.Errorf("user.gender must be \"male\" or \"female\", got %q", c.User.Gender)
	}
	if c.User.HeightCm < 0 || c.User.HeightCm > 300 {
		return fmt.Errorf("user.height_cm %v out of range", c.User.HeightCm)
	}
	if c.User.Age < 0 || c.User.Age > 150 {
		return fmt.Errorf("user.age %d out of range", c.User.Age)
	}
	return nil
}

// Profile converts the user section into a calculator profile.
func (c *Config) Profile() body.Profile {
	gender := body.Male
	if strings.ToLower(c.User.Gender) == "female" {
		gender = body.Female
	}
	return body.Profile{
		HeightCm: c.User.HeightCm,
		Age:      c.User.Age,
		Gender:   gender,
		Athlete:  c.User.Athlete,
	}
}
