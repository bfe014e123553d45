// Package config loads the state publisher configuration from YAML.
package config

import (
	"os"
	"time"

	"github.com/edwinhayes/iiwastate/robot"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Time providers.
const (
	TimeProviderWall = "wall"
	TimeProviderNTP  = "ntp"
)

// Buses.
const (
	BusROS   = "ros"
	BusRedis = "redis"
)

// Sources.
const (
	SourceSim    = "sim"
	SourceModbus = "modbus"
	SourceReplay = "replay"
)

type Config struct {
	RobotName string `yaml:"robot_name"`
	// RobotIP is the address advertised to ROS peers. Empty means
	// auto-detect.
	RobotIP   string `yaml:"robot_ip"`
	MasterURI string `yaml:"master_uri"`
	// PublishFrequency is the loop rate in Hz used until the master
	// provides publish_jointstates_frequency.
	PublishFrequency float64 `yaml:"publish_frequency"`
	SequenceOrigin   uint32  `yaml:"sequence_origin"`
	FrameID          string  `yaml:"frame_id"`

	TimeProvider string        `yaml:"time_provider"`
	NTPServer    string        `yaml:"ntp_server"`
	NTPInterval  time.Duration `yaml:"ntp_interval"`

	Bus   string      `yaml:"bus"`
	Redis RedisConfig `yaml:"redis"`

	Source string             `yaml:"source"`
	Joints int                `yaml:"joints"`
	Modbus robot.ModbusConfig `yaml:"modbus"`
	Replay ReplayConfig       `yaml:"replay"`

	// ShutdownTimeout bounds how long Dispose waits for the bus to stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type ReplayConfig struct {
	Path string `yaml:"path"`
}

// Default returns the configuration used for every field a file leaves
// out.
func Default() Config {
	return Config{
		RobotName:        "iiwa",
		MasterURI:        "http://localhost:11311",
		PublishFrequency: 100,
		TimeProvider:     TimeProviderWall,
		NTPServer:        "pool.ntp.org",
		NTPInterval:      100 * time.Millisecond,
		Bus:              BusROS,
		Redis:            RedisConfig{Addr: "localhost:6379"},
		Source:           SourceSim,
		Joints:           7,
		Modbus:           robot.ModbusConfig{Timeout: time.Second},
		ShutdownTimeout:  3 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads path over the defaults, then applies the ROS environment
// variables. It does not validate.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "reading config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and applies the ROS environment
// variables.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// applyEnv lets ROS_MASTER_URI and ROS_IP/ROS_HOSTNAME override the file,
// as every ROS node does.
func applyEnv(cfg *Config) {
	if uri, ok := os.LookupEnv("ROS_MASTER_URI"); ok && uri != "" {
		cfg.MasterURI = uri
	}
	if host, ok := os.LookupEnv("ROS_HOSTNAME"); ok && host != "" {
		cfg.RobotIP = host
	} else if ip, ok := os.LookupEnv("ROS_IP"); ok && ip != "" {
		cfg.RobotIP = ip
	}
}

func normalize(cfg *Config) {
	if cfg.Modbus.Joints == 0 {
		cfg.Modbus.Joints = cfg.Joints
	}
}
