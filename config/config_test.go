package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edwinhayes/iiwastate/ros"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	t.Setenv("ROS_MASTER_URI", "")
	t.Setenv("ROS_HOSTNAME", "")
	t.Setenv("ROS_IP", "")

	cfg, err := Parse([]byte("robot_name: iiwa14\n"))
	require.NoError(t, err)
	assert.Equal(t, "iiwa14", cfg.RobotName)
	assert.Equal(t, "http://localhost:11311", cfg.MasterURI)
	assert.Equal(t, 100.0, cfg.PublishFrequency)
	assert.Equal(t, 7, cfg.Modbus.Joints)
	require.NoError(t, Validate(&cfg))
}

func TestLoadFile(t *testing.T) {
	t.Setenv("ROS_MASTER_URI", "")
	t.Setenv("ROS_HOSTNAME", "")
	t.Setenv("ROS_IP", "")

	path := filepath.Join(t.TempDir(), "publisher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
robot_name: iiwa
robot_ip: 172.31.1.147
master_uri: http://172.31.1.150:11311
publish_frequency: 50
sequence_origin: 10
time_provider: ntp
ntp_server: 172.31.1.150
ntp_interval: 100ms
source: modbus
modbus:
  endpoint: 172.31.1.147:502
  unit_id: 1
  position_address: 0
  velocity_address: 14
shutdown_timeout: 2s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "172.31.1.147", cfg.RobotIP)
	assert.Equal(t, uint32(10), cfg.SequenceOrigin)
	assert.Equal(t, 100*time.Millisecond, cfg.NTPInterval)
	assert.Equal(t, 2*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, time.Second, cfg.Modbus.Timeout)
	require.NotNil(t, cfg.Modbus.VelocityAddress)
	assert.Equal(t, uint16(14), *cfg.Modbus.VelocityAddress)
	assert.Nil(t, cfg.Modbus.EffortAddress)
	require.NoError(t, Validate(&cfg))
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ROS_MASTER_URI", "http://master:11311")
	t.Setenv("ROS_HOSTNAME", "")
	t.Setenv("ROS_IP", "10.0.0.5")

	cfg, err := Parse([]byte("master_uri: http://ignored:11311\nrobot_ip: 1.2.3.4\n"))
	require.NoError(t, err)
	assert.Equal(t, "http://master:11311", cfg.MasterURI)
	assert.Equal(t, "10.0.0.5", cfg.RobotIP)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"robot name":       func(c *Config) { c.RobotName = "1iiwa" },
		"empty robot name": func(c *Config) { c.RobotName = "" },
		"master scheme":    func(c *Config) { c.MasterURI = "ftp://master:11311" },
		"master host":      func(c *Config) { c.MasterURI = "http://" },
		"master relative":  func(c *Config) { c.MasterURI = "master:11311" },
		"frequency":        func(c *Config) { c.PublishFrequency = 0 },
		"frequency bound":  func(c *Config) { c.PublishFrequency = 2e9 },
		"log level":        func(c *Config) { c.LogLevel = "info,ros=loud" },
		"shutdown timeout": func(c *Config) { c.ShutdownTimeout = 0 },
		"time provider":    func(c *Config) { c.TimeProvider = "gps" },
		"ntp interval":     func(c *Config) { c.TimeProvider = TimeProviderNTP; c.NTPInterval = 0 },
		"bus":              func(c *Config) { c.Bus = "zenoh" },
		"redis addr":       func(c *Config) { c.Bus = BusRedis; c.Redis.Addr = "" },
		"source":           func(c *Config) { c.Source = "camera" },
		"modbus endpoint":  func(c *Config) { c.Source = SourceModbus },
		"replay path":      func(c *Config) { c.Source = SourceReplay },
		"joints":           func(c *Config) { c.Joints = 0 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		assert.Error(t, Validate(&cfg), name)
	}
	cfg := Default()
	assert.NoError(t, Validate(&cfg))
	cfg.LogLevel = "warn,ros.publisher=debug"
	assert.NoError(t, Validate(&cfg))
	cfg.PublishFrequency = 1000
	assert.NoError(t, Validate(&cfg))
}

func TestValidateSharesMasterURICheck(t *testing.T) {
	cfg := Default()
	cfg.MasterURI = "ftp://master:11311"
	err := Validate(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_uri")
	assert.EqualError(t, errors.Cause(err), ros.ValidateMasterURI(cfg.MasterURI).Error())
}
