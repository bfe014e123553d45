package config

import (
	"github.com/edwinhayes/iiwastate/iiwa"
	"github.com/edwinhayes/iiwastate/ros"
	"github.com/pkg/errors"
)

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	if cfg.RobotName == "" || !ros.IsValidName(cfg.RobotName) {
		return errors.Errorf("robot_name %q is not a valid ROS name", cfg.RobotName)
	}

	if err := ros.ValidateMasterURI(cfg.MasterURI); err != nil {
		return errors.Wrap(err, "master_uri")
	}

	if cfg.PublishFrequency <= 0 || cfg.PublishFrequency > iiwa.MaxPublishFrequency {
		return errors.Errorf("publish_frequency must be in (0, %g], got %g", iiwa.MaxPublishFrequency, cfg.PublishFrequency)
	}
	if _, _, err := ros.ParseLogLevel(cfg.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	if cfg.ShutdownTimeout <= 0 {
		return errors.Errorf("shutdown_timeout must be positive, got %s", cfg.ShutdownTimeout)
	}

	if cfg.NTPInterval <= 0 {
		return errors.Errorf("ntp_interval must be positive, got %s", cfg.NTPInterval)
	}
	switch cfg.TimeProvider {
	case TimeProviderWall:
	case TimeProviderNTP:
		if cfg.NTPServer == "" {
			return errors.Errorf("time_provider %q requires ntp_server", cfg.TimeProvider)
		}
	default:
		return errors.Errorf("unknown time_provider %q", cfg.TimeProvider)
	}

	switch cfg.Bus {
	case BusROS:
	case BusRedis:
		if cfg.Redis.Addr == "" {
			return errors.Errorf("bus %q requires redis.addr", cfg.Bus)
		}
	default:
		return errors.Errorf("unknown bus %q", cfg.Bus)
	}

	if cfg.Joints <= 0 {
		return errors.Errorf("joints must be positive, got %d", cfg.Joints)
	}
	switch cfg.Source {
	case SourceSim:
	case SourceModbus:
		if cfg.Modbus.Endpoint == "" {
			return errors.Errorf("source %q requires modbus.endpoint", cfg.Source)
		}
	case SourceReplay:
		if cfg.Replay.Path == "" {
			return errors.Errorf("source %q requires replay.path", cfg.Source)
		}
	default:
		return errors.Errorf("unknown source %q", cfg.Source)
	}
	return nil
}
