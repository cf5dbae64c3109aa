package config

import (
	"fmt"
	"strings"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/logger"
)

const maxConnHandle = 0x0EFF

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate controller config
	if cfg.Controller.MaxConnections <= 0 {
		return fmt.Errorf("controller.max_connections must be positive")
	}
	if cfg.Controller.HeapBudget < 0 {
		return fmt.Errorf("controller.heap_budget must not be negative")
	}
	caps := cfg.Controller.Capabilities
	if caps.NumAntennas < 1 || caps.NumAntennas > antenna.MaxPaths {
		return fmt.Errorf("controller.capabilities.num_antennas must be between 1 and %d", antenna.MaxPaths)
	}
	if caps.MaxAntennaPaths < 1 || caps.MaxAntennaPaths > antenna.MaxPaths {
		return fmt.Errorf("controller.capabilities.max_antenna_paths must be between 1 and %d", antenna.MaxPaths)
	}
	if caps.Roles == 0 || caps.Roles&^(cs.RoleEnableInitiator|cs.RoleEnableReflector) != 0 {
		return fmt.Errorf("controller.capabilities.roles must be 1, 2 or 3")
	}
	if caps.NumConfigs < 1 || caps.NumConfigs > cs.MaxNumConfigIDs {
		return fmt.Errorf("controller.capabilities.num_configs must be between 1 and %d", cs.MaxNumConfigIDs)
	}

	// Validate defaults
	if cfg.Defaults.RoleEnable&^caps.Roles != 0 {
		return fmt.Errorf("defaults.role_enable enables a role the controller does not support")
	}

	// Validate logging
	if _, err := logger.ParseLevel(cfg.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	if f := cfg.Logging.Format; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}

	// Validate simulation
	if cfg.Simulation.Enabled {
		if err := validateSimulation(cfg.Simulation, caps); err != nil {
			return err
		}
	}

	// Validate database config
	if cfg.Database.Enabled {
		if strings.TrimSpace(cfg.Database.Path) == "" {
			return fmt.Errorf("database.path is required when database is enabled")
		}
		if cfg.Database.RetentionDays < 0 {
			return fmt.Errorf("database.retention_days must not be negative")
		}
	}

	// Validate web config
	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
	}

	// Validate metrics config
	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			return fmt.Errorf("metrics.prometheus.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(cfg.Metrics.Prometheus.Path, "/") {
			return fmt.Errorf("metrics.prometheus.path must start with /")
		}
	}

	return nil
}

func validateSimulation(sim SimulationConfig, caps CapabilitiesConfig) error {
	// handle 0 belongs to test mode
	if sim.Handle == cs.TestModeConnID || sim.Handle > maxConnHandle {
		return fmt.Errorf("simulation.handle must be between 1 and 0x%03X", maxConnHandle)
	}
	if sim.ConnInterval < 6 || sim.ConnInterval > 3200 {
		return fmt.Errorf("simulation.conn_interval must be between 6 and 3200")
	}
	if sim.ConfigID >= cs.MaxNumConfigIDs {
		return fmt.Errorf("simulation.config_id must be below %d", cs.MaxNumConfigIDs)
	}
	switch sim.MainMode {
	case cs.Mode1, cs.Mode2:
	case cs.Mode3:
		if !caps.Mode3 {
			return fmt.Errorf("simulation.main_mode 3 requires controller.capabilities.mode3")
		}
	default:
		return fmt.Errorf("simulation.main_mode must be 1, 2 or 3")
	}
	if sim.MinSteps < 2 || sim.MaxSteps < sim.MinSteps {
		return fmt.Errorf("simulation.min_steps must be at least 2 and not exceed max_steps")
	}
	if sim.Mode0Steps < cs.MinMode0Steps || sim.Mode0Steps > cs.MaxMode0Steps {
		return fmt.Errorf("simulation.mode0_steps must be between %d and %d", cs.MinMode0Steps, cs.MaxMode0Steps)
	}
	if sim.MaxSubeventLen < cs.MinSubeventLen || sim.MaxSubeventLen > cs.MaxSubeventLen {
		return fmt.Errorf("simulation.max_subevent_len must be between %d and %d", cs.MinSubeventLen, cs.MaxSubeventLen)
	}
	if !antenna.ACI(sim.ACI).Valid() {
		return fmt.Errorf("simulation.aci must not exceed %d", antenna.MaxACI)
	}
	for _, ch := range sim.ExcludedChannels {
		if ch < 0 || ch > cs.MaxChannel {
			return fmt.Errorf("simulation.excluded_channels: channel %d out of range", ch)
		}
	}
	if sim.ChannelMap().Count() < cs.MinNumOfChannels {
		return fmt.Errorf("simulation.excluded_channels leaves fewer than %d channels", cs.MinNumOfChannels)
	}
	if sim.DistanceM < 0 {
		return fmt.Errorf("simulation.distance_m must not be negative")
	}
	return nil
}
