package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
)

// Config represents the application configuration
type Config struct {
	Controller ControllerConfig `mapstructure:"controller"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Simulation SimulationConfig `mapstructure:"simulation"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Web        WebConfig        `mapstructure:"web"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ControllerConfig sizes the CS database and describes the local device
type ControllerConfig struct {
	MaxConnections int                `mapstructure:"max_connections"`
	HeapBudget     int                `mapstructure:"heap_budget"` // bytes, 0 = unlimited
	Capabilities   CapabilitiesConfig `mapstructure:"capabilities"`
}

// CapabilitiesConfig holds the local CS capabilities advertised to peers
type CapabilitiesConfig struct {
	Mode3           bool   `mapstructure:"mode3"`
	RTTCapability   uint8  `mapstructure:"rtt_capability"`
	RTTAAOnlyN      uint8  `mapstructure:"rtt_aa_only_n"`
	RTTSoundingN    uint8  `mapstructure:"rtt_sounding_n"`
	RTTRandomN      uint8  `mapstructure:"rtt_random_payload_n"`
	SyncPhys        uint8  `mapstructure:"sync_phys"` // bit 1: 2M, bit 2: 2M 2BT
	NumAntennas     uint8  `mapstructure:"num_antennas"`
	MaxAntennaPaths uint8  `mapstructure:"max_antenna_paths"`
	Roles           uint8  `mapstructure:"roles"` // bit 0: initiator, bit 1: reflector
	NoFAE           bool   `mapstructure:"no_fae"`
	ChSel3c         bool   `mapstructure:"chsel_3c"`
	NumConfigs      uint8  `mapstructure:"num_configs"`
	TIP1            uint16 `mapstructure:"t_ip1"`
	TIP2            uint16 `mapstructure:"t_ip2"`
	TFCS            uint16 `mapstructure:"t_fcs"`
	TPM             uint16 `mapstructure:"t_pm"`
	TSW             uint8  `mapstructure:"t_sw"`
	TxSNR           uint8  `mapstructure:"tx_snr"`
}

// DefaultsConfig holds the default settings applied to new connections
type DefaultsConfig struct {
	RoleEnable           uint8 `mapstructure:"role_enable"`
	SyncAntennaSelection uint8 `mapstructure:"sync_antenna_selection"`
	MaxTxPower           int8  `mapstructure:"max_tx_power"`
}

// SimulationConfig drives the daemon's loopback pair of controllers
type SimulationConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Handle           uint16  `mapstructure:"handle"`
	ConnInterval     uint16  `mapstructure:"conn_interval"` // 1.25 ms units
	ConfigID         uint8   `mapstructure:"config_id"`
	MainMode         uint8   `mapstructure:"main_mode"`
	MinSteps         uint8   `mapstructure:"min_steps"`
	MaxSteps         uint8   `mapstructure:"max_steps"`
	Mode0Steps       uint8   `mapstructure:"mode0_steps"`
	ProcedureCount   uint16  `mapstructure:"procedure_count"` // 0 = until disabled
	ProcedureEvery   uint16  `mapstructure:"procedure_interval"`
	MaxSubeventLen   uint32  `mapstructure:"max_subevent_len"` // µs
	ACI              uint8   `mapstructure:"aci"`
	ExcludedChannels []int   `mapstructure:"excluded_channels"`
	DistanceM        float64 `mapstructure:"distance_m"`
	Seed             uint64  `mapstructure:"seed"`
	TimeScale        float64 `mapstructure:"time_scale"`
}

// DatabaseConfig holds the procedure history store configuration
type DatabaseConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// WebConfig holds web dashboard configuration
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// Capabilities converts the configured capability set for the CS database
func (c CapabilitiesConfig) Capabilities() csdb.Capabilities {
	caps := csdb.Capabilities{
		RTTCapability:          c.RTTCapability,
		RTTAAOnlyN:             c.RTTAAOnlyN,
		RTTSoundingN:           c.RTTSoundingN,
		RTTRandomPayloadN:      c.RTTRandomN,
		CsSyncPhysSupported:    c.SyncPhys,
		NumAntennas:            c.NumAntennas,
		MaxAntennaPaths:        c.MaxAntennaPaths,
		RolesSupported:         c.Roles,
		NoFAE:                  c.NoFAE,
		ChSel3c:                c.ChSel3c,
		NumConfigsSupported:    c.NumConfigs,
		MaxProceduresSupported: 1,
		TSWTimeSupported:       c.TSW,
		TIP1TimesSupported:     c.TIP1,
		TIP2TimesSupported:     c.TIP2,
		TFCSTimesSupported:     c.TFCS,
		TPMTimesSupported:      c.TPM,
		TxSNRCapability:        c.TxSNR,
	}
	if c.Mode3 {
		caps.ModeTypes = 0x01
	}
	return caps
}

// Settings converts the configured defaults
func (d DefaultsConfig) Settings() csdb.DefaultSettings {
	return csdb.DefaultSettings{
		RoleEnable:             d.RoleEnable,
		CsSyncAntennaSelection: d.SyncAntennaSelection,
		MaxTxPower:             d.MaxTxPower,
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	// Set defaults
	setDefaults()

	// Set config file
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/cs-controller")
	}

	// Environment variables
	viper.SetEnvPrefix("CS")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found is OK, use defaults
		} else if os.IsNotExist(err) {
			// File explicitly specified but doesn't exist - that's also OK
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal to struct
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Controller defaults
	viper.SetDefault("controller.max_connections", 4)
	viper.SetDefault("controller.heap_budget", 0)
	viper.SetDefault("controller.capabilities.mode3", false)
	viper.SetDefault("controller.capabilities.rtt_capability", 0x01)
	viper.SetDefault("controller.capabilities.rtt_aa_only_n", 1)
	viper.SetDefault("controller.capabilities.rtt_sounding_n", 0)
	viper.SetDefault("controller.capabilities.rtt_random_payload_n", 0)
	viper.SetDefault("controller.capabilities.sync_phys", 0x02)
	viper.SetDefault("controller.capabilities.num_antennas", 1)
	viper.SetDefault("controller.capabilities.max_antenna_paths", 1)
	viper.SetDefault("controller.capabilities.roles", cs.RoleEnableInitiator|cs.RoleEnableReflector)
	viper.SetDefault("controller.capabilities.no_fae", false)
	viper.SetDefault("controller.capabilities.chsel_3c", false)
	viper.SetDefault("controller.capabilities.num_configs", cs.MaxNumConfigIDs)
	viper.SetDefault("controller.capabilities.t_ip1", 0x7F)
	viper.SetDefault("controller.capabilities.t_ip2", 0x7F)
	viper.SetDefault("controller.capabilities.t_fcs", 0x1FF)
	viper.SetDefault("controller.capabilities.t_pm", 0x03)
	viper.SetDefault("controller.capabilities.t_sw", 10)
	viper.SetDefault("controller.capabilities.tx_snr", 0)

	// Connection defaults
	viper.SetDefault("defaults.role_enable", cs.RoleEnableInitiator|cs.RoleEnableReflector)
	viper.SetDefault("defaults.sync_antenna_selection", 0x01)
	viper.SetDefault("defaults.max_tx_power", 20)

	// Simulation defaults
	viper.SetDefault("simulation.enabled", true)
	viper.SetDefault("simulation.handle", 1)
	viper.SetDefault("simulation.conn_interval", 80) // 100 ms
	viper.SetDefault("simulation.config_id", 0)
	viper.SetDefault("simulation.main_mode", cs.Mode2)
	viper.SetDefault("simulation.min_steps", 2)
	viper.SetDefault("simulation.max_steps", 3)
	viper.SetDefault("simulation.mode0_steps", 1)
	viper.SetDefault("simulation.procedure_count", 0)
	viper.SetDefault("simulation.procedure_interval", 10)
	viper.SetDefault("simulation.max_subevent_len", 5000)
	viper.SetDefault("simulation.aci", 0)
	viper.SetDefault("simulation.distance_m", 2.5)
	viper.SetDefault("simulation.seed", 1)
	viper.SetDefault("simulation.time_scale", 0)

	// Database defaults
	viper.SetDefault("database.enabled", true)
	viper.SetDefault("database.path", "cs-controller.db")
	viper.SetDefault("database.retention_days", 7)

	// Web defaults
	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")
}

// ChannelMap returns every usable channel minus the excluded ones
func (s SimulationConfig) ChannelMap() chanmap.Map {
	m := chanmap.Full()
	for _, ch := range s.ExcludedChannels {
		m.Clear(uint8(ch))
	}
	return m
}
