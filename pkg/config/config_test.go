package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

func TestLoad_UsesDefaults_WhenNoFile(t *testing.T) {
	// Reset viper to avoid cross-test pollution
	viper.Reset()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	// Spot-check a few defaults
	if cfg.Controller.MaxConnections != 4 {
		t.Errorf("expected Controller.MaxConnections default 4, got %d", cfg.Controller.MaxConnections)
	}
	if cfg.Controller.Capabilities.Roles != cs.RoleEnableInitiator|cs.RoleEnableReflector {
		t.Errorf("expected both roles by default, got 0x%02X", cfg.Controller.Capabilities.Roles)
	}
	if cfg.Simulation.MainMode != cs.Mode2 {
		t.Errorf("expected Simulation.MainMode default 2, got %d", cfg.Simulation.MainMode)
	}
	if cfg.Simulation.ConnInterval != 80 {
		t.Errorf("expected Simulation.ConnInterval default 80, got %d", cfg.Simulation.ConnInterval)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web.Port default 8080, got %d", cfg.Web.Port)
	}
	if cfg.Database.Path == "" {
		t.Errorf("expected Database.Path to be set")
	}
	if cfg.Logging.Level == "" {
		t.Errorf("expected Logging.Level to be set (default info)")
	}
	if cfg.Metrics.Prometheus.Port != 9090 {
		t.Errorf("expected Prometheus.Port default 9090, got %d", cfg.Metrics.Prometheus.Port)
	}
}

func TestLoad_FromFile(t *testing.T) {
	viper.Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`controller:
  max_connections: 2
  capabilities:
    num_antennas: 2
    max_antenna_paths: 4
simulation:
  aci: 3
  excluded_channels: [2, 3, 4]
web:
  port: 8181
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Controller.MaxConnections != 2 {
		t.Errorf("expected MaxConnections 2, got %d", cfg.Controller.MaxConnections)
	}
	if cfg.Controller.Capabilities.NumAntennas != 2 {
		t.Errorf("expected NumAntennas 2, got %d", cfg.Controller.Capabilities.NumAntennas)
	}
	if cfg.Simulation.ACI != 3 {
		t.Errorf("expected ACI 3, got %d", cfg.Simulation.ACI)
	}
	if cfg.Web.Port != 8181 {
		t.Errorf("expected Web.Port 8181, got %d", cfg.Web.Port)
	}
	if n := cfg.Simulation.ChannelMap().Count(); n != cs.NumUsableChannels-3 {
		t.Errorf("expected %d channels, got %d", cs.NumUsableChannels-3, n)
	}
	// untouched keys keep their defaults
	if cfg.Simulation.MaxSubeventLen != 5000 {
		t.Errorf("expected MaxSubeventLen default 5000, got %d", cfg.Simulation.MaxSubeventLen)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	viper.Reset()
	t.Setenv("CS_WEB_PORT", "9001")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Web.Port != 9001 {
		t.Errorf("expected Web.Port 9001 from env, got %d", cfg.Web.Port)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	viper.Reset()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("controller:\n  max_connections: 0\n"), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for max_connections 0")
	}
}

func validConfig() *Config {
	return &Config{
		Controller: ControllerConfig{
			MaxConnections: 4,
			Capabilities: CapabilitiesConfig{
				NumAntennas:     1,
				MaxAntennaPaths: 1,
				Roles:           cs.RoleEnableInitiator | cs.RoleEnableReflector,
				NumConfigs:      cs.MaxNumConfigIDs,
			},
		},
		Simulation: SimulationConfig{
			Enabled:        true,
			Handle:         1,
			ConnInterval:   80,
			MainMode:       cs.Mode2,
			MinSteps:       2,
			MaxSteps:       3,
			Mode0Steps:     1,
			MaxSubeventLen: 5000,
		},
		Database: DatabaseConfig{Enabled: true, Path: "x.db"},
		Web:      WebConfig{Enabled: true, Port: 8080},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func TestValidate_Errors(t *testing.T) {
	if err := validate(validConfig()); err != nil {
		t.Fatalf("expected valid base config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max_connections zero", func(c *Config) { c.Controller.MaxConnections = 0 }},
		{"negative heap budget", func(c *Config) { c.Controller.HeapBudget = -1 }},
		{"no antennas", func(c *Config) { c.Controller.Capabilities.NumAntennas = 0 }},
		{"too many antenna paths", func(c *Config) { c.Controller.Capabilities.MaxAntennaPaths = 5 }},
		{"no roles", func(c *Config) { c.Controller.Capabilities.Roles = 0 }},
		{"unknown role bit", func(c *Config) { c.Controller.Capabilities.Roles = 0x04 }},
		{"too many configs", func(c *Config) { c.Controller.Capabilities.NumConfigs = 5 }},
		{"default role not supported", func(c *Config) {
			c.Controller.Capabilities.Roles = cs.RoleEnableReflector
			c.Defaults.RoleEnable = cs.RoleEnableInitiator
		}},
		{"test mode handle", func(c *Config) { c.Simulation.Handle = 0 }},
		{"handle out of range", func(c *Config) { c.Simulation.Handle = 0x0F00 }},
		{"conn interval too short", func(c *Config) { c.Simulation.ConnInterval = 5 }},
		{"config id out of range", func(c *Config) { c.Simulation.ConfigID = 4 }},
		{"mode 3 without capability", func(c *Config) { c.Simulation.MainMode = cs.Mode3 }},
		{"mode 0 as main mode", func(c *Config) { c.Simulation.MainMode = cs.Mode0 }},
		{"min steps above max", func(c *Config) { c.Simulation.MinSteps = 4 }},
		{"mode 0 steps zero", func(c *Config) { c.Simulation.Mode0Steps = 0 }},
		{"subevent too short", func(c *Config) { c.Simulation.MaxSubeventLen = 1000 }},
		{"aci out of range", func(c *Config) { c.Simulation.ACI = 8 }},
		{"excluded channel out of range", func(c *Config) { c.Simulation.ExcludedChannels = []int{79} }},
		{"too few channels", func(c *Config) {
			for ch := 2; ch <= 70; ch++ {
				c.Simulation.ExcludedChannels = append(c.Simulation.ExcludedChannels, ch)
			}
		}},
		{"unknown log level", func(c *Config) { c.Logging.Level = "trace" }},
		{"unknown log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"database without path", func(c *Config) { c.Database.Path = " " }},
		{"invalid web port when enabled", func(c *Config) { c.Web.Port = 70000 }},
		{"invalid metrics path", func(c *Config) {
			c.Metrics = MetricsConfig{Enabled: true, Prometheus: PrometheusConfig{Enabled: true, Port: 9090, Path: "metrics"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected error for %s", tt.name)
			}
		})
	}
}

func TestValidate_SimulationDisabled(t *testing.T) {
	cfg := validConfig()
	cfg.Simulation.Enabled = false
	cfg.Simulation.ConnInterval = 0
	if err := validate(cfg); err != nil {
		t.Errorf("expected simulation settings to be ignored when disabled, got %v", err)
	}
}

func TestCapabilitiesConversion(t *testing.T) {
	c := CapabilitiesConfig{
		Mode3:           true,
		SyncPhys:        0x02,
		NumAntennas:     2,
		MaxAntennaPaths: 4,
		Roles:           cs.RoleEnableInitiator,
		TIP1:            0x7F,
		TSW:             10,
	}
	caps := c.Capabilities()
	if !caps.SupportsMode3() {
		t.Error("expected mode 3 support")
	}
	if !caps.SupportsPhy(cs.PhyLE2M) {
		t.Error("expected 2M support")
	}
	if caps.Antenna().NumAntennas != 2 || caps.Antenna().MaxAntennaPaths != 4 {
		t.Errorf("unexpected antenna capability %+v", caps.Antenna())
	}
	if caps.RolesSupported != cs.RoleEnableInitiator || caps.TIP1TimesSupported != 0x7F || caps.TSWTimeSupported != 10 {
		t.Errorf("unexpected capabilities %+v", caps)
	}

	d := DefaultsConfig{RoleEnable: 1, SyncAntennaSelection: 2, MaxTxPower: -3}.Settings()
	if d.RoleEnable != 1 || d.CsSyncAntennaSelection != 2 || d.MaxTxPower != -3 {
		t.Errorf("unexpected default settings %+v", d)
	}
}
