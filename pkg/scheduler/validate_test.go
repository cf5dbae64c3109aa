package scheduler

import (
	"testing"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
)

func testCaps() csdb.Capabilities {
	return csdb.Capabilities{
		ModeTypes:           0x01,
		CsSyncPhysSupported: 0x02,
		NumAntennas:         2,
		MaxAntennaPaths:     4,
		RolesSupported:      cs.RoleEnableInitiator | cs.RoleEnableReflector,
		ChSel3c:             true,
		TIP1TimesSupported:  0x7F,
		TIP2TimesSupported:  0x7F,
		TFCSTimesSupported:  0x1FF,
		TPMTimesSupported:   0x03,
	}
}

func testConfig() csdb.Configuration {
	return csdb.Configuration{
		ID:               1,
		ChannelMap:       chanmap.Full(),
		ChMRepetition:    1,
		MainMode:         cs.Mode2,
		SubMode:          cs.ModeNone,
		MainModeMinSteps: 2,
		MainModeMaxSteps: 5,
		Mode0Steps:       2,
		Role:             cs.RoleInitiator,
		CsSyncPhy:        cs.PhyLE1M,
		ChSel:            cs.ChSel3b,
	}
}

// TestValidateModes tests main and sub mode combinations
func TestValidateModes(t *testing.T) {
	full := testCaps()
	noMode3 := testCaps()
	noMode3.ModeTypes = 0

	tests := []struct {
		name      string
		main, sub uint8
		peer      csdb.Capabilities
		want      cs.Status
	}{
		{"mode 2 alone", cs.Mode2, cs.ModeNone, full, cs.StatusSuccess},
		{"mode 2 with mode 1", cs.Mode2, cs.Mode1, full, cs.StatusSuccess},
		{"mode 0 as main", cs.Mode0, cs.ModeNone, full, cs.StatusUnexpectedParameter},
		{"sub equals main", cs.Mode1, cs.Mode1, full, cs.StatusUnexpectedParameter},
		{"sub mode 0", cs.Mode2, cs.Mode0, full, cs.StatusUnexpectedParameter},
		{"mode 3 supported", cs.Mode3, cs.ModeNone, full, cs.StatusSuccess},
		{"mode 3 unsupported by peer", cs.Mode3, cs.ModeNone, noMode3, cs.StatusFeatureNotSupported},
		{"sub mode 3 unsupported", cs.Mode2, cs.Mode3, noMode3, cs.StatusFeatureNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cs.StatusOf(validateModes(tt.main, tt.sub, full, tt.peer))
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// TestValidateConfig tests configuration acceptance
func TestValidateConfig(t *testing.T) {
	caps := testCaps()
	no3c := testCaps()
	no3c.ChSel3c = false

	tests := []struct {
		name   string
		modify func(*csdb.Configuration)
		peer   csdb.Capabilities
		class  chanmap.Map
		want   cs.Status
	}{
		{"valid", func(*csdb.Configuration) {}, caps, chanmap.Full(), cs.StatusSuccess},
		{"config ID too large", func(c *csdb.Configuration) { c.ID = cs.MaxNumConfigIDs }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"min steps below limit", func(c *csdb.Configuration) { c.MainModeMinSteps = 1 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"min above max", func(c *csdb.Configuration) { c.MainModeMinSteps = 6 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"repetition too large", func(c *csdb.Configuration) { c.MainModeRepetition = 4 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"no mode 0 steps", func(c *csdb.Configuration) { c.Mode0Steps = 0 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"too many mode 0 steps", func(c *csdb.Configuration) { c.Mode0Steps = 4 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"bad role", func(c *csdb.Configuration) { c.Role = 2 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"bad RTT type", func(c *csdb.Configuration) { c.RTTType = cs.MaxRTTType + 1 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"2M sync", func(c *csdb.Configuration) { c.CsSyncPhy = cs.PhyLE2M }, caps, chanmap.Full(), cs.StatusSuccess},
		{"2M 2BT sync unsupported", func(c *csdb.Configuration) { c.CsSyncPhy = cs.PhyLE2M2BT }, caps, chanmap.Full(), cs.StatusFeatureNotSupported},
		{"no channel map repetition", func(c *csdb.Configuration) { c.ChMRepetition = 0 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"too few channels", func(c *csdb.Configuration) {}, caps, chanmap.Map{0xFF, 0xFF}, cs.StatusInvalidCHM},
		{"3c hat", func(c *csdb.Configuration) {
			c.ChSel = cs.ChSel3c
			c.Ch3cShape = cs.Ch3cShapeHat
			c.Ch3cJump = 3
		}, caps, chanmap.Full(), cs.StatusSuccess},
		{"3c unsupported by peer", func(c *csdb.Configuration) {
			c.ChSel = cs.ChSel3c
			c.Ch3cJump = 3
		}, no3c, chanmap.Full(), cs.StatusFeatureNotSupported},
		{"3c jump too small", func(c *csdb.Configuration) {
			c.ChSel = cs.ChSel3c
			c.Ch3cJump = 1
		}, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
		{"unknown channel selection", func(c *csdb.Configuration) { c.ChSel = 5 }, caps, chanmap.Full(), cs.StatusUnexpectedParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			got := cs.StatusOf(validateConfig(cfg, caps, tt.peer, tt.class))
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// TestResolveTimingIndices tests picking the fastest common timing
func TestResolveTimingIndices(t *testing.T) {
	local := testCaps()
	peer := testCaps()
	peer.TIP1TimesSupported = 0x70 // 50 µs and slower
	peer.TPMTimesSupported = 0

	cfg := testConfig()
	resolveTimingIndices(&cfg, local, peer)

	if cfg.TIP1 != 4 {
		t.Errorf("Expected T_IP1 index 4, got %d", cfg.TIP1)
	}
	if cfg.TIP2 != 0 {
		t.Errorf("Expected T_IP2 index 0, got %d", cfg.TIP2)
	}
	if cfg.TFCS != 0 {
		t.Errorf("Expected T_FCS index 0, got %d", cfg.TFCS)
	}
	if cfg.TPM != mandatoryTpmIdx {
		t.Errorf("Expected mandatory T_PM index %d, got %d", mandatoryTpmIdx, cfg.TPM)
	}
	if !validTimingIndices(cfg) {
		t.Error("Expected resolved indices to be valid")
	}

	cfg.TFCS = 10
	if validTimingIndices(cfg) {
		t.Error("Expected T_FCS index 10 to be invalid")
	}
}

// TestValidateParams tests procedure parameter checks
func TestValidateParams(t *testing.T) {
	caps := testCaps()
	valid := csdb.ProcedureParams{
		MaxProcedureDur:      100,
		MinProcedureInterval: 1,
		MaxProcedureInterval: 4,
		MinSubeventLen:       cs.MinSubeventLen,
		MaxSubeventLen:       10000,
		ACI:                  0,
		Phy:                  cs.PhyLE1M,
		PreferredPeerAntenna: 0x01,
		SnrControlInitiator:  0x0F,
		SnrControlReflector:  0x0F,
	}

	tests := []struct {
		name   string
		modify func(*csdb.ProcedureParams)
		want   cs.Status
	}{
		{"valid", func(*csdb.ProcedureParams) {}, cs.StatusSuccess},
		{"zero duration", func(p *csdb.ProcedureParams) { p.MaxProcedureDur = 0 }, cs.StatusUnexpectedParameter},
		{"interval inverted", func(p *csdb.ProcedureParams) { p.MinProcedureInterval = 5 }, cs.StatusUnexpectedParameter},
		{"subevent too short", func(p *csdb.ProcedureParams) { p.MinSubeventLen = 100 }, cs.StatusUnexpectedParameter},
		{"subevent too long", func(p *csdb.ProcedureParams) { p.MaxSubeventLen = cs.MaxSubeventLen + 1 }, cs.StatusUnexpectedParameter},
		{"bad phy", func(p *csdb.ProcedureParams) { p.Phy = 4 }, cs.StatusUnexpectedParameter},
		{"bad SNR", func(p *csdb.ProcedureParams) { p.SnrControlInitiator = 5 }, cs.StatusUnexpectedParameter},
		{"two paths", func(p *csdb.ProcedureParams) {
			p.ACI = 1
			p.PreferredPeerAntenna = 0x03
		}, cs.StatusSuccess},
		{"too many initiator antennas", func(p *csdb.ProcedureParams) {
			p.ACI = 3
			p.PreferredPeerAntenna = 0x03
		}, cs.StatusFeatureNotSupported},
		{"invalid ACI", func(p *csdb.ProcedureParams) { p.ACI = antenna.MaxACI + 1 }, cs.StatusUnexpectedParameter},
		{"no preferred antenna", func(p *csdb.ProcedureParams) { p.PreferredPeerAntenna = 0 }, cs.StatusUnexpectedParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.modify(&p)
			got := cs.StatusOf(validateParams(p, testConfig(), caps, caps))
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// TestValidateDefaults tests default settings checks
func TestValidateDefaults(t *testing.T) {
	caps := testCaps()
	caps.RolesSupported = cs.RoleEnableInitiator

	tests := []struct {
		name string
		d    csdb.DefaultSettings
		want cs.Status
	}{
		{"initiator", csdb.DefaultSettings{RoleEnable: cs.RoleEnableInitiator, CsSyncAntennaSelection: 1}, cs.StatusSuccess},
		{"reflector unsupported", csdb.DefaultSettings{RoleEnable: cs.RoleEnableReflector, CsSyncAntennaSelection: 1}, cs.StatusFeatureNotSupported},
		{"unknown role bit", csdb.DefaultSettings{RoleEnable: 0x04, CsSyncAntennaSelection: 1}, cs.StatusUnexpectedParameter},
		{"repetitive", csdb.DefaultSettings{CsSyncAntennaSelection: cs.CsSyncAntennaRepetitive}, cs.StatusSuccess},
		{"no recommendation", csdb.DefaultSettings{CsSyncAntennaSelection: cs.CsSyncAntennaNoRecommended}, cs.StatusSuccess},
		{"antenna 3 of 2", csdb.DefaultSettings{CsSyncAntennaSelection: 3}, cs.StatusFeatureNotSupported},
		{"antenna 5", csdb.DefaultSettings{CsSyncAntennaSelection: 5}, cs.StatusUnexpectedParameter},
		{"antenna 0", csdb.DefaultSettings{CsSyncAntennaSelection: 0}, cs.StatusUnexpectedParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := cs.StatusOf(validateDefaults(tt.d, caps))
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

// TestRoleHelpers tests role enable bits and role swapping
func TestRoleHelpers(t *testing.T) {
	if !roleAllowed(cs.RoleInitiator, cs.RoleEnableInitiator) {
		t.Error("Expected initiator to be allowed")
	}
	if roleAllowed(cs.RoleReflector, cs.RoleEnableInitiator) {
		t.Error("Expected reflector to be refused")
	}
	if peerRole(cs.RoleInitiator) != cs.RoleReflector || peerRole(cs.RoleReflector) != cs.RoleInitiator {
		t.Error("Expected peerRole to swap roles")
	}
}
