package scheduler

import (
	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
)

// Mandatory timing table indices, used when the devices share no faster
// option.
const (
	mandatoryTipIdx  uint8 = 7 // 145 µs
	mandatoryTfcsIdx uint8 = 9 // 150 µs
	mandatoryTpmIdx  uint8 = 2 // 40 µs
)

func validMainMode(m uint8) bool { return m >= cs.Mode1 && m <= cs.Mode3 }

// validateModes checks the main and sub mode pair against both devices.
func validateModes(main, sub uint8, local, peer csdb.Capabilities) error {
	if !validMainMode(main) {
		return cs.StatusUnexpectedParameter
	}
	if sub != cs.ModeNone && (!validMainMode(sub) || sub == main) {
		return cs.StatusUnexpectedParameter
	}
	if main == cs.Mode3 || sub == cs.Mode3 {
		if !local.SupportsMode3() || !peer.SupportsMode3() {
			return cs.StatusFeatureNotSupported
		}
	}
	return nil
}

// validateConfig checks a configuration before it is created. The channel
// map is filtered against classification.
func validateConfig(cfg csdb.Configuration, local, peer csdb.Capabilities, classification chanmap.Map) error {
	if cfg.ID >= cs.MaxNumConfigIDs {
		return cs.StatusUnexpectedParameter
	}
	if err := validateModes(cfg.MainMode, cfg.SubMode, local, peer); err != nil {
		return err
	}
	if cfg.MainModeMinSteps < cs.MinMainModeSteps || cfg.MainModeMinSteps > cfg.MainModeMaxSteps {
		return cs.StatusUnexpectedParameter
	}
	if cfg.MainModeRepetition > cs.MaxMainModeRepetition {
		return cs.StatusUnexpectedParameter
	}
	if cfg.Mode0Steps < cs.MinMode0Steps || cfg.Mode0Steps > cs.MaxMode0Steps {
		return cs.StatusUnexpectedParameter
	}
	if cfg.Role != cs.RoleInitiator && cfg.Role != cs.RoleReflector {
		return cs.StatusUnexpectedParameter
	}
	if cfg.RTTType > cs.MaxRTTType {
		return cs.StatusUnexpectedParameter
	}
	if cfg.CsSyncPhy < cs.PhyLE1M || cfg.CsSyncPhy > cs.PhyLE2M2BT {
		return cs.StatusUnexpectedParameter
	}
	if !local.SupportsPhy(cfg.CsSyncPhy) || !peer.SupportsPhy(cfg.CsSyncPhy) {
		return cs.StatusFeatureNotSupported
	}
	if cfg.ChMRepetition < 1 || cfg.ChMRepetition > 3 {
		return cs.StatusUnexpectedParameter
	}
	if _, err := chanmap.FilterChannelMap(cfg.ChannelMap, classification); err != nil {
		return err
	}
	switch cfg.ChSel {
	case cs.ChSel3b:
	case cs.ChSel3c:
		if !local.ChSel3c || !peer.ChSel3c {
			return cs.StatusFeatureNotSupported
		}
		if cfg.Ch3cShape != cs.Ch3cShapeHat && cfg.Ch3cShape != cs.Ch3cShapeX {
			return cs.StatusUnexpectedParameter
		}
		if cfg.Ch3cJump < cs.MinCh3cJump || cfg.Ch3cJump > cs.MaxCh3cJump {
			return cs.StatusUnexpectedParameter
		}
	default:
		return cs.StatusUnexpectedParameter
	}
	return nil
}

// roleAllowed checks a CS role against the host's role enable bits.
func roleAllowed(role, enable uint8) bool {
	if role == cs.RoleInitiator {
		return enable&cs.RoleEnableInitiator != 0
	}
	return enable&cs.RoleEnableReflector != 0
}

// selectIndex returns the lowest table index whose bit is set in both
// capability bitmaps, or mandatory when there is none.
func selectIndex(local, peer uint16, mandatory uint8) uint8 {
	common := local & peer
	for i := uint8(0); i < mandatory; i++ {
		if common&(1<<i) != 0 {
			return i
		}
	}
	return mandatory
}

// resolveTimingIndices fills the timing table indices of cfg from the
// capabilities both devices advertise.
func resolveTimingIndices(cfg *csdb.Configuration, local, peer csdb.Capabilities) {
	cfg.TIP1 = selectIndex(local.TIP1TimesSupported, peer.TIP1TimesSupported, mandatoryTipIdx)
	cfg.TIP2 = selectIndex(local.TIP2TimesSupported, peer.TIP2TimesSupported, mandatoryTipIdx)
	cfg.TFCS = selectIndex(local.TFCSTimesSupported, peer.TFCSTimesSupported, mandatoryTfcsIdx)
	cfg.TPM = selectIndex(local.TPMTimesSupported, peer.TPMTimesSupported, mandatoryTpmIdx)
}

// validTimingIndices reports whether every index of cfg names a table
// entry.
func validTimingIndices(cfg csdb.Configuration) bool {
	return cs.GetTip(cfg.TIP1) != cs.InvalidTableValue &&
		cs.GetTip(cfg.TIP2) != cs.InvalidTableValue &&
		cs.GetTfcs(cfg.TFCS) != cs.InvalidTableValue &&
		cs.GetTpm(cfg.TPM) != cs.InvalidTableValue
}

// validateParams checks host procedure parameters against the
// configuration they apply to.
func validateParams(p csdb.ProcedureParams, cfg csdb.Configuration, local, peer csdb.Capabilities) error {
	if p.MaxProcedureDur == 0 {
		return cs.StatusUnexpectedParameter
	}
	if p.MinProcedureInterval > p.MaxProcedureInterval {
		return cs.StatusUnexpectedParameter
	}
	if p.MinSubeventLen < cs.MinSubeventLen || p.MaxSubeventLen > cs.MaxSubeventLen ||
		p.MinSubeventLen > p.MaxSubeventLen {
		return cs.StatusUnexpectedParameter
	}
	if p.Phy < cs.PhyLE1M || p.Phy > cs.PhyLE2M2BT {
		return cs.StatusUnexpectedParameter
	}
	if p.SnrControlInitiator > 4 && p.SnrControlInitiator != 0x0F {
		return cs.StatusUnexpectedParameter
	}
	if p.SnrControlReflector > 4 && p.SnrControlReflector != 0x0F {
		return cs.StatusUnexpectedParameter
	}
	if err := antenna.CheckACI(p.ACI, cfg.Role, local.Antenna(), peer.Antenna()); err != nil {
		return err
	}
	return antenna.CheckPreferredAntenna(p.ACI, p.PreferredPeerAntenna, peer.NumAntennas)
}

// validateDefaults checks host default settings against the local
// capabilities.
func validateDefaults(d csdb.DefaultSettings, local csdb.Capabilities) error {
	if d.RoleEnable&^(cs.RoleEnableInitiator|cs.RoleEnableReflector) != 0 {
		return cs.StatusUnexpectedParameter
	}
	if d.RoleEnable&^local.RolesSupported != 0 {
		return cs.StatusFeatureNotSupported
	}
	switch sel := d.CsSyncAntennaSelection; {
	case sel == cs.CsSyncAntennaRepetitive || sel == cs.CsSyncAntennaNoRecommended:
	case sel >= 1 && sel <= 4:
		if sel > local.NumAntennas {
			return cs.StatusFeatureNotSupported
		}
	default:
		return cs.StatusUnexpectedParameter
	}
	return nil
}

// peerRole returns the CS role the other device takes.
func peerRole(role uint8) uint8 {
	if role == cs.RoleInitiator {
		return cs.RoleReflector
	}
	return cs.RoleInitiator
}
