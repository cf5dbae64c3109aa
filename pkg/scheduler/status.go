package scheduler

import (
	"sort"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/link"
)

// ConfigStatus is one configuration stored for a connection.
type ConfigStatus struct {
	ID       uint8  `json:"id"`
	State    string `json:"state"`
	MainMode uint8  `json:"main_mode"`
	Channels int    `json:"channels"`
	Role     string `json:"role"`
}

// ConnectionStatus is a snapshot of the CS state of one connection.
type ConnectionStatus struct {
	link.Info
	ActiveProcedure  string         `json:"active_procedure"`
	PeerCapabilities bool           `json:"peer_capabilities"`
	Configs          []ConfigStatus `json:"configs"`
	Ranging          bool           `json:"ranging"`
	RangingConfig    uint8          `json:"ranging_config"`
	InProcedure      bool           `json:"in_procedure"`
	ProcedureCounter uint16         `json:"procedure_counter"`
}

// Status lists every connection known to the engine, sorted by handle.
// Call it from the engine goroutine.
func (e *Engine) Status() []ConnectionStatus {
	conns := e.links.All()
	out := make([]ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		h := c.Handle
		st := ConnectionStatus{
			Info:             c.Snapshot(),
			ActiveProcedure:  e.db.ActiveProcedure(h).String(),
			ProcedureCounter: e.db.ProcedureCounter(h),
		}
		_, st.PeerCapabilities = e.db.PeerCapabilities(h)
		for id := uint8(0); id < cs.MaxNumConfigIDs; id++ {
			cfg, ok := e.db.Configuration(h, id)
			if !ok {
				continue
			}
			st.Configs = append(st.Configs, ConfigStatus{
				ID:       id,
				State:    configStateString(cfg.State),
				MainMode: cfg.MainMode,
				Channels: cfg.ChannelMap.Count(),
				Role:     roleString(cfg.Role),
			})
		}
		if r, ok := e.ranging[h]; ok && !r.test {
			st.Ranging = true
			st.RangingConfig = r.configID
			st.InProcedure = e.inProcedure(h)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

func configStateString(s uint8) string {
	switch s {
	case cs.ConfigDisabled:
		return "disabled"
	case cs.ConfigEnabled:
		return "enabled"
	case cs.ConfigRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

func roleString(r uint8) string {
	if r == cs.RoleInitiator {
		return "initiator"
	}
	return "reflector"
}
