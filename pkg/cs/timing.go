package cs

// Interlude, frequency-change and phase-measurement period tables, in µs.
// Configurations carry indices into these tables.
var (
	tipTable  = [8]uint8{10, 20, 30, 40, 50, 60, 80, 145}
	tfcsTable = [10]uint8{15, 20, 30, 40, 50, 60, 80, 100, 120, 150}
	tpmTable  = [4]uint16{10, 20, 40, 652}
	tswTable  = [5]uint8{0, 1, 2, 4, 10}
)

// Fixed step component durations in µs.
const (
	TRD = 5  // ramp-down
	TGD = 10 // guard
	TFM = 80 // mode-0 frequency measurement
)

// GetTip returns the T_IP1/T_IP2 time for index idx, or InvalidTableValue.
func GetTip(idx uint8) uint8 {
	if int(idx) >= len(tipTable) {
		return InvalidTableValue
	}
	return tipTable[idx]
}

// GetTfcs returns the T_FCS time for index idx, or InvalidTableValue.
func GetTfcs(idx uint8) uint8 {
	if int(idx) >= len(tfcsTable) {
		return InvalidTableValue
	}
	return tfcsTable[idx]
}

// GetTpm returns the T_PM time for index idx, or InvalidTableValue.
func GetTpm(idx uint8) uint16 {
	if int(idx) >= len(tpmTable) {
		return InvalidTableValue
	}
	return tpmTable[idx]
}

// GetTsw returns the antenna switch time for index idx, or InvalidTableValue.
func GetTsw(idx uint8) uint8 {
	if int(idx) >= len(tswTable) {
		return InvalidTableValue
	}
	return tswTable[idx]
}

// TipIndex returns the table index holding the time us, or
// InvalidTableValue when us is not a defined T_IP value.
func TipIndex(us uint8) uint8 {
	for i, v := range tipTable {
		if v == us {
			return uint8(i)
		}
	}
	return InvalidTableValue
}

// CalcOffsetMin clamps a host supplied minimum offset into [MinOffset,
// MaxOffset).
func CalcOffsetMin(offsetMin uint32) uint32 {
	if offsetMin < MinOffset {
		return MinOffset
	}
	if offsetMin >= MaxOffset {
		return MaxOffset - 1
	}
	return offsetMin
}

// CalcOffsetMax clamps a host supplied maximum offset into [offsetMin,
// connInterval - minSubeventLen). offsetMin is expected to be clamped
// already. connInterval is in 1.25 ms units.
func CalcOffsetMax(offsetMax, offsetMin uint32, connInterval uint16, minSubeventLen uint32) uint32 {
	intervalUs := uint32(connInterval) * ConnIntervalUnit
	if intervalUs <= minSubeventLen || intervalUs-minSubeventLen <= offsetMin {
		return offsetMin
	}
	limit := intervalUs - minSubeventLen - 1
	if offsetMax < offsetMin {
		return offsetMin
	}
	if offsetMax > limit {
		return limit
	}
	return offsetMax
}

// SubeventsPerEvent returns how many whole subevents of subeventInterval µs
// fit in the connection interval (1.25 ms units) after eventOffset µs. A zero
// interval means a single subevent per event. The result is clamped into
// [MinSubeventsPerEvent, MaxSubeventsPerProcedure].
func SubeventsPerEvent(connInterval uint16, subeventInterval, eventOffset uint32) uint8 {
	if subeventInterval == 0 {
		return MinSubeventsPerEvent
	}
	intervalUs := uint32(connInterval) * ConnIntervalUnit
	if eventOffset >= intervalUs {
		return MinSubeventsPerEvent
	}
	n := (intervalUs - eventOffset) / subeventInterval
	if n < MinSubeventsPerEvent {
		return MinSubeventsPerEvent
	}
	if n > MaxSubeventsPerProcedure {
		return MaxSubeventsPerProcedure
	}
	return uint8(n)
}

// EventsPerProcedure returns procedureLen / (eventInterval * connInterval)
// truncated. procedureLen and connInterval must be in the same unit.
func EventsPerProcedure(procedureLen uint32, eventInterval, connInterval uint16) uint32 {
	d := uint32(eventInterval) * uint32(connInterval)
	if d == 0 {
		return 0
	}
	return procedureLen / d
}

// NumBuffSteps returns how many of the remaining steps fit in one radio
// command buffer.
func NumBuffSteps(remaining int) int {
	if remaining > MaxNumStepsInTxBuff {
		return MaxNumStepsInTxBuff
	}
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SyncDuration returns the CS_SYNC packet duration in µs for phy and rttType.
func SyncDuration(phy, rttType uint8) uint32 {
	// preamble + access address + trailer, plus the optional sounding or
	// random sequence.
	bits := uint32(8 + 32 + 4)
	if phy != PhyLE1M {
		bits = 16 + 32 + 4
	}
	switch rttType {
	case RTTSounding32, RTTRandom32:
		bits += 32
	case RTTRandom64:
		bits += 64
	case RTTSounding96, RTTRandom96:
		bits += 96
	case RTTRandom128:
		bits += 128
	}
	if phy == PhyLE1M {
		return bits
	}
	return (bits + 1) / 2
}

// StepTiming carries the resolved per-configuration times needed to size
// steps.
type StepTiming struct {
	TFCS    uint32
	TIP1    uint32
	TIP2    uint32
	TPM     uint32
	TSW     uint32
	TSY     uint32
	NumPath uint8
}

// StepDuration returns the duration in µs of one step of the given mode.
func (t StepTiming) StepDuration(mode uint8) uint32 {
	tones := (t.TSW + t.TPM) * uint32(t.NumPath+1)
	switch mode {
	case Mode0:
		return t.TFCS + t.TSY + TRD + t.TIP1 + t.TSY + TGD + TFM + TRD
	case Mode1:
		return t.TFCS + 2*(t.TSY+TRD) + t.TIP1
	case Mode2:
		return t.TFCS + 2*(tones+TRD) + t.TIP2
	case Mode3:
		return t.TFCS + 2*(t.TSY+TGD+tones+TRD) + t.TIP2
	}
	return 0
}
