package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
)

// Event is an HCI LE meta event raised towards the host. Encode returns
// the parameters starting with the subevent code.
type Event interface {
	EventCode() byte
	Encode() ([]byte, error)
}

// Config actions reported in ConfigCompleteEvt.
const (
	ConfigActionRemoved uint8 = 0x00
	ConfigActionCreated uint8 = 0x01
)

// ReadRemoteCapabilitiesCompleteEvt reports the peer's capabilities.
type ReadRemoteCapabilitiesCompleteEvt struct {
	Status cs.Status
	Handle uint16
	Caps   csdb.Capabilities
}

func (*ReadRemoteCapabilitiesCompleteEvt) EventCode() byte { return EvtReadRemoteCapabilitiesComplete }

func (e *ReadRemoteCapabilitiesCompleteEvt) Encode() ([]byte, error) {
	c := capabilities{Caps: e.Caps}
	buf := []byte{EvtReadRemoteCapabilitiesComplete, byte(e.Status)}
	buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
	return append(buf, c.encode()...), nil
}

// ReadRemoteFAETableCompleteEvt reports the peer's FAE table.
type ReadRemoteFAETableCompleteEvt struct {
	Status cs.Status
	Handle uint16
	Table  csdb.FAETable
}

func (*ReadRemoteFAETableCompleteEvt) EventCode() byte { return EvtReadRemoteFAETableComplete }

func (e *ReadRemoteFAETableCompleteEvt) Encode() ([]byte, error) {
	buf := []byte{EvtReadRemoteFAETableComplete, byte(e.Status)}
	buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
	for _, v := range e.Table {
		buf = append(buf, byte(v))
	}
	return buf, nil
}

// SecurityEnableCompleteEvt ends the security start procedure.
type SecurityEnableCompleteEvt struct {
	Status cs.Status
	Handle uint16
}

func (*SecurityEnableCompleteEvt) EventCode() byte { return EvtSecurityEnableComplete }

func (e *SecurityEnableCompleteEvt) Encode() ([]byte, error) {
	buf := []byte{EvtSecurityEnableComplete, byte(e.Status)}
	return binary.LittleEndian.AppendUint16(buf, e.Handle), nil
}

// ConfigCompleteEvt reports a created or removed configuration.
type ConfigCompleteEvt struct {
	Status cs.Status
	Handle uint16
	Action uint8
	Config csdb.Configuration
}

func (*ConfigCompleteEvt) EventCode() byte { return EvtConfigComplete }

func (e *ConfigCompleteEvt) Encode() ([]byte, error) {
	c := e.Config
	buf := []byte{EvtConfigComplete, byte(e.Status)}
	buf = binary.LittleEndian.AppendUint16(buf, e.Handle)
	buf = append(buf, c.ID, e.Action, c.MainMode, c.SubMode,
		c.MainModeMinSteps, c.MainModeMaxSteps, c.MainModeRepetition,
		c.Mode0Steps, c.Role, c.RTTType, c.CsSyncPhy)
	buf = append(buf, c.ChannelMap[:]...)
	buf = append(buf, c.ChMRepetition, c.ChSel, c.Ch3cShape, c.Ch3cJump, 0x00,
		cs.GetTip(c.TIP1), cs.GetTip(c.TIP2), cs.GetTfcs(c.TFCS), byte(cs.GetTpm(c.TPM)))
	return buf, nil
}

// ProcedureEnableCompleteEvt reports the negotiated procedure timing or
// the end of a procedure sequence.
type ProcedureEnableCompleteEvt struct {
	Status            cs.Status
	Handle            uint16
	ConfigID          uint8
	State             uint8 // 0 disabled, 1 enabled
	ACI               uint8
	TxPower           int8
	SubeventLen       uint32
	SubeventsPerEvent uint8
	SubeventInterval  uint16
	EventInterval     uint16
	ProcedureInterval uint16
	ProcedureCount    uint16
	MaxProcedureLen   uint16
}

// ProcedureEnableCompleteLen is the parameter size including the code.
const ProcedureEnableCompleteLen = 22

func (*ProcedureEnableCompleteEvt) EventCode() byte { return EvtProcedureEnableComplete }

func (e *ProcedureEnableCompleteEvt) Encode() ([]byte, error) {
	data := make([]byte, ProcedureEnableCompleteLen)
	data[0] = EvtProcedureEnableComplete
	data[1] = byte(e.Status)
	binary.LittleEndian.PutUint16(data[2:4], e.Handle)
	data[4] = e.ConfigID
	data[5] = e.State
	data[6] = e.ACI
	data[7] = byte(e.TxPower)
	putUint24(data[8:11], e.SubeventLen)
	data[11] = e.SubeventsPerEvent
	binary.LittleEndian.PutUint16(data[12:14], e.SubeventInterval)
	binary.LittleEndian.PutUint16(data[14:16], e.EventInterval)
	binary.LittleEndian.PutUint16(data[16:18], e.ProcedureInterval)
	binary.LittleEndian.PutUint16(data[18:20], e.ProcedureCount)
	binary.LittleEndian.PutUint16(data[20:22], e.MaxProcedureLen)
	return data, nil
}

// Parse decodes the event parameters, subevent code included.
func (e *ProcedureEnableCompleteEvt) Parse(data []byte) error {
	if err := checkSize("procedure enable complete event", data, ProcedureEnableCompleteLen); err != nil {
		return err
	}
	if data[0] != EvtProcedureEnableComplete {
		return fmt.Errorf("unexpected event code 0x%02X", data[0])
	}
	*e = ProcedureEnableCompleteEvt{
		Status:            cs.Status(data[1]),
		Handle:            binary.LittleEndian.Uint16(data[2:4]),
		ConfigID:          data[4],
		State:             data[5],
		ACI:               data[6],
		TxPower:           int8(data[7]),
		SubeventLen:       uint24(data[8:11]),
		SubeventsPerEvent: data[11],
		SubeventInterval:  binary.LittleEndian.Uint16(data[12:14]),
		EventInterval:     binary.LittleEndian.Uint16(data[14:16]),
		ProcedureInterval: binary.LittleEndian.Uint16(data[16:18]),
		ProcedureCount:    binary.LittleEndian.Uint16(data[18:20]),
		MaxProcedureLen:   binary.LittleEndian.Uint16(data[20:22]),
	}
	return nil
}

// TestEndCompleteEvt acknowledges the end of a CS test.
type TestEndCompleteEvt struct {
	Status cs.Status
}

func (*TestEndCompleteEvt) EventCode() byte { return EvtTestEndComplete }

func (e *TestEndCompleteEvt) Encode() ([]byte, error) {
	return []byte{EvtTestEndComplete, byte(e.Status)}, nil
}

// SubeventResultsEvt is the first event of a subevent's results.
type SubeventResultsEvt struct {
	Handle            uint16
	ConfigID          uint8
	StartACLConnEvent uint16
	ProcedureCounter  uint16
	FreqCompensation  int16
	ReferencePower    int8
	ProcedureDone     uint8
	SubeventDone      uint8
	AbortReason       uint8
	NumAntennaPaths   uint8
	Steps             []StepResult
}

func (*SubeventResultsEvt) EventCode() byte { return EvtSubeventResult }

func (e *SubeventResultsEvt) Encode() ([]byte, error) {
	if len(e.Steps) > 0xFF {
		return nil, fmt.Errorf("too many steps: %d", len(e.Steps))
	}
	buf := make([]byte, ResultEventHeaderLen, MaxEventParamLen)
	buf[0] = EvtSubeventResult
	binary.LittleEndian.PutUint16(buf[1:3], e.Handle)
	buf[3] = e.ConfigID
	binary.LittleEndian.PutUint16(buf[4:6], e.StartACLConnEvent)
	binary.LittleEndian.PutUint16(buf[6:8], e.ProcedureCounter)
	binary.LittleEndian.PutUint16(buf[8:10], uint16(e.FreqCompensation))
	buf[10] = byte(e.ReferencePower)
	buf[11] = e.ProcedureDone
	buf[12] = e.SubeventDone
	buf[13] = e.AbortReason
	buf[14] = e.NumAntennaPaths
	buf[15] = byte(len(e.Steps))
	return appendSteps(buf, e.Steps)
}

// Parse decodes the event parameters. role is the role of the controller
// that produced the steps.
func (e *SubeventResultsEvt) Parse(data []byte, role uint8) error {
	if len(data) < ResultEventHeaderLen {
		return fmt.Errorf("subevent result event too short: %d bytes", len(data))
	}
	if data[0] != EvtSubeventResult {
		return fmt.Errorf("unexpected event code 0x%02X", data[0])
	}
	e.Handle = binary.LittleEndian.Uint16(data[1:3])
	e.ConfigID = data[3]
	e.StartACLConnEvent = binary.LittleEndian.Uint16(data[4:6])
	e.ProcedureCounter = binary.LittleEndian.Uint16(data[6:8])
	e.FreqCompensation = int16(binary.LittleEndian.Uint16(data[8:10]))
	e.ReferencePower = int8(data[10])
	e.ProcedureDone = data[11]
	e.SubeventDone = data[12]
	e.AbortReason = data[13]
	e.NumAntennaPaths = data[14]
	steps, err := ParseSteps(data[ResultEventHeaderLen:], int(data[15]), role, e.NumAntennaPaths)
	if err != nil {
		return err
	}
	e.Steps = steps
	return nil
}

// SubeventResultsContinueEvt carries the steps that did not fit in the
// previous result event.
type SubeventResultsContinueEvt struct {
	Handle          uint16
	ConfigID        uint8
	ProcedureDone   uint8
	SubeventDone    uint8
	AbortReason     uint8
	NumAntennaPaths uint8
	Steps           []StepResult
}

func (*SubeventResultsContinueEvt) EventCode() byte { return EvtSubeventResultContinue }

func (e *SubeventResultsContinueEvt) Encode() ([]byte, error) {
	if len(e.Steps) > 0xFF {
		return nil, fmt.Errorf("too many steps: %d", len(e.Steps))
	}
	buf := make([]byte, ContinueResultEventHeaderLen, MaxEventParamLen)
	buf[0] = EvtSubeventResultContinue
	binary.LittleEndian.PutUint16(buf[1:3], e.Handle)
	buf[3] = e.ConfigID
	buf[4] = e.ProcedureDone
	buf[5] = e.SubeventDone
	buf[6] = e.AbortReason
	buf[7] = e.NumAntennaPaths
	buf[8] = byte(len(e.Steps))
	return appendSteps(buf, e.Steps)
}

// Parse decodes the event parameters.
func (e *SubeventResultsContinueEvt) Parse(data []byte, role uint8) error {
	if len(data) < ContinueResultEventHeaderLen {
		return fmt.Errorf("subevent result continue event too short: %d bytes", len(data))
	}
	if data[0] != EvtSubeventResultContinue {
		return fmt.Errorf("unexpected event code 0x%02X", data[0])
	}
	e.Handle = binary.LittleEndian.Uint16(data[1:3])
	e.ConfigID = data[3]
	e.ProcedureDone = data[4]
	e.SubeventDone = data[5]
	e.AbortReason = data[6]
	e.NumAntennaPaths = data[7]
	steps, err := ParseSteps(data[ContinueResultEventHeaderLen:], int(data[8]), role, e.NumAntennaPaths)
	if err != nil {
		return err
	}
	e.Steps = steps
	return nil
}

func appendSteps(buf []byte, steps []StepResult) ([]byte, error) {
	var err error
	for _, s := range steps {
		if buf, err = s.AppendTo(buf); err != nil {
			return nil, err
		}
	}
	if len(buf) > MaxEventParamLen {
		return nil, fmt.Errorf("event parameters exceed %d bytes: %d", MaxEventParamLen, len(buf))
	}
	return buf, nil
}

// SplitSubeventResults packs steps into a first result event followed by
// as many continue events as needed, keeping every event within the HCI
// parameter limit. Only the last event carries the final done statuses
// and abort reason; earlier ones report the subevent and procedure as
// still active. A subevent without steps yields a single event.
func SplitSubeventResults(first SubeventResultsEvt, steps []StepResult) ([]Event, error) {
	chunks, err := chunkSteps(steps)
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(chunks))
	for i, chunk := range chunks {
		last := i == len(chunks)-1
		procDone, subDone, abort := first.ProcedureDone, first.SubeventDone, first.AbortReason
		if !last {
			procDone, subDone, abort = cs.ProcedureActive, cs.SubeventActive, cs.AbortReason(cs.AbortNone, cs.SubeventAbortNone)
		}
		if i == 0 {
			evt := first
			evt.ProcedureDone, evt.SubeventDone, evt.AbortReason = procDone, subDone, abort
			evt.Steps = chunk
			events = append(events, &evt)
			continue
		}
		events = append(events, &SubeventResultsContinueEvt{
			Handle:          first.Handle,
			ConfigID:        first.ConfigID,
			ProcedureDone:   procDone,
			SubeventDone:    subDone,
			AbortReason:     abort,
			NumAntennaPaths: first.NumAntennaPaths,
			Steps:           chunk,
		})
	}
	return events, nil
}

func chunkSteps(steps []StepResult) ([][]StepResult, error) {
	var chunks [][]StepResult
	room := MaxEventParamLen - ResultEventHeaderLen
	start, used := 0, 0
	for i, s := range steps {
		n := s.Len()
		if n > MaxEventParamLen-ResultEventHeaderLen {
			return nil, fmt.Errorf("step %d of %d bytes does not fit an event", i, n)
		}
		if used+n > room {
			chunks = append(chunks, steps[start:i])
			start, used = i, 0
			room = MaxEventParamLen - ContinueResultEventHeaderLen
		}
		used += n
	}
	return append(chunks, steps[start:]), nil
}
