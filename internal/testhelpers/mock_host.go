package testhelpers

import (
	"sync"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// RecordedEvent is one HCI event delivered to a Recorder
type RecordedEvent struct {
	ConnID uint16
	Event  protocol.Event
}

// Recorder is an EventSink that keeps every event
type Recorder struct {
	mu     sync.Mutex
	events []RecordedEvent
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Deliver records ev
func (r *Recorder) Deliver(connID uint16, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, RecordedEvent{ConnID: connID, Event: ev})
}

// Events returns every recorded event in delivery order
func (r *Recorder) Events() []RecordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RecordedEvent, len(r.events))
	copy(out, r.events)
	return out
}

// Reset forgets every recorded event
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Count returns how many events with the given code were recorded
func (r *Recorder) Count(code byte) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Event.EventCode() == code {
			n++
		}
	}
	return n
}

// EventsOf returns the recorded events of type T
func EventsOf[T protocol.Event](r *Recorder) []T {
	var out []T
	for _, ev := range r.Events() {
		if t, ok := ev.Event.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// LastOf returns the newest recorded event of type T
func LastOf[T protocol.Event](r *Recorder) (T, bool) {
	all := EventsOf[T](r)
	if len(all) == 0 {
		var zero T
		return zero, false
	}
	return all[len(all)-1], true
}

// FixedGenerator is a deterministic drbg.Generator. Each transaction ID
// counts up from its own start value.
type FixedGenerator struct {
	mu   sync.Mutex
	next [cs.NumTransactionIDs]byte
}

// NewFixedGenerator creates a generator whose streams start at seed
func NewFixedGenerator(seed byte) *FixedGenerator {
	g := &FixedGenerator{}
	for i := range g.next {
		g.next[i] = seed + byte(i)*17
	}
	return g
}

// Generate fills out with the next bytes of the tx stream
func (g *FixedGenerator) Generate(tx cs.TransactionID, out []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range out {
		out[i] = g.next[tx]
		g.next[tx] += 37
	}
	return nil
}

// FixedGeneratorFactory keys a FixedGenerator from the first seed byte, so
// both ends of a link derive the same streams
func FixedGeneratorFactory(key [16]byte, seed drbg.Seed) (drbg.Generator, error) {
	return NewFixedGenerator(key[0] ^ seed.IV[0]), nil
}

// DefaultCapabilities is a dual-role device with two antennas, mode 3 and
// every timing option
func DefaultCapabilities() csdb.Capabilities {
	return csdb.Capabilities{
		ModeTypes:              0x01,
		RTTCapability:          0x07,
		RTTAAOnlyN:             1,
		RTTSoundingN:           1,
		RTTRandomPayloadN:      1,
		CsSyncPhysSupported:    0x02,
		NumAntennas:            2,
		MaxAntennaPaths:        4,
		RolesSupported:         cs.RoleEnableInitiator | cs.RoleEnableReflector,
		ChSel3c:                true,
		NumConfigsSupported:    cs.MaxNumConfigIDs,
		MaxProceduresSupported: 1,
		TSWTimeSupported:       10,
		TIP1TimesSupported:     0x7F,
		TIP2TimesSupported:     0x7F,
		TFCSTimesSupported:     0x1FF,
		TPMTimesSupported:      0x03,
	}
}

// SummaryRecorder is a scheduler.Observer that keeps the procedure and
// subevent summaries it is told about
type SummaryRecorder struct {
	mu         sync.Mutex
	started    int
	buffers    int
	subevents  []scheduler.SubeventSummary
	procedures []scheduler.ProcedureSummary
	tables     []csdb.FAETable
}

// NewSummaryRecorder creates an empty recorder
func NewSummaryRecorder() *SummaryRecorder {
	return &SummaryRecorder{}
}

func (s *SummaryRecorder) ProcedureStarted(uint16, uint8, uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
}

func (s *SummaryRecorder) BufferSubmitted(uint16, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers++
}

func (s *SummaryRecorder) SubeventCompleted(sum scheduler.SubeventSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subevents = append(s.subevents, sum)
}

func (s *SummaryRecorder) ProcedureEnded(sum scheduler.ProcedureSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procedures = append(s.procedures, sum)
}

func (s *SummaryRecorder) FAETableUpdated(t csdb.FAETable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables = append(s.tables, t)
}

// Started returns how many procedures began
func (s *SummaryRecorder) Started() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Buffers returns how many step buffers were submitted
func (s *SummaryRecorder) Buffers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffers
}

// Subevents returns the reported subevents in order
func (s *SummaryRecorder) Subevents() []scheduler.SubeventSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduler.SubeventSummary(nil), s.subevents...)
}

// Procedures returns the ended procedures in order
func (s *SummaryRecorder) Procedures() []scheduler.ProcedureSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduler.ProcedureSummary(nil), s.procedures...)
}

// Tables returns every FAE table update
func (s *SummaryRecorder) Tables() []csdb.FAETable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]csdb.FAETable(nil), s.tables...)
}
