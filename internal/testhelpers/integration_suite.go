package testhelpers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/link"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// Link sides of the suite
const (
	CentralSide    = 0
	PeripheralSide = 1
)

// Defaults used by NewIntegrationSuite
const (
	DefaultHandle   uint16 = 1
	DefaultInterval uint16 = 16 // 20 ms
	DefaultMaxConns = 4
)

// Controller is one engine with its scripted collaborators
type Controller struct {
	Engine    *scheduler.Engine
	DB        *csdb.DB
	Links     *link.ConnTable
	Radio     *ScriptedRadio
	Host      *Recorder
	Summaries *SummaryRecorder
}

// IntegrationSuite wires a central and a peripheral controller over a
// Loopback and drives their connection events in lockstep
type IntegrationSuite struct {
	T          *testing.T
	Logger     *logger.Logger
	Ctx        context.Context
	Cancel     context.CancelFunc
	Link       *Loopback
	Central    *Controller
	Peripheral *Controller
	Handle     uint16
	Interval   uint16
	Counter    uint16
	AnchorUs   uint64
}

// NewController builds an engine around a scripted radio and a recorder.
// mods may adjust the engine options before the engine is created.
func NewController(t *testing.T, log *logger.Logger, sender scheduler.ControlSender, caps csdb.Capabilities, observer scheduler.Observer, mods ...func(*scheduler.Options)) *Controller {
	t.Helper()
	db, err := csdb.New(DefaultMaxConns, 0, log)
	if err != nil {
		t.Fatalf("Failed to create CS database: %v", err)
	}
	db.SetLocalCapabilities(caps)
	c := &Controller{
		DB:        db,
		Links:     link.NewConnTable(),
		Radio:     NewScriptedRadio(),
		Host:      NewRecorder(),
		Summaries: NewSummaryRecorder(),
	}
	observers := scheduler.Observers{c.Summaries}
	if observer != nil {
		observers = append(observers, observer)
	}
	opts := scheduler.Options{
		DB:       db,
		Links:    c.Links,
		Radio:    c.Radio,
		Control:  sender,
		Sink:     c.Host,
		Observer: observers,
		Logger:   log,
	}
	for _, mod := range mods {
		mod(&opts)
	}
	c.Engine = scheduler.New(opts)
	return c
}

// NewIntegrationSuite creates two controllers sharing an encrypted link on
// DefaultHandle
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	return NewObservedSuite(t, nil)
}

// NewObservedSuite is NewIntegrationSuite with observer added to the
// central's observers
func NewObservedSuite(t *testing.T, observer scheduler.Observer) *IntegrationSuite {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := logger.New(logger.Config{
		Level:  "warn",
		Format: "text",
	})

	s := &IntegrationSuite{
		T:        t,
		Logger:   log,
		Ctx:      ctx,
		Cancel:   cancel,
		Link:     NewLoopback(),
		Handle:   DefaultHandle,
		Interval: DefaultInterval,
	}
	s.Central = NewController(t, log.WithComponent("central"), s.Link.End(CentralSide), DefaultCapabilities(), observer)
	s.Peripheral = NewController(t, log.WithComponent("peripheral"), s.Link.End(PeripheralSide), DefaultCapabilities(), nil)
	s.Link.Attach(CentralSide, s.Central.Engine.HandleControlPDU)
	s.Link.Attach(PeripheralSide, s.Peripheral.Engine.HandleControlPDU)

	if err := s.Central.Engine.Connect(s.Handle, cs.LinkCentral, s.Interval); err != nil {
		t.Fatalf("Failed to connect central: %v", err)
	}
	if err := s.Peripheral.Engine.Connect(s.Handle, cs.LinkPeripheral, s.Interval); err != nil {
		t.Fatalf("Failed to connect peripheral: %v", err)
	}
	key := [16]byte{0x4C, 0x68, 0x38, 0x41, 0x39, 0xF5, 0x74, 0xD8, 0x36, 0xBC, 0xF3, 0x4E, 0x9D, 0xFB, 0x01, 0xBF}
	s.Central.Links.Get(s.Handle).Encrypt(key)
	s.Peripheral.Links.Get(s.Handle).Encrypt(key)
	return s
}

// Cleanup stops both engines
func (s *IntegrationSuite) Cleanup() {
	s.Central.Engine.Close()
	s.Peripheral.Engine.Close()
	s.Cancel()
}

// Pump delivers every queued control PDU
func (s *IntegrationSuite) Pump() int {
	return s.Link.Pump()
}

// Tick reports the next connection event to both engines and then runs
// the radios and the link until both are idle
func (s *IntegrationSuite) Tick() {
	s.Central.Engine.OnConnectionEvent(s.Handle, s.Counter, s.AnchorUs)
	s.Peripheral.Engine.OnConnectionEvent(s.Handle, s.Counter, s.AnchorUs)
	s.Settle()
	s.Counter++
	s.AnchorUs += uint64(s.Interval) * cs.ConnIntervalUnit
}

// Settle completes radio work and delivers PDUs until nothing is left
func (s *IntegrationSuite) Settle() {
	for {
		n := s.Central.Radio.CompleteAll() + s.Peripheral.Radio.CompleteAll() + s.Pump()
		if n == 0 {
			return
		}
	}
}

// TickUntil ticks until cond holds or max events passed
func (s *IntegrationSuite) TickUntil(cond func() bool, limit int) bool {
	for i := 0; i < limit; i++ {
		if cond() {
			return true
		}
		s.Tick()
	}
	return cond()
}

// DefaultConfig is a mode-2 configuration over every channel with one
// mode-0 step per subevent
func DefaultConfig(id uint8) csdb.Configuration {
	return csdb.Configuration{
		ID:                 id,
		ChannelMap:         chanmap.Full(),
		ChMRepetition:      1,
		MainMode:           cs.Mode2,
		SubMode:            cs.ModeNone,
		MainModeMinSteps:   2,
		MainModeMaxSteps:   3,
		MainModeRepetition: 0,
		Mode0Steps:         1,
		Role:               cs.RoleInitiator,
		RTTType:            cs.RTTAAOnly,
		CsSyncPhy:          cs.PhyLE1M,
		ChSel:              cs.ChSel3b,
	}
}

// DefaultParams runs count procedures of single-antenna ranging
func DefaultParams(count uint16) csdb.ProcedureParams {
	return csdb.ProcedureParams{
		MaxProcedureDur:      160,
		MinProcedureInterval: 2,
		MaxProcedureInterval: 10,
		MaxProcedureCount:    count,
		MinSubeventLen:       cs.MinSubeventLen,
		MaxSubeventLen:       5000,
		ACI:                  0,
		PreferredPeerAntenna: 0x01,
		Phy:                  cs.PhyLE1M,
		SnrControlInitiator:  0x0F,
		SnrControlReflector:  0x0F,
		Valid:                true,
	}
}

// Secure runs the security and capability exchanges
func (s *IntegrationSuite) Secure() error {
	if err := s.Central.Engine.SecurityEnable(s.Handle); err != nil {
		return fmt.Errorf("security enable: %w", err)
	}
	s.Pump()
	if ev, ok := LastOf[*protocol.SecurityEnableCompleteEvt](s.Central.Host); !ok || ev.Status != cs.StatusSuccess {
		return fmt.Errorf("security enable did not complete")
	}
	if err := s.Central.Engine.ReadRemoteCapabilities(s.Handle); err != nil {
		return fmt.Errorf("read remote capabilities: %w", err)
	}
	s.Pump()
	if ev, ok := LastOf[*protocol.ReadRemoteCapabilitiesCompleteEvt](s.Central.Host); !ok || ev.Status != cs.StatusSuccess {
		return fmt.Errorf("capability exchange did not complete")
	}
	return nil
}

// Configure creates cfg on both sides and sets the central's procedure
// parameters
func (s *IntegrationSuite) Configure(cfg csdb.Configuration, params csdb.ProcedureParams) error {
	if err := s.Central.Engine.CreateConfig(s.Handle, cfg, scheduler.CreateWithPeer); err != nil {
		return fmt.Errorf("create config: %w", err)
	}
	s.Pump()
	if ev, ok := LastOf[*protocol.ConfigCompleteEvt](s.Central.Host); !ok || ev.Status != cs.StatusSuccess {
		return fmt.Errorf("config %d was not created", cfg.ID)
	}
	if err := s.Central.Engine.SetProcedureParameters(s.Handle, cfg.ID, params); err != nil {
		return fmt.Errorf("set procedure parameters: %w", err)
	}
	return nil
}

// Enable starts the procedure sequence of configID from the central and
// waits for both sides to report it enabled
func (s *IntegrationSuite) Enable(configID uint8) error {
	if err := s.Central.Engine.ProcedureEnable(s.Handle, configID, true); err != nil {
		return fmt.Errorf("procedure enable: %w", err)
	}
	s.Pump()
	for _, c := range []*Controller{s.Central, s.Peripheral} {
		ev, ok := LastOf[*protocol.ProcedureEnableCompleteEvt](c.Host)
		if !ok || ev.Status != cs.StatusSuccess || ev.State != 1 {
			return fmt.Errorf("procedure enable did not complete")
		}
	}
	return nil
}

// Establish runs every step from security to an enabled sequence
func (s *IntegrationSuite) Establish(cfg csdb.Configuration, params csdb.ProcedureParams) error {
	if err := s.Secure(); err != nil {
		return err
	}
	if err := s.Configure(cfg, params); err != nil {
		return err
	}
	return s.Enable(cfg.ID)
}

// WaitFor waits for a condition to be true
func (s *IntegrationSuite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually asserts that a condition becomes true within timeout
func (s *IntegrationSuite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}
