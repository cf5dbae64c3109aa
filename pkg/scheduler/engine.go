// Package scheduler is the Channel Sounding engine. It runs the CS control
// procedures against the peer, negotiates procedure timing and drives the
// ranging state machine: procedures, CS events, subevents and the step
// buffers handed to the radio.
//
// The engine is single threaded. Every entry point funnels into Dispatch,
// which processes one event at a time and drains the follow-up events it
// produces before returning. Use a Task to share an engine between
// goroutines.
package scheduler

import (
	"time"

	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/link"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl"
	"github.com/dbehnke/cs-controller/pkg/testmode"
)

// DefaultResponseTimeout is the LL procedure response timeout.
const DefaultResponseTimeout = 40 * time.Second

// ControlSender transmits LL control PDUs to the peer of a connection.
type ControlSender interface {
	SendControl(connID uint16, pdu []byte) error
}

// EventSink receives the HCI events raised towards the host.
type EventSink interface {
	Deliver(connID uint16, ev protocol.Event)
}

// GeneratorFactory keys a DRBG from the link session key and the composed
// security vectors.
type GeneratorFactory func(key [16]byte, seed drbg.Seed) (drbg.Generator, error)

// Options wires an engine to its collaborators. DB, Links, Radio, Control
// and Sink are required.
type Options struct {
	DB       *csdb.DB
	Links    *link.ConnTable
	Radio    rcl.Driver
	Control  ControlSender
	Sink     EventSink
	Observer Observer
	Logger   *logger.Logger

	Generator       GeneratorFactory
	Vector          func() (drbg.Vector, error)
	ResponseTimeout time.Duration
}

// pendingCHM is a channel map update waiting for its instant.
type pendingCHM struct {
	Map     chanmap.Map
	Instant uint16
}

// Engine is the CS engine of one controller.
type Engine struct {
	log     *logger.Logger
	db      *csdb.DB
	links   *link.ConnTable
	radio   rcl.Driver
	ctrl    ControlSender
	sink    EventSink
	obs     Observer
	timers  *TimerManager
	timeout time.Duration
	session testmode.Session

	newGenerator GeneratorFactory
	newVector    func() (drbg.Vector, error)

	gens           map[uint16]drbg.Generator
	localVector    map[uint16]drbg.Vector
	pendingConfig  map[uint16]csdb.Configuration
	classification chanmap.Map
	connClass      map[uint16]chanmap.Map
	chm            map[uint16]pendingCHM
	ranging        map[uint16]*ranging
	precalPending  bool

	post        func(Event)
	queue       []Event
	dispatching bool
}

// New creates an engine and installs its completion handler on the radio.
func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		log:            log.WithComponent("scheduler"),
		db:             opts.DB,
		links:          opts.Links,
		radio:          opts.Radio,
		ctrl:           opts.Control,
		sink:           opts.Sink,
		obs:            opts.Observer,
		timers:         NewTimerManager(),
		timeout:        opts.ResponseTimeout,
		newGenerator:   opts.Generator,
		newVector:      opts.Vector,
		gens:           make(map[uint16]drbg.Generator),
		localVector:    make(map[uint16]drbg.Vector),
		pendingConfig:  make(map[uint16]csdb.Configuration),
		classification: chanmap.Full(),
		connClass:      make(map[uint16]chanmap.Map),
		chm:            make(map[uint16]pendingCHM),
		ranging:        make(map[uint16]*ranging),
	}
	if e.obs == nil {
		e.obs = NopObserver{}
	}
	if e.timeout <= 0 {
		e.timeout = DefaultResponseTimeout
	}
	if e.newGenerator == nil {
		e.newGenerator = func(key [16]byte, seed drbg.Seed) (drbg.Generator, error) {
			return drbg.NewAESCTR(key, seed)
		}
	}
	if e.newVector == nil {
		e.newVector = drbg.NewVector
	}
	e.post = e.Dispatch
	e.radio.SetHandler(func(c rcl.Completion) {
		e.post(Event{Kind: EventRCLCompletion, ConnID: c.ConnID, Completion: c})
	})
	return e
}

// DB returns the engine's CS database.
func (e *Engine) DB() *csdb.DB { return e.db }

// Links returns the connection table the engine reads.
func (e *Engine) Links() *link.ConnTable { return e.links }

// Dispatch processes ev and every follow-up event it produces. Calls made
// while an event is being processed are queued behind it.
func (e *Engine) Dispatch(ev Event) {
	e.queue = append(e.queue, ev)
	if e.dispatching {
		return
	}
	e.dispatching = true
	defer func() { e.dispatching = false }()
	for len(e.queue) > 0 {
		next := e.queue[0]
		e.queue = e.queue[1:]
		e.handle(next)
	}
}

func (e *Engine) enqueue(ev Event) {
	e.queue = append(e.queue, ev)
}

func (e *Engine) handle(ev Event) {
	switch ev.Kind {
	case EventConnection:
		e.onConnectionEvent(ev.ConnID, ev.Counter, ev.AnchorUs)
	case EventRCLCompletion:
		e.onCompletion(ev.Completion)
	case EventStepsPostProcess:
		e.stepsPostProcess(ev.ConnID)
	case EventSubeventPostProcess:
		e.subeventPostProcess(ev.ConnID)
	case EventResultsPostProcess:
		e.resultsPostProcess(ev.ConnID)
	case EventControlPDU:
		e.handleControlPDU(ev.ConnID, ev.PDU)
	case EventResponseTimeout:
		e.responseTimeout(ev.ConnID, ev.Procedure)
	case EventPrecalRequest:
		e.precalRequest()
	case EventPrecalPostProcess:
		e.precalPostProcess(ev.FAETable, ev.Err)
	case EventCommand:
		if ev.Fn != nil {
			ev.Fn()
		}
	default:
		e.log.Warn("Unknown engine event", logger.Int("kind", int(ev.Kind)))
	}
}

// OnConnectionEvent reports an ACL connection event of connID.
func (e *Engine) OnConnectionEvent(connID, counter uint16, anchorUs uint64) {
	e.Dispatch(Event{Kind: EventConnection, ConnID: connID, Counter: counter, AnchorUs: anchorUs})
}

// HandleControlPDU processes a control PDU received from the peer.
func (e *Engine) HandleControlPDU(connID uint16, pdu []byte) {
	e.Dispatch(Event{Kind: EventControlPDU, ConnID: connID, PDU: pdu})
}

// HandleCompletion processes a radio completion.
func (e *Engine) HandleCompletion(c rcl.Completion) {
	e.Dispatch(Event{Kind: EventRCLCompletion, ConnID: c.ConnID, Completion: c})
}

// Connect registers a new ACL connection and initializes its CS state.
// Handle 0 is reserved for test mode.
func (e *Engine) Connect(handle uint16, role uint8, interval uint16) error {
	if handle == cs.TestModeConnID {
		return cs.StatusUnexpectedParameter
	}
	if interval == 0 {
		return cs.StatusUnexpectedParameter
	}
	if err := e.db.ConnInit(handle); err != nil {
		return err
	}
	e.links.Add(handle, role, interval)
	local := e.db.LocalCapabilities()
	_ = e.db.SetDefaultSettings(handle, csdb.DefaultSettings{
		RoleEnable:             local.RolesSupported,
		CsSyncAntennaSelection: cs.CsSyncAntennaNoRecommended,
	})
	e.connClass[handle] = e.classification
	e.log.Info("Connection added",
		logger.Uint16("conn", handle),
		logger.Uint8("role", role),
		logger.Uint16("interval", interval))
	return nil
}

// Disconnect drops a connection and everything CS kept for it.
func (e *Engine) Disconnect(handle uint16) {
	if r := e.ranging[handle]; r != nil {
		delete(e.ranging, handle)
		if r.inFlight {
			e.radio.Stop(handle)
		}
	}
	e.timers.ClearConnection(handle)
	e.db.ConnFree(handle)
	e.links.Remove(handle)
	delete(e.gens, handle)
	delete(e.localVector, handle)
	delete(e.pendingConfig, handle)
	delete(e.connClass, handle)
	delete(e.chm, handle)
	e.log.Info("Connection removed", logger.Uint16("conn", handle))
}

// Close stops every response timer.
func (e *Engine) Close() {
	e.timers.StopAll()
}

func (e *Engine) send(connID uint16, p protocol.PDU) error {
	data, err := protocol.EncodePDU(p)
	if err != nil {
		return err
	}
	if err := e.ctrl.SendControl(connID, data); err != nil {
		e.log.Warn("Failed to send control PDU",
			logger.Uint16("conn", connID),
			logger.String("opcode", opcodeName(p.Opcode())),
			logger.Error(err))
		return err
	}
	e.log.Debug("Control PDU sent",
		logger.Uint16("conn", connID),
		logger.String("opcode", opcodeName(p.Opcode())))
	return nil
}

func (e *Engine) raise(connID uint16, ev protocol.Event) {
	e.sink.Deliver(connID, ev)
}

// begin claims the active procedure slot and arms the response timer.
func (e *Engine) begin(connID uint16, proc cs.Procedures) error {
	if err := e.db.SetActiveProcedure(connID, proc); err != nil {
		return err
	}
	e.armTimer(connID, proc)
	return nil
}

// finish releases the active procedure slot and its response timer.
func (e *Engine) finish(connID uint16, proc cs.Procedures) {
	e.db.ClearActiveProcedure(connID, proc)
	e.timers.ClearTimeout(connID, proc)
}

func (e *Engine) armTimer(connID uint16, proc cs.Procedures) {
	e.timers.SetTimeout(connID, proc, e.timeout, func(connID uint16, proc cs.Procedures) {
		e.post(Event{Kind: EventResponseTimeout, ConnID: connID, Procedure: proc})
	})
}

func (e *Engine) liveLink(connID uint16) (*link.Conn, error) {
	conn := e.links.Get(connID)
	if conn == nil || !e.db.IsConnActive(connID) {
		return nil, cs.StatusInactiveConnection
	}
	return conn, nil
}

func opcodeName(op byte) string {
	switch op {
	case protocol.OpcodeRejectExtInd:
		return "LL_REJECT_EXT_IND"
	case protocol.OpcodeCSSecReq:
		return "LL_CS_SEC_REQ"
	case protocol.OpcodeCSSecRsp:
		return "LL_CS_SEC_RSP"
	case protocol.OpcodeCSCapReq:
		return "LL_CS_CAPABILITIES_REQ"
	case protocol.OpcodeCSCapRsp:
		return "LL_CS_CAPABILITIES_RSP"
	case protocol.OpcodeCSConfigReq:
		return "LL_CS_CONFIG_REQ"
	case protocol.OpcodeCSConfigRsp:
		return "LL_CS_CONFIG_RSP"
	case protocol.OpcodeCSReq:
		return "LL_CS_REQ"
	case protocol.OpcodeCSRsp:
		return "LL_CS_RSP"
	case protocol.OpcodeCSInd:
		return "LL_CS_IND"
	case protocol.OpcodeCSTerminateReq:
		return "LL_CS_TERMINATE_REQ"
	case protocol.OpcodeCSTerminateRsp:
		return "LL_CS_TERMINATE_RSP"
	case protocol.OpcodeCSFAEReq:
		return "LL_CS_FAE_REQ"
	case protocol.OpcodeCSFAERsp:
		return "LL_CS_FAE_RSP"
	case protocol.OpcodeCSChannelMapInd:
		return "LL_CS_CHANNEL_MAP_IND"
	}
	return "unknown"
}
