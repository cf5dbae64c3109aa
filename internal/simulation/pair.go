// Package simulation runs a central and a peripheral CS controller in one
// process. The two engines talk over a link.Pipe, execute their step
// buffers on simulated radios and are driven by a shared connection event
// clock.
package simulation

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/config"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/link"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/metrics"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl/sim"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

// Link sides
const (
	Central    = 0
	Peripheral = 1
)

// DefaultStepTimeout bounds each setup exchange.
const DefaultStepTimeout = 5 * time.Second

// Options configures a Pair.
type Options struct {
	Controller config.ControllerConfig
	Defaults   config.DefaultsConfig
	Simulation config.SimulationConfig

	// Observer receives the central's procedure activity.
	Observer scheduler.Observer
	// Collector counts connections and control PDUs of the central and
	// the DRBG refills of both sides. Optional.
	Collector *metrics.Collector
	// FAETable is a stored local FAE table. Without one the central
	// precalibrates on start.
	FAETable *csdb.FAETable

	StepTimeout time.Duration
}

// Side is one controller of the pair.
type Side struct {
	Name  string
	Role  uint8
	DB    *csdb.DB
	Radio *sim.Radio
	Task  *scheduler.Task
	host  *hostSink
}

// Pair is the simulated central/peripheral couple.
type Pair struct {
	opts  Options
	log   *logger.Logger
	pipe  *link.Pipe
	sides [2]*Side

	mu      sync.Mutex
	ready   bool
	counter uint16
}

// New builds both controllers. Nothing runs until Run.
func New(opts Options, log *logger.Logger) (*Pair, error) {
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	log = log.WithComponent("simulation")
	p := &Pair{
		opts: opts,
		log:  log,
		pipe: link.NewPipe(0, log),
	}

	caps := opts.Controller.Capabilities.Capabilities()
	for side, name := range []string{"central", "peripheral"} {
		sideLog := log.WithComponent(name)
		db, err := csdb.New(opts.Controller.MaxConnections, opts.Controller.HeapBudget, sideLog)
		if err != nil {
			return nil, errors.Wrapf(err, "%s database", name)
		}
		db.SetLocalCapabilities(caps)

		radio := sim.New(sim.Config{
			DistanceM: opts.Simulation.DistanceM,
			Seed:      opts.Simulation.Seed + uint64(side),
			TimeScale: opts.Simulation.TimeScale,
		}, sideLog)

		s := &Side{
			Name:  name,
			Role:  cs.LinkCentral,
			DB:    db,
			Radio: radio,
			host:  newHostSink(sideLog, side == Central),
		}
		if side == Peripheral {
			s.Role = cs.LinkPeripheral
		}
		if opts.Collector != nil {
			opts.Collector.TrackDRBG(db.DRBGRefills)
		}

		var sender scheduler.ControlSender = p.pipe.End(side)
		var obs scheduler.Observer
		if side == Central {
			if opts.Collector != nil {
				sender = metrics.InstrumentSender(sender, opts.Collector)
			}
			obs = opts.Observer
		}
		engine := scheduler.New(scheduler.Options{
			DB:       db,
			Links:    link.NewConnTable(),
			Radio:    radio,
			Control:  sender,
			Sink:     s.host,
			Observer: obs,
			Logger:   sideLog,
		})
		s.Task = scheduler.NewTask(engine, 0)

		deliver := s.deliverer()
		if side == Central && opts.Collector != nil {
			deliver = metrics.InstrumentReceiver(deliver, opts.Collector)
		}
		p.pipe.Attach(side, deliver)
		p.sides[side] = s
	}
	return p, nil
}

// deliverer hands received control PDUs to the side's task.
func (s *Side) deliverer() func(connID uint16, pdu []byte) {
	return func(connID uint16, pdu []byte) {
		s.Task.Post(scheduler.Event{Kind: scheduler.EventControlPDU, ConnID: connID, PDU: pdu})
	}
}

// Side returns the central or the peripheral.
func (p *Pair) Side(side int) *Side { return p.sides[side&1] }

// Ready reports whether the procedure sequence is enabled.
func (p *Pair) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ready
}

// Status lists the connections of both controllers, central first.
func (p *Pair) Status() ([]scheduler.ConnectionStatus, error) {
	var out []scheduler.ConnectionStatus
	for _, s := range p.sides {
		err := s.Task.Do(func(e *scheduler.Engine) error {
			out = append(out, e.Status()...)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Run starts both controllers, brings the link up, enables ranging and
// keeps the connection clock running until ctx is cancelled.
func (p *Pair) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = p.pipe.Run(ctx)
	}()
	for _, s := range p.sides {
		wg.Add(1)
		go func(s *Side) {
			defer wg.Done()
			_ = s.Task.Run(ctx)
		}(s)
	}

	handle := p.opts.Simulation.Handle
	if err := p.connect(); err != nil {
		cancel()
		return err
	}
	if c := p.opts.Collector; c != nil {
		c.ConnectionOpened(handle)
		defer c.ConnectionClosed(handle)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.clock(ctx)
	}()

	if err := p.precalibrate(); err != nil {
		cancel()
		return err
	}
	if err := p.establish(ctx); err != nil {
		cancel()
		return err
	}
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	p.log.Info("Ranging enabled",
		logger.Uint16("conn", handle),
		logger.Uint8("config_id", p.opts.Simulation.ConfigID))

	<-ctx.Done()
	return ctx.Err()
}

// connect registers the ACL connection on both sides and encrypts it with
// a fresh session key.
func (p *Pair) connect() error {
	var key [16]byte
	if _, err := rand.Read(key[:]); err != nil {
		return errors.Wrap(err, "session key")
	}
	sc := p.opts.Simulation
	settings := p.opts.Defaults.Settings()
	for _, s := range p.sides {
		err := s.Task.Do(func(e *scheduler.Engine) error {
			if err := e.Connect(sc.Handle, s.Role, sc.ConnInterval); err != nil {
				return err
			}
			e.Links().Get(sc.Handle).Encrypt(key)
			return e.SetDefaultSettings(sc.Handle, settings)
		})
		if err != nil {
			return errors.Wrapf(err, "%s connect", s.Name)
		}
	}
	return nil
}

// clock reports a connection event to both sides every connection interval.
func (p *Pair) clock(ctx context.Context) {
	handle := p.opts.Simulation.Handle
	interval := time.Duration(p.opts.Simulation.ConnInterval) * cs.ConnIntervalUnit * time.Microsecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.mu.Lock()
			counter := p.counter
			p.counter++
			p.mu.Unlock()
			anchor := uint64(now.Sub(start) / time.Microsecond)
			for _, s := range p.sides {
				s.Task.Post(scheduler.Event{
					Kind:     scheduler.EventConnection,
					ConnID:   handle,
					Counter:  counter,
					AnchorUs: anchor,
				})
			}
		}
	}
}

// precalibrate installs the stored FAE table or measures a new one.
func (p *Pair) precalibrate() error {
	central := p.sides[Central]
	if t := p.opts.FAETable; t != nil {
		return central.Task.Do(func(e *scheduler.Engine) error {
			e.DB().SetLocalFAETable(*t)
			return nil
		})
	}
	return central.Task.Do(func(e *scheduler.Engine) error {
		e.RequestPrecalibration()
		return nil
	})
}

// establish runs security start, the capability exchange, config
// creation and procedure enable from the central.
func (p *Pair) establish(ctx context.Context) error {
	sc := p.opts.Simulation
	central := p.sides[Central]
	host := central.host
	cfg := p.Configuration()

	if err := central.Task.Do(func(e *scheduler.Engine) error {
		return e.SecurityEnable(sc.Handle)
	}); err != nil {
		return errors.Wrap(err, "security enable")
	}
	sec, err := await[*protocol.SecurityEnableCompleteEvt](ctx, host, p.opts.StepTimeout)
	if err != nil {
		return errors.Wrap(err, "security enable")
	}
	if sec.Status != cs.StatusSuccess {
		return errors.Wrap(sec.Status, "security enable")
	}

	if err := central.Task.Do(func(e *scheduler.Engine) error {
		return e.ReadRemoteCapabilities(sc.Handle)
	}); err != nil {
		return errors.Wrap(err, "read remote capabilities")
	}
	capsEvt, err := await[*protocol.ReadRemoteCapabilitiesCompleteEvt](ctx, host, p.opts.StepTimeout)
	if err != nil {
		return errors.Wrap(err, "read remote capabilities")
	}
	if capsEvt.Status != cs.StatusSuccess {
		return errors.Wrap(capsEvt.Status, "read remote capabilities")
	}

	if err := central.Task.Do(func(e *scheduler.Engine) error {
		return e.CreateConfig(sc.Handle, cfg, scheduler.CreateWithPeer)
	}); err != nil {
		return errors.Wrap(err, "create config")
	}
	cfgEvt, err := await[*protocol.ConfigCompleteEvt](ctx, host, p.opts.StepTimeout)
	if err != nil {
		return errors.Wrap(err, "create config")
	}
	if cfgEvt.Status != cs.StatusSuccess {
		return errors.Wrap(cfgEvt.Status, "create config")
	}

	if err := central.Task.Do(func(e *scheduler.Engine) error {
		if err := e.SetProcedureParameters(sc.Handle, cfg.ID, p.ProcedureParams()); err != nil {
			return err
		}
		return e.ProcedureEnable(sc.Handle, cfg.ID, true)
	}); err != nil {
		return errors.Wrap(err, "procedure enable")
	}
	en, err := await[*protocol.ProcedureEnableCompleteEvt](ctx, host, p.opts.StepTimeout)
	if err != nil {
		return errors.Wrap(err, "procedure enable")
	}
	if en.Status != cs.StatusSuccess {
		return errors.Wrap(en.Status, "procedure enable")
	}
	if en.State != 1 {
		return fmt.Errorf("procedure enable: sequence of config %d not enabled", cfg.ID)
	}
	return nil
}

// Configuration is the CS configuration the central creates.
func (p *Pair) Configuration() csdb.Configuration {
	sc := p.opts.Simulation
	return csdb.Configuration{
		ID:                 sc.ConfigID,
		ChannelMap:         sc.ChannelMap(),
		ChMRepetition:      1,
		MainMode:           sc.MainMode,
		SubMode:            cs.ModeNone,
		MainModeMinSteps:   sc.MinSteps,
		MainModeMaxSteps:   sc.MaxSteps,
		MainModeRepetition: 0,
		Mode0Steps:         sc.Mode0Steps,
		Role:               cs.RoleInitiator,
		RTTType:            cs.RTTAAOnly,
		CsSyncPhy:          cs.PhyLE1M,
		ChSel:              cs.ChSel3b,
	}
}

// ProcedureParams are the procedure parameters the central requests. A
// procedure may span four connection events.
func (p *Pair) ProcedureParams() csdb.ProcedureParams {
	sc := p.opts.Simulation
	maxDur := uint32(sc.ConnInterval) * 2 * 4 // 0.625 ms units
	if maxDur > 0xFFFF {
		maxDur = 0xFFFF
	}
	return csdb.ProcedureParams{
		MaxProcedureDur:      uint16(maxDur),
		MinProcedureInterval: sc.ProcedureEvery,
		MaxProcedureInterval: sc.ProcedureEvery,
		MaxProcedureCount:    sc.ProcedureCount,
		MinSubeventLen:       cs.MinSubeventLen,
		MaxSubeventLen:       sc.MaxSubeventLen,
		ACI:                  antenna.ACI(sc.ACI),
		PreferredPeerAntenna: 0x01,
		Phy:                  cs.PhyLE1M,
		SnrControlInitiator:  0x0F,
		SnrControlReflector:  0x0F,
		Valid:                true,
	}
}

// hostSink stands in for the host. Ranging results reach the outer
// surfaces through observers, so only command completions are kept.
type hostSink struct {
	log    *logger.Logger
	events chan protocol.Event
}

func newHostSink(log *logger.Logger, keep bool) *hostSink {
	h := &hostSink{log: log}
	if keep {
		h.events = make(chan protocol.Event, 16)
	}
	return h
}

// Deliver implements scheduler.EventSink
func (h *hostSink) Deliver(connID uint16, ev protocol.Event) {
	switch ev.(type) {
	case *protocol.SubeventResultsEvt, *protocol.SubeventResultsContinueEvt:
		return
	}
	h.log.Debug("Host event",
		logger.Uint16("conn", connID),
		logger.String("event", fmt.Sprintf("%T", ev)))
	if h.events == nil {
		return
	}
	select {
	case h.events <- ev:
	default:
		h.log.Warn("Host event dropped", logger.Uint8("code", ev.EventCode()))
	}
}

// await returns the next host event of type T, skipping any other event.
func await[T protocol.Event](ctx context.Context, h *hostSink, timeout time.Duration) (T, error) {
	var zero T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-timer.C:
			return zero, errors.Errorf("timeout waiting for %T", zero)
		case ev := <-h.events:
			if t, ok := ev.(T); ok {
				return t, nil
			}
		}
	}
}
