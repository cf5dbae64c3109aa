// Package sim is a simulated radio command layer. It executes step buffers
// against a modelled channel between two antennas at a fixed distance and
// reports synthetic but self-consistent measurements.
package sim

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl"
)

const speedOfLight = 299792458.0 // m/s

// Config tunes the simulated channel.
type Config struct {
	DistanceM float64
	Seed      uint64
	// TimeScale multiplies simulated air time before a completion is
	// delivered. Zero delivers as soon as possible.
	TimeScale float64
	// FailSubmitAfter makes the Nth and later submissions fail. Zero
	// disables the fault.
	FailSubmitAfter int
	// FailResultAfter makes the Nth and later completions report an
	// error. Zero disables the fault.
	FailResultAfter int
}

// Radio implements rcl.Driver.
type Radio struct {
	cfg     Config
	log     *logger.Logger
	mu      sync.Mutex
	rng     *rand.Rand
	handler rcl.Handler
	pending map[uint16]map[uint64]*time.Timer
	nextID  uint64

	submitted int
	completed int
}

// New creates a simulated radio.
func New(cfg Config, log *logger.Logger) *Radio {
	if cfg.DistanceM <= 0 {
		cfg.DistanceM = 1
	}
	return &Radio{
		cfg:     cfg,
		log:     log.WithComponent("rcl.sim"),
		rng:     rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9E3779B97F4A7C15)),
		pending: make(map[uint16]map[uint64]*time.Timer),
	}
}

// SetHandler installs the completion callback.
func (r *Radio) SetHandler(h rcl.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// Submitted returns the number of accepted step buffers.
func (r *Radio) Submitted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.submitted
}

// Submit schedules the buffer and delivers its completion after the
// simulated air time.
func (r *Radio) Submit(cmd rcl.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handler == nil {
		return errors.Wrap(cs.StatusRCLSubmitError, "no completion handler")
	}
	if len(cmd.Steps) == 0 || len(cmd.Steps) > cs.MaxNumStepsInTxBuff {
		return errors.Wrapf(cs.StatusRCLSubmitError, "buffer of %d steps", len(cmd.Steps))
	}
	if r.cfg.FailSubmitAfter > 0 && r.submitted+1 >= r.cfg.FailSubmitAfter {
		return errors.Wrapf(cs.StatusRCLSubmitError, "injected submit fault on buffer %d", r.submitted+1)
	}
	r.submitted++

	results, err := r.execute(&cmd)
	c := rcl.Completion{
		ConnID:  cmd.ConnID,
		Status:  rcl.Finished,
		EndUs:   cmd.StartUs + uint64(cmd.Duration()),
		Results: results,
	}
	r.completed++
	if err == nil && r.cfg.FailResultAfter > 0 && r.completed >= r.cfg.FailResultAfter {
		err = errors.Wrapf(cs.StatusRCLResultError, "injected result fault on buffer %d", r.completed)
	}
	if err != nil {
		c.Status = rcl.Failed
		c.Err = err
		c.Results = nil
	}

	delay := time.Duration(float64(cmd.Duration())*r.cfg.TimeScale) * time.Microsecond
	h := r.handler
	r.nextID++
	id := r.nextID
	if r.pending[cmd.ConnID] == nil {
		r.pending[cmd.ConnID] = make(map[uint64]*time.Timer)
	}
	r.pending[cmd.ConnID][id] = time.AfterFunc(delay, func() {
		if !r.release(cmd.ConnID, id) {
			return
		}
		h(c)
	})
	r.log.Debug("Step buffer submitted",
		logger.Uint16("conn", cmd.ConnID),
		logger.Int("steps", len(cmd.Steps)),
		logger.Uint32("air_us", cmd.Duration()))
	return nil
}

// release drops a fired completion from the pending set. It reports false
// when Stop already claimed it.
func (r *Radio) release(connID uint16, id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[connID][id]; !ok {
		return false
	}
	delete(r.pending[connID], id)
	return true
}

// Stop cancels every pending completion of connID and reports each one as
// Stopped.
func (r *Radio) Stop(connID uint16) {
	r.mu.Lock()
	timers := r.pending[connID]
	delete(r.pending, connID)
	h := r.handler
	r.mu.Unlock()

	for _, t := range timers {
		if t.Stop() && h != nil {
			go h(rcl.Completion{ConnID: connID, Status: rcl.Stopped})
		}
	}
}

// Precalibrate returns a small, fixed-shape FAE table.
func (r *Radio) Precalibrate() (csdb.FAETable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t csdb.FAETable
	for i := range t {
		t[i] = int8(r.rng.IntN(9) - 4)
	}
	return t, nil
}

func (r *Radio) execute(cmd *rcl.Command) ([]protocol.StepResult, error) {
	nap := cmd.NumPaths()
	out := make([]protocol.StepResult, 0, len(cmd.Steps))
	for i, s := range cmd.Steps {
		var data []byte
		switch s.Mode {
		case cs.Mode0:
			if cmd.Role == cs.RoleInitiator {
				data = protocol.Mode0Initiator{Quality: protocol.PacketQualityOK, RSSI: r.rssi(), Antenna: cmd.SyncAntenna, FreqOffset: int16(r.rng.IntN(21) - 10)}.Encode()
			} else {
				data = protocol.Mode0Reflector{Quality: protocol.PacketQualityOK, RSSI: r.rssi(), Antenna: cmd.SyncAntenna}.Encode()
			}
		case cs.Mode1:
			data = r.rtt(cmd).Encode()
		case cs.Mode2:
			data = r.tones(s, nap).Encode()
		case cs.Mode3:
			data = protocol.Mode3{Mode1: r.rtt(cmd), Mode2: r.tones(s, nap)}.Encode()
		default:
			return nil, errors.Wrapf(cs.StatusInvalidStepMode, "step %d mode %d", i, s.Mode)
		}
		out = append(out, protocol.StepResult{Mode: s.Mode, Channel: s.Channel, Data: data})
	}
	return out, nil
}

func (r *Radio) rssi() int8 {
	// free space at 2.4 GHz, 1 m reference
	return int8(-40 - 20*math.Log10(r.cfg.DistanceM) + float64(r.rng.IntN(3)-1))
}

func (r *Radio) rtt(cmd *rcl.Command) protocol.Mode1 {
	// round trip in 0.5 ns units
	tof := 2 * r.cfg.DistanceM / speedOfLight * 2e9
	return protocol.Mode1{
		Quality: protocol.PacketQualityOK,
		NADM:    protocol.NADMUnknown,
		RSSI:    r.rssi(),
		ToAToD:  int16(math.Round(tof)) + int16(r.rng.IntN(3)-1),
		Antenna: cmd.SyncAntenna,
	}
}

func (r *Radio) tones(s rcl.StepCommand, nap uint8) protocol.Mode2 {
	freq := (2402 + float64(s.Channel)) * 1e6
	phase := -4 * math.Pi * freq * r.cfg.DistanceM / speedOfLight
	m := protocol.Mode2{PermIdx: s.PermIdx, Tones: make([]protocol.Tone, int(nap)+1)}
	for i := range m.Tones {
		amp := 1024.0
		tqi := protocol.ToneQualityHigh
		if i == int(nap) && s.ToneExt == 0 {
			// no extension tone was transmitted
			amp, tqi = 0, protocol.ToneQualityUnavailable
		}
		m.Tones[i] = protocol.Tone{
			I:   int16(amp * math.Cos(phase)),
			Q:   int16(amp * math.Sin(phase)),
			TQI: tqi,
		}
	}
	return m
}
