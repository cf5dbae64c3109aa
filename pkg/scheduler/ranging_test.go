package scheduler_test

import (
	"testing"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/internal/testhelpers"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/rcl"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

func stepPlan(cmds []rcl.Command) []csdb.Step {
	var out []csdb.Step
	for _, c := range cmds {
		for _, s := range c.Steps {
			out = append(out, s.Step)
		}
	}
	return out
}

func establish(t *testing.T, s *testhelpers.IntegrationSuite, count uint16) {
	t.Helper()
	if err := s.Establish(testhelpers.DefaultConfig(0), testhelpers.DefaultParams(count)); err != nil {
		t.Fatalf("Failed to enable ranging: %v", err)
	}
}

func procedures(c *testhelpers.Controller) int {
	return len(c.Summaries.Procedures())
}

// TestRangingSequence tests a two-procedure sequence run by both sides
func TestRangingSequence(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()
	establish(t, s, 2)

	ind := s.Central.DB.ProcedureEnable(s.Handle, 0)
	if !ind.Enabled || ind.ConnEventCount != cs.ConnEventOffsetCentral {
		t.Fatalf("Expected sequence enabled at event %d, got %+v", cs.ConnEventOffsetCentral, ind)
	}
	if ind.SubeventLen != 5000 {
		t.Errorf("Expected subevent length capped at 5000 µs, got %d", ind.SubeventLen)
	}

	done := s.TickUntil(func() bool {
		return procedures(s.Central) >= 2 && procedures(s.Peripheral) >= 2
	}, 40)
	if !done {
		t.Fatalf("Expected two procedures, got %d and %d", procedures(s.Central), procedures(s.Peripheral))
	}

	full := chanmap.Full().Count()
	for name, c := range map[string]*testhelpers.Controller{"central": s.Central, "peripheral": s.Peripheral} {
		for i, p := range c.Summaries.Procedures() {
			if p.DoneStatus != cs.ProcedureDone {
				t.Errorf("Expected %s procedure %d done, got 0x%02X", name, i, p.DoneStatus)
			}
			if p.ProcedureCounter != uint16(i) {
				t.Errorf("Expected %s procedure counter %d, got %d", name, i, p.ProcedureCounter)
			}
			if p.StepsByMode[cs.Mode2] != full {
				t.Errorf("Expected %d mode-2 steps on %s, got %d", full, name, p.StepsByMode[cs.Mode2])
			}
			if p.StepsByMode[cs.Mode0] != p.Subevents {
				t.Errorf("Expected one mode-0 step per subevent on %s, got %d for %d subevents", name, p.StepsByMode[cs.Mode0], p.Subevents)
			}
		}
		if _, active := c.DB.IsAnyProcedureActive(); active {
			t.Errorf("Expected %s sequence to be over", name)
		}
		if c.DB.ProcedureEnable(s.Handle, 0).Enabled {
			t.Errorf("Expected %s configuration disabled", name)
		}
	}

	central := stepPlan(s.Central.Radio.Commands())
	peripheral := stepPlan(s.Peripheral.Radio.Commands())
	if len(central) == 0 || len(central) != len(peripheral) {
		t.Fatalf("Expected equal step plans, got %d and %d steps", len(central), len(peripheral))
	}
	for i := range central {
		if central[i] != peripheral[i] {
			t.Fatalf("Expected step %d to match, got %+v and %+v", i, central[i], peripheral[i])
		}
	}
	for _, st := range central {
		if st.Mode == cs.Mode2 && !chanmap.Full().IsSet(st.Channel) {
			t.Errorf("Expected only usable channels, got %d", st.Channel)
		}
	}
}

// TestRangingResultEvents tests the result events of one procedure
func TestRangingResultEvents(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()
	establish(t, s, 1)

	if !s.TickUntil(func() bool { return procedures(s.Central) >= 1 }, 40) {
		t.Fatal("Expected a finished procedure")
	}

	first := testhelpers.EventsOf[*protocol.SubeventResultsEvt](s.Central.Host)
	if len(first) == 0 {
		t.Fatal("Expected subevent result events")
	}
	for _, ev := range first {
		if ev.Handle != s.Handle || ev.ConfigID != 0 {
			t.Errorf("Expected handle %d config 0, got %d/%d", s.Handle, ev.Handle, ev.ConfigID)
		}
		if ev.StartACLConnEvent != cs.ConnEventOffsetCentral {
			t.Errorf("Expected procedure to start at event %d, got %d", cs.ConnEventOffsetCentral, ev.StartACLConnEvent)
		}
		if ev.NumAntennaPaths != 1 {
			t.Errorf("Expected one antenna path, got %d", ev.NumAntennaPaths)
		}
	}

	var last protocol.Event
	reported := 0
	for _, rec := range s.Central.Host.Events() {
		switch ev := rec.Event.(type) {
		case *protocol.SubeventResultsEvt:
			last = ev
			reported += len(ev.Steps)
		case *protocol.SubeventResultsContinueEvt:
			last = ev
			reported += len(ev.Steps)
		}
	}
	switch ev := last.(type) {
	case *protocol.SubeventResultsEvt:
		if ev.ProcedureDone != cs.ProcedureDone {
			t.Errorf("Expected last result to end the procedure, got 0x%02X", ev.ProcedureDone)
		}
	case *protocol.SubeventResultsContinueEvt:
		if ev.ProcedureDone != cs.ProcedureDone {
			t.Errorf("Expected last result to end the procedure, got 0x%02X", ev.ProcedureDone)
		}
	default:
		t.Fatal("Expected a result event last")
	}

	if want := len(stepPlan(s.Central.Radio.Commands())); reported != want {
		t.Errorf("Expected %d reported steps, got %d", want, reported)
	}
	for _, ev := range testhelpers.EventsOf[*protocol.SubeventResultsEvt](s.Central.Host) {
		data, err := ev.Encode()
		if err != nil {
			t.Fatalf("Failed to encode result event: %v", err)
		}
		if len(data) > protocol.MaxEventParamLen {
			t.Errorf("Expected event within %d bytes, got %d", protocol.MaxEventParamLen, len(data))
		}
	}
}

// TestRangingTerminate tests stopping a running sequence from either side
func TestRangingTerminate(t *testing.T) {
	tests := []struct {
		name string
		from func(s *testhelpers.IntegrationSuite) *testhelpers.Controller
	}{
		{"central", func(s *testhelpers.IntegrationSuite) *testhelpers.Controller { return s.Central }},
		{"peripheral", func(s *testhelpers.IntegrationSuite) *testhelpers.Controller { return s.Peripheral }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testhelpers.NewIntegrationSuite(t)
			defer s.Cleanup()
			establish(t, s, 0)

			if !s.TickUntil(func() bool { return procedures(s.Central) >= 1 }, 40) {
				t.Fatal("Expected a finished procedure")
			}

			c := tt.from(s)
			if err := c.Engine.ProcedureEnable(s.Handle, 0, false); err != nil {
				t.Fatalf("Failed to disable: %v", err)
			}
			expectStatus(t, c.Engine.ProcedureEnable(s.Handle, 0, false), cs.StatusCommandDisallowed)
			s.Pump()
			s.Tick()

			for name, ctl := range map[string]*testhelpers.Controller{"central": s.Central, "peripheral": s.Peripheral} {
				ev, ok := testhelpers.LastOf[*protocol.ProcedureEnableCompleteEvt](ctl.Host)
				if !ok || ev.Status != cs.StatusSuccess || ev.State != 0 {
					t.Errorf("Expected %s to report the sequence disabled, got %+v", name, ev)
				}
				if _, active := ctl.DB.IsAnyProcedureActive(); active {
					t.Errorf("Expected no active procedure on %s", name)
				}
				if !ctl.DB.IsProcedureCompleted(s.Handle, cs.ProcTerminate) {
					t.Errorf("Expected termination completed on %s", name)
				}
			}

			// The configuration can be enabled again
			if err := s.Enable(0); err != nil {
				t.Errorf("Expected re-enable to succeed: %v", err)
			}
		})
	}
}

// TestRangingDisableWithoutSequence tests disabling an idle configuration
func TestRangingDisableWithoutSequence(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	if err := s.Configure(testhelpers.DefaultConfig(0), testhelpers.DefaultParams(1)); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	expectStatus(t, s.Central.Engine.ProcedureEnable(s.Handle, 0, false), cs.StatusCommandDisallowed)
	expectStatus(t, s.Central.Engine.ProcedureEnable(s.Handle, 3, true), cs.StatusUnexpectedParameter)
}

// TestRangingInstantPassed tests a sequence whose first instant was missed
func TestRangingInstantPassed(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()
	establish(t, s, 0)

	s.Counter = cs.ConnEventOffsetCentral + 4
	s.AnchorUs = uint64(s.Counter) * uint64(s.Interval) * cs.ConnIntervalUnit
	s.Tick()

	want := cs.AbortReason(cs.AbortInstantPassed, cs.SubeventAbortNone)
	for name, c := range map[string]*testhelpers.Controller{"central": s.Central, "peripheral": s.Peripheral} {
		res, ok := testhelpers.LastOf[*protocol.SubeventResultsEvt](c.Host)
		if !ok || res.ProcedureDone != cs.ProcedureAborted || res.AbortReason != want {
			t.Errorf("Expected %s to report the instant passed, got %+v", name, res)
		}
		ev, ok := testhelpers.LastOf[*protocol.ProcedureEnableCompleteEvt](c.Host)
		if !ok || ev.State != 0 {
			t.Errorf("Expected %s sequence disabled", name)
		}
		if len(c.Radio.Commands()) != 0 {
			t.Errorf("Expected no radio work on %s", name)
		}
	}
}

// TestRangingEnableRejects tests the preconditions of enabling a sequence
func TestRangingEnableRejects(t *testing.T) {
	t.Run("without security", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		if err := s.Central.Engine.ReadRemoteCapabilities(s.Handle); err != nil {
			t.Fatalf("Failed to read capabilities: %v", err)
		}
		s.Pump()
		if err := s.Central.Engine.CreateConfig(s.Handle, testhelpers.DefaultConfig(0), scheduler.CreateLocalOnly); err != nil {
			t.Fatalf("Failed to create config: %v", err)
		}
		if err := s.Central.Engine.SetProcedureParameters(s.Handle, 0, testhelpers.DefaultParams(1)); err != nil {
			t.Fatalf("Failed to set parameters: %v", err)
		}
		expectStatus(t, s.Central.Engine.ProcedureEnable(s.Handle, 0, true), cs.StatusInsufficientSecurity)
	})

	t.Run("without parameters", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		if err := s.Secure(); err != nil {
			t.Fatalf("Failed to secure link: %v", err)
		}
		if err := s.Central.Engine.CreateConfig(s.Handle, testhelpers.DefaultConfig(0), scheduler.CreateWithPeer); err != nil {
			t.Fatalf("Failed to create config: %v", err)
		}
		s.Pump()
		expectStatus(t, s.Central.Engine.ProcedureEnable(s.Handle, 0, true), cs.StatusCommandDisallowed)
	})

	t.Run("already enabled", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		establish(t, s, 0)
		expectStatus(t, s.Central.Engine.ProcedureEnable(s.Handle, 0, true), cs.StatusCommandDisallowed)
		expectStatus(t, s.Central.Engine.SetProcedureParameters(s.Handle, 0, testhelpers.DefaultParams(1)), cs.StatusCommandDisallowed)
		expectStatus(t, s.Central.Engine.RemoveConfig(s.Handle, 0), cs.StatusCommandDisallowed)
	})

	t.Run("second connection", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		establish(t, s, 0)

		const other uint16 = 2
		if err := s.Central.Engine.Connect(other, cs.LinkCentral, s.Interval); err != nil {
			t.Fatalf("Failed to connect central: %v", err)
		}
		if err := s.Peripheral.Engine.Connect(other, cs.LinkPeripheral, s.Interval); err != nil {
			t.Fatalf("Failed to connect peripheral: %v", err)
		}
		if err := s.Central.Engine.ReadRemoteCapabilities(other); err != nil {
			t.Fatalf("Failed to read capabilities: %v", err)
		}
		s.Pump()
		if err := s.Central.Engine.CreateConfig(other, testhelpers.DefaultConfig(0), scheduler.CreateLocalOnly); err != nil {
			t.Fatalf("Failed to create config: %v", err)
		}
		expectStatus(t, s.Central.Engine.ProcedureEnable(other, 0, true), cs.StatusLimitedResources)
	})
}

// TestRangingRadioFailures tests procedures the radio could not run
func TestRangingRadioFailures(t *testing.T) {
	wantAbort := cs.AbortReason(cs.AbortUnspecified, cs.SubeventAbortUnspecified)

	t.Run("submit rejected", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		establish(t, s, 1)
		s.Central.Radio.SubmitErr = errors.New("radio busy")

		if !s.TickUntil(func() bool { return procedures(s.Central) >= 1 }, 40) {
			t.Fatal("Expected the procedure to end")
		}
		p := s.Central.Summaries.Procedures()[0]
		if p.DoneStatus != cs.ProcedureAborted || p.AbortReason != wantAbort {
			t.Errorf("Expected aborted procedure, got status 0x%02X reason 0x%02X", p.DoneStatus, p.AbortReason)
		}
		if s.Central.DB.ProcedureEnable(s.Handle, 0).Enabled {
			t.Error("Expected sequence to end after its only procedure")
		}
	})

	t.Run("buffer failed", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		establish(t, s, 1)

		for i := 0; i < 20 && s.Central.Radio.Pending() == 0; i++ {
			s.Central.Engine.OnConnectionEvent(s.Handle, s.Counter, s.AnchorUs)
			s.Counter++
			s.AnchorUs += uint64(s.Interval) * cs.ConnIntervalUnit
		}
		if !s.Central.Radio.FailNext(errors.New("sync lost")) {
			t.Fatal("Expected a buffer on the radio")
		}

		procs := s.Central.Summaries.Procedures()
		if len(procs) != 1 || procs[0].DoneStatus != cs.ProcedureAborted {
			t.Fatalf("Expected one aborted procedure, got %+v", procs)
		}
		res, ok := testhelpers.LastOf[*protocol.SubeventResultsEvt](s.Central.Host)
		if !ok || res.SubeventDone != cs.SubeventAborted || res.AbortReason != wantAbort {
			t.Errorf("Expected aborted subevent result, got %+v", res)
		}
	})
}

// TestChannelMapUpdate tests a classification change applied at its
// instant and used by the next procedure
func TestChannelMapUpdate(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	expectStatus(t, s.Central.Engine.SetChannelClassification(chanmap.Map{0xFF, 0xFF}), cs.StatusUnexpectedParameter)

	m := chanmap.Full()
	for ch := uint8(2); ch <= 22; ch++ {
		m.Clear(ch)
	}
	if err := s.Central.Engine.SetChannelClassification(m); err != nil {
		t.Fatalf("Failed to set classification: %v", err)
	}
	s.Pump()

	found := false
	for _, op := range s.Link.SentBy(testhelpers.CentralSide) {
		if op == protocol.OpcodeCSChannelMapInd {
			found = true
		}
	}
	if !found {
		t.Fatal("Expected LL_CS_CHANNEL_MAP_IND from the central")
	}

	applied := s.TickUntil(func() bool {
		return s.Central.DB.IsProcedureCompleted(s.Handle, cs.ProcCHMUpdate) &&
			s.Peripheral.DB.IsProcedureCompleted(s.Handle, cs.ProcCHMUpdate)
	}, 10)
	if !applied {
		t.Fatal("Expected both sides to apply the channel map")
	}

	if err := s.Configure(testhelpers.DefaultConfig(0), testhelpers.DefaultParams(1)); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	if err := s.Enable(0); err != nil {
		t.Fatalf("Failed to enable: %v", err)
	}
	if !s.TickUntil(func() bool { return procedures(s.Central) >= 1 && procedures(s.Peripheral) >= 1 }, 40) {
		t.Fatal("Expected a finished procedure")
	}

	for _, st := range stepPlan(s.Central.Radio.Commands()) {
		if st.Channel >= 2 && st.Channel <= 22 {
			t.Errorf("Expected channel %d to be excluded", st.Channel)
		}
	}
	p := s.Central.Summaries.Procedures()[0]
	if p.StepsByMode[cs.Mode2] != m.Count() {
		t.Errorf("Expected %d mode-2 steps, got %d", m.Count(), p.StepsByMode[cs.Mode2])
	}
}

// centralEvent reports the next connection event to the central only
func centralEvent(s *testhelpers.IntegrationSuite) {
	s.Central.Engine.OnConnectionEvent(s.Handle, s.Counter, s.AnchorUs)
	s.Counter++
	s.AnchorUs += uint64(s.Interval) * cs.ConnIntervalUnit
}

// resultTail returns the status of the last result event and the number of
// steps reported across all of them
func resultTail(h *testhelpers.Recorder) (procDone, abortReason uint8, steps int, ok bool) {
	for _, rec := range h.Events() {
		switch ev := rec.Event.(type) {
		case *protocol.SubeventResultsEvt:
			procDone, abortReason, ok = ev.ProcedureDone, ev.AbortReason, true
			steps += len(ev.Steps)
		case *protocol.SubeventResultsContinueEvt:
			procDone, abortReason, ok = ev.ProcedureDone, ev.AbortReason, true
			steps += len(ev.Steps)
		}
	}
	return procDone, abortReason, steps, ok
}

// TestRangingTerminateInFlight tests that a disable arriving while a step
// buffer is on the radio lets the subevent finish and reports it aborted
func TestRangingTerminateInFlight(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()
	establish(t, s, 0)

	for i := 0; i < 20 && s.Central.Radio.Pending() == 0; i++ {
		centralEvent(s)
	}
	if s.Central.Radio.Pending() != 1 {
		t.Fatalf("Expected one buffer on the radio, got %d", s.Central.Radio.Pending())
	}

	if err := s.Central.Engine.ProcedureEnable(s.Handle, 0, false); err != nil {
		t.Fatalf("Failed to disable: %v", err)
	}
	centralEvent(s)
	if stops := s.Central.Radio.Stops(); len(stops) != 0 {
		t.Errorf("Expected the buffer to run to completion, got stops %v", stops)
	}
	if s.Central.Radio.Pending() != 1 {
		t.Fatalf("Expected the buffer still held, got %d", s.Central.Radio.Pending())
	}

	// the rest of the subevent is submitted and finished
	s.Central.Radio.CompleteAll()
	cmds := s.Central.Radio.Commands()
	if last := cmds[len(cmds)-1]; !last.LastBuffer {
		t.Error("Expected the subevent to be run to its last buffer")
	}

	procDone, abortReason, steps, ok := resultTail(s.Central.Host)
	if !ok {
		t.Fatal("Expected result events")
	}
	if procDone != cs.ProcedureAborted {
		t.Errorf("Expected procedure aborted, got 0x%02X", procDone)
	}
	if want := cs.AbortReason(cs.AbortRequest, cs.SubeventAbortNone); abortReason != want {
		t.Errorf("Expected abort reason 0x%02X, got 0x%02X", want, abortReason)
	}
	if want := len(stepPlan(cmds)); steps != want || steps == 0 {
		t.Errorf("Expected all %d submitted steps reported, got %d", want, steps)
	}

	procs := s.Central.Summaries.Procedures()
	if len(procs) != 1 || procs[0].DoneStatus != cs.ProcedureAborted || procs[0].Steps != steps {
		t.Errorf("Expected one aborted procedure of %d steps, got %+v", steps, procs)
	}
	ev, ok := testhelpers.LastOf[*protocol.ProcedureEnableCompleteEvt](s.Central.Host)
	if !ok || ev.State != 0 {
		t.Errorf("Expected the sequence reported disabled, got %+v", ev)
	}
	if _, active := s.Central.DB.IsAnyProcedureActive(); active {
		t.Error("Expected no active procedure")
	}
	if s.Central.DB.TerminateInfo(s.Handle).State != cs.TerminateNone {
		t.Error("Expected the terminate request consumed")
	}

	for i := 0; i < 10; i++ {
		centralEvent(s)
	}
	if n := len(s.Central.Radio.Commands()); n != len(cmds) {
		t.Errorf("Expected no radio work after termination, got %d new buffers", n-len(cmds))
	}
}

// TestProcedureInfoFlags tests the procedure and subevent selectors across
// subevent and procedure boundaries
func TestProcedureInfoFlags(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()
	establish(t, s, 2)

	pi := s.Central.DB.ProcedureInfo(s.Handle)
	if !pi.NextProcedure || pi.NextSubevent != cs.PrepNextSubevent {
		t.Fatalf("Expected a procedure to be prepared after enable, got %+v", *pi)
	}

	subevents := 0
	for i := 0; i < 400 && procedures(s.Central) == 0; i++ {
		if s.Central.Radio.Pending() == 0 {
			centralEvent(s)
			continue
		}
		pi := s.Central.DB.ProcedureInfo(s.Handle)
		if pi.NextProcedure {
			t.Fatal("Expected a procedure in progress while a buffer is held")
		}
		cmds := s.Central.Radio.Commands()
		held := cmds[len(cmds)-1]
		want := cs.PrepCurrSubevent
		if held.LastBuffer {
			want = cs.PrepNextSubevent
			subevents++
		}
		if pi.NextSubevent != want {
			t.Fatalf("Expected subevent selector %d with last buffer %v, got %d", want, held.LastBuffer, pi.NextSubevent)
		}
		s.Central.Radio.CompleteNext()
	}
	if procedures(s.Central) != 1 {
		t.Fatalf("Expected the first procedure to end, got %d", procedures(s.Central))
	}
	if subevents < 2 {
		t.Errorf("Expected a subevent boundary, got %d subevents", subevents)
	}

	pi = s.Central.DB.ProcedureInfo(s.Handle)
	if !pi.NextProcedure || pi.NextSubevent != cs.PrepNextSubevent {
		t.Errorf("Expected the next procedure to be prepared, got %+v", *pi)
	}
	st := s.Central.Engine.Status()
	if len(st) != 1 || !st[0].Ranging || st[0].InProcedure {
		t.Errorf("Expected ranging between procedures, got %+v", st)
	}
}

// TestRangingDisableSendFailure tests that a terminate request the link
// refused leaves the sequence running
func TestRangingDisableSendFailure(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()
	establish(t, s, 0)

	linkErr := errors.New("link down")
	s.Link.FailSends(linkErr)
	if err := s.Central.Engine.ProcedureEnable(s.Handle, 0, false); !errors.Is(err, linkErr) {
		t.Fatalf("Expected the link error, got %v", err)
	}
	if s.Central.DB.TerminateInfo(s.Handle).State != cs.TerminateNone {
		t.Error("Expected no terminate request recorded")
	}
	s.Link.FailSends(nil)

	if !s.TickUntil(func() bool { return procedures(s.Central) >= 1 }, 40) {
		t.Fatal("Expected ranging to go on")
	}
	if p := s.Central.Summaries.Procedures()[0]; p.DoneStatus != cs.ProcedureDone {
		t.Errorf("Expected a completed procedure, got 0x%02X", p.DoneStatus)
	}
	if err := s.Central.Engine.ProcedureEnable(s.Handle, 0, false); err != nil {
		t.Errorf("Expected a retry to succeed, got %v", err)
	}
}
