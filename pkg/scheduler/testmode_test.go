package scheduler_test

import (
	"testing"

	"github.com/dbehnke/cs-controller/internal/testhelpers"
	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/testmode"
)

func testParams() testmode.Params {
	return testmode.Params{
		MainMode:               cs.Mode2,
		SubMode:                cs.ModeNone,
		Mode0Steps:             1,
		Role:                   cs.RoleInitiator,
		RTTType:                cs.RTTAAOnly,
		CsSyncPhy:              cs.PhyLE1M,
		CsSyncAntennaSelection: 1,
		SubeventLen:            5000,
		MaxNumSubevents:        1,
		TxPowerLevel:           -4,
		TIP1:                   145,
		TIP2:                   145,
		TFCS:                   150,
		TPM:                    40,
		ACI:                    antenna.ACIA1B1,
		SnrControlInitiator:    0xFF,
		SnrControlReflector:    0xFF,
		DRBGNonce:              0x1234,
		ChMRepetition:          1,
		OverrideConfig:         testmode.OverrideChannelList | testmode.OverrideToneExtension,
		OverrideData:           []byte{3, 10, 20, 30, 0x02},
	}
}

func newTestController(t *testing.T) *testhelpers.Controller {
	t.Helper()
	return testhelpers.NewController(t, logger.Discard(), testhelpers.ClosedLink{}, testhelpers.DefaultCapabilities(), nil)
}

// TestStartTest tests a test-mode procedure with a fixed channel list
func TestStartTest(t *testing.T) {
	c := newTestController(t)
	defer c.Engine.Close()

	if err := c.Engine.StartTest(testParams()); err != nil {
		t.Fatalf("Failed to start test: %v", err)
	}
	if !c.Engine.TestActive() {
		t.Fatal("Expected test to be active")
	}
	if c.Links.Get(cs.TestModeConnID) == nil {
		t.Fatal("Expected test connection")
	}

	c.Engine.OnConnectionEvent(cs.TestModeConnID, 0, 0)
	cmds := c.Radio.Commands()
	if len(cmds) != 1 {
		t.Fatalf("Expected 1 buffer, got %d", len(cmds))
	}
	if cmds[0].SyncAntenna != 1 {
		t.Errorf("Expected CS_SYNC antenna 1, got %d", cmds[0].SyncAntenna)
	}

	wantCh := []uint8{10, 20, 30, 10}
	wantMode := []uint8{cs.Mode0, cs.Mode2, cs.Mode2, cs.Mode2}
	steps := stepPlan(cmds)
	if len(steps) != len(wantCh) {
		t.Fatalf("Expected %d steps, got %d", len(wantCh), len(steps))
	}
	for i, st := range steps {
		if st.Channel != wantCh[i] || st.Mode != wantMode[i] {
			t.Errorf("Step %d: expected mode %d channel %d, got mode %d channel %d", i, wantMode[i], wantCh[i], st.Mode, st.Channel)
		}
		if st.Mode == cs.Mode2 && st.ToneExt != 0x02 {
			t.Errorf("Step %d: expected tone extension 2, got %d", i, st.ToneExt)
		}
	}

	c.Radio.CompleteAll()
	res, ok := testhelpers.LastOf[*protocol.SubeventResultsEvt](c.Host)
	if !ok {
		t.Fatal("Expected a result event")
	}
	if res.Handle != cs.TestModeConnID || res.ProcedureDone != cs.ProcedureDone || len(res.Steps) != 4 {
		t.Errorf("Expected a finished procedure of 4 steps, got %+v", res)
	}
	if res.ReferencePower != -4 {
		t.Errorf("Expected reference power -4, got %d", res.ReferencePower)
	}

	// The test keeps running procedures
	c.Engine.OnConnectionEvent(cs.TestModeConnID, 1, 10000)
	if c.Radio.Pending() != 1 {
		t.Error("Expected the next test procedure on the radio")
	}
}

// TestEndTest tests stopping a test with a buffer on the radio
func TestEndTest(t *testing.T) {
	c := newTestController(t)
	defer c.Engine.Close()

	expectStatus(t, c.Engine.EndTest(), cs.StatusCommandDisallowed)

	if err := c.Engine.StartTest(testParams()); err != nil {
		t.Fatalf("Failed to start test: %v", err)
	}
	expectStatus(t, c.Engine.StartTest(testParams()), cs.StatusCommandDisallowed)

	c.Engine.OnConnectionEvent(cs.TestModeConnID, 0, 0)
	if err := c.Engine.EndTest(); err != nil {
		t.Fatalf("Failed to end test: %v", err)
	}

	if c.Engine.TestActive() {
		t.Error("Expected test to be over")
	}
	if stops := c.Radio.Stops(); len(stops) != 1 || stops[0] != cs.TestModeConnID {
		t.Errorf("Expected the radio stopped for connection 0, got %v", stops)
	}
	if c.Radio.Pending() != 0 {
		t.Error("Expected no held buffers")
	}
	if c.Links.Get(cs.TestModeConnID) != nil || c.DB.IsConnActive(cs.TestModeConnID) {
		t.Error("Expected connection 0 to be released")
	}
	ev, ok := testhelpers.LastOf[*protocol.TestEndCompleteEvt](c.Host)
	if !ok || ev.Status != cs.StatusSuccess {
		t.Error("Expected test end event")
	}

	// A new test may start afterwards
	if err := c.Engine.StartTest(testParams()); err != nil {
		t.Errorf("Expected restart to succeed: %v", err)
	}
}

// TestStartTestRejects tests test command validation
func TestStartTestRejects(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*testmode.Params)
		want   cs.Status
	}{
		{"mode 0 main mode", func(p *testmode.Params) { p.MainMode = cs.Mode0 }, cs.StatusUnexpectedParameter},
		{"no mode 0 steps", func(p *testmode.Params) { p.Mode0Steps = 0 }, cs.StatusUnexpectedParameter},
		{"bad role", func(p *testmode.Params) { p.Role = 3 }, cs.StatusUnexpectedParameter},
		{"subevent too short", func(p *testmode.Params) { p.SubeventLen = 100 }, cs.StatusUnexpectedParameter},
		{"no subevents", func(p *testmode.Params) { p.MaxNumSubevents = 0 }, cs.StatusUnexpectedParameter},
		{"too many subevents", func(p *testmode.Params) { p.MaxNumSubevents = 33 }, cs.StatusUnexpectedParameter},
		{"too many antennas", func(p *testmode.Params) { p.ACI = antenna.ACIA4B1 }, cs.StatusFeatureNotSupported},
		{"truncated override", func(p *testmode.Params) { p.OverrideData = []byte{5, 1} }, cs.StatusUnexpectedParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t)
			defer c.Engine.Close()

			p := testParams()
			tt.modify(&p)
			expectStatus(t, c.Engine.StartTest(p), tt.want)
			if c.Engine.TestActive() {
				t.Error("Expected no active test")
			}
			if c.DB.IsConnActive(cs.TestModeConnID) {
				t.Error("Expected connection 0 to stay free")
			}
		})
	}
}

// TestTestModeExcludesRanging tests that test mode and ranging do not mix
func TestTestModeExcludesRanging(t *testing.T) {
	t.Run("ranging running", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		establish(t, s, 0)
		expectStatus(t, s.Central.Engine.StartTest(testParams()), cs.StatusCommandDisallowed)
	})

	t.Run("test running", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		if err := s.Secure(); err != nil {
			t.Fatalf("Failed to secure link: %v", err)
		}
		if err := s.Configure(testhelpers.DefaultConfig(0), testhelpers.DefaultParams(1)); err != nil {
			t.Fatalf("Failed to configure: %v", err)
		}
		if err := s.Central.Engine.StartTest(testParams()); err != nil {
			t.Fatalf("Failed to start test: %v", err)
		}
		expectStatus(t, s.Central.Engine.ProcedureEnable(s.Handle, 0, true), cs.StatusLimitedResources)
	})
}
