package scheduler_test

import (
	"testing"
	"time"

	"github.com/dbehnke/cs-controller/internal/testhelpers"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/csdb"
	"github.com/dbehnke/cs-controller/pkg/logger"
	"github.com/dbehnke/cs-controller/pkg/protocol"
	"github.com/dbehnke/cs-controller/pkg/scheduler"
)

func expectStatus(t *testing.T, err error, want cs.Status) {
	t.Helper()
	if got := cs.StatusOf(err); got != want {
		t.Errorf("Expected status %v, got %v (err: %v)", want, got, err)
	}
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestSecurityEnable tests the security exchange between both controllers
func TestSecurityEnable(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}

	for name, c := range map[string]*testhelpers.Controller{"central": s.Central, "peripheral": s.Peripheral} {
		if !c.DB.IsProcedureCompleted(s.Handle, cs.ProcSecurity) {
			t.Errorf("Expected security completed on %s", name)
		}
		ev, ok := testhelpers.LastOf[*protocol.SecurityEnableCompleteEvt](c.Host)
		if !ok || ev.Status != cs.StatusSuccess {
			t.Errorf("Expected successful security event on %s", name)
		}
	}

	cv := s.Central.DB.SecurityVectors(s.Handle)
	pv := s.Peripheral.DB.SecurityVectors(s.Handle)
	if cv.Local != pv.Peer || cv.Peer != pv.Local {
		t.Error("Expected both sides to hold the same security vectors")
	}

	// Security runs once per connection
	expectStatus(t, s.Central.Engine.SecurityEnable(s.Handle), cs.StatusCommandDisallowed)
}

// TestSecurityEnableRejects tests the preconditions of the security
// procedure
func TestSecurityEnableRejects(t *testing.T) {
	t.Run("peripheral", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		expectStatus(t, s.Peripheral.Engine.SecurityEnable(s.Handle), cs.StatusCommandDisallowed)
	})

	t.Run("unknown connection", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		expectStatus(t, s.Central.Engine.SecurityEnable(3), cs.StatusInactiveConnection)
	})

	t.Run("unencrypted link", func(t *testing.T) {
		c := testhelpers.NewController(t, logger.Discard(), testhelpers.ClosedLink{}, testhelpers.DefaultCapabilities(), nil)
		if err := c.Engine.Connect(1, cs.LinkCentral, testhelpers.DefaultInterval); err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		expectStatus(t, c.Engine.SecurityEnable(1), cs.StatusInsufficientSecurity)
	})

	t.Run("link down", func(t *testing.T) {
		c := testhelpers.NewController(t, logger.Discard(), testhelpers.ClosedLink{}, testhelpers.DefaultCapabilities(), nil)
		if err := c.Engine.Connect(1, cs.LinkCentral, testhelpers.DefaultInterval); err != nil {
			t.Fatalf("Failed to connect: %v", err)
		}
		c.Links.Get(1).Encrypt([16]byte{1})
		if err := c.Engine.SecurityEnable(1); err == nil {
			t.Error("Expected send failure to be returned")
		}
		if c.DB.ActiveProcedure(1) != 0 {
			t.Error("Expected procedure slot to be released")
		}
	})
}

// TestConnectReservedHandle tests that handle 0 is kept for test mode
func TestConnectReservedHandle(t *testing.T) {
	c := testhelpers.NewController(t, logger.Discard(), testhelpers.ClosedLink{}, testhelpers.DefaultCapabilities(), nil)
	expectStatus(t, c.Engine.Connect(cs.TestModeConnID, cs.LinkCentral, 16), cs.StatusUnexpectedParameter)
	expectStatus(t, c.Engine.Connect(1, cs.LinkCentral, 0), cs.StatusUnexpectedParameter)
}

// TestReadRemoteCapabilities tests the capability exchange and its cache
func TestReadRemoteCapabilities(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}

	caps, ok := s.Central.DB.PeerCapabilities(s.Handle)
	if !ok || caps != testhelpers.DefaultCapabilities() {
		t.Errorf("Expected central to hold peer capabilities, got %+v", caps)
	}
	if _, ok := s.Peripheral.DB.PeerCapabilities(s.Handle); !ok {
		t.Error("Expected peripheral to learn central capabilities from the request")
	}

	sent := len(s.Link.Sent())
	if err := s.Central.Engine.ReadRemoteCapabilities(s.Handle); err != nil {
		t.Fatalf("Failed to read capabilities again: %v", err)
	}
	if len(s.Link.Sent()) != sent {
		t.Error("Expected cached capabilities without a new PDU")
	}
	if n := s.Central.Host.Count(protocol.EvtReadRemoteCapabilitiesComplete); n != 2 {
		t.Errorf("Expected 2 capability events, got %d", n)
	}
}

// TestReadRemoteFAETable tests fetching the peer's FAE table
func TestReadRemoteFAETable(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	expectStatus(t, s.Central.Engine.ReadRemoteFAETable(s.Handle), cs.StatusCommandDisallowed)

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	var table csdb.FAETable
	for i := range table {
		table[i] = int8(i - 36)
	}
	s.Peripheral.DB.SetLocalFAETable(table)

	if err := s.Central.Engine.ReadRemoteFAETable(s.Handle); err != nil {
		t.Fatalf("Failed to request FAE table: %v", err)
	}
	s.Pump()

	ev, ok := testhelpers.LastOf[*protocol.ReadRemoteFAETableCompleteEvt](s.Central.Host)
	if !ok || ev.Status != cs.StatusSuccess {
		t.Fatal("Expected successful FAE table event")
	}
	if ev.Table != table {
		t.Error("Expected reported table to match the peer's")
	}
	if got, ok := s.Central.DB.PeerFAETable(s.Handle); !ok || got != table {
		t.Error("Expected peer FAE table to be stored")
	}

	caps := testhelpers.DefaultCapabilities()
	caps.NoFAE = true
	if err := s.Central.DB.SetPeerCapabilities(s.Handle, caps); err != nil {
		t.Fatalf("Failed to set peer capabilities: %v", err)
	}
	expectStatus(t, s.Central.Engine.ReadRemoteFAETable(s.Handle), cs.StatusFeatureNotSupported)
}

// TestCreateConfigWithPeer tests creating a configuration on both sides
func TestCreateConfigWithPeer(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	if err := s.Configure(testhelpers.DefaultConfig(1), testhelpers.DefaultParams(1)); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}

	central, ok := s.Central.DB.Configuration(s.Handle, 1)
	if !ok {
		t.Fatal("Expected central configuration 1")
	}
	peripheral, ok := s.Peripheral.DB.Configuration(s.Handle, 1)
	if !ok {
		t.Fatal("Expected peripheral configuration 1")
	}
	if central.Role != cs.RoleInitiator || peripheral.Role != cs.RoleReflector {
		t.Errorf("Expected initiator and reflector, got %d and %d", central.Role, peripheral.Role)
	}
	if central.TIP1 != 0 || central.TFCS != 0 || central.TPM != 0 {
		t.Errorf("Expected fastest timing indices, got TIP1=%d TFCS=%d TPM=%d", central.TIP1, central.TFCS, central.TPM)
	}
	if central.TIP1 != peripheral.TIP1 || central.TFCS != peripheral.TFCS || central.TPM != peripheral.TPM {
		t.Error("Expected both sides to share timing indices")
	}
	if _, ok := testhelpers.LastOf[*protocol.ConfigCompleteEvt](s.Peripheral.Host); !ok {
		t.Error("Expected peripheral config event")
	}
}

// TestCreateConfigRejects tests configuration creation failures
func TestCreateConfigRejects(t *testing.T) {
	t.Run("before capability exchange", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		expectStatus(t, s.Central.Engine.CreateConfig(s.Handle, testhelpers.DefaultConfig(0), scheduler.CreateWithPeer), cs.StatusCommandDisallowed)
	})

	t.Run("bad create context", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		expectStatus(t, s.Central.Engine.CreateConfig(s.Handle, testhelpers.DefaultConfig(0), 2), cs.StatusUnexpectedParameter)
	})

	t.Run("invalid configuration", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		if err := s.Secure(); err != nil {
			t.Fatalf("Failed to secure link: %v", err)
		}
		cfg := testhelpers.DefaultConfig(0)
		cfg.MainMode = cs.Mode0
		expectStatus(t, s.Central.Engine.CreateConfig(s.Handle, cfg, scheduler.CreateWithPeer), cs.StatusUnexpectedParameter)
	})

	t.Run("peer refuses role", func(t *testing.T) {
		s := testhelpers.NewIntegrationSuite(t)
		defer s.Cleanup()
		if err := s.Secure(); err != nil {
			t.Fatalf("Failed to secure link: %v", err)
		}
		err := s.Peripheral.Engine.SetDefaultSettings(s.Handle, csdb.DefaultSettings{
			RoleEnable:             cs.RoleEnableInitiator,
			CsSyncAntennaSelection: cs.CsSyncAntennaNoRecommended,
		})
		if err != nil {
			t.Fatalf("Failed to set peripheral defaults: %v", err)
		}
		if err := s.Central.Engine.CreateConfig(s.Handle, testhelpers.DefaultConfig(0), scheduler.CreateWithPeer); err != nil {
			t.Fatalf("Failed to create config: %v", err)
		}
		s.Pump()

		ev, ok := testhelpers.LastOf[*protocol.ConfigCompleteEvt](s.Central.Host)
		if !ok || ev.Status != cs.StatusCommandDisallowed {
			t.Errorf("Expected config event with COMMAND_DISALLOWED, got %+v", ev)
		}
		if _, ok := s.Central.DB.Configuration(s.Handle, 0); ok {
			t.Error("Expected no configuration after reject")
		}
		if s.Central.DB.ActiveProcedure(s.Handle) != 0 {
			t.Error("Expected procedure slot to be released")
		}
	})
}

// TestCreateConfigLocalOnly tests creating a configuration without the peer
func TestCreateConfigLocalOnly(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	sent := len(s.Link.Sent())
	if err := s.Central.Engine.CreateConfig(s.Handle, testhelpers.DefaultConfig(2), scheduler.CreateLocalOnly); err != nil {
		t.Fatalf("Failed to create config: %v", err)
	}
	if len(s.Link.Sent()) != sent {
		t.Error("Expected no PDU for a local configuration")
	}
	if _, ok := s.Central.DB.Configuration(s.Handle, 2); !ok {
		t.Error("Expected central configuration 2")
	}
	if _, ok := s.Peripheral.DB.Configuration(s.Handle, 2); ok {
		t.Error("Expected peripheral to know nothing of configuration 2")
	}
}

// TestRemoveConfig tests removing a configuration on both sides
func TestRemoveConfig(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	if err := s.Configure(testhelpers.DefaultConfig(1), testhelpers.DefaultParams(1)); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	if err := s.Central.Engine.RemoveConfig(s.Handle, 1); err != nil {
		t.Fatalf("Failed to remove config: %v", err)
	}
	s.Pump()

	ev, ok := testhelpers.LastOf[*protocol.ConfigCompleteEvt](s.Central.Host)
	if !ok || ev.Status != cs.StatusSuccess || ev.Action != protocol.ConfigActionRemoved {
		t.Errorf("Expected successful removal event, got %+v", ev)
	}
	if _, ok := s.Central.DB.Configuration(s.Handle, 1); ok {
		t.Error("Expected central configuration to be gone")
	}
	if _, ok := s.Peripheral.DB.Configuration(s.Handle, 1); ok {
		t.Error("Expected peripheral configuration to be gone")
	}
	expectStatus(t, s.Central.Engine.RemoveConfig(s.Handle, 1), cs.StatusUnexpectedParameter)
}

// TestSetProcedureParameters tests parameter checks against the
// configuration state
func TestSetProcedureParameters(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	expectStatus(t, s.Central.Engine.SetProcedureParameters(s.Handle, 0, testhelpers.DefaultParams(1)), cs.StatusUnexpectedParameter)

	if err := s.Secure(); err != nil {
		t.Fatalf("Failed to secure link: %v", err)
	}
	if err := s.Configure(testhelpers.DefaultConfig(0), testhelpers.DefaultParams(1)); err != nil {
		t.Fatalf("Failed to configure: %v", err)
	}
	p := testhelpers.DefaultParams(1)
	p.MaxProcedureDur = 0
	expectStatus(t, s.Central.Engine.SetProcedureParameters(s.Handle, 0, p), cs.StatusUnexpectedParameter)

	if got := s.Central.DB.ProcedureParams(s.Handle, 0); got.MaxProcedureDur != testhelpers.DefaultParams(1).MaxProcedureDur {
		t.Errorf("Expected stored parameters to be kept, got duration %d", got.MaxProcedureDur)
	}
}

// TestResponseTimeout tests a control procedure the peer never answers
func TestResponseTimeout(t *testing.T) {
	link := testhelpers.NewLoopback()
	c := testhelpers.NewController(t, logger.Discard(), link.End(testhelpers.CentralSide), testhelpers.DefaultCapabilities(), nil,
		func(o *scheduler.Options) { o.ResponseTimeout = 20 * time.Millisecond })
	defer c.Engine.Close()

	if err := c.Engine.Connect(1, cs.LinkCentral, testhelpers.DefaultInterval); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	c.Links.Get(1).Encrypt([16]byte{7})
	if err := c.Engine.SecurityEnable(1); err != nil {
		t.Fatalf("Failed to start security: %v", err)
	}

	ok := waitFor(func() bool {
		return c.Host.Count(protocol.EvtSecurityEnableComplete) > 0
	}, 2*time.Second)
	if !ok {
		t.Fatal("Expected security event after timeout")
	}
	ev, _ := testhelpers.LastOf[*protocol.SecurityEnableCompleteEvt](c.Host)
	if ev.Status != cs.StatusLLResponseTimeout {
		t.Errorf("Expected LL response timeout, got %v", ev.Status)
	}
	if c.DB.ActiveProcedure(1) != 0 {
		t.Error("Expected procedure slot to be released")
	}
	if c.DB.IsProcedureCompleted(1, cs.ProcSecurity) {
		t.Error("Expected security not to be completed")
	}
}

// TestMalformedControlPDU tests that garbage from the peer is dropped
func TestMalformedControlPDU(t *testing.T) {
	s := testhelpers.NewIntegrationSuite(t)
	defer s.Cleanup()

	s.Central.Engine.HandleControlPDU(s.Handle, []byte{0xEE, 0x01})
	s.Central.Engine.HandleControlPDU(9, []byte{protocol.OpcodeCSCapReq})

	if s.Link.Pending() != 0 {
		t.Error("Expected no answer to malformed PDUs")
	}
	if len(s.Central.Host.Events()) != 0 {
		t.Error("Expected no host events")
	}
}
