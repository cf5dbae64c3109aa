package link

import (
	"testing"
	"time"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

func TestConnTable_New(t *testing.T) {
	tbl := NewConnTable()
	if tbl.Count() != 0 {
		t.Errorf("Expected 0 connections, got %d", tbl.Count())
	}
}

func TestConnTable_AddAndGet(t *testing.T) {
	tbl := NewConnTable()
	c := tbl.Add(1, cs.LinkCentral, 30)
	if c == nil {
		t.Fatal("Add returned nil")
	}
	if c.GetState() != StateConnected {
		t.Errorf("Expected state connected, got %s", c.GetState())
	}

	// Re-adding keeps the same connection and updates its parameters
	again := tbl.Add(1, cs.LinkPeripheral, 40)
	if again != c {
		t.Error("Expected the existing connection to be reused")
	}
	if tbl.Get(1).Interval != 40 {
		t.Errorf("Expected interval 40, got %d", tbl.Get(1).Interval)
	}
	if tbl.Get(2) != nil {
		t.Error("Expected nil for unknown handle")
	}
}

func TestConnTable_AllSorted(t *testing.T) {
	tbl := NewConnTable()
	for _, h := range []uint16{5, 1, 3} {
		tbl.Add(h, cs.LinkCentral, 24)
	}
	all := tbl.All()
	if len(all) != 3 || all[0].Handle != 1 || all[2].Handle != 5 {
		t.Errorf("Expected handles sorted 1,3,5")
	}
}

func TestConnTable_Remove(t *testing.T) {
	tbl := NewConnTable()
	c := tbl.Add(1, cs.LinkCentral, 24)
	tbl.Remove(1)
	if tbl.Count() != 0 {
		t.Error("Expected connection removed")
	}
	if c.GetState() != StateDisconnected {
		t.Errorf("Expected state disconnected, got %s", c.GetState())
	}
}

func TestConnTable_RemoveStale(t *testing.T) {
	tbl := NewConnTable()
	tbl.Add(1, cs.LinkCentral, 24)
	fresh := tbl.Add(2, cs.LinkCentral, 24)

	time.Sleep(20 * time.Millisecond)
	fresh.Advance(10, 12500)

	removed := tbl.RemoveStale(10 * time.Millisecond)
	if len(removed) != 1 || removed[0] != 1 {
		t.Errorf("Expected handle 1 removed, got %v", removed)
	}
	if tbl.Get(2) == nil {
		t.Error("Connection with a recent event should stay")
	}
}

func TestConn_NextEvent(t *testing.T) {
	c := NewConn(1, cs.LinkCentral, 30)
	c.Advance(100, 1_000_000)
	counter, anchor := c.NextEvent(6)
	if counter != 106 {
		t.Errorf("Expected counter 106, got %d", counter)
	}
	// 6 intervals of 37.5 ms
	if anchor != 1_000_000+6*37_500 {
		t.Errorf("Expected anchor %d, got %d", 1_000_000+6*37_500, anchor)
	}
	if c.IntervalUs() != 37_500 {
		t.Errorf("Expected 37500 µs interval, got %d", c.IntervalUs())
	}
}

func TestConn_Encrypt(t *testing.T) {
	c := NewConn(1, cs.LinkPeripheral, 30)
	if _, ok := c.SessionKey(); ok {
		t.Error("New connection should not be encrypted")
	}
	c.Encrypt([16]byte{1})
	key, ok := c.SessionKey()
	if !ok || key[0] != 1 {
		t.Error("Expected stored session key")
	}
	if s := c.Snapshot(); s.Role != "peripheral" || s.State != "encrypted" {
		t.Errorf("Unexpected snapshot %+v", s)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnected, "connected"},
		{StateEncrypted, "encrypted"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
