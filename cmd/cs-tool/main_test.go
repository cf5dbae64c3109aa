package main

import (
	"bytes"
	"encoding/hex"
	"sort"
	"strings"
	"testing"

	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	saved := out
	out = &buf
	defer func() { out = saved }()

	err := newApp().Run(append([]string{"cs-tool"}, args...))
	return buf.String(), err
}

// TestParseHex tests the accepted hex spellings
func TestParseHex(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		n       int
		want    []byte
		wantErr bool
	}{
		{"plain", "0a1b", 0, []byte{0x0a, 0x1b}, false},
		{"prefixed", "0x0A1B", 0, []byte{0x0a, 0x1b}, false},
		{"colons", "0a:1b", 2, []byte{0x0a, 0x1b}, false},
		{"spaces", " 0a 1b ", 2, []byte{0x0a, 0x1b}, false},
		{"wrong length", "0a1b", 3, nil, true},
		{"odd digits", "0a1", 0, nil, true},
		{"not hex", "zz", 0, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseHex(tt.in, tt.n)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Expected error %v, got %v", tt.wantErr, err)
			}
			if !tt.wantErr && !bytes.Equal(got, tt.want) {
				t.Errorf("Expected %x, got %x", tt.want, got)
			}
		})
	}
}

// TestParseRole tests role names
func TestParseRole(t *testing.T) {
	if r, err := parseRole("Reflector"); err != nil || r != cs.RoleReflector {
		t.Errorf("Expected reflector, got %d (%v)", r, err)
	}
	if r, err := parseRole("i"); err != nil || r != cs.RoleInitiator {
		t.Errorf("Expected initiator, got %d (%v)", r, err)
	}
	if _, err := parseRole("observer"); err == nil {
		t.Error("Expected an error for an unknown role")
	}
}

// TestParseVector tests splitting a security vector
func TestParseVector(t *testing.T) {
	v, err := parseVector("0102030405060708" + "090a0b0c" + "1112131415161718")
	if err != nil {
		t.Fatalf("parseVector failed: %v", err)
	}
	if v.IV[0] != 0x01 || v.IV[7] != 0x08 {
		t.Errorf("Unexpected IV %x", v.IV)
	}
	if v.IN[0] != 0x09 || v.IN[3] != 0x0c {
		t.Errorf("Unexpected IN %x", v.IN)
	}
	if v.PV[0] != 0x11 || v.PV[7] != 0x18 {
		t.Errorf("Unexpected PV %x", v.PV)
	}
	if _, err := parseVector("0102"); err == nil {
		t.Error("Expected an error for a short vector")
	}
}

// TestParseACI tests the index range check
func TestParseACI(t *testing.T) {
	if _, err := parseACI(7); err != nil {
		t.Errorf("Expected ACI 7 to be valid, got %v", err)
	}
	if _, err := parseACI(8); err == nil {
		t.Error("Expected ACI 8 to be rejected")
	}
}

// TestDecodeCommand tests decoding a control PDU
func TestDecodeCommand(t *testing.T) {
	data, err := protocol.EncodePDU(&protocol.SecurityReq{})
	if err != nil {
		t.Fatalf("EncodePDU failed: %v", err)
	}
	got, err := runApp(t, "decode", hex.EncodeToString(data))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !strings.Contains(got, "*protocol.SecurityReq") {
		t.Errorf("Expected a SecurityReq, got %q", got)
	}

	if _, err := runApp(t, "decode"); err == nil {
		t.Error("Expected an error without an argument")
	}
	if _, err := runApp(t, "decode", "ff"); err == nil {
		t.Error("Expected an error for an unknown opcode")
	}
}

// TestStepsCommand tests decoding a mode-0 initiator step
func TestStepsCommand(t *testing.T) {
	payload := protocol.Mode0Initiator{Quality: 1, RSSI: -40, FreqOffset: 12}.Encode()
	data := append([]byte{cs.Mode0, 5, byte(len(payload))}, payload...)

	got, err := runApp(t, "steps", "--data", hex.EncodeToString(data), "--count", "1")
	if err != nil {
		t.Fatalf("steps failed: %v", err)
	}
	if !strings.Contains(got, "step 0 mode 0 channel 5") {
		t.Errorf("Expected step 0 on channel 5, got %q", got)
	}
	if !strings.Contains(got, "RSSI:-40") {
		t.Errorf("Expected the decoded RSSI, got %q", got)
	}

	// a reflector mode-0 step is shorter
	if _, err := runApp(t, "steps", "--data", hex.EncodeToString(data), "--role", "reflector"); err == nil {
		t.Error("Expected a length error for the reflector role")
	}
}

// TestChmapCommand tests filtering and shuffling a channel map
func TestChmapCommand(t *testing.T) {
	got, err := runApp(t, "chmap")
	if err != nil {
		t.Fatalf("chmap failed: %v", err)
	}
	if !strings.Contains(got, "channels (72)") {
		t.Errorf("Expected 72 channels, got %q", got)
	}

	class := chanmap.Full()
	for ch := uint8(2); ch < 40; ch++ {
		class.Clear(ch)
	}
	got, err = runApp(t, "chmap", "--class", class.String())
	if err != nil {
		t.Fatalf("chmap failed: %v", err)
	}
	if !strings.Contains(got, "channels (37)") {
		t.Errorf("Expected 37 channels, got %q", got)
	}

	for ch := uint8(40); ch < 70; ch++ {
		class.Clear(ch)
	}
	if _, err := runApp(t, "chmap", "--class", class.String()); err == nil {
		t.Error("Expected an error for too few channels")
	}

	got, err = runApp(t, "chmap", "--shuffle")
	if err != nil {
		t.Fatalf("chmap --shuffle failed: %v", err)
	}
	if !strings.Contains(got, "shuffled: [") {
		t.Errorf("Expected shuffled channels, got %q", got)
	}
}

// TestShuffle tests that the shuffle is a deterministic permutation
func TestShuffle(t *testing.T) {
	channels := chanmap.Full().Channels()
	key := "4c68384139f574d836bcf34e9dfb01bf"
	a, err := shuffle(channels, key, "", "")
	if err != nil {
		t.Fatalf("shuffle failed: %v", err)
	}
	b, err := shuffle(channels, key, "", "")
	if err != nil {
		t.Fatalf("shuffle failed: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("Expected the same key to give the same order")
	}
	if bytes.Equal(a, channels) {
		t.Error("Expected the order to change")
	}
	sorted := append([]uint8(nil), a...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if !bytes.Equal(sorted, channels) {
		t.Error("Expected a permutation of the input channels")
	}
}

// TestTimingCommand tests the timing derivations
func TestTimingCommand(t *testing.T) {
	got, err := runApp(t, "timing", "--interval", "80", "--procedure-len", "800", "--event-interval", "2")
	if err != nil {
		t.Fatalf("timing failed: %v", err)
	}
	for _, want := range []string{
		"connection interval: 100000 us",
		"offset: 500..4000 us",
		"subevents per event: 1",
		"events per procedure: 5",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("Expected %q in %q", want, got)
		}
	}
	if _, err := runApp(t, "timing", "--interval", "0"); err == nil {
		t.Error("Expected an error for a zero interval")
	}
}

// TestACICommand tests the antenna summary
func TestACICommand(t *testing.T) {
	got, err := runApp(t, "aci", "--aci", "0")
	if err != nil {
		t.Fatalf("aci failed: %v", err)
	}
	if !strings.Contains(got, "paths: 1, permutations: 1") {
		t.Errorf("Expected a single path, got %q", got)
	}
	if _, err := runApp(t, "aci", "--aci", "9"); err == nil {
		t.Error("Expected an error for an undefined index")
	}
}
