package chanmap

import (
	"errors"
	"testing"

	"github.com/dbehnke/cs-controller/pkg/cs"
)

var restrictedChannels = []uint8{0, 1, 23, 24, 25, 77, 78}

// counterSource returns a deterministic byte stream
func counterSource(seed uint8) ByteSource {
	v := seed
	return func() (uint8, error) {
		v = v*73 + 41
		return v, nil
	}
}

func TestFull(t *testing.T) {
	m := Full()
	if m.Count() != cs.NumUsableChannels {
		t.Errorf("full map has %d channels, want %d", m.Count(), cs.NumUsableChannels)
	}
	for _, ch := range restrictedChannels {
		if m.IsSet(ch) {
			t.Errorf("restricted channel %d set in full map", ch)
		}
	}
	if m[9]&0x80 != 0 {
		t.Error("reserved bit 79 set")
	}
}

// TestFilterChannelMap_Restriction feeds many inputs and checks restricted bits stay clear
func TestFilterChannelMap_Restriction(t *testing.T) {
	src := counterSource(3)
	var all Map
	for i := range all {
		all[i] = 0xFF
	}
	inputs := []Map{all}
	for n := 0; n < 50; n++ {
		var m Map
		for i := range m {
			b, _ := src()
			m[i] = b | 0x55
		}
		inputs = append(inputs, m)
	}
	for _, in := range inputs {
		out, _ := FilterChannelMap(in, all)
		for _, ch := range restrictedChannels {
			if out.IsSet(ch) {
				t.Fatalf("input %s: restricted channel %d survived filtering", in, ch)
			}
		}
	}
}

func TestFilterChannelMap_Classification(t *testing.T) {
	class := Full()
	for ch := uint8(2); ch < 30; ch++ {
		class.Clear(ch)
	}
	out, err := FilterChannelMap(Full(), class)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for ch := uint8(2); ch < 30; ch++ {
		if out.IsSet(ch) {
			t.Errorf("bad channel %d survived", ch)
		}
	}
	if !out.IsSet(30) || !out.IsSet(76) {
		t.Error("good channels were dropped")
	}
}

func TestFilterChannelMap_TooFew(t *testing.T) {
	var m Map
	for ch := uint8(2); ch < 2+14; ch++ {
		m.Set(ch)
	}
	_, err := FilterChannelMap(m, Full())
	if !errors.Is(err, cs.StatusInvalidCHM) {
		t.Errorf("14 channels: got %v, want invalid channel map", err)
	}
	m.Set(30)
	if _, err := FilterChannelMap(m, Full()); err != nil {
		t.Errorf("15 channels: unexpected %v", err)
	}
}

func TestFromBytes(t *testing.T) {
	if _, err := FromBytes([]byte{1, 2, 3}); err == nil {
		t.Error("short map should be rejected")
	}
	m, err := FromBytes([]byte{0xFC, 0xFF, 0x7F, 0xFC, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x1F})
	if err != nil {
		t.Fatal(err)
	}
	if m != Full() {
		t.Errorf("got %s, want %s", m, Full())
	}
}

func TestShuffle3b_Permutes(t *testing.T) {
	ch := Full().Channels()
	orig := append([]uint8(nil), ch...)
	if err := Shuffle3b(ch, counterSource(9)); err != nil {
		t.Fatal(err)
	}
	seen := map[uint8]int{}
	for _, c := range ch {
		seen[c]++
	}
	for _, c := range orig {
		if seen[c] != 1 {
			t.Fatalf("channel %d appears %d times after shuffle", c, seen[c])
		}
	}
	same := true
	for i := range ch {
		if ch[i] != orig[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("shuffle left the order untouched")
	}
}

func TestShuffle3b_SourceError(t *testing.T) {
	boom := errors.New("drbg down")
	err := Shuffle3b([]uint8{2, 3, 4}, func() (uint8, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want source error", err)
	}
}

func TestOrder3c(t *testing.T) {
	ch := Full().Channels()
	for _, shape := range []uint8{cs.Ch3cShapeHat, cs.Ch3cShapeX} {
		out, err := Order3c(ch, shape, 3, counterSource(1))
		if err != nil {
			t.Fatalf("shape %d: %v", shape, err)
		}
		if len(out) != len(ch) {
			t.Fatalf("shape %d: %d channels, want %d", shape, len(out), len(ch))
		}
		seen := map[uint8]bool{}
		for _, c := range out {
			if seen[c] {
				t.Fatalf("shape %d: channel %d repeated", shape, c)
			}
			seen[c] = true
		}
	}
	if _, err := Order3c(ch, cs.Ch3cShapeHat, 1, counterSource(1)); err == nil {
		t.Error("jump below minimum should be rejected")
	}
	if _, err := Order3c(ch, 7, 3, counterSource(1)); err == nil {
		t.Error("unknown shape should be rejected")
	}
}
