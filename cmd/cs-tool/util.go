package main

import (
	"encoding/hex"
	"strings"

	"github.com/pkg/errors"

	"github.com/dbehnke/cs-controller/pkg/antenna"
	"github.com/dbehnke/cs-controller/pkg/chanmap"
	"github.com/dbehnke/cs-controller/pkg/cs"
	"github.com/dbehnke/cs-controller/pkg/drbg"
	"github.com/dbehnke/cs-controller/pkg/protocol"
)

// parseHex accepts "0a1b", "0x0a1b", "0a:1b" and "0a 1b". A non-zero n
// requires exactly n bytes.
func parseHex(s string, n int) ([]byte, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	s = strings.NewReplacer(" ", "", ":", "", "-", "").Replace(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "can't decode hex")
	}
	if n > 0 && len(b) != n {
		return nil, errors.Errorf("expected %d bytes, got %d", n, len(b))
	}
	return b, nil
}

func parseRole(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "initiator", "i", "0":
		return cs.RoleInitiator, nil
	case "reflector", "r", "1":
		return cs.RoleReflector, nil
	default:
		return 0, errors.Errorf("unknown role %q", s)
	}
}

// parseMap returns every usable channel for an empty string.
func parseMap(s string) (chanmap.Map, error) {
	if s == "" {
		return chanmap.Full(), nil
	}
	b, err := parseHex(s, len(chanmap.Map{}))
	if err != nil {
		return chanmap.Map{}, err
	}
	return chanmap.FromBytes(b)
}

func parseKey(s string) ([16]byte, error) {
	var key [16]byte
	if s == "" {
		return key, nil
	}
	b, err := parseHex(s, len(key))
	if err != nil {
		return key, errors.Wrap(err, "key")
	}
	copy(key[:], b)
	return key, nil
}

// parseVector reads IV, IN and PV back to back.
func parseVector(s string) (drbg.Vector, error) {
	var v drbg.Vector
	if s == "" {
		return v, nil
	}
	b, err := parseHex(s, len(v.IV)+len(v.IN)+len(v.PV))
	if err != nil {
		return v, errors.Wrap(err, "security vector")
	}
	n := copy(v.IV[:], b)
	n += copy(v.IN[:], b[n:])
	copy(v.PV[:], b[n:])
	return v, nil
}

func parseACI(v uint) (antenna.ACI, error) {
	a := antenna.ACI(v)
	if v > uint(antenna.MaxACI) || !a.Valid() {
		return 0, errors.Errorf("antenna configuration index %d out of range", v)
	}
	return a, nil
}

// decodeStep parses the mode specific payload of a step result.
func decodeStep(s protocol.StepResult, role, nap uint8) (interface{}, error) {
	switch s.Mode {
	case cs.Mode0:
		if role == cs.RoleInitiator {
			var m protocol.Mode0Initiator
			err := m.Parse(s.Data)
			return m, err
		}
		var m protocol.Mode0Reflector
		err := m.Parse(s.Data)
		return m, err
	case cs.Mode1:
		var m protocol.Mode1
		err := m.Parse(s.Data)
		return m, err
	case cs.Mode2:
		var m protocol.Mode2
		err := m.Parse(s.Data, nap)
		return m, err
	case cs.Mode3:
		var m protocol.Mode3
		err := m.Parse(s.Data, nap)
		return m, err
	default:
		return nil, errors.Errorf("unknown step mode %d", s.Mode)
	}
}
