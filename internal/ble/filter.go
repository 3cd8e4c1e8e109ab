package ble

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/blescout/internal/adv"
)

// Sighting is one observation of an advertising device. A device produces
// many sightings over time; they are never merged.
type Sighting struct {
	ID           string
	Name         string // empty when the device did not advertise one
	ServiceUUIDs []uuid.UUID
	Payload      []byte
	RSSI         int // dBm
	SeenAt       time.Time
}

// newSighting snapshots an advertisement. Name and service UUIDs missing
// from the report are recovered from the raw payload.
func newSighting(a Advertisement, at time.Time) Sighting {
	s := Sighting{
		ID:           normalizeID(a.Address),
		Name:         a.LocalName,
		ServiceUUIDs: append([]uuid.UUID(nil), a.ServiceUUIDs...),
		Payload:      append([]byte(nil), a.Payload...),
		RSSI:         a.RSSI,
		SeenAt:       at,
	}
	if len(s.Payload) > 0 {
		p := adv.Packet(s.Payload)
		if s.Name == "" {
			s.Name = p.LocalName()
		}
		if len(s.ServiceUUIDs) == 0 {
			s.ServiceUUIDs = p.ServiceUUIDs()
		}
	}
	return s
}

// Advertisement exposes the raw payload for AD-level inspection.
func (s Sighting) Advertisement() adv.Packet {
	return adv.Packet(s.Payload)
}

func (s Sighting) String() string {
	name := s.Name
	if name == "" {
		name = "(unnamed)"
	}
	return fmt.Sprintf("%s %s rssi=%d", s.ID, name, s.RSSI)
}

func normalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// ScanFilter selects which advertisements a scan reports. Every non-empty
// sub-filter must match; the zero value matches everything.
type ScanFilter struct {
	ServiceUUIDs []uuid.UUID
	Names        []string // exact, case-sensitive
	FuzzyName    bool     // match Names as substrings instead
	MACs         []string // case-insensitive
}

// Matches reports whether s passes every present sub-filter.
func (f ScanFilter) Matches(s Sighting) bool {
	return f.matchUUIDs(s) && f.matchName(s) && f.matchMAC(s)
}

func (f ScanFilter) matchUUIDs(s Sighting) bool {
	if len(f.ServiceUUIDs) == 0 {
		return true
	}
	for _, want := range f.ServiceUUIDs {
		for _, got := range s.ServiceUUIDs {
			if want == got {
				return true
			}
		}
	}
	return false
}

func (f ScanFilter) matchName(s Sighting) bool {
	if len(f.Names) == 0 {
		return true
	}
	if s.Name == "" {
		return false
	}
	for _, name := range f.Names {
		if f.FuzzyName && strings.Contains(s.Name, name) {
			return true
		}
		if s.Name == name {
			return true
		}
	}
	return false
}

func (f ScanFilter) matchMAC(s Sighting) bool {
	if len(f.MACs) == 0 {
		return true
	}
	for _, mac := range f.MACs {
		if strings.EqualFold(strings.TrimSpace(mac), s.ID) {
			return true
		}
	}
	return false
}
