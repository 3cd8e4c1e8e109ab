package adv

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestPacketFields(t *testing.T) {
	p := Packet{0x02, 0x01, 0x06, 0x05, 0x09, 'T', 'e', 's', 't'}

	fields := p.Fields()
	if len(fields) != 2 {
		t.Fatalf("Fields() returned %d fields, want 2", len(fields))
	}
	if fields[0].Type != TypeFlags || !bytes.Equal(fields[0].Data, []byte{0x06}) {
		t.Errorf("fields[0] = %+v, want flags 0x06", fields[0])
	}
	if got := p.LocalName(); got != "Test" {
		t.Errorf("LocalName() = %q, want %q", got, "Test")
	}
	if f, ok := p.Flags(); !ok || f != 0x06 {
		t.Errorf("Flags() = 0x%02x, %v, want 0x06, true", f, ok)
	}
}

func TestPacketTruncated(t *testing.T) {
	// Second structure claims 9 bytes but only 2 follow.
	p := Packet{0x02, 0x01, 0x06, 0x09, 0x09, 'A'}
	if n := len(p.Fields()); n != 1 {
		t.Errorf("Fields() on truncated packet returned %d fields, want 1", n)
	}
	if got := p.LocalName(); got != "" {
		t.Errorf("LocalName() = %q, want empty", got)
	}
}

func TestPacketShortNameFallback(t *testing.T) {
	p := Packet{0x04, TypeShortName, 'A', 'B', 'C'}
	if got := p.LocalName(); got != "ABC" {
		t.Errorf("LocalName() = %q, want %q", got, "ABC")
	}
}

func TestPacketTxPowerAndManufacturer(t *testing.T) {
	p := Packet{0x02, TypeTxPower, 0xF4, 0x05, TypeManufacturerData, 0x4C, 0x00, 0x01, 0x02}
	if tx, ok := p.TxPower(); !ok || tx != -12 {
		t.Errorf("TxPower() = %d, %v, want -12, true", tx, ok)
	}
	company, data, ok := p.ManufacturerData()
	if !ok || company != 0x004C || !bytes.Equal(data, []byte{0x01, 0x02}) {
		t.Errorf("ManufacturerData() = 0x%04x, %x, %v", company, data, ok)
	}
}

func TestPacketServiceUUIDs(t *testing.T) {
	nus := uuid.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	p := new(Builder).Flags(0x06).ServiceUUIDs(FromShort(0x180D), nus).Bytes()

	got := p.ServiceUUIDs()
	want := []uuid.UUID{FromShort(0x180D), nus}
	if len(got) != len(want) {
		t.Fatalf("ServiceUUIDs() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ServiceUUIDs()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPacketUUID32(t *testing.T) {
	p := Packet{0x05, TypeAllUUID32, 0x78, 0x56, 0x34, 0x12}
	got := p.ServiceUUIDs()
	if len(got) != 1 || got[0] != FromShort(0x12345678) {
		t.Errorf("ServiceUUIDs() = %v, want [%s]", got, FromShort(0x12345678))
	}
}

func TestBuilderRoundTripName(t *testing.T) {
	p := new(Builder).Name("Heart Rate").ManufacturerData(0x0059, []byte{0xAA}).Bytes()
	if got := p.LocalName(); got != "Heart Rate" {
		t.Errorf("LocalName() = %q, want %q", got, "Heart Rate")
	}
	if c, d, ok := p.ManufacturerData(); !ok || c != 0x0059 || !bytes.Equal(d, []byte{0xAA}) {
		t.Errorf("ManufacturerData() = 0x%04x, %x, %v", c, d, ok)
	}
}

func TestBuilderSkipsEmptyName(t *testing.T) {
	if p := new(Builder).Name("").Bytes(); len(p) != 0 {
		t.Errorf("Name(\"\") produced %x, want empty payload", []byte(p))
	}
}
