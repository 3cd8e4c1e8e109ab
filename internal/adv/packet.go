// Package adv parses and builds BLE advertising data: the length/type/value
// AD structures carried in advertisement and scan response payloads.
package adv

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// AD types used by this package (Bluetooth CSS, Part A).
const (
	TypeFlags            = 0x01
	TypeSomeUUID16       = 0x02
	TypeAllUUID16        = 0x03
	TypeSomeUUID32       = 0x04
	TypeAllUUID32        = 0x05
	TypeSomeUUID128      = 0x06
	TypeAllUUID128       = 0x07
	TypeShortName        = 0x08
	TypeCompleteName     = 0x09
	TypeTxPower          = 0x0A
	TypeManufacturerData = 0xFF
)

// MaxLegacyLen is the payload limit of a legacy advertising PDU.
const MaxLegacyLen = 31

// Packet is a raw advertising payload.
type Packet []byte

// Field is one AD structure.
type Field struct {
	Type byte
	Data []byte
}

// Fields splits the packet into AD structures. Parsing stops at the first
// zero-length structure or at a truncated one; the valid prefix is returned.
func (p Packet) Fields() []Field {
	var fields []Field
	b := []byte(p)
	for len(b) >= 2 {
		l := int(b[0])
		if l == 0 || len(b) < 1+l {
			break
		}
		fields = append(fields, Field{Type: b[1], Data: b[2 : 1+l]})
		b = b[1+l:]
	}
	return fields
}

// Field returns the data of the first structure with the given type, or nil.
func (p Packet) Field(typ byte) []byte {
	for _, f := range p.Fields() {
		if f.Type == typ {
			return f.Data
		}
	}
	return nil
}

// LocalName returns the complete local name, falling back to the shortened one.
func (p Packet) LocalName() string {
	if b := p.Field(TypeCompleteName); b != nil {
		return string(b)
	}
	return string(p.Field(TypeShortName))
}

// Flags returns the AD flags byte.
func (p Packet) Flags() (byte, bool) {
	b := p.Field(TypeFlags)
	if len(b) < 1 {
		return 0, false
	}
	return b[0], true
}

// TxPower returns the advertised transmit power level in dBm.
func (p Packet) TxPower() (int, bool) {
	b := p.Field(TypeTxPower)
	if len(b) < 1 {
		return 0, false
	}
	return int(int8(b[0])), true
}

// ManufacturerData returns the company identifier and the vendor payload.
func (p Packet) ManufacturerData() (uint16, []byte, bool) {
	b := p.Field(TypeManufacturerData)
	if len(b) < 2 {
		return 0, nil, false
	}
	return binary.LittleEndian.Uint16(b), b[2:], true
}

// ServiceUUIDs returns every service UUID listed in the packet, in order,
// expanded to 128-bit form.
func (p Packet) ServiceUUIDs() []uuid.UUID {
	var out []uuid.UUID
	for _, f := range p.Fields() {
		switch f.Type {
		case TypeSomeUUID16, TypeAllUUID16:
			for b := f.Data; len(b) >= 2; b = b[2:] {
				out = append(out, FromShort(uint32(binary.LittleEndian.Uint16(b))))
			}
		case TypeSomeUUID32, TypeAllUUID32:
			for b := f.Data; len(b) >= 4; b = b[4:] {
				out = append(out, FromShort(binary.LittleEndian.Uint32(b)))
			}
		case TypeSomeUUID128, TypeAllUUID128:
			for b := f.Data; len(b) >= 16; b = b[16:] {
				out = append(out, fromLittleEndian(b[:16]))
			}
		}
	}
	return out
}

// Builder assembles an advertising payload.
type Builder struct {
	buf []byte
}

// Add appends one AD structure. Data longer than 254 bytes is truncated.
func (b *Builder) Add(typ byte, data []byte) *Builder {
	if len(data) > 254 {
		data = data[:254]
	}
	b.buf = append(b.buf, byte(len(data)+1), typ)
	b.buf = append(b.buf, data...)
	return b
}

// Flags appends the flags structure.
func (b *Builder) Flags(f byte) *Builder {
	return b.Add(TypeFlags, []byte{f})
}

// Name appends a complete local name. Empty names are skipped.
func (b *Builder) Name(name string) *Builder {
	if name == "" {
		return b
	}
	return b.Add(TypeCompleteName, []byte(name))
}

// ServiceUUIDs appends complete service UUID lists, using the 16-bit form
// for UUIDs derived from the Bluetooth base UUID.
func (b *Builder) ServiceUUIDs(uuids ...uuid.UUID) *Builder {
	var short, long []byte
	for _, u := range uuids {
		if s, ok := Short(u); ok && s <= 0xFFFF {
			short = binary.LittleEndian.AppendUint16(short, uint16(s))
			continue
		}
		long = append(long, toLittleEndian(u)...)
	}
	if len(short) > 0 {
		b.Add(TypeAllUUID16, short)
	}
	if len(long) > 0 {
		b.Add(TypeAllUUID128, long)
	}
	return b
}

// ManufacturerData appends a manufacturer specific data structure.
func (b *Builder) ManufacturerData(company uint16, data []byte) *Builder {
	d := binary.LittleEndian.AppendUint16(nil, company)
	return b.Add(TypeManufacturerData, append(d, data...))
}

// Bytes returns the assembled payload.
func (b *Builder) Bytes() Packet {
	return Packet(append([]byte(nil), b.buf...))
}

func fromLittleEndian(b []byte) uuid.UUID {
	var u uuid.UUID
	for i := 0; i < 16; i++ {
		u[i] = b[15-i]
	}
	return u
}

func toLittleEndian(u uuid.UUID) []byte {
	b := make([]byte, 16)
	for i := 0; i < 16; i++ {
		b[i] = u[15-i]
	}
	return b
}
