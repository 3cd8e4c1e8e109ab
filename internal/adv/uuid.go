package adv

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// BaseUUID is the Bluetooth base UUID that 16- and 32-bit UUIDs are
// shorthand for.
var BaseUUID = uuid.MustParse("00000000-0000-1000-8000-00805f9b34fb")

// FromShort expands a 16- or 32-bit assigned number to its 128-bit UUID.
func FromShort(v uint32) uuid.UUID {
	u := BaseUUID
	binary.BigEndian.PutUint32(u[:4], v)
	return u
}

// Short returns the assigned number of u if it is derived from the base UUID.
func Short(u uuid.UUID) (uint32, bool) {
	if [12]byte(u[4:]) != [12]byte(BaseUUID[4:]) {
		return 0, false
	}
	return binary.BigEndian.Uint32(u[:4]), true
}

// ParseUUID accepts a 4 or 8 hex digit assigned number ("180d", "0x180D")
// or any form understood by uuid.Parse.
func ParseUUID(s string) (uuid.UUID, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(t) == 4 || len(t) == 8 {
		v, err := strconv.ParseUint(t, 16, 32)
		if err != nil {
			return uuid.Nil, fmt.Errorf("adv: parse uuid %q: %w", s, err)
		}
		return FromShort(uint32(v)), nil
	}
	u, err := uuid.Parse(t)
	if err != nil {
		return uuid.Nil, fmt.Errorf("adv: parse uuid %q: %w", s, err)
	}
	return u, nil
}

// ParseUUIDs parses every entry of ss.
func ParseUUIDs(ss []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		u, err := ParseUUID(s)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Format renders u in its shortest form: "0x180D" for assigned numbers,
// the canonical 36-character string otherwise.
func Format(u uuid.UUID) string {
	if v, ok := Short(u); ok {
		if v <= 0xFFFF {
			return fmt.Sprintf("0x%04X", v)
		}
		return fmt.Sprintf("0x%08X", v)
	}
	return u.String()
}
