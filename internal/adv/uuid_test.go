package adv

import "testing"

func TestParseUUID(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "180d", want: "0000180d-0000-1000-8000-00805f9b34fb"},
		{in: "0x180D", want: "0000180d-0000-1000-8000-00805f9b34fb"},
		{in: "12345678", want: "12345678-0000-1000-8000-00805f9b34fb"},
		{in: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", want: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{in: "zzzz", wantErr: true},
		{in: "not-a-uuid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUUID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseUUID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got.String() != tt.want {
				t.Errorf("ParseUUID(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestShort(t *testing.T) {
	if v, ok := Short(FromShort(0x2A37)); !ok || v != 0x2A37 {
		t.Errorf("Short(FromShort(0x2A37)) = 0x%x, %v", v, ok)
	}
	u, _ := ParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	if _, ok := Short(u); ok {
		t.Error("Short() reported a vendor UUID as base-derived")
	}
}

func TestParseUUIDs(t *testing.T) {
	got, err := ParseUUIDs([]string{"180d", "180f"})
	if err != nil {
		t.Fatalf("ParseUUIDs() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ParseUUIDs() returned %d, want 2", len(got))
	}
	if _, err := ParseUUIDs([]string{"180d", "bogus"}); err == nil {
		t.Error("ParseUUIDs() should fail on an invalid entry")
	}
}

func TestFormat(t *testing.T) {
	vendor, _ := ParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	tests := []struct {
		name string
		in   [16]byte
		want string
	}{
		{"16-bit", FromShort(0x180D), "0x180D"},
		{"32-bit", FromShort(0x1234ABCD), "0x1234ABCD"},
		{"vendor", vendor, "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Format(tt.in); got != tt.want {
				t.Errorf("Format() = %q, want %q", got, tt.want)
			}
		})
	}
}
