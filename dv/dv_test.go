package dv

import (
	"encoding/hex"
	"math"
	"testing"
	"time"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

const walkerHex = "02FF2011000413181E000044132A00000002FF203300615B172F0FDEADBEEF"

func TestParse(t *testing.T) {
	r := Parse(unhex(t, walkerHex), Options{})

	want := []struct {
		key     string
		offset  int
		value   string
		storage int
		mtype   MeasurementType
		vif     uint16
	}{
		{"02FF20", 3, "1100", 0, Instantaneous, 0x7f20},
		{"0413", 7, "181E0000", 0, Instantaneous, 0x13},
		{"4413", 13, "2A000000", 1, Instantaneous, 0x13},
		{"02FF20_2", 20, "3300", 0, Instantaneous, 0x7f20},
		{"615B", 24, "17", 1, Minimum, 0x5b},
	}
	if len(r.Entries) != len(want) {
		t.Fatalf("got %d entries, want %d", len(r.Entries), len(want))
	}
	prev := -1
	for i, w := range want {
		e := r.Entries[i]
		if e.Key != w.key || e.Offset != w.offset || e.Value != w.value ||
			e.Storage != w.storage || e.MType != w.mtype || e.Vif != w.vif {
			t.Errorf("entry %d = %+v, want %+v", i, e, w)
		}
		if e.Offset <= prev {
			t.Errorf("entry %d offset %d not increasing", i, e.Offset)
		}
		prev = e.Offset
		if r.ByKey[w.key] != e {
			t.Errorf("entry %d not indexed under %q", i, w.key)
		}
	}
	if r.MfctStart != 27 {
		t.Errorf("MfctStart = %d, want 27", r.MfctStart)
	}
	if got := hex.EncodeToString(r.FormatBytes); got != "02ff200413441302ff20615b" {
		t.Errorf("format bytes = %s", got)
	}
}

func TestParseCompact(t *testing.T) {
	format := unhex(t, "02FF2004134413")
	data := unhex(t, "1100181E00002A000000")
	r := Parse(data, Options{Format: format})
	if len(r.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(r.Entries))
	}
	if e := r.Entries[1]; e.Key != "0413" || e.Value != "181E0000" || e.Offset != 2 {
		t.Errorf("compact entry 1 = %+v", e)
	}
	if e := r.Entries[2]; e.Key != "4413" || e.Storage != 1 || e.Value != "2A000000" {
		t.Errorf("compact entry 2 = %+v", e)
	}
}

func TestParseCombinable(t *testing.T) {
	// 04 93 3C: volume with the backward flow combinable vife.
	r := Parse(unhex(t, "04933C2A000000"), Options{})
	if len(r.Entries) != 1 {
		t.Fatalf("got %d entries", len(r.Entries))
	}
	e := r.Entries[0]
	if e.Vif != 0x13 || !e.Combinables[0x3c] || len(e.Combinables) != 1 {
		t.Errorf("entry = %+v", e)
	}
}

func TestParseVarlen(t *testing.T) {
	// 0D FD 0E: variable length firmware version, LVAR 3, "1.0" reversed.
	r := Parse(unhex(t, "0DFD0E03302E31"), Options{})
	if len(r.Entries) != 1 {
		t.Fatalf("got %d entries", len(r.Entries))
	}
	e := r.Entries[0]
	if e.Vif != 0x7d0e || e.Value != "302E31" {
		t.Errorf("entry = %+v", e)
	}
	if got := e.ReadableString(); got != "1.0" {
		t.Errorf("ReadableString = %q, want 1.0", got)
	}
}

func TestParseForceMfctIndex(t *testing.T) {
	data := unhex(t, "2F2F01440100147000")
	r := Parse(data, Options{ForceMfctIndex: 2})
	if len(r.Entries) != 0 {
		t.Fatalf("got %d entries, want 0", len(r.Entries))
	}
	if r.MfctStart != 2 {
		t.Errorf("MfctStart = %d, want 2", r.MfctStart)
	}
}

func entry(t *testing.T, records, key string) *Entry {
	t.Helper()
	r := Parse(unhex(t, records), Options{})
	e, ok := r.ByKey[key]
	if !ok {
		t.Fatalf("no entry %q", key)
	}
	return e
}

func TestDouble(t *testing.T) {
	// 32-bit binary volume in liters.
	e := entry(t, "0413181E0000", "0413")
	got, err := e.Double(true, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 7.704 {
		t.Errorf("Double = %v, want 7.704", got)
	}
	// Without auto scaling the raw integer survives.
	got, _ = e.Double(false, false)
	if got != 7704 {
		t.Errorf("Double no scale = %v, want 7704", got)
	}
}

func TestDoubleBCD(t *testing.T) {
	e := entry(t, "0C1327048502", "0C13")
	got, err := e.Double(true, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 2850.427 {
		t.Errorf("Double = %v, want 2850.427", got)
	}
}

func TestDoubleBCDNegative(t *testing.T) {
	e := entry(t, "0A5A45F1", "0A5A")
	got, err := e.Double(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != -145 {
		t.Errorf("Double = %v, want -145", got)
	}
}

func TestDoubleBCDAllF(t *testing.T) {
	e := entry(t, "0A5AFFFF", "0A5A")
	if _, err := e.Double(false, false); err == nil {
		t.Error("all-F bcd extracted without error")
	}
}

func TestDoubleSigned(t *testing.T) {
	// 16-bit -2 as twos complement.
	e := entry(t, "025AFEFF", "025A")
	got, err := e.Double(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != -2 {
		t.Errorf("Double = %v, want -2", got)
	}
	got, _ = e.Double(false, true)
	if got != 65534 {
		t.Errorf("Double unsigned = %v, want 65534", got)
	}
}

func TestDoubleReal(t *testing.T) {
	// 32-bit float 1.5 is 0x3FC00000, little endian on the wire.
	e := entry(t, "05130000C03F", "0513")
	got, err := e.Double(false, false)
	if err != nil {
		t.Fatal(err)
	}
	if got != 1.5 {
		t.Errorf("Double = %v, want 1.5", got)
	}
}

func TestLong(t *testing.T) {
	e := entry(t, "02FF201100", "02FF20")
	got, err := e.Long()
	if err != nil {
		t.Fatal(err)
	}
	if got != 0x11 {
		t.Errorf("Long = %#x, want 0x11", got)
	}
}

func TestDate(t *testing.T) {
	// Type G: 2021-03-04.
	e := entry(t, "426CA423", "426C")
	d, err := e.Date()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2021, 3, 4, 0, 0, 0, 0, time.UTC); !d.Equal(want) {
		t.Errorf("Date = %v, want %v", d, want)
	}
}

func TestDateTime(t *testing.T) {
	// Type F: 2021-03-04 13:37.
	e := entry(t, "046D250DA423", "046D")
	d, err := e.Date()
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2021, 3, 4, 13, 37, 0, 0, time.UTC); !d.Equal(want) {
		t.Errorf("Date = %v, want %v", d, want)
	}
}

func TestVifScale(t *testing.T) {
	tests := []struct {
		vif  uint16
		want float64
	}{
		{0x03, 1000},    // Wh -> kWh
		{0x06, 1},       // kWh
		{0x13, 1000},    // l -> m3
		{0x16, 1},       // m3
		{0x20, 3600},    // seconds -> hours
		{0x2b, 1000},    // W -> kW
		{0x3b, 1000},    // l/h -> m3/h
		{0x5b, 1},       // C
		{0x6e, 1},       // HCA
		{0x7b00, 0.01},  // 0.1 MWh -> kWh
		{0x7d32, 1},     // tariff hours
		{0x7d40, 1e9}, // nV -> V
		{0x7d55, 1e7}, // 10^-7 A -> A
	}
	for _, tc := range tests {
		got, ok := VifScale(tc.vif)
		if !ok {
			t.Errorf("VifScale(%#x) not ok", tc.vif)
			continue
		}
		if math.Abs(got-tc.want)/tc.want > 1e-12 {
			t.Errorf("VifScale(%#x) = %v, want %v", tc.vif, got, tc.want)
		}
	}
}
