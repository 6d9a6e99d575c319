package rtlwmbus

import (
	"io"
	"strings"
	"testing"

	"wmbusd.dev/frame"
)

const line = "T1;1;1;2026-08-01 12:00:00.000;-77;;;0x1844ae4c7856341268077a550000000413181e0000023b1300"

func TestParseLine(t *testing.T) {
	f, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if f.Mode != frame.ModeT1 {
		t.Errorf("mode = %s", f.Mode)
	}
	if f.RSSI != -77 {
		t.Errorf("rssi = %d", f.RSSI)
	}
	if int(f.Data[0]) != len(f.Data)-1 {
		t.Errorf("bad length field")
	}
}

func TestReaderSkipsGarbage(t *testing.T) {
	input := "garbage\n" + line + "\nalso garbage\n"
	r := NewReader(strings.NewReader(input))
	f, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if f.Mode != frame.ModeT1 {
		t.Errorf("mode = %s", f.Mode)
	}
	if _, err := r.Read(); err != io.EOF {
		t.Errorf("want EOF, got %v", err)
	}
}

func TestFormatRoundTrip(t *testing.T) {
	f, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	out := FormatLine(f, "2026-08-01 12:00:00.000")
	f2, err := ParseLine(strings.TrimSpace(out))
	if err != nil {
		t.Fatal(err)
	}
	if f2.RSSI != f.RSSI || f2.Mode != f.Mode || len(f2.Data) != len(f.Data) {
		t.Errorf("round trip mismatch: %+v vs %+v", f, f2)
	}
}
