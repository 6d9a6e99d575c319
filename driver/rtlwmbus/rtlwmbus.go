// Package rtlwmbus reads link-layer frames from the textual output
// of rtl_wmbus running against an rtl-sdr stick, over a serial port
// or any other line oriented stream. Lines look like
//
//	T1;1;1;2026-08-01 12:00:00.000;-77;;;0x2e44ae4c...
//
// where the hex payload is the canonical frame with CRCs already
// validated and stripped.
package rtlwmbus

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/tarm/serial"
	"wmbusd.dev/frame"
)

// Reader parses rtl_wmbus lines into frames.
type Reader struct {
	s *bufio.Scanner
	c io.Closer
}

// Open connects to a serial device carrying rtl_wmbus output.
func Open(dev string, baud int) (*Reader, error) {
	if baud == 0 {
		baud = 115200
	}
	p, err := serial.OpenPort(&serial.Config{Name: dev, Baud: baud})
	if err != nil {
		return nil, fmt.Errorf("rtlwmbus: %w", err)
	}
	return &Reader{s: bufio.NewScanner(p), c: p}, nil
}

// NewReader wraps any line oriented stream, e.g. a pipe from a local
// rtl_wmbus process.
func NewReader(r io.Reader) *Reader {
	return &Reader{s: bufio.NewScanner(r)}
}

// Read returns the next frame. Lines that do not parse are skipped;
// io.EOF reports the end of the stream.
func (r *Reader) Read() (*frame.Frame, error) {
	for r.s.Scan() {
		f, err := ParseLine(strings.TrimSpace(r.s.Text()))
		if err != nil {
			continue
		}
		return f, nil
	}
	if err := r.s.Err(); err != nil {
		return nil, fmt.Errorf("rtlwmbus: %w", err)
	}
	return nil, io.EOF
}

func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}

// ParseLine decodes one rtl_wmbus output line.
func ParseLine(line string) (*frame.Frame, error) {
	parts := strings.Split(line, ";")
	if len(parts) < 8 {
		return nil, fmt.Errorf("rtlwmbus: short line %q", line)
	}
	var mode frame.LinkMode
	switch parts[0] {
	case "T1":
		mode = frame.ModeT1
	case "C1":
		mode = frame.ModeC1
	default:
		return nil, fmt.Errorf("rtlwmbus: unknown mode %q", parts[0])
	}
	rssi, _ := strconv.Atoi(parts[4])
	payload := parts[len(parts)-1]
	payload = strings.TrimPrefix(payload, "0x")
	data, err := hex.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("rtlwmbus: bad hex in %q: %w", line, err)
	}
	if len(data) == 0 || int(data[0]) != len(data)-1 {
		return nil, fmt.Errorf("rtlwmbus: bad length field in %q", line)
	}
	return &frame.Frame{Data: data, Mode: mode, RSSI: rssi, Fmt: frame.FormatA}, nil
}

// FormatLine renders a frame the way rtl_wmbus would, for logging and
// for feeding downstream consumers.
func FormatLine(f *frame.Frame, timestamp string) string {
	return fmt.Sprintf("%s;1;1;%s;%d;;;0x%x\n", f.Mode, timestamp, f.RSSI, f.Data)
}
