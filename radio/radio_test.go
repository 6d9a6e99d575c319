package radio

import (
	"bytes"
	"encoding/hex"
	"testing"
	"time"

	"wmbusd.dev/frame"
)

// fakeChip replays canned receptions through the transceiver
// contract, in either FIFO or packet mode.
type fakeChip struct {
	fifo      bool
	reception []byte
	pos       int
	delivered bool
	rssi      int
}

func (c *fakeChip) Setup() error     { return nil }
func (c *fakeChip) RestartRx() error { return nil }
func (c *fakeChip) Name() string     { return "fake" }
func (c *fakeChip) RSSI() int        { return c.rssi }

func (c *fakeChip) UsesFIFOReading() bool { return c.fifo }

func (c *fakeChip) Read() (byte, bool) {
	if !c.fifo || c.pos >= len(c.reception) {
		return 0, false
	}
	b := c.reception[c.pos]
	c.pos++
	return b, true
}

func (c *fakeChip) Frame(buf []byte, offset int) (int, error) {
	if c.fifo {
		return 0, nil
	}
	n := copy(buf[offset:], c.reception[c.pos:])
	c.pos += n
	return offset + n, nil
}

func (c *fakeChip) SetPacketLength(n int) error { return nil }

func (c *fakeChip) WaitForData(timeout time.Duration) bool {
	if c.delivered {
		time.Sleep(time.Millisecond)
		return false
	}
	c.delivered = true
	return true
}

const wireT1 = "36c71c9b27344ec65a2dc34e6ac5933a97234e665959659659659c34b36c37259659658e2e334b596c598e55"
const canonical = "1844ae4c7856341268077a550000000413181e0000023b1300"

func receiveOne(t *testing.T, chip *fakeChip) *Packet {
	t.Helper()
	r := NewReceiver(chip)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()
	select {
	case p := <-r.Packets():
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("no packet received")
		return nil
	}
}

func TestReceiveFIFO(t *testing.T) {
	raw, _ := hex.DecodeString(wireT1)
	p := receiveOne(t, &fakeChip{fifo: true, reception: raw, rssi: -81})
	if !bytes.Equal(p.Data, raw) {
		t.Errorf("packet data = %x, want %s", p.Data, wireT1)
	}
	if p.RSSI != -81 {
		t.Errorf("rssi = %d", p.RSSI)
	}
	f, err := frame.Decode(p.Data, p.RSSI)
	if err != nil {
		t.Fatal(err)
	}
	if got := hex.EncodeToString(f.Data); got != canonical {
		t.Errorf("frame = %s, want %s", got, canonical)
	}
}

func TestReceivePacket(t *testing.T) {
	raw, _ := hex.DecodeString(wireT1)
	p := receiveOne(t, &fakeChip{fifo: false, reception: raw, rssi: -60})
	if !bytes.Equal(p.Data, raw) {
		t.Errorf("packet data = %x, want %s", p.Data, wireT1)
	}
}

func TestQueueDropsNewest(t *testing.T) {
	r := NewReceiver(&fakeChip{})
	for i := range 5 {
		p := &Packet{RSSI: -i}
		select {
		case r.packets <- p:
		default:
		}
	}
	if len(r.packets) != queueDepth {
		t.Fatalf("queue holds %d, want %d", len(r.packets), queueDepth)
	}
	// The oldest packets survive.
	p := <-r.packets
	if p.RSSI != 0 {
		t.Errorf("first queued packet rssi = %d, want 0", p.RSSI)
	}
}

func TestReceiveGarbageSync(t *testing.T) {
	// An illegal 3-of-6 preamble must not wedge or queue anything.
	chip := &fakeChip{fifo: true, reception: []byte{0xff, 0xff, 0xff}}
	r := NewReceiver(chip)
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
	defer r.Stop()
	select {
	case <-r.Packets():
		t.Fatal("garbage produced a packet")
	case <-time.After(50 * time.Millisecond):
	}
}
