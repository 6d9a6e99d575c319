// Package radio drives a wM-Bus transceiver: it assembles raw
// receptions into packets and hands the raw packets to a consumer
// over a small bounded queue; CRC validation is left to the consumer
// (package frame).
//
// Two chip families are supported through one narrow contract. Byte
// FIFO chips (CC1101, SX1276) raise a line while the FIFO holds data
// and the receiver pops bytes one at a time; packet chips (SX1262)
// raise an interrupt once and deliver the whole packet in a bulk
// read.
package radio

import (
	"errors"
	"log"
	"time"

	"wmbusd.dev/frame"
)

// Transceiver is the chip contract consumed by the receive loop.
type Transceiver interface {
	// Setup performs the one time calibration; idempotent on reset.
	Setup() error
	// RestartRx puts the chip into receive and flushes its FIFOs.
	RestartRx() error
	// UsesFIFOReading selects between the byte and the packet path.
	UsesFIFOReading() bool
	// Read pops one FIFO byte; ok is false while the FIFO is empty.
	Read() (b byte, ok bool)
	// Frame fills buf[offset:] for packet chips. It returns the
	// number of bytes now valid in buf; 0 while waiting.
	Frame(buf []byte, offset int) (int, error)
	// SetPacketLength switches the chip from infinite to fixed
	// length mode once the expected reception size is known.
	SetPacketLength(n int) error
	// RSSI reports the signal strength of the current reception in
	// dBm.
	RSSI() int
	// WaitForData blocks until the chip signals data (edge
	// interrupt) or the timeout elapses.
	WaitForData(timeout time.Duration) bool
	Name() string
}

// Packet is one complete reception, raw as delivered by the chip.
type Packet struct {
	Data []byte
	RSSI int
}

// Receiver owns the radio task and the packet queue.
type Receiver struct {
	t       Transceiver
	packets chan *Packet
	done    chan struct{}

	// PollInterval paces packet-oriented chips that signal through
	// polling rather than an interrupt line.
	PollInterval time.Duration
	// MaxWait bounds the time between sync and frame completion
	// before the loop resets; on byte FIFO chips each byte read
	// extends the deadline by MaxWait/16. The packet path does not
	// extend it.
	MaxWait time.Duration
}

const (
	// queueDepth bounds frames awaiting the consumer. On overflow
	// the newest packet is dropped, preserving temporal locality of
	// the frames already queued.
	queueDepth = 3

	defaultPoll    = 2 * time.Millisecond
	defaultMaxWait = 150 * time.Millisecond
	// idleTimeout caps interrupt waits so a wedged chip is
	// eventually re-armed.
	idleTimeout = 60 * time.Second
)

// NewReceiver wraps a transceiver.
func NewReceiver(t Transceiver) *Receiver {
	return &Receiver{
		t:            t,
		packets:      make(chan *Packet, queueDepth),
		done:         make(chan struct{}),
		PollInterval: defaultPoll,
		MaxWait:      defaultMaxWait,
	}
}

// Packets is the consumer side of the queue.
func (r *Receiver) Packets() <-chan *Packet { return r.packets }

// Start calibrates the chip and launches the radio task.
func (r *Receiver) Start() error {
	if err := r.t.Setup(); err != nil {
		return err
	}
	go r.run()
	return nil
}

// Stop terminates the radio task.
func (r *Receiver) Stop() {
	close(r.done)
}

func (r *Receiver) run() {
	for {
		select {
		case <-r.done:
			return
		default:
		}
		if err := r.receiveOne(); err != nil {
			log.Printf("radio %s: %v", r.t.Name(), err)
		}
	}
}

var errRestart = errors.New("radio: receive aborted")

// receiveOne drives the receive state machine through one frame:
// re-arm, wait for sync, read the preamble, derive the expected
// length, drain the rest, queue the packet.
func (r *Receiver) receiveOne() error {
	if err := r.t.RestartRx(); err != nil {
		return err
	}
	timeout := idleTimeout
	if !r.t.UsesFIFOReading() {
		timeout = r.PollInterval
	}
	if !r.t.WaitForData(timeout) {
		// Idle period without traffic; re-arm and keep listening.
		return nil
	}

	buf := make([]byte, frame.Preamble, 300)
	if err := r.read(buf, 0); err != nil {
		return nil // Preamble timed out; not worth a log line.
	}
	want, err := frame.ExpectedSize(buf)
	if err != nil {
		return nil // Noise that resembled a sync.
	}
	// Lock the chip onto the now known reception size.
	if err := r.t.SetPacketLength(want); err != nil {
		return err
	}
	buf = append(buf, make([]byte, want-frame.Preamble)...)
	if err := r.read(buf, frame.Preamble); err != nil {
		return err
	}

	p := &Packet{Data: buf, RSSI: r.t.RSSI()}
	select {
	case r.packets <- p:
	default:
		// Queue full: drop the new packet.
		log.Printf("radio %s: packet queue full, dropping frame", r.t.Name())
	}
	return nil
}

// read fills buf[offset:], via single byte pops or bulk packet reads
// depending on the chip. Each FIFO byte extends the deadline; stalls
// abort.
func (r *Receiver) read(buf []byte, offset int) error {
	deadline := time.Now().Add(r.MaxWait)
	if r.t.UsesFIFOReading() {
		for offset < len(buf) {
			b, ok := r.t.Read()
			if !ok {
				if time.Now().After(deadline) {
					return errRestart
				}
				r.t.WaitForData(time.Millisecond)
				continue
			}
			buf[offset] = b
			offset++
			deadline = deadline.Add(r.MaxWait / 16)
		}
		return nil
	}
	for offset < len(buf) {
		n, err := r.t.Frame(buf, offset)
		if err != nil {
			return err
		}
		if n == 0 {
			if time.Now().After(deadline) {
				return errRestart
			}
			r.t.WaitForData(r.PollInterval)
			continue
		}
		offset = n
	}
	return nil
}
