// Package cc1101 implements a wM-Bus receiver driver for the TI
// CC1101 transceiver. The chip is byte oriented: GDO2 signals sync
// detect / end of packet, GDO0 asserts when the RX FIFO crosses its
// threshold, and the host drains the FIFO one byte at a time.
package cc1101

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Configuration registers.
const (
	regIOCFG2   = 0x00
	regIOCFG1   = 0x01
	regIOCFG0   = 0x02
	regFIFOTHR  = 0x03
	regSYNC1    = 0x04
	regSYNC0    = 0x05
	regPKTLEN   = 0x06
	regPKTCTRL1 = 0x07
	regPKTCTRL0 = 0x08
	regADDR     = 0x09
	regCHANNR   = 0x0a
	regFSCTRL1  = 0x0b
	regFSCTRL0  = 0x0c
	regFREQ2    = 0x0d
	regFREQ1    = 0x0e
	regFREQ0    = 0x0f
	regMDMCFG4  = 0x10
	regMDMCFG3  = 0x11
	regMDMCFG2  = 0x12
	regMDMCFG1  = 0x13
	regMDMCFG0  = 0x14
	regDEVIATN  = 0x15
	regMCSM2    = 0x16
	regMCSM1    = 0x17
	regMCSM0    = 0x18
	regFOCCFG   = 0x19
	regBSCFG    = 0x1a
	regAGCCTRL2 = 0x1b
	regAGCCTRL1 = 0x1c
	regAGCCTRL0 = 0x1d
	regWOREVT1  = 0x1e
	regWOREVT0  = 0x1f
	regWORCTRL  = 0x20
	regFREND1   = 0x21
	regFREND0   = 0x22
	regFSCAL3   = 0x23
	regFSCAL2   = 0x24
	regFSCAL1   = 0x25
	regFSCAL0   = 0x26
	regRCCTRL1  = 0x27
	regRCCTRL0  = 0x28
	regFSTEST   = 0x29
	regPTEST    = 0x2a
	regAGCTEST  = 0x2b
	regTEST2    = 0x2c
	regTEST1    = 0x2d
	regTEST0    = 0x2e
)

// Command strobes.
const (
	strobeSRES  = 0x30
	strobeSCAL  = 0x33
	strobeSRX   = 0x34
	strobeSIDLE = 0x36
	strobeSFRX  = 0x3a
	strobeSFTX  = 0x3b
)

// Status registers (burst bit selects the status bank).
const (
	regVERSION   = 0x31
	regRSSI      = 0x34
	regMARCSTATE = 0x35
	regRXBYTES   = 0x3b
	regFIFO      = 0x3f
)

const (
	burstFlag = 0x40
	readFlag  = 0x80

	marcstateIdle = 0x01
	marcstateRX   = 0x0d

	infinitePacketLength = 0x02
	fixedPacketLength    = 0x00
	// Arm GDO0 early so the length field is readable quickly, then
	// raise the threshold for bulk draining.
	fifoThrStart = 0x00 // 4 bytes
	fifoThrData  = 0x0a // 44 bytes

	maxFixedLength = 256
)

// rfSettings programs 868.95 MHz, 100 kbps 2-FSK with the wM-Bus
// T/C sync word 0x543D and CRC off. The table leaves the packet
// engine in fixed length mode; RestartRx switches it to infinite
// packet mode before each reception.
var rfSettings = [][2]byte{
	{regIOCFG2, 0x06}, // Sync word detect / end of packet.
	{regIOCFG1, 0x2e},
	{regIOCFG0, 0x00}, // RX FIFO threshold.
	{regFIFOTHR, fifoThrData},
	{regSYNC1, 0x54},
	{regSYNC0, 0x3d},
	{regPKTLEN, 0xff},
	{regPKTCTRL1, 0x00},
	{regPKTCTRL0, 0x00},
	{regADDR, 0x00},
	{regCHANNR, 0x00},
	{regFSCTRL1, 0x08},
	{regFSCTRL0, 0x00},
	{regFREQ2, 0x21},
	{regFREQ1, 0x6b},
	{regFREQ0, 0xd0},
	{regMDMCFG4, 0x5c},
	{regMDMCFG3, 0x04},
	{regMDMCFG2, 0x06},
	{regMDMCFG1, 0x22},
	{regMDMCFG0, 0xf8},
	{regDEVIATN, 0x44},
	{regMCSM2, 0x07},
	{regMCSM1, 0x00},
	{regMCSM0, 0x18},
	{regFOCCFG, 0x2e},
	{regBSCFG, 0xbf},
	{regAGCCTRL2, 0x43},
	{regAGCCTRL1, 0x09},
	{regAGCCTRL0, 0xb5},
	{regWOREVT1, 0x87},
	{regWOREVT0, 0x6b},
	{regWORCTRL, 0xfb},
	{regFREND1, 0xb6},
	{regFREND0, 0x10},
	{regFSCAL3, 0xea},
	{regFSCAL2, 0x2a},
	{regFSCAL1, 0x00},
	{regFSCAL0, 0x1f},
	{regRCCTRL1, 0x41},
	{regRCCTRL0, 0x00},
	{regFSTEST, 0x59},
	{regPTEST, 0x7f},
	{regAGCTEST, 0x3f},
	{regTEST2, 0x81},
	{regTEST1, 0x35},
	{regTEST0, 0x09},
}

// Device drives one CC1101 over SPI.
type Device struct {
	conn spi.Conn
	// gdo0 asserts on RX FIFO threshold, gdo2 on sync detect and
	// deasserts at end of packet.
	gdo0 gpio.PinIn
	gdo2 gpio.PinIn
	// FrequencyMHz defaults to 868.95 (wM-Bus T/C band).
	FrequencyMHz float64

	fixed bool
}

// New wraps an SPI connection and the two GDO pins. The pins must
// already be configured as inputs with edge detection.
func New(conn spi.Conn, gdo0, gdo2 gpio.PinIn) *Device {
	return &Device{conn: conn, gdo0: gdo0, gdo2: gdo2, FrequencyMHz: 868.95}
}

func (d *Device) Name() string { return "cc1101" }

func (d *Device) strobe(s byte) error {
	return d.conn.Tx([]byte{s}, make([]byte, 1))
}

func (d *Device) writeReg(reg, v byte) error {
	return d.conn.Tx([]byte{reg, v}, make([]byte, 2))
}

func (d *Device) readReg(reg byte) (byte, error) {
	rx := make([]byte, 2)
	if err := d.conn.Tx([]byte{reg | readFlag, 0}, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}

// readStatus reads a status register (burst access selects the
// status bank for addresses above 0x30).
func (d *Device) readStatus(reg byte) (byte, error) {
	rx := make([]byte, 2)
	if err := d.conn.Tx([]byte{reg | readFlag | burstFlag, 0}, rx); err != nil {
		return 0, err
	}
	return rx[1], nil
}

func (d *Device) readFIFO(buf []byte) error {
	tx := make([]byte, len(buf)+1)
	tx[0] = regFIFO | readFlag | burstFlag
	rx := make([]byte, len(buf)+1)
	if err := d.conn.Tx(tx, rx); err != nil {
		return err
	}
	copy(buf, rx[1:])
	return nil
}

// Setup resets the chip, applies the wM-Bus RF settings and enters
// RX.
func (d *Device) Setup() error {
	if err := d.strobe(strobeSRES); err != nil {
		return fmt.Errorf("cc1101: reset: %w", err)
	}
	time.Sleep(time.Millisecond)
	for _, rv := range rfSettings {
		if err := d.writeReg(rv[0], rv[1]); err != nil {
			return fmt.Errorf("cc1101: rf settings: %w", err)
		}
	}
	// FREQ = f * 2^16 / 26 MHz.
	freq := uint32(d.FrequencyMHz * 65536 / 26)
	if err := d.writeReg(regFREQ2, byte(freq>>16)); err != nil {
		return err
	}
	if err := d.writeReg(regFREQ1, byte(freq>>8)); err != nil {
		return err
	}
	if err := d.writeReg(regFREQ0, byte(freq)); err != nil {
		return err
	}
	if err := d.strobe(strobeSCAL); err != nil {
		return err
	}
	v, err := d.readStatus(regVERSION)
	if err != nil {
		return err
	}
	if v == 0x00 || v == 0xff {
		return errors.New("cc1101: chip not responding")
	}
	return d.RestartRx()
}

// RestartRx idles the chip, flushes both FIFOs and re-enters RX in
// infinite packet mode with the low start threshold.
func (d *Device) RestartRx() error {
	if err := d.strobe(strobeSIDLE); err != nil {
		return err
	}
	if err := d.waitMarcstate(marcstateIdle); err != nil {
		return err
	}
	if err := d.strobe(strobeSFTX); err != nil {
		return err
	}
	if err := d.strobe(strobeSFRX); err != nil {
		return err
	}
	if err := d.writeReg(regFIFOTHR, fifoThrStart); err != nil {
		return err
	}
	if err := d.writeReg(regPKTCTRL0, infinitePacketLength); err != nil {
		return err
	}
	d.fixed = false
	if err := d.strobe(strobeSRX); err != nil {
		return err
	}
	return d.waitMarcstate(marcstateRX)
}

func (d *Device) waitMarcstate(want byte) error {
	for range 100 {
		s, err := d.readStatus(regMARCSTATE)
		if err != nil {
			return err
		}
		if s&0x1f == want {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	return fmt.Errorf("cc1101: marcstate %#02x not reached", want)
}

func (d *Device) UsesFIFOReading() bool { return true }

// Read pops one byte from the RX FIFO. Per the CC1101 errata the
// FIFO must not be emptied while a reception is in progress, so the
// last byte stays behind until GDO2 signals end of packet.
func (d *Device) Read() (byte, bool) {
	n, err := d.readStatus(regRXBYTES)
	if err != nil {
		return 0, false
	}
	if n&0x80 != 0 {
		// Overflow: flushed on the next restart.
		return 0, false
	}
	avail := int(n & 0x7f)
	if avail == 0 {
		return 0, false
	}
	receiving := d.gdo2.Read() == gpio.High
	if avail == 1 && receiving {
		return 0, false
	}
	var b [1]byte
	if err := d.readFIFO(b[:]); err != nil {
		return 0, false
	}
	return b[0], true
}

// Frame is unused on this byte oriented chip.
func (d *Device) Frame(buf []byte, offset int) (int, error) {
	return 0, errors.New("cc1101: not packet oriented")
}

// SetPacketLength switches to fixed length mode once the expected
// reception size is known, raising the FIFO threshold for draining.
func (d *Device) SetPacketLength(n int) error {
	if n < maxFixedLength {
		if err := d.writeReg(regPKTLEN, byte(n)); err != nil {
			return err
		}
		if err := d.writeReg(regPKTCTRL0, fixedPacketLength); err != nil {
			return err
		}
		d.fixed = true
	} else {
		// Stay in infinite mode; PKTLEN is set to the length modulo
		// 256, and no later switch to fixed mode is made.
		if err := d.writeReg(regPKTLEN, byte(n%maxFixedLength)); err != nil {
			return err
		}
	}
	return d.writeReg(regFIFOTHR, fifoThrData)
}

// RSSI converts the chip reading into dBm.
func (d *Device) RSSI() int {
	raw, err := d.readStatus(regRSSI)
	if err != nil {
		return 0
	}
	v := int(raw)
	if v >= 128 {
		v -= 256
	}
	return v/2 - 74
}

// WaitForData returns at once while GDO0 (FIFO threshold) or GDO2
// (sync detect) is high; otherwise it waits for an edge on GDO2 only.
func (d *Device) WaitForData(timeout time.Duration) bool {
	if d.gdo0.Read() == gpio.High || d.gdo2.Read() == gpio.High {
		return true
	}
	return d.gdo2.WaitForEdge(timeout)
}
