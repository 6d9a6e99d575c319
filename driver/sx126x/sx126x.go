// Package sx126x implements a wM-Bus receiver driver for the Semtech
// SX1261/62 transceivers. The chip is packet oriented: DIO1 raises an
// interrupt once a whole packet sits in the buffer and the host
// copies it out with one bulk read.
package sx126x

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/spi"
)

// Commands.
const (
	cmdSetStandby         = 0x80
	cmdSetRx              = 0x82
	cmdSetPacketType      = 0x8a
	cmdSetRfFrequency     = 0x86
	cmdSetBufferBaseAddr  = 0x8f
	cmdSetModulationParam = 0x8b
	cmdSetPacketParams    = 0x8c
	cmdSetDioIrqParams    = 0x08
	cmdSetDIO2AsRfSwitch  = 0x9d
	cmdWriteRegister      = 0x0d
	cmdReadBuffer         = 0x1e
	cmdGetIrqStatus       = 0x12
	cmdClearIrqStatus     = 0x02
	cmdGetRxBufferStatus  = 0x13
	cmdGetRssiInst        = 0x15
)

const (
	packetTypeGFSK = 0x00

	irqRxDone = 0x0002

	regSyncWord = 0x06c0
	regRxGain   = 0x08ac

	rxGainBoosted = 0x96
	rxGainPower   = 0x94

	// RX continuous.
	rxTimeoutContinuous = 0xffffff

	xtalHz = 32000000
)

// GainMode selects sensitivity versus supply current.
type GainMode uint8

const (
	GainBoosted GainMode = iota
	GainPowerSaving
)

// Device drives one SX126x over SPI.
type Device struct {
	conn spi.Conn
	// dio1 raises on RxDone; busy gates every command.
	dio1 gpio.PinIn
	busy gpio.PinIn

	FrequencyHz uint32
	Gain        GainMode
	// RfSwitch routes DIO2 as antenna switch control.
	RfSwitch bool
}

// New wraps an SPI connection and the DIO1/BUSY pins.
func New(conn spi.Conn, dio1, busy gpio.PinIn) *Device {
	return &Device{conn: conn, dio1: dio1, busy: busy, FrequencyHz: 868950000}
}

func (d *Device) Name() string { return "sx126x" }

// waitBusy blocks until the chip accepts commands.
func (d *Device) waitBusy() error {
	if d.busy == nil {
		return nil
	}
	for range 1000 {
		if d.busy.Read() == gpio.Low {
			return nil
		}
		time.Sleep(100 * time.Microsecond)
	}
	return errors.New("sx126x: busy stuck high")
}

func (d *Device) command(cmd byte, args ...byte) error {
	if err := d.waitBusy(); err != nil {
		return err
	}
	tx := append([]byte{cmd}, args...)
	return d.conn.Tx(tx, make([]byte, len(tx)))
}

// query sends a command and returns n response bytes (after the
// status byte).
func (d *Device) query(cmd byte, n int) ([]byte, error) {
	if err := d.waitBusy(); err != nil {
		return nil, err
	}
	tx := make([]byte, 2+n)
	tx[0] = cmd
	rx := make([]byte, len(tx))
	if err := d.conn.Tx(tx, rx); err != nil {
		return nil, err
	}
	return rx[2:], nil
}

func (d *Device) writeRegister(addr uint16, vals ...byte) error {
	args := append([]byte{byte(addr >> 8), byte(addr)}, vals...)
	return d.command(cmdWriteRegister, args...)
}

// Setup programs 100 kbps 2-FSK at 868.95 MHz with the wM-Bus sync
// word and variable length packets.
func (d *Device) Setup() error {
	if err := d.command(cmdSetStandby, 0x00); err != nil {
		return fmt.Errorf("sx126x: standby: %w", err)
	}
	if err := d.command(cmdSetPacketType, packetTypeGFSK); err != nil {
		return err
	}
	if d.RfSwitch {
		if err := d.command(cmdSetDIO2AsRfSwitch, 0x01); err != nil {
			return err
		}
	}
	// f_rf = freq * 2^25 / f_xtal.
	frf := uint32(uint64(d.FrequencyHz) << 25 / xtalHz)
	if err := d.command(cmdSetRfFrequency, byte(frf>>24), byte(frf>>16), byte(frf>>8), byte(frf)); err != nil {
		return err
	}
	// 100 kbps, gaussian off, 50 kHz deviation, 234 kHz bandwidth.
	const (
		bitrate = (32 * xtalHz) / 100000
		fdev    = (50000 << 25) / xtalHz
		bwRegVal = 0x0a
	)
	br := uint32(bitrate)
	fd := uint32(fdev)
	if err := d.command(cmdSetModulationParam,
		byte(br>>16), byte(br>>8), byte(br),
		0x00, // no pulse shaping
		bwRegVal,
		byte(fd>>16), byte(fd>>8), byte(fd)); err != nil {
		return err
	}
	// Preamble 16 bits (detector on 8), 16-bit sync word, no
	// address, variable length up to the maximum frame, CRC off,
	// no whitening.
	if err := d.command(cmdSetPacketParams,
		0x00, 0x10, // preamble length
		0x04,       // detector on 8 bits
		0x10,       // sync word bits
		0x00,       // no address filtering
		0x01,       // variable length
		0xff,       // max payload
		0x01,       // crc off
		0x00); err != nil {
		return err
	}
	if err := d.writeRegister(regSyncWord, 0x54, 0x3d); err != nil {
		return err
	}
	gain := byte(rxGainBoosted)
	if d.Gain == GainPowerSaving {
		gain = rxGainPower
	}
	if err := d.writeRegister(regRxGain, gain); err != nil {
		return err
	}
	// Route RxDone to DIO1.
	if err := d.command(cmdSetDioIrqParams,
		byte(irqRxDone>>8), byte(irqRxDone),
		byte(irqRxDone>>8), byte(irqRxDone),
		0x00, 0x00,
		0x00, 0x00); err != nil {
		return err
	}
	return d.RestartRx()
}

// RestartRx clears pending interrupts and re-enters continuous RX.
func (d *Device) RestartRx() error {
	if err := d.command(cmdClearIrqStatus, 0xff, 0xff); err != nil {
		return err
	}
	if err := d.command(cmdSetBufferBaseAddr, 0x00, 0x00); err != nil {
		return err
	}
	rxTimeout := uint32(rxTimeoutContinuous)
	return d.command(cmdSetRx,
		byte(rxTimeout>>16), byte(rxTimeout>>8), byte(rxTimeout))
}

func (d *Device) UsesFIFOReading() bool { return false }

// Read is unused on this packet oriented chip.
func (d *Device) Read() (byte, bool) { return 0, false }

// Frame copies a completed packet into buf starting at offset. It
// returns 0 while no packet is pending.
func (d *Device) Frame(buf []byte, offset int) (int, error) {
	irq, err := d.query(cmdGetIrqStatus, 2)
	if err != nil {
		return 0, err
	}
	status := uint16(irq[0])<<8 | uint16(irq[1])
	if status&irqRxDone == 0 {
		return 0, nil
	}
	st, err := d.query(cmdGetRxBufferStatus, 2)
	if err != nil {
		return 0, err
	}
	n, start := int(st[0]), st[1]
	if n == 0 {
		return 0, nil
	}
	if err := d.waitBusy(); err != nil {
		return 0, err
	}
	tx := make([]byte, 3+n)
	tx[0] = cmdReadBuffer
	tx[1] = start
	rx := make([]byte, len(tx))
	if err := d.conn.Tx(tx, rx); err != nil {
		return 0, err
	}
	got := copy(buf[offset:], rx[3:])
	if err := d.command(cmdClearIrqStatus, byte(irqRxDone>>8), byte(irqRxDone)); err != nil {
		return 0, err
	}
	return offset + got, nil
}

// SetPacketLength is a no-op: the chip delivers whole packets.
func (d *Device) SetPacketLength(n int) error { return nil }

// RSSI reads the instantaneous signal strength in dBm.
func (d *Device) RSSI() int {
	v, err := d.query(cmdGetRssiInst, 1)
	if err != nil {
		return 0
	}
	return -int(v[0]) / 2
}

// WaitForData waits for the RxDone interrupt edge on DIO1.
func (d *Device) WaitForData(timeout time.Duration) bool {
	if d.dio1.Read() == gpio.High {
		return true
	}
	return d.dio1.WaitForEdge(timeout)
}
