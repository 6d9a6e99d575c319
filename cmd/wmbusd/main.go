// Command wmbusd receives wireless M-Bus telegrams from an attached
// transceiver (or an rtl_wmbus stream), decodes and decrypts them,
// and prints one JSON record per accepted telegram.
package main

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"wmbusd.dev/driver/cc1101"
	"wmbusd.dev/driver/rtlwmbus"
	"wmbusd.dev/driver/sx126x"
	"wmbusd.dev/frame"
	"wmbusd.dev/meters"
	"wmbusd.dev/meters/drivers"
	"wmbusd.dev/radio"
	"wmbusd.dev/wmbus"
)

type cli struct {
	Verbose bool `short:"v" help:"Enable verbose output."`

	Listen   listenCmd   `cmd:"" help:"Receive telegrams from a radio or serial bridge."`
	Analyze  analyzeCmd  `cmd:"" help:"Decode one telegram given as hex."`
	Simulate simulateCmd `cmd:"" help:"Replay telegrams from a file."`
	Drivers  driversCmd  `cmd:"" help:"List registered meter drivers."`
}

// meterFlag is one --meter value: name,driver,addr,key.
type meterFlag struct {
	Name   string
	Driver string
	Addr   string
	Key    string
}

func (m *meterFlag) UnmarshalText(b []byte) error {
	parts := strings.Split(string(b), ",")
	if len(parts) != 4 {
		return fmt.Errorf("meter must be name,driver,id,key: %q", b)
	}
	m.Name, m.Driver, m.Addr, m.Key = parts[0], parts[1], parts[2], parts[3]
	return nil
}

func buildMeters(flags []meterFlag) ([]*meters.Meter, error) {
	var out []*meters.Meter
	for _, mf := range flags {
		di, ok := meters.LookupDriver(mf.Driver)
		if !ok {
			return nil, fmt.Errorf("unknown driver %q (see wmbusd drivers)", mf.Driver)
		}
		expr, err := wmbus.ParseAddressExpr(mf.Addr)
		if err != nil {
			return nil, err
		}
		key, err := wmbus.ParseKey(mf.Key)
		if err != nil {
			return nil, fmt.Errorf("meter %s: %w", mf.Name, err)
		}
		out = append(out, meters.NewMeter(mf.Name, expr, wmbus.MeterKeys{Confidentiality: key}, di))
	}
	return out, nil
}

type listenCmd struct {
	Device string      `default:"cc1101" enum:"cc1101,sx126x,rtlwmbus" help:"Transceiver type."`
	Spi    string      `default:"" help:"SPI port name (periph.io), e.g. SPI0.0."`
	Irq    string      `default:"GPIO25" help:"IRQ pin: GDO0 (cc1101) or DIO1 (sx126x)."`
	Sync   string      `default:"GPIO24" help:"Sync/EOP pin: GDO2 (cc1101) or BUSY (sx126x)."`
	Port   string      `default:"/dev/ttyUSB0" help:"Serial device for rtlwmbus."`
	Cache  string      `default:"" help:"Path for persisting the compact frame format cache."`
	Meter  []meterFlag `help:"Configured meter: name,driver,id,key. Repeatable."`
}

func (c *listenCmd) Run() error {
	ms, err := buildMeters(c.Meter)
	if err != nil {
		return err
	}
	d := &meters.Dispatcher{
		Meters:           ms,
		AnalyzeUnhandled: true,
		OnRecord: func(r *meters.Record) {
			fmt.Println(string(r.JSON))
		},
	}
	if c.Cache != "" {
		if err := wmbus.DefaultSignatureCache.Load(c.Cache); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("format cache: %v", err)
		}
		defer wmbus.DefaultSignatureCache.Save(c.Cache)
	}

	if c.Device == "rtlwmbus" {
		return c.listenSerial(d)
	}
	return c.listenRadio(d)
}

func (c *listenCmd) listenSerial(d *meters.Dispatcher) error {
	r, err := rtlwmbus.Open(c.Port, 0)
	if err != nil {
		return err
	}
	defer r.Close()
	for {
		f, err := r.Read()
		if err != nil {
			return err
		}
		about := wmbus.AboutTelegram{Device: "rtlwmbus:" + c.Port, RSSI: f.RSSI, Timestamp: time.Now()}
		d.Dispatch(about, f)
	}
}

func (c *listenCmd) listenRadio(d *meters.Dispatcher) error {
	if _, err := host.Init(); err != nil {
		return err
	}
	port, err := spireg.Open(c.Spi)
	if err != nil {
		return err
	}
	defer port.Close()
	conn, err := port.Connect(physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		return err
	}
	irq := gpioreg.ByName(c.Irq)
	sync := gpioreg.ByName(c.Sync)
	if irq == nil || sync == nil {
		return fmt.Errorf("unknown gpio pins %q/%q", c.Irq, c.Sync)
	}
	if err := irq.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return err
	}
	if err := sync.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return err
	}

	var t radio.Transceiver
	switch c.Device {
	case "cc1101":
		t = cc1101.New(conn, irq, sync)
	case "sx126x":
		t = sx126x.New(conn, irq, sync)
	}
	r := radio.NewReceiver(t)
	if err := r.Start(); err != nil {
		return err
	}
	defer r.Stop()

	for p := range r.Packets() {
		f, err := frame.Decode(p.Data, p.RSSI)
		if err != nil {
			log.Printf("frame: %v", err)
			continue
		}
		about := wmbus.AboutTelegram{Device: t.Name(), RSSI: f.RSSI, Timestamp: time.Now()}
		d.Dispatch(about, f)
	}
	return nil
}

type analyzeCmd struct {
	Key      string `default:"" help:"AES key as 32 hex chars, or NOKEY."`
	Telegram string `arg:"" help:"Canonical frame as hex (L-field first, no CRCs)."`
}

func (c *analyzeCmd) Run() error {
	data, err := hex.DecodeString(strings.TrimPrefix(c.Telegram, "0x"))
	if err != nil {
		return err
	}
	key, err := wmbus.ParseKey(c.Key)
	if err != nil {
		return err
	}
	t := wmbus.NewTelegram(wmbus.AboutTelegram{Timestamp: time.Now()})
	t.MarkBeingAnalyzed()
	t.Parse(&frame.Frame{Data: data, Mode: frame.ModeT1}, &wmbus.MeterKeys{Confidentiality: key}, false)

	for _, e := range t.Explanations {
		marker := " "
		switch e.Understanding {
		case wmbus.None:
			marker = "?"
		case wmbus.Encrypted:
			marker = "E"
		case wmbus.Compressed:
			marker = "C"
		}
		fmt.Printf("%03d %s %s\n", e.Offset, marker, e.Text)
	}
	if len(t.Addresses) > 0 {
		a := t.Address()
		names := meters.DetectDrivers(a.Mfct, a.Type, a.Version)
		if len(names) == 0 {
			fmt.Println("driver: unknown")
		} else {
			fmt.Printf("driver: %s\n", strings.Join(names, " "))
		}
	}
	return nil
}

type simulateCmd struct {
	File  string      `arg:"" help:"File with rtl_wmbus lines or bare hex telegrams."`
	Meter []meterFlag `help:"Configured meter: name,driver,id,key. Repeatable."`
}

func (c *simulateCmd) Run() error {
	ms, err := buildMeters(c.Meter)
	if err != nil {
		return err
	}
	d := &meters.Dispatcher{
		Meters: ms,
		OnRecord: func(r *meters.Record) {
			fmt.Println(string(r.JSON))
		},
	}
	f, err := os.Open(c.File)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		var fr *frame.Frame
		if strings.Contains(line, ";") {
			fr, err = rtlwmbus.ParseLine(line)
			if err != nil {
				log.Printf("simulate: %v", err)
				continue
			}
		} else {
			line = strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(line, "telegram=|"), "|"), "|")
			data, err := hex.DecodeString(line)
			if err != nil {
				log.Printf("simulate: bad hex: %v", err)
				continue
			}
			fr = &frame.Frame{Data: data, Mode: frame.ModeT1}
		}
		about := wmbus.AboutTelegram{Device: "simulation", RSSI: fr.RSSI, Timestamp: time.Now()}
		d.Dispatch(about, fr)
	}
	return sc.Err()
}

type driversCmd struct{}

func (driversCmd) Run() error {
	for _, di := range meters.AllDrivers() {
		fmt.Printf("%-16s %s\n", di.Name, di.Media)
	}
	return nil
}

func main() {
	drivers.Init()
	wmbus.SetWarnFunc(log.Printf)
	ctx := kong.Parse(&cli{},
		kong.Name("wmbusd"),
		kong.Description("Wireless M-Bus receiver and decoder."))
	if err := ctx.Run(); err != nil {
		log.Fatal(err)
	}
}
