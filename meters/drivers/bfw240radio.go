package drivers

import (
	"fmt"

	"wmbusd.dev/frame"
	"wmbusd.dev/meters"
	"wmbusd.dev/units"
	"wmbusd.dev/wmbus"
)

// The BFW 240 RADIO heat cost allocator predates the 0x0F marker
// convention; its payload is manufacturer specific from offset 2 (the
// two leading 2F bytes are a header marker, not a decrypt check).
// It packs 18 historic monthly values as 12-bit integers.
func registerBFW240Radio() *meters.DriverInfo {
	fields := []meters.FieldInfo{
		{
			Name:     "current",
			Quantity: units.HCAQ,
			Unit:     units.HCA,
			Props:    meters.Required,
			Help:     "Energy consumption so far in this billing period.",
		},
		{
			Name:     "prev",
			Quantity: units.HCAQ,
			Unit:     units.HCA,
			Props:    meters.Required,
			Help:     "Energy consumption at end of previous billing period.",
		},
	}
	for i := range 18 {
		fields = append(fields, meters.FieldInfo{
			Name:     fmt.Sprintf("prev_%02d", i+1),
			Quantity: units.HCAQ,
			Unit:     units.HCA,
			Help:     fmt.Sprintf("Energy consumption %d months ago.", i+1),
		})
	}
	fields = append(fields, meters.FieldInfo{
		Name:     "device_date",
		Quantity: units.Text,
		Help:     "Device date when telegram was sent.",
	})

	return meters.Register(meters.DriverInfo{
		Name:           "bfw240radio",
		Media:          "heat cost allocation",
		LinkModes:      frame.Modes(frame.ModeT1),
		DefaultFields:  []string{"name", "id", "current_hca", "prev_hca", "timestamp"},
		ForceMfctIndex: 2,
		Detect: []meters.Detection{
			{Mfct: wmbus.MfctCode("BFW"), Type: 0x08, Version: 0x02},
		},
		Fields:         fields,
		ProcessContent: bfwProcessContent,
	})
}

func bfwProcessContent(m *meters.Meter, t *wmbus.Telegram) {
	content := t.Payload()
	if len(content) < 40 {
		return
	}

	current := float64(content[6])*256 + float64(content[7])
	m.SetNumericValue("current", units.HCA, current)
	t.AddSpecialExplanation(6+t.HeaderSize, 2, wmbus.Full,
		"%02X%02X current hca (%g)", content[6], content[7], current)

	prev := float64(content[4])*256 + float64(content[5])
	m.SetNumericValue("prev", units.HCA, prev)
	t.AddSpecialExplanation(4+t.HeaderSize, 2, wmbus.Full,
		"%02X%02X prev hca (%g)", content[4], content[5], prev)

	deviceDate := fmt.Sprintf("20%02x-%02x-%02x", content[39], content[38], content[37])
	m.SetStringValue("device_date", deviceDate)
	t.AddSpecialExplanation(37+t.HeaderSize, 3, wmbus.Full,
		"%02X%02X%02X device date (%s)", content[37], content[38], content[39], deviceDate)

	for i := range 18 {
		m.SetNumericValue(fmt.Sprintf("prev_%02d", i+1), units.HCA, float64(bfwHistoric(i, content)))
	}
}

// bfwHistoric unpacks the n:th 12-bit historic value. Values pack
// back to front; every other one straddles a byte boundary.
func bfwHistoric(n int, content []byte) int {
	offset := n * 12 / 8
	var lo, hi byte
	if n*12%8 == 0 {
		lo = content[36-offset]
		hi = 0x0f & content[36-1-offset]
	} else {
		lo = content[36-1-offset]
		hi = (0xf0 & content[36-offset]) >> 4
	}
	return int(hi)*256 + int(lo)
}
