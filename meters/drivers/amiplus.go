package drivers

import (
	"wmbusd.dev/dv"
	"wmbusd.dev/frame"
	"wmbusd.dev/meters"
	"wmbusd.dev/units"
	"wmbusd.dev/wmbus"
)

// The Apator amiplus module sits on three phase electricity meters.
// Production registers arrive with the backward flow combinable VIFE,
// exercising the combinable match rules.
func registerAmiplus() *meters.DriverInfo {
	return meters.Register(meters.DriverInfo{
		Name:          "amiplus",
		Aliases:       []string{"apator08"},
		Media:         "electricity",
		LinkModes:     frame.Modes(frame.ModeT1),
		DefaultFields: []string{"name", "id", "total_energy_consumption_kwh", "current_power_consumption_kw", "timestamp"},
		Detect: []meters.Detection{
			{Mfct: wmbus.MfctCode("APA"), Type: 0x02, Version: 0xff},
			{Mfct: wmbus.MfctCode("DEV"), Type: 0x02, Version: 0x00},
		},
		Fields: []meters.FieldInfo{
			{
				Name:     "total_energy_consumption",
				Quantity: units.Energy,
				Unit:     units.KWH,
				Matcher: &meters.FieldMatcher{
					MType: dv.Instantaneous,
					Range: dv.AnyEnergyVIF,
				},
				Props: meters.Required,
				Help:  "The total energy consumption recorded by this meter.",
			},
			{
				Name:     "total_energy_production",
				Quantity: units.Energy,
				Unit:     units.KWH,
				Matcher: &meters.FieldMatcher{
					MType:       dv.Instantaneous,
					Range:       dv.AnyEnergyVIF,
					Combinables: []uint16{0x3c},
				},
				Help: "The total energy production recorded by this meter.",
			},
			{
				Name:     "current_power_consumption",
				Quantity: units.Power,
				Unit:     units.KW,
				Matcher: &meters.FieldMatcher{
					MType: dv.Instantaneous,
					Range: dv.AnyPowerVIF,
				},
				Help: "Current power consumption.",
			},
			{
				Name:     "current_power_production",
				Quantity: units.Power,
				Unit:     units.KW,
				Matcher: &meters.FieldMatcher{
					MType:       dv.Instantaneous,
					Range:       dv.AnyPowerVIF,
					Combinables: []uint16{0x3c},
				},
				Help: "Current power production.",
			},
			{
				Name:     "voltage_at_phase_1",
				Quantity: units.Voltage,
				Unit:     units.Volt,
				Matcher: &meters.FieldMatcher{
					MType:       dv.Instantaneous,
					Range:       dv.Voltage,
					SubUnitFrom: 1,
					SubUnitTo:   1,
				},
				Help: "Voltage at phase L1.",
			},
		},
	})
}
