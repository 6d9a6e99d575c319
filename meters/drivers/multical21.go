package drivers

import (
	"wmbusd.dev/dv"
	"wmbusd.dev/frame"
	"wmbusd.dev/meters"
	"wmbusd.dev/units"
	"wmbusd.dev/wmbus"
)

// The Kamstrup Multical 21 water meter alternates long frames with
// compact frames referencing the long frame's format signature. Its
// info bits record dry, leaking, bursting and reversed flow.
func registerMultical21() *meters.DriverInfo {
	infoBits := &meters.Lookup{
		Mask: 0x000f,
		Bits: []meters.Bit{
			{Value: 0x01, Label: "DRY"},
			{Value: 0x02, Label: "REVERSE"},
			{Value: 0x04, Label: "LEAK"},
			{Value: 0x08, Label: "BURST"},
		},
	}
	return meters.Register(meters.DriverInfo{
		Name:          "multical21",
		Aliases:       []string{"flowiq2200", "flowiq3100"},
		Media:         "water",
		LinkModes:     frame.Modes(frame.ModeC1),
		DefaultFields: []string{"name", "id", "total_m3", "target_m3", "status", "timestamp"},
		Detect: []meters.Detection{
			{Mfct: wmbus.MfctCode("KAM"), Type: 0x06, Version: 0x1b},
			{Mfct: wmbus.MfctCode("KAM"), Type: 0x16, Version: 0x1b},
		},
		Fields: []meters.FieldInfo{
			{
				Name:     "status",
				Quantity: units.Text,
				Matcher:  &meters.FieldMatcher{DifVifKey: "02FF20"},
				Lookup:   infoBits,
				Props:    meters.Status | meters.IncludeTPLStatus,
				Help:     "Status and error flags.",
			},
			{
				Name:     "total",
				Quantity: units.Volume,
				Unit:     units.M3,
				Matcher: &meters.FieldMatcher{
					MType: dv.Instantaneous,
					Range: dv.Volume,
				},
				Props: meters.Required,
				Help:  "The total water consumption recorded by this meter.",
			},
			{
				Name:     "target",
				Quantity: units.Volume,
				Unit:     units.M3,
				Matcher: &meters.FieldMatcher{
					MType:       dv.Instantaneous,
					Range:       dv.Volume,
					StorageFrom: 1,
					StorageTo:   1,
				},
				Help: "The total water consumption recorded at the beginning of this month.",
			},
			{
				Name:     "flow_temperature",
				Quantity: units.Temperature,
				Unit:     units.C,
				Matcher: &meters.FieldMatcher{
					MType:       dv.Minimum,
					Range:       dv.FlowTemperature,
					StorageFrom: 1,
					StorageTo:   1,
				},
				Help: "The water temperature.",
			},
			{
				Name:     "external_temperature",
				Quantity: units.Temperature,
				Unit:     units.C,
				Matcher: &meters.FieldMatcher{
					MType:       dv.AnyType,
					Range:       dv.ExternalTemperature,
					StorageFrom: 1,
					StorageTo:   1,
				},
				Help: "The ambient temperature.",
			},
		},
	})
}
