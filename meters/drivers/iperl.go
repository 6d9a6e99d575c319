package drivers

import (
	"wmbusd.dev/dv"
	"wmbusd.dev/frame"
	"wmbusd.dev/meters"
	"wmbusd.dev/units"
	"wmbusd.dev/wmbus"
)

// The Sensus iPERL is a water meter reporting total volume and
// maximum flow, encrypted with TPL security mode 5 in the field but
// happy to send plaintext on the bench.
func registerIperl() *meters.DriverInfo {
	return meters.Register(meters.DriverInfo{
		Name:          "iperl",
		Media:         "water",
		LinkModes:     frame.Modes(frame.ModeT1, frame.ModeC1),
		DefaultFields: []string{"name", "id", "total_m3", "max_flow_m3h", "timestamp"},
		Detect: []meters.Detection{
			{Mfct: wmbus.MfctCode("SEN"), Type: 0x06, Version: 0x68},
			{Mfct: wmbus.MfctCode("SEN"), Type: 0x07, Version: 0x68},
		},
		Fields: []meters.FieldInfo{
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
				Name:     "max_flow",
				Quantity: units.Flow,
				Unit:     units.M3H,
				Matcher: &meters.FieldMatcher{
					MType: dv.AnyType,
					Range: dv.VolumeFlow,
				},
				Help: "The maximum flow recorded during previous period.",
			},
		},
	})
}
