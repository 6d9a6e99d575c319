package dv

import "math"

// VifScale returns the factor dividing a raw record value to express
// it in the canonical unit of its VIF range: kWh, MJ, m3, kg, hours,
// kW, m3/h, degrees Celsius, K, bar... vif carries the extension
// table selector in its high byte.
func VifScale(vif uint16) (float64, bool) {
	vif &= 0x7f7f
	switch {
	case vif <= 0x07: // Energy mWh..10^4 Wh -> kWh
		return math.Pow(10, float64(6-int(vif))), true
	case vif <= 0x0f: // Energy J..10^7 J -> MJ
		return math.Pow(10, float64(6-int(vif&0x07))), true
	case vif <= 0x17: // Volume cm3..10 m3 -> m3
		return math.Pow(10, float64(6-int(vif&0x07))), true
	case vif <= 0x1f: // Mass g..10^4 kg -> kg
		return math.Pow(10, float64(3-int(vif&0x07))), true
	case vif <= 0x27: // On/operating time -> hours
		return timeScale(vif), true
	case vif <= 0x2f: // Power mW..10^4 W -> kW
		return math.Pow(10, float64(6-int(vif&0x07))), true
	case vif <= 0x37: // Power J/h..10^7 J/h -> MJ/h
		return math.Pow(10, float64(6-int(vif&0x07))), true
	case vif <= 0x3f: // Volume flow cm3/h..10 m3/h -> m3/h
		return math.Pow(10, float64(6-int(vif&0x07))), true
	case vif <= 0x47: // Volume flow ext /min -> m3/h
		return math.Pow(10, float64(7-int(vif&0x07))) / 60, true
	case vif <= 0x4f: // Volume flow ext /s -> m3/h
		return math.Pow(10, float64(9-int(vif&0x07))) / 3600, true
	case vif <= 0x57: // Mass flow g/h..10^4 kg/h -> kg/h
		return math.Pow(10, float64(3-int(vif&0x07))), true
	case vif <= 0x5b: // Flow temperature -> C
		return math.Pow(10, float64(3-int(vif&0x03))), true
	case vif <= 0x5f: // Return temperature -> C
		return math.Pow(10, float64(3-int(vif&0x03))), true
	case vif <= 0x63: // Temperature difference -> K
		return math.Pow(10, float64(3-int(vif&0x03))), true
	case vif <= 0x67: // External temperature -> C
		return math.Pow(10, float64(3-int(vif&0x03))), true
	case vif <= 0x6b: // Pressure mbar..bar -> bar
		return math.Pow(10, float64(3-int(vif&0x03))), true
	case vif == 0x6c || vif == 0x6d: // Date / date&time
		return 1, true
	case vif == 0x6e: // HCA units are never scaled
		return 1, true
	case vif == 0x6f: // Reserved
		return 0, false
	case vif <= 0x73: // Averaging duration -> hours
		return timeScale(vif), true
	case vif <= 0x77: // Actuality duration -> hours
		return timeScale(vif), true

	// Second extension table (0xFB ...).
	case vif == 0x7b00 || vif == 0x7b01: // Energy 0.1/1 MWh -> kWh
		return math.Pow(10, -float64(vif&0x01)-2), true
	case vif == 0x7b1a: // Relative humidity 0.1 %
		return 10, true
	case vif == 0x7b1b: // Relative humidity 1 %
		return 1, true

	// First extension table (0xFD ...).
	case vif == 0x7d2c || vif == 0x7d2d || vif == 0x7d2e || vif == 0x7d2f:
		return timeScale(vif), true // Duration since readout -> hours
	case vif == 0x7d31 || vif == 0x7d32 || vif == 0x7d33:
		return timeScale(vif), true // Duration of tariff -> hours

	case vif >= 0x7d40 && vif <= 0x7d4f: // Voltage 10^(n-9) V
		return math.Pow(10, -(float64(vif&0x0f) - 9)), true
	case vif >= 0x7d50 && vif <= 0x7d5f: // Amperage 10^(n-12) A
		return math.Pow(10, -(float64(vif&0x0f) - 12)), true
	case vif == 0x7d74: // Remaining battery in days
		return 1, true
	case vif == 0x7d08 || vif == 0x7d61 || vif == 0x7d60 || vif == 0x7d3a:
		return 1, true // Counters are unscaled.
	}
	return 0, false
}

// timeScale maps the second/minute/hour/day low bits to hours.
func timeScale(vif uint16) float64 {
	switch vif & 0x03 {
	case 0:
		return 3600
	case 1:
		return 60
	case 2:
		return 1
	default:
		return 1.0 / 24
	}
}
