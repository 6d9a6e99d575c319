// Package drivers holds the per-meter drivers. Importing it
// registers nothing; binaries call [Init] from main to register
// every driver.
package drivers

import "wmbusd.dev/meters"

var registered []*meters.DriverInfo

// Init registers all bundled drivers. It is idempotent.
func Init() {
	if registered != nil {
		return
	}
	registered = []*meters.DriverInfo{
		registerIperl(),
		registerMultical21(),
		registerAmiplus(),
		registerBFW240Radio(),
	}
}
