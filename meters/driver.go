package meters

import (
	"fmt"
	"sort"
	"sync"

	"wmbusd.dev/frame"
	"wmbusd.dev/wmbus"
)

// Detection is one (manufacturer, media, version) triple a driver
// claims.
type Detection struct {
	Mfct    uint16
	Type    byte
	Version byte
}

// DriverInfo describes a registered meter driver. Instances live for
// the process lifetime in the registry.
type DriverInfo struct {
	Name    string
	Aliases []string
	// Media is the fallback JSON media name when the telegram type
	// byte is unknown.
	Media     string
	LinkModes frame.LinkModeSet
	Detect    []Detection
	// DefaultFields selects the fields of the human readable line.
	DefaultFields []string
	// ForceMfctIndex bounds the record area for meters that send
	// manufacturer data without a 0x0F marker; zero disables.
	ForceMfctIndex int
	Fields         []FieldInfo
	// MfctStatusBits translates the vendor bits (5-7) of the TPL
	// status byte.
	MfctStatusBits *Lookup
	// ProcessContent runs after the standard extractors for drivers
	// that decode manufacturer specific payloads by hand.
	ProcessContent func(m *Meter, t *wmbus.Telegram)
}

type registry struct {
	mu      sync.Mutex
	byName  map[string]*DriverInfo
	ordered []*DriverInfo
}

var drivers = registry{byName: make(map[string]*DriverInfo)}

// Register adds a driver. Duplicate names, aliases or detection
// triples are programmer errors and panic at startup.
func Register(di DriverInfo) *DriverInfo {
	for i := range di.Fields {
		f := &di.Fields[i]
		tm, err := parseTemplate(f.Name)
		if err != nil {
			panic(err)
		}
		f.tmpl = tm
	}
	drivers.mu.Lock()
	defer drivers.mu.Unlock()
	names := append([]string{di.Name}, di.Aliases...)
	for _, n := range names {
		if _, ok := drivers.byName[n]; ok {
			panic(fmt.Sprintf("meters: driver %q registered twice", n))
		}
	}
	for _, d := range di.Detect {
		for _, other := range drivers.ordered {
			for _, od := range other.Detect {
				if od == d {
					panic(fmt.Sprintf("meters: detection %04x/%02x/%02x claimed by both %s and %s",
						d.Mfct, d.Type, d.Version, other.Name, di.Name))
				}
			}
		}
	}
	p := &di
	for _, n := range names {
		drivers.byName[n] = p
	}
	drivers.ordered = append(drivers.ordered, p)
	return p
}

// LookupDriver finds a driver by name or alias.
func LookupDriver(name string) (*DriverInfo, bool) {
	drivers.mu.Lock()
	defer drivers.mu.Unlock()
	di, ok := drivers.byName[name]
	return di, ok
}

// AllDrivers returns the registered drivers sorted by name.
func AllDrivers() []*DriverInfo {
	drivers.mu.Lock()
	defer drivers.mu.Unlock()
	out := append([]*DriverInfo(nil), drivers.ordered...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// matches reports whether the driver claims the detection triple.
// The version 0xff wildcard in a detection accepts any version.
func (di *DriverInfo) matches(mfct uint16, typ, version byte) bool {
	for _, d := range di.Detect {
		if d.Mfct == mfct && d.Type == typ && (d.Version == version || d.Version == 0xff) {
			return true
		}
	}
	return false
}

// DetectDrivers lists drivers claiming (mfct, media, version), for
// the analyzer and for unknown-driver hints.
func DetectDrivers(mfct uint16, typ, version byte) []string {
	drivers.mu.Lock()
	defer drivers.mu.Unlock()
	var out []string
	for _, di := range drivers.ordered {
		if di.matches(mfct, typ, version) {
			out = append(out, di.Name)
		}
	}
	sort.Strings(out)
	return out
}
