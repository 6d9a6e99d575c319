package meters

import (
	"fmt"

	"github.com/expr-lang/expr"
)

// evalFormula evaluates a calculated field. The environment exposes
// every extracted numeric value under its JSON name (name_unit), so
// a driver can declare e.g.
//
//	Formula: "total_energy_consumption_kwh / total_volume_m3"
//
// The result is stored in the field's declared display unit.
func (m *Meter) evalFormula(fi *FieldInfo) (float64, error) {
	env := make(map[string]any, len(m.numeric))
	for k, v := range m.numeric {
		env[k.name+"_"+k.unit.Suffix()] = v
	}
	prog, err := expr.Compile(fi.Formula, expr.Env(env), expr.AsFloat64())
	if err != nil {
		return 0, fmt.Errorf("meters: compile %q: %w", fi.Formula, err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return 0, fmt.Errorf("meters: eval %q: %w", fi.Formula, err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("meters: formula %q returned %T", fi.Formula, out)
	}
	return v, nil
}
