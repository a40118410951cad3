package heat

import (
	"math"
	"sort"

	"github.com/ambrop72/aprinter/machine"
)

// celsiusFromADC converts a normalized ADC reading (0..1, fraction of
// full scale) to a temperature in Kelvin, per §4.6 step 1: either the
// Steinhart-Hart resistor-divider model, or piecewise-linear table
// lookup when the model's A/B/C coefficients are all zero.
func celsiusFromADC(m machine.ThermistorModel, adcFraction float64) float64 {
	if m.A == 0 && m.B == 0 && m.C == 0 {
		return tableLookup(m.Table, adcFraction)
	}

	// adcFraction is Vout/Vref across the sense resistor in a pull-up
	// divider; invert to the thermistor resistance.
	frac := clamp(adcFraction, 1e-6, 1-1e-6)
	r := m.PullupOhms * frac / (1 - frac)
	lnR := math.Log(r)
	invT := m.A + m.B*lnR + m.C*lnR*lnR*lnR
	if invT <= 0 {
		return math.Inf(1)
	}
	return 1 / invT
}

func tableLookup(table []machine.ThermistorPoint, adcFraction float64) float64 {
	if len(table) == 0 {
		return math.NaN()
	}
	pts := append([]machine.ThermistorPoint(nil), table...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].AdcFraction < pts[j].AdcFraction })

	if adcFraction <= pts[0].AdcFraction {
		return pts[0].Celsius + 273.15
	}
	last := pts[len(pts)-1]
	if adcFraction >= last.AdcFraction {
		return last.Celsius + 273.15
	}
	for i := 1; i < len(pts); i++ {
		if adcFraction <= pts[i].AdcFraction {
			lo, hi := pts[i-1], pts[i]
			span := hi.AdcFraction - lo.AdcFraction
			frac := 0.0
			if span != 0 {
				frac = (adcFraction - lo.AdcFraction) / span
			}
			return (lo.Celsius + frac*(hi.Celsius-lo.Celsius)) + 273.15
		}
	}
	return last.Celsius + 273.15
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
