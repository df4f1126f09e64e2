package estimate

// OCVCurve maps rest voltage linearly onto SOC between two calibration points.
type OCVCurve struct {
	EmptyV float64 // voltage at 0% SOC
	FullV  float64 // voltage at 100% SOC
}

// DefaultOCVCurve is the 12 V lead-acid calibration.
var DefaultOCVCurve = OCVCurve{EmptyV: 11.8, FullV: 12.6}

// SOC returns the state of charge in percent for voltage v, clamped to [0,100].
func (c OCVCurve) SOC(v float64) float64 {
	span := c.FullV - c.EmptyV
	if span <= 0 {
		return 0
	}
	return clamp(100*(v-c.EmptyV)/span, 0, 100)
}
