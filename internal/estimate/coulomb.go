package estimate

import "math"

const (
	// MinDtSeconds is the floor applied to every integration step so duplicate
	// or out-of-order timestamps never produce zero or negative steps.
	MinDtSeconds = 1.0
	// MinCapacityAh guards divisions by capacity.
	MinCapacityAh = 1e-6
)

// CoulombSOC integrates currentA over dtS seconds against capacityAh and
// returns the new SOC percentage clamped to [0,100].
func CoulombSOC(prevPct, currentA, dtS, capacityAh float64) float64 {
	dtS = floorDt(dtS)
	deltaAh := currentA * dtS / 3600
	return clamp(prevPct+100*deltaAh/floorCapacity(capacityAh), 0, 100)
}

func floorDt(dtS float64) float64 {
	if math.IsNaN(dtS) || dtS < MinDtSeconds {
		return MinDtSeconds
	}
	return dtS
}

func floorCapacity(capacityAh float64) float64 {
	if math.IsNaN(capacityAh) || capacityAh < MinCapacityAh {
		return MinCapacityAh
	}
	return capacityAh
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
