// Package body derives body-composition metrics from a weight and
// bio-impedance measurement. Compute is a pure function: identical inputs
// always yield identical outputs.
package body

import "math"

// Gender selects the lean-body-mass coefficient set.
type Gender int

const (
	Male Gender = iota
	Female
)

// Profile is the caller-supplied user profile. Read-only to this package.
type Profile struct {
	HeightCm float64
	Age      int
	Gender   Gender
	Athlete  bool
}

// Composition is the full derived output record. No field is mutated after
// calculation.
type Composition struct {
	WeightKg     float64 `json:"weight_kg"`
	ImpedanceOhm int     `json:"impedance_ohm"`

	BMI          float64 `json:"bmi"`
	BodyFatPct   float64 `json:"body_fat_pct"`
	WaterPct     float64 `json:"water_pct"`
	BoneMassKg   float64 `json:"bone_mass_kg"`
	MuscleMassKg float64 `json:"muscle_mass_kg"`

	VisceralFatRating int `json:"visceral_fat_rating"`
	PhysiqueRating    int `json:"physique_rating"`
	BMR               int `json:"bmr"`
	MetabolicAge      int `json:"metabolic_age"`
}

// lbmCoefficients is one linear model lbm = c1*(h^2/Z) + c2*w + c3*age + c4.
type lbmCoefficients struct {
	c1, c2, c3, c4 float64
}

// Empirical coefficient sets, selected by gender and athlete flag. The
// constants are kept verbatim; their clinical origin is undocumented.
var lbmModels = map[Gender]map[bool]lbmCoefficients{
	Male: {
		false: {0.503, 0.249, -0.098, 14.0},
		true:  {0.519, 0.263, -0.094, 15.7},
	},
	Female: {
		false: {0.487, 0.241, -0.082, 9.5},
		true:  {0.498, 0.252, -0.079, 11.6},
	},
}

const (
	maxLBMFraction = 0.96

	minBodyFatPct = 3.0
	maxBodyFatPct = 60.0

	waterCoefficient        = 0.73
	waterCoefficientAthlete = 0.74
	minWaterPct             = 20.0
	maxWaterPct             = 80.0

	boneMassFactor = 0.042

	smmFactor        = 0.54
	smmFactorAthlete = 0.60

	minVisceralRating = 1
	maxVisceralRating = 59

	minBMI = 10.0
	maxBMI = 60.0

	athleteBMRScale = 1.05
	bmrReferenceAge = 25
	minMetabolicAge = 12
)

// Compute derives the body-composition record from weight, impedance and the
// user profile. The second return value is false (composition unavailable)
// when weight, height or impedance is zero; callers must check it before
// using anything beyond the weight-derived fields.
func Compute(weightKg float64, impedanceOhm int, p Profile) (Composition, bool) {
	if weightKg <= 0 || p.HeightCm <= 0 || impedanceOhm <= 0 {
		return WeightOnly(weightKg, p), false
	}

	coeff := lbmModels[p.Gender][p.Athlete]

	lbm := coeff.c1*(p.HeightCm*p.HeightCm/float64(impedanceOhm)) +
		coeff.c2*weightKg +
		coeff.c3*float64(p.Age) +
		coeff.c4
	if lbm > weightKg*maxLBMFraction {
		lbm = weightKg * maxLBMFraction
	}

	fatPct := clamp((weightKg-lbm)/weightKg*100, minBodyFatPct, maxBodyFatPct)

	waterCoeff := waterCoefficient
	if p.Athlete {
		waterCoeff = waterCoefficientAthlete
	}
	waterPct := clamp(lbm*waterCoeff/weightKg*100, minWaterPct, maxWaterPct)

	boneMass := lbm * boneMassFactor

	smm := smmFactor
	if p.Athlete {
		smm = smmFactorAthlete
	}
	muscleMass := lbm * smm

	bmr := basalMetabolicRate(weightKg, float64(p.Age), p)

	c := Composition{
		WeightKg:     round2(weightKg),
		ImpedanceOhm: impedanceOhm,

		BMI:          bmi(weightKg, p.HeightCm),
		BodyFatPct:   round2(fatPct),
		WaterPct:     round2(waterPct),
		BoneMassKg:   round2(boneMass),
		MuscleMassKg: round2(muscleMass),

		VisceralFatRating: visceralRating(fatPct, p.Age),
		PhysiqueRating:    physiqueRating(fatPct, muscleMass, weightKg),
		BMR:               int(bmr),
		MetabolicAge:      metabolicAge(bmr, weightKg, p),
	}
	return c, true
}

// WeightOnly builds the weight-only composition used when bio-impedance is
// unavailable. Only WeightKg and BMI are populated.
func WeightOnly(weightKg float64, p Profile) Composition {
	c := Composition{WeightKg: round2(weightKg)}
	if weightKg > 0 && p.HeightCm > 0 {
		c.BMI = bmi(weightKg, p.HeightCm)
	}
	return c
}

func bmi(weightKg, heightCm float64) float64 {
	heightM := heightCm / 100
	return round2(clamp(weightKg/(heightM*heightM), minBMI, maxBMI))
}

func visceralRating(fatPct float64, age int) int {
	if fatPct <= 10 {
		return minVisceralRating
	}
	rating := int(fatPct*0.55 - 4 + float64(age)*0.08)
	if rating < minVisceralRating {
		rating = minVisceralRating
	}
	if rating > maxVisceralRating {
		rating = maxVisceralRating
	}
	return rating
}

// physiqueRating maps body fat and relative muscle mass onto the 1-9 scale.
// The fat tiers and the muscle-fraction thresholds are empirical constants
// kept verbatim.
func physiqueRating(fatPct, muscleMassKg, weightKg float64) int {
	mm := muscleMassKg / weightKg
	switch {
	case fatPct > 25:
		if mm >= 0.45 {
			return 3
		}
		if mm >= 0.40 {
			return 2
		}
		return 1
	case fatPct < 18:
		if mm >= 0.45 {
			return 9
		}
		if mm >= 0.40 {
			return 8
		}
		return 7
	default:
		if mm >= 0.45 {
			return 6
		}
		if mm >= 0.38 {
			return 5
		}
		return 4
	}
}

// basalMetabolicRate is Mifflin-St Jeor, scaled up for athletes.
func basalMetabolicRate(weightKg, age float64, p Profile) float64 {
	genderTerm := -161.0
	if p.Gender == Male {
		genderTerm = 5.0
	}
	bmr := 10*weightKg + 6.25*p.HeightCm - 5*age + genderTerm
	if p.Athlete {
		bmr *= athleteBMRScale
	}
	return bmr
}

func metabolicAge(bmr, weightKg float64, p Profile) int {
	idealBmr := basalMetabolicRate(weightKg, bmrReferenceAge, p)
	age := p.Age + int(math.Floor((idealBmr-bmr)/15))
	if age < minMetabolicAge {
		age = minMetabolicAge
	}
	if p.Athlete && age > p.Age {
		age = p.Age - 5
	}
	return age
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

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
