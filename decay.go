package chronicle

import "math"

// DecayParams are the per-memory-type constants of the decay model.
type DecayParams struct {
	BaseHalfLifeHours float64 // Half-life before modifiers
	Floor             float64 // Salience never decays below this
	BoostMultiplier   float64 // Type weighting for rehearsal-style boosts
}

// memoryTypeParams maps each memory type to its decay constants.
var memoryTypeParams = map[MemoryType]DecayParams{
	MemoryEpisodic:   {BaseHalfLifeHours: 24, Floor: 0.10, BoostMultiplier: 1.20},
	MemorySemantic:   {BaseHalfLifeHours: 168, Floor: 0.15, BoostMultiplier: 1.00},
	MemoryProcedural: {BaseHalfLifeHours: 720, Floor: 0.20, BoostMultiplier: 0.90},
	MemoryEmotional:  {BaseHalfLifeHours: 48, Floor: 0.12, BoostMultiplier: 1.30},
	MemoryDefault:    {BaseHalfLifeHours: 72, Floor: 0.10, BoostMultiplier: 1.00},
}

// DecayParamsFor resolves the constants for a memory type. Unknown or empty
// types fall back to the default row.
func DecayParamsFor(t MemoryType) DecayParams {
	if p, ok := memoryTypeParams[t]; ok {
		return p
	}
	return memoryTypeParams[MemoryDefault]
}

// ltpBand is one row of the long-term-potentiation resistance table.
type ltpBand struct {
	upper  float64 // exclusive salience bound
	factor float64
}

// Stronger memories resist decay: the factor multiplies the half-life.
// Band boundaries belong to the stronger band, so S == 0.8 takes 2.00.
var ltpBands = []ltpBand{
	{0.2, 0.50},
	{0.4, 0.75},
	{0.6, 1.00},
	{0.8, 1.50},
	{1.0, 2.00},
}

// LTPFactor returns the resistance multiplier for a salience value.
func LTPFactor(salience float64) float64 {
	for _, b := range ltpBands {
		if salience < b.upper {
			return b.factor
		}
	}
	return ltpBands[len(ltpBands)-1].factor
}

// RecallBoost converts a recall count into a half-life extension, capped at
// 30%.
func RecallBoost(recallCount int) float64 {
	return math.Min(float64(recallCount)*0.02, 0.30)
}

// minAgeHours is the rehearsal guard: items touched within the last 15
// minutes do not decay.
const minAgeHours = 0.25

// ebbinghausFlatteningHours is where the forgetting curve flattens.
const ebbinghausFlatteningHours = 24.0

// DecayModifiers records the factors that went into one decay application,
// for audit logging.
type DecayModifiers struct {
	LTPFactor   float64
	RecallBoost float64
	EnvMult     float64
	Modifier    float64 // Final Ebbinghaus-blended multiplier
}

// ApplyDecay revises a salience value given hours of inactivity. It is pure
// and idempotent for fixed inputs.
//
// The effective half-life stretches with LTP resistance and recall history
// and compresses under high-decay environmental contexts:
//
//	H_eff = H_base · ltp · (1 + recallBoost) / envMult
//
// Plain half-life decay 0.5^(h/H_eff) is blended with an Ebbinghaus
// forgetting curve, weighted toward the curve early and toward plain decay
// past the 24-hour flattening point. The result is clamped to the type floor.
func ApplyDecay(salience, hoursSinceAccess float64, memType MemoryType, recallCount int, env EnvContext) (newSalience, decayAmount float64, mods DecayModifiers) {
	params := DecayParamsFor(memType)

	mods = DecayModifiers{
		LTPFactor:   LTPFactor(salience),
		RecallBoost: RecallBoost(recallCount),
		EnvMult:     env.DecayMultiplier,
	}

	if hoursSinceAccess < minAgeHours {
		mods.Modifier = 1.0
		return salience, 0, mods
	}

	effectiveHalfLife := params.BaseHalfLifeHours * mods.LTPFactor * (1 + mods.RecallBoost) / mods.EnvMult
	base := math.Pow(0.5, hoursSinceAccess/effectiveHalfLife)

	// Ebbinghaus blend: early on the asymptotic forgetting curve dominates,
	// later plain exponential decay takes over.
	tau := hoursSinceAccess / ebbinghausFlatteningHours
	forget := 0.15 + 0.85*math.Exp(-1.5*tau)
	w := math.Exp(-tau)
	mods.Modifier = math.Max(base*(1-w)+forget*w, 0.15)

	newSalience = math.Max(salience*mods.Modifier, params.Floor)
	return newSalience, salience - newSalience, mods
}

// ClampSalience bounds a salience value to [floor(t), 1.0]. Every mutation of
// the column goes through this.
func ClampSalience(salience float64, memType MemoryType) float64 {
	p := DecayParamsFor(memType)
	return math.Min(math.Max(salience, p.Floor), 1.0)
}
