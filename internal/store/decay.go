package store

import "math"

// MemoryCategory is the closed set memory rows are drawn from (spec.md §3).
// Unknown categories decay like the "unknown" half-life (spec §6.6), not
// like "fact", despite fact being the storage-layer default category for
// new rows with no explicit category.
type MemoryCategory string

const (
	CategoryFact       MemoryCategory = "fact"
	CategoryPreference MemoryCategory = "preference"
	CategoryDecision   MemoryCategory = "decision"
	CategoryEvent      MemoryCategory = "event"
	CategoryTask       MemoryCategory = "task"
	CategoryReflection MemoryCategory = "reflection"
	CategoryContext    MemoryCategory = "context"
)

// halfLifeDays is spec §6.6's temporal-decay table. A zero value means
// "never decays" (decision); category names not present here fall back to
// the "unknown" entry.
var halfLifeDays = map[MemoryCategory]float64{
	CategoryTask:       7,
	CategoryContext:    14,
	CategoryEvent:      14,
	CategoryFact:       30,
	CategoryReflection: 60,
	CategoryPreference: 90,
	CategoryDecision:   0, // never decays
}

const unknownHalfLifeDays = 30

// halfLifeFor resolves the half-life for a category, falling back to the
// unknown half-life for anything outside the closed set (spec §3: "unknown
// categories decay like fact" for storage purposes, but §6.6 lists a
// distinct "unknown 30" decay entry — the two happen to coincide at 30
// days, so both rules are satisfied simultaneously).
func halfLifeFor(category string) float64 {
	if h, ok := halfLifeDays[MemoryCategory(category)]; ok {
		return h
	}
	return unknownHalfLifeDays
}

// decay computes spec §6.6's effective score: base * 0.5^(age_days/half_life).
// A zero half-life (decision) never decays — the base score is returned
// unchanged regardless of age.
func decay(base float64, ageDays float64, category string) float64 {
	h := halfLifeFor(category)
	if h <= 0 {
		return base
	}
	if ageDays < 0 {
		ageDays = 0
	}
	return base * math.Pow(0.5, ageDays/h)
}

// rrfConstant is RRF's fixed k per spec §6.5.
const rrfConstant = 60.0

// rrfMerge combines two ranked id lists (lexical, vector) into a single
// RRF-scored map, per spec §6.5/§8 property #6:
// score(d) = Σ 1/(k + rank_list_i(d)), 1-indexed ranks, documents present
// in only one list get only that list's term.
func rrfMerge(lexicalRanked, vectorRanked []int64) map[int64]float64 {
	scores := make(map[int64]float64, len(lexicalRanked)+len(vectorRanked))
	for i, id := range lexicalRanked {
		rank := float64(i + 1)
		scores[id] += 1.0 / (rrfConstant + rank)
	}
	for i, id := range vectorRanked {
		rank := float64(i + 1)
		scores[id] += 1.0 / (rrfConstant + rank)
	}
	return scores
}
