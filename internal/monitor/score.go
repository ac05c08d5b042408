package monitor

import (
	"math"
)

// Scoring constants. Latency below the baseline costs nothing; each penalty
// is capped so a single bad dimension cannot drive the score below zero on
// its own, and the final score is clamped to [0,100].
const (
	baselineLatencyMS = 50.0
	latencyDivisorMS  = 15.0
	latencyPenaltyMax = 40.0
	jitterDivisorMS   = 5.0
	jitterPenaltyMax  = 30.0
	lossPenaltyPerPct = 1.5
)

// Score derives the composite WAN health score in [0,100] from latency,
// jitter, and packet loss.
func Score(latencyMS, jitterMS, packetLossPct float64) float64 {
	score := 100.0
	if latencyMS > baselineLatencyMS {
		score -= math.Min(latencyPenaltyMax, (latencyMS-baselineLatencyMS)/latencyDivisorMS)
	}
	score -= math.Min(jitterPenaltyMax, jitterMS/jitterDivisorMS)
	score -= lossPenaltyPerPct * packetLossPct
	return math.Min(100, math.Max(0, score))
}
