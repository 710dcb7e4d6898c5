package verifier

import "math"

type Status string

const (
	StatusVerified      Status = "verified"
	StatusLikelyValid   Status = "likely_valid"
	StatusCatchAll      Status = "catch_all"
	StatusInvalid       Status = "invalid"
	StatusUnknown       Status = "unknown"
	StatusInvalidSyntax Status = "invalid_syntax"
)

// Weights in hundredths so a full score sums to exactly 1.0.
const (
	weightAccepted       = 60
	weightNotCatchAll    = 15
	weightMXResolved     = 10
	weightDeliverability = 15
	inconclusiveCap      = 40
)

// Score combines the probe outcome with the domain signals. It depends only on
// its arguments.
func Score(probe ProbeOutcome, catchAll CatchAllResult, mxResolved bool, deliv DeliverabilitySignals) (float64, Status) {
	if probe.Outcome == OutcomeRejected {
		return 0, StatusInvalid
	}

	points := 0
	if mxResolved {
		points += weightMXResolved
	}
	if deliv.Any() {
		points += weightDeliverability
	}

	if probe.Outcome != OutcomeAccepted {
		if points > inconclusiveCap {
			points = inconclusiveCap
		}
		return clamp(float64(points) / 100), StatusUnknown
	}

	points += weightAccepted
	status := StatusLikelyValid
	switch {
	case catchAll.IsCatchAll:
		status = StatusCatchAll
	case catchAll.NotCatchAll():
		points += weightNotCatchAll
		status = StatusVerified
	}
	return clamp(float64(points) / 100), status
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
