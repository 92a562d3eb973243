package risk

import "fmt"

// Band is the qualitative risk label derived from the numeric score.
type Band string

const (
	BandLow     Band = "low"
	BandMedium  Band = "medium"
	BandHigh    Band = "high"
	BandExtreme Band = "extreme"
)

// Assessment is the derived risk projection of (probability, severity).
// It is recomputed on every input change and never stored.
type Assessment struct {
	Probability int  `json:"probability"`
	Severity    int  `json:"severity"`
	Score       int  `json:"score"`
	Band        Band `json:"band"`
}

// Compute maps two ordinal inputs in [1,5] to a score and band.
// Inputs outside the range are a caller contract violation and are
// rejected, not clamped; clamping would hide a data-entry error that
// matters for a safety record.
func Compute(probability, severity int) (Assessment, error) {
	if probability < 1 || probability > 5 {
		return Assessment{}, fmt.Errorf("probability %d out of range [1,5]", probability)
	}
	if severity < 1 || severity > 5 {
		return Assessment{}, fmt.Errorf("severity %d out of range [1,5]", severity)
	}
	score := probability * severity
	return Assessment{
		Probability: probability,
		Severity:    severity,
		Score:       score,
		Band:        BandFor(score),
	}, nil
}

// BandFor maps a score in [1,25] to its band by fixed thresholds.
func BandFor(score int) Band {
	switch {
	case score <= 4:
		return BandLow
	case score <= 9:
		return BandMedium
	case score <= 16:
		return BandHigh
	default:
		return BandExtreme
	}
}
