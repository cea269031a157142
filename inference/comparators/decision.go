// Package comparators - Siamese nose-print comparison.
package comparators

import "math"

const (
	// SameThreshold is the similarity above which two noses are the same dog.
	SameThreshold = 0.5
	// HighConfidenceMargin is the distance from SameThreshold beyond which a
	// decision is reported with high confidence.
	HighConfidenceMargin = 0.3
)

// Confidence grades a decision.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
)

// Decision is the verdict for one pair.
type Decision struct {
	Similarity float32    `json:"similarity"`
	Same       bool       `json:"same"`
	Confidence Confidence `json:"confidence"`
}

// Decide turns a similarity score into a decision. The margin is measured
// in float64: in float32, 0.8-0.5 rounds to exactly 0.3 and would grade
// medium.
//
// Example:
//
//	Decide(0.8)  // {0.8 true high}
//	Decide(0.5)  // {0.5 false medium}
func Decide(similarity float32) Decision {
	c := ConfidenceMedium
	if math.Abs(float64(similarity)-SameThreshold) > HighConfidenceMargin {
		c = ConfidenceHigh
	}
	return Decision{
		Similarity: similarity,
		Same:       similarity > SameThreshold,
		Confidence: c,
	}
}
