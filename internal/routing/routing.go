// Package routing decides whether a completed booking is posted automatically
// or queued for human review.
package routing

import "agentledger/internal/domain"

type Decision string

const (
	AutoApprove Decision = "auto_approve"
	Medium      Decision = "medium"
	High        Decision = "high"
	Critical    Decision = "critical"
)

// Thresholds are inclusive lower bounds of each confidence band.
type Thresholds struct {
	AutoApprove int
	Medium      int
	High        int
}

func DefaultThresholds() Thresholds {
	return Thresholds{AutoApprove: 85, Medium: 60, High: 40}
}

// Route maps a confidence score and the structural validation outcome to a
// decision. An entry that failed validation is never auto-approved.
func Route(confidence int, validationPassed bool, th Thresholds) Decision {
	if !validationPassed {
		return Critical
	}
	c := Clamp(confidence)
	switch {
	case c >= th.AutoApprove:
		return AutoApprove
	case c >= th.Medium:
		return Medium
	case c >= th.High:
		return High
	default:
		return Critical
	}
}

// ReviewPriority returns the review queue priority for d. ok is false for
// AutoApprove, which creates no review item.
func (d Decision) ReviewPriority() (domain.ReviewPriority, bool) {
	switch d {
	case Medium:
		return domain.ReviewMedium, true
	case High:
		return domain.ReviewHigh, true
	case Critical:
		return domain.ReviewCritical, true
	}
	return "", false
}

// Score combines the capability's base confidence with the pattern boost and
// the validation penalty.
func Score(base, boost, penalty int) int {
	return Clamp(base + boost - penalty)
}

func Clamp(c int) int {
	if c < 0 {
		return 0
	}
	if c > 100 {
		return 100
	}
	return c
}
