// Package patterns classifies human corrections into pattern buckets and
// maintains the running success rate of learned patterns.
package patterns

import (
	"errors"
	"strings"
	"unicode"

	"agentledger/internal/domain"
)

var ErrUnclassifiable = errors.New("correction has neither vendor nor keyword")

// Bucket identifies one pattern within a tenant.
type Bucket struct {
	Type domain.PatternType
	Key  string
}

var stopwords = map[string]struct{}{
	"and": {}, "the": {}, "for": {}, "invoice": {}, "faktura": {}, "og": {}, "til": {},
	"fra": {}, "med": {}, "av": {}, "per": {}, "mnd": {}, "inkl": {}, "eks": {}, "mva": {},
}

// Classify picks the bucket for a correction. Vendor identity wins over
// free-text keywords.
func Classify(vendorID, description string) (Bucket, error) {
	if v := normalizeVendor(vendorID); v != "" {
		return Bucket{Type: domain.PatternVendorAccount, Key: v}, nil
	}
	if kw := Keyword(description); kw != "" {
		return Bucket{Type: domain.PatternDescriptionKeyword, Key: kw}, nil
	}
	return Bucket{}, ErrUnclassifiable
}

// Keyword returns the first significant word of a description, lowercased.
func Keyword(description string) string {
	fields := strings.FieldsFunc(strings.ToLower(description), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		if len([]rune(f)) < 3 || isNumeric(f) {
			continue
		}
		if _, skip := stopwords[f]; skip {
			continue
		}
		return f
	}
	return ""
}

func normalizeVendor(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), ""))
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// NextRate folds one observation (1 for success, 0 for failure) into a
// cumulative mean over n prior applications.
func NextRate(rate float64, n int, observation float64) float64 {
	if n <= 0 {
		return observation
	}
	next := (rate*float64(n) + observation) / float64(n+1)
	if next < 0 {
		return 0
	}
	if next > 1 {
		return 1
	}
	return next
}

// Match returns the active pattern that applies to an invoice. Vendor
// patterns take precedence over keyword patterns; patterns below minRate
// never match.
func Match(candidates []domain.Pattern, vendorID, description string, minRate float64) (domain.Pattern, bool) {
	vendor := normalizeVendor(vendorID)
	keyword := Keyword(description)
	var byKeyword *domain.Pattern
	for i := range candidates {
		p := candidates[i]
		if !p.IsActive || p.SuccessRate < minRate {
			continue
		}
		switch p.Type {
		case domain.PatternVendorAccount:
			if vendor != "" && p.Key == vendor {
				return p, true
			}
		case domain.PatternDescriptionKeyword:
			if byKeyword == nil && keyword != "" && p.Key == keyword {
				byKeyword = &candidates[i]
			}
		}
	}
	if byKeyword != nil {
		return *byKeyword, true
	}
	return domain.Pattern{}, false
}
