package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agentledger/internal/domain"
)

func TestRouteBoundaries(t *testing.T) {
	th := DefaultThresholds()
	cases := []struct {
		confidence int
		want       Decision
	}{
		{0, Critical},
		{39, Critical},
		{40, High},
		{59, High},
		{60, Medium},
		{84, Medium},
		{85, AutoApprove},
		{92, AutoApprove},
		{100, AutoApprove},
		{-5, Critical},
		{150, AutoApprove},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Route(tc.confidence, true, th), "confidence %d", tc.confidence)
	}
}

func TestRouteValidationFailureIsCritical(t *testing.T) {
	th := DefaultThresholds()
	for c := 0; c <= 100; c++ {
		assert.Equal(t, Critical, Route(c, false, th))
	}
}

func TestRouteIsTotalAndDeterministic(t *testing.T) {
	th := DefaultThresholds()
	valid := map[Decision]bool{AutoApprove: true, Medium: true, High: true, Critical: true}
	for c := 0; c <= 100; c++ {
		for _, v := range []bool{true, false} {
			d := Route(c, v, th)
			assert.True(t, valid[d])
			assert.Equal(t, d, Route(c, v, th))
		}
	}
}

func TestRouteCustomThresholds(t *testing.T) {
	th := Thresholds{AutoApprove: 95, Medium: 70, High: 50}
	assert.Equal(t, Medium, Route(92, true, th))
	assert.Equal(t, High, Route(69, true, th))
	assert.Equal(t, Critical, Route(49, true, th))
}

func TestReviewPriority(t *testing.T) {
	_, ok := AutoApprove.ReviewPriority()
	assert.False(t, ok)
	p, ok := High.ReviewPriority()
	assert.True(t, ok)
	assert.Equal(t, domain.ReviewHigh, p)
	p, _ = Medium.ReviewPriority()
	assert.Equal(t, domain.ReviewMedium, p)
	p, _ = Critical.ReviewPriority()
	assert.Equal(t, domain.ReviewCritical, p)
}

func TestScore(t *testing.T) {
	assert.Equal(t, 85, Score(75, 10, 0))
	assert.Equal(t, 100, Score(95, 10, 0))
	assert.Equal(t, 0, Score(20, 0, 30))
	assert.Equal(t, 55, Score(75, 10, 30))
}
