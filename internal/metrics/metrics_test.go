package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsSingleton(t *testing.T) {
	a := New()
	b := New()
	require.NotNil(t, a)
	assert.Same(t, a, b)
}

func TestHandlerExposesCounters(t *testing.T) {
	New().RoutingDecision.WithLabelValues("auto_approve").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "agentledger_routing_decisions_total"))
}
