package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter []string

func (f fakeReporter) DegradedDocuments() []string { return append([]string(nil), f...) }

func healthy(ctx context.Context) Result { return Result{Status: StatusHealthy} }

// =============================================================================
// Aggregation Tests
// =============================================================================

func TestOverall(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		check    Check
		want     Status
	}{
		{"healthy", true, healthy, StatusHealthy},
		{"critical failure", true, PingCheck("store", func(context.Context) error { return errors.New("gone") }), StatusUnhealthy},
		{"non-critical failure", false, PingCheck("store", func(context.Context) error { return errors.New("gone") }), StatusDegraded},
		{"degraded persistence", true, PersistenceCheck(fakeReporter{"doc-b", "doc-a"}), StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			c.Register(Component{Name: "base", Critical: true, Check: healthy})
			c.Register(Component{Name: "subject", Critical: tt.critical, Check: tt.check})
			c.Run(context.Background())
			assert.Equal(t, tt.want, c.Overall())
		})
	}
}

func TestUnknownBeforeFirstRun(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "store", Critical: true, Check: healthy})
	assert.Equal(t, StatusUnknown, c.Overall())

	c.Run(context.Background())
	assert.Equal(t, StatusHealthy, c.Overall())
}

func TestPersistenceCheckDetails(t *testing.T) {
	r := PersistenceCheck(fakeReporter{"doc-b", "doc-a"})(context.Background())
	assert.Equal(t, StatusDegraded, r.Status)
	assert.Equal(t, "doc-a,doc-b", r.Details["documents"])

	r = PersistenceCheck(fakeReporter{})(context.Background())
	assert.Equal(t, StatusHealthy, r.Status)
}

func TestThresholdCheck(t *testing.T) {
	var n int64 = 10
	check := ThresholdCheck("log size", func() int64 { return n }, 100)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	n = 101
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)
}

// =============================================================================
// Failure Mode Tests
// =============================================================================

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(Component{
		Name:     "slow",
		Critical: true,
		Timeout:  20 * time.Millisecond,
		Check: func(ctx context.Context) Result {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return Result{Status: StatusHealthy}
		},
	})

	results := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestCheckPanic(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "boom", Check: func(context.Context) Result { panic("bad") }})

	results := c.Run(context.Background())
	assert.Equal(t, StatusUnhealthy, results["boom"].Status)
	assert.Equal(t, "bad", results["boom"].Error)
	assert.Equal(t, StatusDegraded, c.Overall())
}

func TestUnregister(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "x", Critical: true, Check: healthy})
	c.Unregister("x")
	assert.Empty(t, c.Results())
	assert.Equal(t, StatusHealthy, c.Overall())
}

// =============================================================================
// Handler Tests
// =============================================================================

func TestHandlerStatusCodes(t *testing.T) {
	c := NewChecker()
	c.Register(Component{Name: "persistence", Check: PersistenceCheck(fakeReporter{"doc"})})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Contains(t, report.Components, "persistence")

	c.Register(Component{Name: "store", Critical: true, Check: PingCheck("store", func(context.Context) error {
		return errors.New("closed")
	})})
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
