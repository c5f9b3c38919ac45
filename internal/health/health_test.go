package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func okProbe(name string) *Probe {
	return NewProbe(name, func(context.Context) error { return nil }, "")
}

func failingProbe(name string, failure Status) *Probe {
	return NewProbe(name, func(context.Context) error { return errors.New(name + " is down") }, failure)
}

func TestReportTakesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		checkers map[string]Checker
		want     Status
	}{
		{name: "no checks", want: StatusHealthy},
		{name: "all healthy", checkers: map[string]Checker{"db": okProbe("db"), "cache": okProbe("cache")}, want: StatusHealthy},
		{name: "degraded cache", checkers: map[string]Checker{"db": okProbe("db"), "cache": failingProbe("cache", StatusDegraded)}, want: StatusDegraded},
		{name: "unhealthy wins", checkers: map[string]Checker{"db": failingProbe("db", ""), "cache": failingProbe("cache", StatusDegraded)}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("v-test")
			for name, checker := range tt.checkers {
				h.RegisterChecker(name, checker)
			}
			report := h.Report(context.Background())
			require.Equal(t, tt.want, report.Status)
			require.Len(t, report.Checks, len(tt.checkers))
		})
	}
}

func TestProbeReportsFailureMessage(t *testing.T) {
	check := failingProbe("storage", "").Check(context.Background())
	require.Equal(t, "storage", check.Name)
	require.Equal(t, StatusUnhealthy, check.Status)
	require.Equal(t, "storage is down", check.Message)
}

func TestReportAppliesCheckTimeout(t *testing.T) {
	h := NewHandler("v-test")
	h.timeout = 20 * time.Millisecond
	h.RegisterChecker("slow", NewProbe("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, StatusDegraded))

	started := time.Now()
	report := h.Report(context.Background())
	require.Less(t, time.Since(started), time.Second)
	require.Equal(t, StatusDegraded, report.Status)
	require.Contains(t, report.Checks["slow"].Message, "deadline exceeded")
}

func TestRegisterCheckerIgnoresNil(t *testing.T) {
	h := NewHandler("")
	h.RegisterChecker("nil", nil)
	h.RegisterChecker("b", okProbe("b"))
	h.RegisterChecker("a", okProbe("a"))
	require.Equal(t, []string{"a", "b"}, h.Names())
}

func TestServeHTTP(t *testing.T) {
	h := NewHandler("v1.2.3")
	h.RegisterChecker("cache", failingProbe("cache", StatusDegraded))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report Report
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	require.Equal(t, StatusDegraded, report.Status)
	require.Equal(t, "v1.2.3", report.Version)
	require.Equal(t, "cache is down", report.Checks["cache"].Message)

	h.RegisterChecker("db", failingProbe("db", StatusUnhealthy))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessAndLiveness(t *testing.T) {
	h := NewHandler("")
	h.RegisterChecker("cache", failingProbe("cache", StatusDegraded))

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", rec.Body.String())

	h.RegisterChecker("db", failingProbe("db", ""))
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "not ready", rec.Body.String())

	rec = httptest.NewRecorder()
	LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}
