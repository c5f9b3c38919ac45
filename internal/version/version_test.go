package version

import (
	"runtime/debug"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestCurrentIsPopulated(t *testing.T) {
	b := Current()
	require.NotEmpty(t, b.Version)
	require.NotEmpty(t, b.Commit)
	require.NotEmpty(t, b.GoVersion)
	require.Equal(t, b.Version, GetVersion())
}

func TestBuildString(t *testing.T) {
	b := Build{Version: "v1.4.0", Commit: "abc123", Date: "2026-03-16", GoVersion: "go1.24.0"}

	require.Equal(t, "version=v1.4.0 commit=abc123 date=2026-03-16 go=go1.24.0", b.String())
	require.Equal(t, "abc123", b.Fields()["commit"])
	require.Equal(t, "2026-03-16", b.Fields()["built"])
}

func TestResolveFallsBackToVCSSettings(t *testing.T) {
	info := &debug.BuildInfo{Settings: []debug.BuildSetting{
		{Key: "vcs.revision", Value: "deadbeef"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
	}}

	prev := [2]string{commit, date}
	t.Cleanup(func() { commit, date = prev[0], prev[1] })

	commit, date = unknown, unknown
	b := resolve(info, true)
	require.Equal(t, "deadbeef", b.Commit)
	require.Equal(t, "2026-01-02T03:04:05Z", b.Date)

	// значения из ldflags важнее VCS-меток
	commit = "from-ldflags"
	require.Equal(t, "from-ldflags", resolve(info, true).Commit)

	require.Equal(t, unknown, resolve(nil, false).Date)
}

func TestBuildInfoCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	require.NoError(t, registry.Register(Build{Version: "v1", Commit: "c", GoVersion: "go"}.Collector()))

	families, err := registry.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	require.Equal(t, "cartengine_build_info", families[0].GetName())
	require.Equal(t, 1.0, families[0].GetMetric()[0].GetGauge().GetValue())
}
