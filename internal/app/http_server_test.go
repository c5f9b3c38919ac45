package app

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/cartengine/internal/health"
)

func failingProbe(name string, status healthcheck.Status) healthcheck.Checker {
	return healthcheck.NewProbe(name, func(context.Context) error {
		return errors.New(name + " is down")
	}, status)
}

func TestMetricsServer_ServesProbesAndMetrics(t *testing.T) {
	addr := localAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NotNil(t, startMetricsServer(ctx, addr, log.WithField("test", "metrics"), healthcheck.NewHandler("test")))
	waitForServer(t, addr)

	for _, path := range []string{"/metrics", "/healthz", "/readyz", "/livez"} {
		code, body := httpGet(t, "http://"+addr+path)
		require.Equal(t, http.StatusOK, code, path)
		require.NotEmpty(t, body, path)
	}
	_, live := httpGet(t, "http://"+addr+"/livez")
	require.Equal(t, "ok", live)
}

func TestMetricsServer_ReadinessIgnoresDegradedChecks(t *testing.T) {
	addr := localAddr(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := healthcheck.NewHandler("test")
	handler.RegisterChecker("client-cache", failingProbe("client-cache", healthcheck.StatusDegraded))
	startMetricsServer(ctx, addr, log.WithField("test", "readiness"), handler)
	waitForServer(t, addr)

	code, _ := httpGet(t, "http://"+addr+"/readyz")
	require.Equal(t, http.StatusOK, code)

	handler.RegisterChecker("storage", failingProbe("storage", healthcheck.StatusUnhealthy))
	code, body := httpGet(t, "http://"+addr+"/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "not ready", body)
}

func TestMetricsServer_StopsWithContext(t *testing.T) {
	addr := localAddr(t)
	ctx, cancel := context.WithCancel(context.Background())

	startMetricsServer(ctx, addr, log.WithField("test", "shutdown"), healthcheck.NewHandler("test"))
	waitForServer(t, addr)
	cancel()

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func TestShutdownHTTP_NilServer(_ *testing.T) {
	shutdownHTTP(nil, log.WithField("test", "nil"))
}

func TestStartAndWaitWorker(t *testing.T) {
	logger := log.WithField("test", "workers")
	waitWorker("absent", nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})
	done := startWorker(ctx, func(ctx context.Context) {
		close(running)
		<-ctx.Done()
	})
	<-running
	cancel()

	returned := make(chan struct{})
	go func() {
		waitWorker("blocking", done, logger)
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("waitWorker did not return after the worker stopped")
	}
}

func TestRegisterCollectorTwice(t *testing.T) {
	logger := log.WithField("test", "collectors")
	c := prometheus.NewGauge(prometheus.GaugeOpts{Name: "cartengine_app_test_gauge", Help: "test"})
	registerCollector(c, logger)
	registerCollector(c, logger)
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func waitForServer(t *testing.T, addr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "server %s did not start", addr)
}

// localAddr резервирует свободный порт на loopback и сразу его освобождает.
func localAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()
	return lis.Addr().String()
}
