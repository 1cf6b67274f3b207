package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakePingResult struct{ err error }

func (f fakePingResult) Err() error { return f.err }

type fakeRedis struct{ err error }

func (f fakeRedis) Ping(context.Context) RedisPingResult { return fakePingResult{err: f.err} }

type fakeCluster struct{ err error }

func (f fakeCluster) Healthy(context.Context) error { return f.err }

type fakeBus struct{ healthy bool }

func (f fakeBus) Healthy() bool { return f.healthy }

func readyz(t *testing.T, rc *ReadinessChecks) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	rc.Handler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestReadiness_AllHealthy(t *testing.T) {
	rc := NewReadinessChecks().
		Add("db", DBCheck(fakePinger{})).
		Add("redis", RedisCheck(fakeRedis{})).
		Add("broker", BrokerCheck(fakePinger{})).
		Add("cluster", ClusterCheck(fakeCluster{})).
		WithBus(fakeBus{healthy: true})

	code, body := readyz(t, rc)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
	checks := body["checks"].(map[string]any)
	for _, name := range []string{"db", "redis", "broker", "cluster", "bus"} {
		assert.Equal(t, "ok", checks[name], name)
	}
}

func TestReadiness_RequiredFailureIsUnready(t *testing.T) {
	rc := NewReadinessChecks().
		Add("db", DBCheck(fakePinger{err: errors.New("connection refused")})).
		Add("redis", RedisCheck(fakeRedis{}))

	code, body := readyz(t, rc)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unready", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Contains(t, checks["db"], "connection refused")
	assert.Equal(t, "ok", checks["redis"])
}

func TestReadiness_BusReconnectingIsDegradedNotUnready(t *testing.T) {
	rc := NewReadinessChecks().
		Add("db", DBCheck(fakePinger{})).
		WithBus(fakeBus{healthy: false})

	code, body := readyz(t, rc)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "reconnecting", checks["bus"])
}

func TestReadiness_UnconfiguredClientsFail(t *testing.T) {
	rc := NewReadinessChecks().
		Add("db", DBCheck(nil)).
		Add("redis", RedisCheck(nil)).
		Add("cluster", ClusterCheck(nil))

	code, body := readyz(t, rc)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unready", body["status"])
}

func TestReadiness_RedisErrorPropagates(t *testing.T) {
	rc := NewReadinessChecks().
		Add("redis", RedisCheck(fakeRedis{err: context.DeadlineExceeded}))

	code, _ := readyz(t, rc)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}
