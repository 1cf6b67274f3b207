package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Check is a single readiness probe against a backing service.
type Check func(ctx context.Context) error

// Pinger is the minimal interface for a client capable of Ping. Both a pgx
// pool and a franz-go client satisfy it.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BusHealth reports whether the event bus connection is currently up. A bus
// outage degrades the platform without taking it down, so it never fails
// readiness on its own.
type BusHealth interface{ Healthy() bool }

// ReadinessChecks aggregates named probes for the /readyz endpoint. Required
// checks gate readiness; the bus only marks the response degraded.
type ReadinessChecks struct {
	required map[string]Check
	order    []string
	bus      BusHealth
	timeout  time.Duration
}

// NewReadinessChecks returns an empty check set with a 2s per-probe timeout.
func NewReadinessChecks() *ReadinessChecks {
	return &ReadinessChecks{
		required: make(map[string]Check),
		timeout:  2 * time.Second,
	}
}

// Add registers a required check under a stable name. Nil checks are ignored
// so callers can pass checks for clients they did not configure.
func (rc *ReadinessChecks) Add(name string, check Check) *ReadinessChecks {
	if check == nil {
		return rc
	}
	if _, dup := rc.required[name]; !dup {
		rc.order = append(rc.order, name)
	}
	rc.required[name] = check
	return rc
}

// WithBus attaches the event bus health signal.
func (rc *ReadinessChecks) WithBus(bus BusHealth) *ReadinessChecks {
	rc.bus = bus
	return rc
}

// Handler renders readiness as JSON: 200 when every required check passes,
// 503 otherwise. A reconnecting bus reports status "degraded" but stays 200.
func (rc *ReadinessChecks) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := make(map[string]string, len(rc.required))
		ready := true
		for _, name := range rc.order {
			ctx, cancel := context.WithTimeout(r.Context(), rc.timeout)
			err := rc.required[name](ctx)
			cancel()
			if err != nil {
				results[name] = err.Error()
				ready = false
				continue
			}
			results[name] = "ok"
		}

		status := "ready"
		code := http.StatusOK
		switch {
		case !ready:
			status = "unready"
			code = http.StatusServiceUnavailable
		case rc.bus != nil && !rc.bus.Healthy():
			status = "degraded"
			results["bus"] = "reconnecting"
		default:
			if rc.bus != nil {
				results["bus"] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": status,
			"checks": results,
		})
	}
}

// DBCheck wraps a database pool into a readiness check.
func DBCheck(pool Pinger) Check {
	return func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
}

// RedisCheck wraps a Redis client into a readiness check.
func RedisCheck(rdb RedisClient) Check {
	return func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
}

// BrokerCheck wraps a task queue client into a readiness check.
func BrokerCheck(client Pinger) Check {
	return func(ctx context.Context) error {
		if client == nil {
			return fmt.Errorf("broker not configured")
		}
		return client.Ping(ctx)
	}
}

// ClusterHealth is the minimal interface for the workload dispatcher's
// cluster probe.
type ClusterHealth interface{ Healthy(ctx context.Context) error }

// ClusterCheck wraps a cluster health probe into a readiness check.
func ClusterCheck(probe ClusterHealth) Check {
	return func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("cluster not configured")
		}
		return probe.Healthy(ctx)
	}
}
