// Package ratelimit implements sliding-window-average rate limiting with
// an in-process store and a redis-backed distributed store, plus the
// manager that resolves which limits apply to a request.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store is an atomic check-and-consume counter. Implementations guarantee
// that at most `limit` units are consumed within any interval-length
// window under the sliding-window-average bound.
type Store interface {
	// CheckAndConsume returns true (allowed) and consumes cost when the
	// effective window load stays within limit; a denied call consumes
	// nothing.
	CheckAndConsume(ctx context.Context, key string, cost, limit uint64, interval time.Duration) (bool, error)

	Close() error
}

// Bucket key constructors. Each namespace is distinct so limits never
// collide across tiers.

// GlobalKey is the bucket for the gateway-wide request limit.
func GlobalKey() string { return "global" }

// IPKey is the bucket for one remote address.
func IPKey(ip string) string { return "ip:" + ip }

// ServerKey is the bucket for one MCP downstream.
func ServerKey(server string) string { return "server:" + server }

// ServerToolKey is the bucket for one tool on one MCP downstream.
func ServerToolKey(server, tool string) string {
	return "server:" + server + ":tool:" + tool
}

// ProviderUserKey is the token bucket for one user on one provider.
func ProviderUserKey(provider, user string) string {
	return "provider:" + provider + ":user:" + user
}

// ProviderUserGroupKey refines ProviderUserKey by group.
func ProviderUserGroupKey(provider, user, group string) string {
	return ProviderUserKey(provider, user) + ":group:" + group
}

// ModelUserKey is the token bucket for one user on one model.
func ModelUserKey(provider, model, user string) string {
	return "model:" + provider + "/" + model + ":user:" + user
}

// ModelUserGroupKey refines ModelUserKey by group.
func ModelUserGroupKey(provider, model, user, group string) string {
	return ModelUserKey(provider, model, user) + ":group:" + group
}

// window quantizes now into interval-length windows and returns the
// window index and the elapsed fraction inside it.
func window(now time.Time, interval time.Duration) (index int64, elapsed float64) {
	ns := now.UnixNano()
	size := interval.Nanoseconds()
	index = ns / size
	elapsed = float64(ns%size) / float64(size)
	return index, elapsed
}

// effectiveLoad is the sliding-window-average: the previous window decays
// linearly as the current window fills.
func effectiveLoad(previous, current uint64, elapsed float64) float64 {
	return float64(previous)*(1-elapsed) + float64(current)
}

// windowKey appends the window index to a bucket key.
func windowKey(key string, index int64) string {
	return fmt.Sprintf("%s:%d", key, index)
}
