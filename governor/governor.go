package governor

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	minAutoNodes     = 16
	maxAutoNodes     = 1024
	defaultAutoNodes = 256
)

// Governor caps outbound packet rate and the number of DHT nodes contacted
// at the same time. It is shared by every network-facing component.
type Governor struct {
	packets  *rate.Limiter
	nodes    *semaphore.Weighted
	maxNodes int
}

// New builds a governor. packetsPerSecond <= 0 means unlimited, maxNodes <= 0
// derives the node budget from the packet rate.
func New(packetsPerSecond, maxNodes int) *Governor {
	var l *rate.Limiter
	if packetsPerSecond <= 0 {
		l = rate.NewLimiter(rate.Inf, 0)
	} else {
		l = rate.NewLimiter(rate.Limit(packetsPerSecond), packetsPerSecond)
	}
	if maxNodes <= 0 {
		maxNodes = AutoNodes(packetsPerSecond)
	}
	return &Governor{
		packets:  l,
		nodes:    semaphore.NewWeighted(int64(maxNodes)),
		maxNodes: maxNodes,
	}
}

// AutoNodes is the node budget used when none is configured.
func AutoNodes(packetsPerSecond int) int {
	if packetsPerSecond <= 0 {
		return defaultAutoNodes
	}
	n := packetsPerSecond * 2
	if n < minAutoNodes {
		n = minAutoNodes
	}
	if n > maxAutoNodes {
		n = maxAutoNodes
	}
	return n
}

// Acquire blocks until cost packet permits are available. It only fails when
// ctx is done.
func (g *Governor) Acquire(ctx context.Context, cost int) error {
	if g.packets.Limit() == rate.Inf {
		return ctx.Err()
	}
	if cost < 1 {
		cost = 1
	}
	if b := g.packets.Burst(); cost > b {
		cost = b
	}
	return g.packets.WaitN(ctx, cost)
}

// TryAcquire takes a single packet permit without waiting. Used on paths
// that must not block, like answering inbound queries.
func (g *Governor) TryAcquire() bool {
	return g.packets.Allow()
}

// AcquireNode reserves one concurrent node contact. The returned func must be
// called exactly once.
func (g *Governor) AcquireNode(ctx context.Context) (func(), error) {
	if err := g.nodes.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { g.nodes.Release(1) }, nil
}

func (g *Governor) MaxNodes() int {
	return g.maxNodes
}

func (g *Governor) Limiter() *rate.Limiter {
	return g.packets
}

var errRateOverflow = errors.New("packet rate exceeds int range")

// ParseRate turns a configured packet rate into packets per second.
// Recognised: low, medium, high, unlimited, 0, empty, or a plain number.
func ParseRate(rstr string) (int, error) {
	rstr = strings.ToLower(strings.TrimSpace(rstr))
	switch rstr {
	case "low":
		return 50, nil
	case "medium":
		return 200, nil
	case "high":
		return 1000, nil
	case "unlimited", "0", "":
		return 0, nil
	}
	v, err := strconv.ParseInt(strings.TrimSuffix(rstr, "pps"), 10, 64)
	if err != nil {
		return 0, err
	}
	if v < 0 {
		return 0, strconv.ErrRange
	}
	if v > 2147483647 {
		return 0, errRateOverflow
	}
	return int(v), nil
}
