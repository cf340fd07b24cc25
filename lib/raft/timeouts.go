package raft

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Timeouts groups the election timeout range and the heartbeat interval.
// All inter-node connections validate that both sides agree on them.
type Timeouts struct {
	Low       time.Duration
	High      time.Duration
	Heartbeat time.Duration
}

var (
	DefaultTimeouts    = Timeouts{Low: 1000 * time.Millisecond, High: 1500 * time.Millisecond, Heartbeat: 250 * time.Millisecond}
	TightTimeouts      = Timeouts{Low: 100 * time.Millisecond, High: 150 * time.Millisecond, Heartbeat: 75 * time.Millisecond}
	AggressiveTimeouts = Timeouts{Low: 50 * time.Millisecond, High: 75 * time.Millisecond, Heartbeat: 5 * time.Millisecond}
)

func (t Timeouts) String() string {
	return fmt.Sprintf("%d:%d:%d", t.Low.Milliseconds(), t.High.Milliseconds(), t.Heartbeat.Milliseconds())
}

func ParseTimeouts(str string) (Timeouts, error) {
	parts := strings.Split(str, ":")
	if len(parts) != 3 {
		return Timeouts{}, fmt.Errorf("unable to parse raft timeouts: %q", str)
	}

	values := make([]int64, 3)
	for i, part := range parts {
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return Timeouts{}, fmt.Errorf("unable to parse raft timeouts: %q", str)
		}
		values[i] = v
	}

	return Timeouts{
		Low:       time.Duration(values[0]) * time.Millisecond,
		High:      time.Duration(values[1]) * time.Millisecond,
		Heartbeat: time.Duration(values[2]) * time.Millisecond,
	}, nil
}

// Random draws an election timeout uniformly from [Low, High].
func (t Timeouts) Random() time.Duration {
	span := t.High - t.Low
	if span <= 0 {
		return t.Low
	}
	return t.Low + time.Duration(rand.Int63n(int64(span)+1))
}

// HeartbeatTracker follows incoming heartbeats and decides election
// timeouts. The timeout is a fresh random draw each follower-loop round.
type HeartbeatTracker struct {
	timeouts Timeouts

	mtx               sync.Mutex
	lastHeartbeat     time.Time
	randomTimeout     time.Duration
	artificialTimeout bool
}

func NewHeartbeatTracker(timeouts Timeouts) *HeartbeatTracker {
	tracker := &HeartbeatTracker{timeouts: timeouts, lastHeartbeat: time.Now()}
	tracker.RefreshRandomTimeout()
	return tracker
}

func (h *HeartbeatTracker) Timeouts() Timeouts { return h.timeouts }

// Heartbeat records a valid contact from the current leader.
func (h *HeartbeatTracker) Heartbeat(now time.Time) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	if h.lastHeartbeat.Before(now) {
		h.lastHeartbeat = now
	}
}

// TriggerTimeout forces the next timeout check to fire, used by
// RAFT_ATTEMPT_COUP.
func (h *HeartbeatTracker) TriggerTimeout() {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.artificialTimeout = true
}

// TimedOut reports whether the election timer has expired.
func (h *HeartbeatTracker) TimedOut(now time.Time) bool {
	h.mtx.Lock()
	defer h.mtx.Unlock()

	if h.artificialTimeout {
		h.artificialTimeout = false
		return true
	}
	return now.Sub(h.lastHeartbeat) > h.randomTimeout
}

func (h *HeartbeatTracker) RandomTimeout() time.Duration {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return h.randomTimeout
}

func (h *HeartbeatTracker) RefreshRandomTimeout() time.Duration {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.randomTimeout = h.timeouts.Random()
	return h.randomTimeout
}

// ContactDetails bundles what a node needs to talk to its peers: the
// cluster identity and the agreed timeouts.
type ContactDetails struct {
	ClusterID ClusterID
	Timeouts  Timeouts
}
