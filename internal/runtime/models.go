package runtime

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/flotilla/internal/runtime/schedule"
)

// SubscriptionStats counts outcomes for one subscription. Prometheus gets
// the same numbers when metrics are enabled; these back the introspection
// route, which works without them.
type SubscriptionStats struct {
	received   atomic.Uint64
	handled    atomic.Uint64
	retried    atomic.Uint64
	failed     atomic.Uint64
	duplicates atomic.Uint64
	discarded  atomic.Uint64
	left       atomic.Uint64
	inFlight   atomic.Int64
	totalNs    atomic.Int64

	mu              sync.Mutex
	lastHandledAt   time.Time
	lastError       string
	lastErrorAt     time.Time
	maxReceiveCount int
}

// StatsSnapshot is a point-in-time copy of SubscriptionStats.
type StatsSnapshot struct {
	Received        uint64    `json:"received"`
	Handled         uint64    `json:"handled"`
	Retried         uint64    `json:"retried"`
	Failed          uint64    `json:"failed"`
	Duplicates      uint64    `json:"duplicates"`
	Discarded       uint64    `json:"discarded"`
	Left            uint64    `json:"left"`
	InFlight        int64     `json:"in_flight"`
	AverageNs       int64     `json:"average_ns"`
	LastHandledAt   time.Time `json:"last_handled_at"`
	LastError       string    `json:"last_error,omitempty"`
	LastErrorAt     time.Time `json:"last_error_at"`
	MaxReceiveCount int       `json:"max_receive_count"`
}

func newSubscriptionStats() *SubscriptionStats {
	return &SubscriptionStats{}
}

func (st *SubscriptionStats) start(receiveCount int) func(outcome string, err error) {
	st.received.Add(1)
	st.inFlight.Add(1)
	st.mu.Lock()
	st.maxReceiveCount = max(st.maxReceiveCount, receiveCount)
	st.mu.Unlock()

	begin := time.Now()
	return func(outcome string, err error) {
		st.inFlight.Add(-1)
		st.record(outcome)
		now := time.Now()
		st.mu.Lock()
		defer st.mu.Unlock()
		if outcome == OutcomeHandled {
			st.totalNs.Add(now.Sub(begin).Nanoseconds())
			st.lastHandledAt = now
		}
		if err != nil {
			st.lastError = err.Error()
			st.lastErrorAt = now
		}
	}
}

func (st *SubscriptionStats) record(outcome string) {
	switch outcome {
	case OutcomeHandled:
		st.handled.Add(1)
	case OutcomeRetried:
		st.retried.Add(1)
	case OutcomeFailed:
		st.failed.Add(1)
	case OutcomeDuplicate:
		st.duplicates.Add(1)
	case OutcomeDiscarded:
		st.discarded.Add(1)
	case OutcomeLeft:
		st.left.Add(1)
	}
}

// Snapshot copies the counters.
func (st *SubscriptionStats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Received:   st.received.Load(),
		Handled:    st.handled.Load(),
		Retried:    st.retried.Load(),
		Failed:     st.failed.Load(),
		Duplicates: st.duplicates.Load(),
		Discarded:  st.discarded.Load(),
		Left:       st.left.Load(),
		InFlight:   st.inFlight.Load(),
	}
	if snap.Handled > 0 {
		snap.AverageNs = st.totalNs.Load() / int64(snap.Handled)
	}
	st.mu.Lock()
	snap.LastHandledAt = st.lastHandledAt
	snap.LastError = st.lastError
	snap.LastErrorAt = st.lastErrorAt
	snap.MaxReceiveCount = st.maxReceiveCount
	st.mu.Unlock()
	return snap
}

// SubscriptionInfo is the introspection view of a subscription.
type SubscriptionInfo struct {
	Name      string        `json:"name"`
	Topic     string        `json:"topic"`
	QueueName string        `json:"queue_name"`
	QueueURL  string        `json:"queue_url,omitempty"`
	Competing bool          `json:"competing"`
	Stats     StatsSnapshot `json:"stats"`
}

// ScheduleInfo is the introspection view of a schedule.
type ScheduleInfo struct {
	Name     string         `json:"name"`
	State    schedule.State `json:"state"`
	NextFire time.Time      `json:"next_fire"`
	InFlight int64          `json:"in_flight"`
	Invoked  int64          `json:"invoked"`
	Skipped  int64          `json:"skipped"`
	Failed   int64          `json:"failed"`
}

// ServiceInfo is returned by the introspection route.
type ServiceInfo struct {
	Name          string             `json:"name"`
	UUID          string             `json:"uuid"`
	Transport     string             `json:"transport"`
	State         string             `json:"state"`
	Subscriptions []SubscriptionInfo `json:"subscriptions"`
	Schedules     []ScheduleInfo     `json:"schedules"`
}

// Info describes the service and its handlers.
func (s *Service) Info() ServiceInfo {
	info := ServiceInfo{
		Name:          s.identity.Name,
		UUID:          s.identity.UUID,
		Transport:     s.Conf.Transport,
		State:         s.State(),
		Subscriptions: []SubscriptionInfo{},
		Schedules:     []ScheduleInfo{},
	}
	for _, h := range s.Subscriptions() {
		info.Subscriptions = append(info.Subscriptions, SubscriptionInfo{
			Name:      h.Name,
			Topic:     h.Topic,
			QueueName: h.QueueName,
			QueueURL:  h.QueueURL(),
			Competing: h.Competing,
			Stats:     h.Stats(),
		})
	}
	for _, h := range s.Schedules() {
		st := h.State()
		info.Schedules = append(info.Schedules, ScheduleInfo{
			Name:     h.Name,
			State:    st.State,
			NextFire: st.NextFire,
			InFlight: st.InFlight,
			Invoked:  st.Invoked,
			Skipped:  st.Skipped,
			Failed:   st.Failed,
		})
	}
	return info
}
