package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the bridge collectors. A nil *Metrics records nothing.
type Metrics struct {
	eventsApplied     *prometheus.CounterVec
	eventsDuplicate   *prometheus.CounterVec
	eventsQuarantined *prometheus.CounterVec
	fetchErrors       *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	cursorBlock       *prometheus.GaugeVec
	watcherState      *prometheus.GaugeVec
	withdrawals       *prometheus.CounterVec
	publishErrors     prometheus.Counter
}

// New registers the bridge collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		eventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_applied_total",
			Help: "Deposit events credited to the ledger",
		}, []string{"chain"}),
		eventsDuplicate: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_duplicate_total",
			Help: "Events skipped because they were already processed",
		}, []string{"chain"}),
		eventsQuarantined: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_events_quarantined_total",
			Help: "Malformed events recorded without a balance effect",
		}, []string{"chain"}),
		fetchErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_fetch_errors_total",
			Help: "Failed watcher iterations",
		}, []string{"chain"}),
		fetchDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridge_fetch_duration_seconds",
			Help:    "Time to fetch one block window of events",
			Buckets: prometheus.DefBuckets,
		}, []string{"chain"}),
		cursorBlock: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_cursor_block",
			Help: "Last fully processed block",
		}, []string{"chain"}),
		watcherState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridge_watcher_state",
			Help: "Watcher state: 0=idle 1=fetching 2=applying 3=advancing 4=faulted",
		}, []string{"chain"}),
		withdrawals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_withdrawals_total",
			Help: "Withdrawals by final outcome of the send attempt",
		}, []string{"chain", "outcome"}),
		publishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "bridge_publish_errors_total",
			Help: "Ledger feed records that failed to publish",
		}),
	}
}

func chainLabel(chainID uint64) string { return strconv.FormatUint(chainID, 10) }

func (m *Metrics) EventApplied(chainID uint64) {
	if m != nil {
		m.eventsApplied.WithLabelValues(chainLabel(chainID)).Inc()
	}
}

func (m *Metrics) EventDuplicate(chainID uint64) {
	if m != nil {
		m.eventsDuplicate.WithLabelValues(chainLabel(chainID)).Inc()
	}
}

func (m *Metrics) EventQuarantined(chainID uint64) {
	if m != nil {
		m.eventsQuarantined.WithLabelValues(chainLabel(chainID)).Inc()
	}
}

func (m *Metrics) FetchError(chainID uint64) {
	if m != nil {
		m.fetchErrors.WithLabelValues(chainLabel(chainID)).Inc()
	}
}

func (m *Metrics) ObserveFetch(chainID uint64, d time.Duration) {
	if m != nil {
		m.fetchDuration.WithLabelValues(chainLabel(chainID)).Observe(d.Seconds())
	}
}

func (m *Metrics) SetCursor(chainID, block uint64) {
	if m != nil {
		m.cursorBlock.WithLabelValues(chainLabel(chainID)).Set(float64(block))
	}
}

func (m *Metrics) SetWatcherState(chainID uint64, state int) {
	if m != nil {
		m.watcherState.WithLabelValues(chainLabel(chainID)).Set(float64(state))
	}
}

func (m *Metrics) Withdrawal(chainID uint64, outcome string) {
	if m != nil {
		m.withdrawals.WithLabelValues(chainLabel(chainID), outcome).Inc()
	}
}

func (m *Metrics) PublishError() {
	if m != nil {
		m.publishErrors.Inc()
	}
}
