package obs

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	LockOpsTotal  *prometheus.CounterVec // op=acquire|release|extend, result=success|contended|error
	LockOpLatency *prometheus.HistogramVec

	AcquireTotal    *prometheus.CounterVec // result=success|no_boards|exhausted|error
	ActiveLeases    prometheus.Gauge
	QuarantineTotal prometheus.Counter

	TelnetOpsTotal *prometheus.CounterVec // op=connect|command|send_file, result=success|failure

	StoreRetriesTotal prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		LockOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_lock_ops_total",
				Help: "Lock operations by op and result",
			},
			[]string{"op", "result"},
		),
		LockOpLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "board_lock_op_latency_ms",
				Help:    "Latency of lock operations (ms)",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1ms .. ~2048ms
			},
			[]string{"op"},
		),
		AcquireTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_acquire_total",
				Help: "Board allocation attempts by result",
			},
			[]string{"result"},
		),
		ActiveLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "board_active_leases",
			Help: "Number of active board leases",
		}),
		QuarantineTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_quarantine_total",
			Help: "Total number of boards auto-quarantined",
		}),
		TelnetOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "board_telnet_ops_total",
				Help: "Telnet driver operations by op and result",
			},
			[]string{"op", "result"},
		),
		StoreRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "board_store_retries_total",
			Help: "Total retried key-value store operations",
		}),
	}

	prometheus.MustRegister(
		m.LockOpsTotal,
		m.LockOpLatency,
		m.AcquireTotal,
		m.ActiveLeases,
		m.QuarantineTotal,
		m.TelnetOpsTotal,
		m.StoreRetriesTotal,
	)

	return m
}
