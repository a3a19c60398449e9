package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
}

type MetricName string

const (
	MetricNameLeafCompilations    MetricName = "leaf_compilations"
	MetricNameCacheHits           MetricName = "cache_hits"
	MetricNameCacheMisses         MetricName = "cache_misses"
	MetricNameAssertionsBroadcast MetricName = "assertions_broadcast"
	MetricNameBroadcastFailures   MetricName = "broadcast_failures"
	MetricNameDisputesDetected    MetricName = "disputes_detected"
	MetricNameDisprovesBroadcast  MetricName = "disproves_broadcast"
	MetricNameTakesBroadcast      MetricName = "takes_broadcast"
	MetricNameScannedBlocks       MetricName = "scanned_blocks"
)

func (m MetricName) String() string {
	return string(m)
}

const (
	NamespaceBridge  = "bridge"
	SubsystemCache   = "cache"
	SubsystemMachine = "machine"
	SubsystemBitcoin = "bitcoin"
)

var (
	counters = map[MetricName]prometheus.Counter{
		MetricNameLeafCompilations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemCache,
			Name:      MetricNameLeafCompilations.String(),
			Help:      "Number of leaf script set compilations",
		}),
		MetricNameCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemCache,
			Name:      MetricNameCacheHits.String(),
			Help:      "Number of cache hits across all tiers",
		}),
		MetricNameCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemCache,
			Name:      MetricNameCacheMisses.String(),
			Help:      "Number of cache misses across all tiers",
		}),
		MetricNameAssertionsBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemMachine,
			Name:      MetricNameAssertionsBroadcast.String(),
			Help:      "Number of assertion transactions broadcast",
		}),
		MetricNameBroadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemMachine,
			Name:      MetricNameBroadcastFailures.String(),
			Help:      "Number of failed transaction broadcasts",
		}),
		MetricNameDisputesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemMachine,
			Name:      MetricNameDisputesDetected.String(),
			Help:      "Number of disputes observed on-chain",
		}),
		MetricNameDisprovesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemMachine,
			Name:      MetricNameDisprovesBroadcast.String(),
			Help:      "Number of disprove transactions broadcast",
		}),
		MetricNameTakesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemMachine,
			Name:      MetricNameTakesBroadcast.String(),
			Help:      "Number of take transactions broadcast",
		}),
		MetricNameScannedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: NamespaceBridge,
			Subsystem: SubsystemBitcoin,
			Name:      MetricNameScannedBlocks.String(),
			Help:      "Number of scanned bitcoin blocks",
		}),
	}
)

func NewMetrics() *Metrics {
	for _, counter := range counters {
		prometheus.Register(counter)
	}
	return &Metrics{}
}

func (m *Metrics) IncrCounter(name MetricName) {
	if m == nil {
		return
	}
	if counter, ok := counters[name]; ok {
		counter.Inc()
	}
}

func RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
