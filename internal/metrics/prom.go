package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelSource   = "source"
	labelBaseline = "baseline"
)

// promMetrics mirrors the JSONL snapshot as Prometheus gauges/counters so
// an operator can scrape the running process directly, the same
// supplemental surface every other long-running daemon in the corpus
// exposes (lake/api/metrics, client/doublezerod/internal/manager/metrics.go).
type promMetrics struct {
	shredsPerSec  *prometheus.GaugeVec
	txsPerSec     *prometheus.GaugeVec
	coveragePct   *prometheus.GaugeVec
	fecRecovered   *prometheus.CounterVec
	fecSetsDropped *prometheus.CounterVec
	shredsDropped  *prometheus.CounterVec

	leadCount   *prometheus.CounterVec
	leadMeanUs  *prometheus.GaugeVec
	leadP99Us   *prometheus.GaugeVec
	beatPct     *prometheus.GaugeVec

	raceWins *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	factory := promauto.With(reg)
	return &promMetrics{
		shredsPerSec: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shredrace_shreds_per_sec",
			Help: "Shreds received per second, per source.",
		}, []string{labelSource}),
		txsPerSec: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shredrace_txs_per_sec",
			Help: "Transactions decoded per second, per source.",
		}, []string{labelSource}),
		coveragePct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shredrace_coverage_pct",
			Help: "Mean shred coverage across recently-finalized slots, per source.",
		}, []string{labelSource}),
		fecRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shredrace_fec_recovered_total",
			Help: "Total data shreds recovered via Reed-Solomon, per source.",
		}, []string{labelSource}),
		fecSetsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shredrace_fec_sets_dropped_total",
			Help: "Total FEC sets evicted without completing, per source.",
		}, []string{labelSource}),
		shredsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shredrace_shreds_dropped_total",
			Help: "Total shreds dropped (parse rejects, receiver overflow), per source.",
		}, []string{labelSource}),
		leadCount: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shredrace_lead_samples_total",
			Help: "Total accepted lead-time samples, per fast source and baseline.",
		}, []string{labelSource, labelBaseline}),
		leadMeanUs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shredrace_lead_mean_microseconds",
			Help: "Mean lead time in microseconds, per fast source and baseline.",
		}, []string{labelSource, labelBaseline}),
		leadP99Us: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shredrace_lead_p99_microseconds",
			Help: "P99 lead time in microseconds, per fast source and baseline.",
		}, []string{labelSource, labelBaseline}),
		beatPct: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shredrace_beat_pct",
			Help: "Fraction of matches where the fast source beat the baseline.",
		}, []string{labelSource, labelBaseline}),
		raceWins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shredrace_race_wins_total",
			Help: "Total shred-vs-shred race wins, per winning source and opponent.",
		}, []string{labelSource, labelBaseline}),
	}
}
