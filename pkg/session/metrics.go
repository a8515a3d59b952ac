package session

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/whyitfor/ofrak-u-boot/pkg/util"
)

const (
	statusSuccess = "success"
	statusFailure = "failure"
)

type metrics struct {
	stageDuration   *prometheus.HistogramVec
	compileAttempts *prometheus.CounterVec
	segmentsPlanned prometheus.Counter
	bytesInjected   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		stageDuration: util.RegisterOrGet(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ubootpatch_session_stage_duration_seconds",
			Help:    "Time spent in each patch session step by status.",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 30, 120, 600},
		}, []string{"stage", "status"})),
		compileAttempts: util.RegisterOrGet(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ubootpatch_compile_attempts_total",
			Help: "Number of external compile attempts by status.",
		}, []string{"status"})),
		segmentsPlanned: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ubootpatch_planned_segments_total",
			Help: "Number of segments planned.",
		})),
		bytesInjected: util.RegisterOrGet(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ubootpatch_injected_bytes_total",
			Help: "Number of compiled bytes written into images.",
		})),
	}
}

func status(err error) string {
	if err != nil {
		return statusFailure
	}
	return statusSuccess
}
