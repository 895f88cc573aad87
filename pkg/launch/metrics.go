// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespaceLaunch = "cvm_launch"

var (
	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespaceLaunch,
		Name:      "step_duration_seconds",
		Help:      "Time spent in each launch step.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	},
		[]string{"step"},
	)

	stepTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceLaunch,
		Name:      "step_total",
		Help:      "Launch steps by outcome.",
	},
		[]string{"step", "outcome"},
	)

	launchState = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceLaunch,
		Name:      "state",
		Help:      "Current launch state.",
	})
)

// RegisterMetrics registers the launch collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		stepDuration,
		stepTotal,
		launchState,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

func observeStep(step string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = KindOf(err).String()
	}
	stepDuration.WithLabelValues(step).Observe(time.Since(start).Seconds())
	stepTotal.WithLabelValues(step, outcome).Inc()
}
