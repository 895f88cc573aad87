// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/procfs"
)

const namespaceVMM = "cvm_vmm"

const (
	outcomeOK      = "ok"
	outcomeError   = "error"
	outcomeDropped = "dropped"
)

var (
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespaceVMM,
		Name:      "actions_total",
		Help:      "Control channel actions by outcome.",
	},
		[]string{"action", "outcome"},
	)

	actionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespaceVMM,
		Name:      "action_duration_seconds",
		Help:      "Time spent handling control channel actions.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
	},
		[]string{"action"},
	)

	hypervisorThreads = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceVMM,
		Name:      "hypervisor_threads",
		Help:      "Hypervisor process threads.",
	})

	hypervisorOpenFDs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceVMM,
		Name:      "hypervisor_fds",
		Help:      "Open FDs for hypervisor.",
	})

	hypervisorRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespaceVMM,
		Name:      "hypervisor_resident_bytes",
		Help:      "Hypervisor resident memory.",
	})
)

// RegisterMetrics registers the vmm collectors with reg.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{
		actionsTotal,
		actionDuration,
		hypervisorThreads,
		hypervisorOpenFDs,
		hypervisorRSS,
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

// updateHypervisorMetrics samples the hypervisor process. Failures only
// leave the gauges stale.
func updateHypervisorMetrics(pid int) error {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return err
	}

	if fds, err := proc.FileDescriptorsLen(); err == nil {
		hypervisorOpenFDs.Set(float64(fds))
	}

	stat, err := proc.Stat()
	if err != nil {
		return err
	}
	hypervisorThreads.Set(float64(stat.NumThreads))
	hypervisorRSS.Set(float64(stat.ResidentMemory()))
	return nil
}
