// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kata-containers/cvm-launch/pkg/launch"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// metricsRegistry gathers the launcher, control channel and process
// collectors for the metrics file.
var metricsRegistry = prometheus.NewRegistry()

func registerMetrics() error {
	if err := launch.RegisterMetrics(metricsRegistry); err != nil {
		return errors.Wrap(err, "registering launch metrics")
	}
	if err := vmm.RegisterMetrics(metricsRegistry); err != nil {
		return errors.Wrap(err, "registering vmm metrics")
	}

	for _, c := range []prometheus.Collector{
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: "cvm_launch"}),
		collectors.NewGoCollector(),
	} {
		if err := metricsRegistry.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// writeMetrics writes every registered metric to path in the text
// exposition format, atomically.
func writeMetrics(path string) error {
	if err := prometheus.WriteToTextfile(path, metricsRegistry); err != nil {
		return errors.Wrapf(err, "writing metrics to %s", path)
	}

	launchLog.WithField("file", path).Debug("metrics written")
	return nil
}
