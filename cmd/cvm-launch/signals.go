// Copyright 2018 Intel Corporation.
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"

	"github.com/kata-containers/cvm-launch/pkg/launchutils/launchtrace"
)

// List of fatal signals
var sigFatal = map[syscall.Signal]bool{
	syscall.SIGABRT:   true,
	syscall.SIGBUS:    true,
	syscall.SIGILL:    true,
	syscall.SIGQUIT:   true,
	syscall.SIGSEGV:   true,
	syscall.SIGSTKFLT: true,
	syscall.SIGSYS:    true,
	syscall.SIGTRAP:   true,
}

// Signals that stop a running guest cleanly.
var sigStop = map[syscall.Signal]bool{
	syscall.SIGINT:  true,
	syscall.SIGTERM: true,
	syscall.SIGHUP:  true,
}

func fatalSignal(sig syscall.Signal) bool {
	return sigFatal[sig]
}

func stopSignal(sig syscall.Signal) bool {
	return sigStop[sig]
}

func handledSignals() []os.Signal {
	var signals []os.Signal
	for sig := range sigFatal {
		signals = append(signals, sig)
	}
	for sig := range sigStop {
		signals = append(signals, sig)
	}
	return signals
}

// setupSignalHandler returns a context that is cancelled by the first stop
// signal. Fatal signals dump a backtrace and exit.
func setupSignalHandler(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, handledSignals()...)

	go func() {
		for sig := range sigCh {
			nativeSignal, ok := sig.(syscall.Signal)
			if !ok {
				launchLog.WithField("signal", sig.String()).Error("unknown signal")
				continue
			}

			switch {
			case fatalSignal(nativeSignal):
				launchLog.WithField("signal", sig).Error("received fatal signal")
				die(ctx)
			case stopSignal(nativeSignal):
				launchLog.WithField("signal", sig).Info("stopping")
				cancel()
			}
		}
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}

func handlePanic(ctx context.Context) {
	r := recover()
	if r != nil {
		msg := fmt.Sprintf("%s", r)
		launchLog.WithField("panic", msg).Error("fatal error")
		die(ctx)
	}
}

func backtrace() {
	profiles := pprof.Profiles()

	buf := &bytes.Buffer{}

	for _, p := range profiles {
		// The magic number requests a full stacktrace. See
		// https://golang.org/pkg/runtime/pprof/#Profile.WriteTo.
		pprof.Lookup(p.Name()).WriteTo(buf, 2)
	}

	for _, line := range strings.Split(buf.String(), "\n") {
		launchLog.Error(line)
	}
}

func die(ctx context.Context) {
	launchtrace.StopTracing(ctx)
	backtrace()
	exit(1)
}
