// Copyright (c) 2017-2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"fmt"
	"io"
	"os"

	"github.com/kata-containers/cvm-launch/pkg/launch"
)

// Exit codes by failure kind.
const (
	exitPrecondition = 2
	exitProtocol     = 3
	exitAttestation  = 4
	exitTransport    = 5
)

func exitCode(err error) int {
	switch launch.KindOf(err) {
	case launch.Precondition:
		return exitPrecondition
	case launch.Protocol:
		return exitProtocol
	case launch.Attestation:
		return exitAttestation
	case launch.Transport:
		return exitTransport
	}
	return 1
}

// atexitFuncs run in reverse registration order before the process exits.
var atexitFuncs []func()

var exitFunc = os.Exit

func atexit(f func()) {
	atexitFuncs = append(atexitFuncs, f)
}

func exit(status int) {
	for i := len(atexitFuncs) - 1; i >= 0; i-- {
		atexitFuncs[i]()
	}
	exitFunc(status)
}

// fatal logs and prints err, then exits with the status of its kind.
func fatal(err error) {
	launchLog.WithField("kind", launch.KindOf(err).String()).Error(err)
	fmt.Fprintln(defaultErrorFile, err)
	exit(exitCode(err))
}

// fatalWriter logs whatever cli reports on its error writer before
// passing it on.
type fatalWriter struct {
	cliErrWriter io.Writer
}

func (f *fatalWriter) Write(p []byte) (n int, err error) {
	launchLog.Error(string(p))
	return f.cliErrWriter.Write(p)
}
