// Copyright (c) 2017 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"strings"

	"github.com/blang/semver/v4"
	"github.com/urfave/cli"

	"github.com/kata-containers/cvm-launch/pkg/launchutils/launchtrace"
)

const unknown = "<<unknown>>"

// Set by the build.
var (
	version = ""
	commit  = ""
)

var versionCLICommand = cli.Command{
	Name:  "version",
	Usage: "display version details",
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		span, _ := launchtrace.Trace(ctx, launchLog, "version")
		defer span.End()

		cli.VersionPrinter(context)
		return nil
	},
}

// makeVersionString returns a multi-line string describing the launcher
// version.
func makeVersionString() string {
	v := make([]string, 0, 2)

	versionStr := version
	if versionStr == "" {
		versionStr = unknown
	} else if _, err := semver.ParseTolerant(versionStr); err != nil {
		versionStr += " (not semver)"
	}

	v = append(v, name+"  : "+versionStr)

	commitStr := commit
	if commitStr == "" {
		commitStr = unknown
	}

	v = append(v, "   commit   : "+commitStr)

	return strings.Join(v, "\n")
}
