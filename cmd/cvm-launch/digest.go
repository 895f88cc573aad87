// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/kata-containers/cvm-launch/pkg/launch"
	"github.com/kata-containers/cvm-launch/pkg/launchutils"
	"github.com/kata-containers/cvm-launch/pkg/launchutils/launchtrace"
	"github.com/kata-containers/cvm-launch/pkg/sev"
)

const defaultDigestCPUModel = "EPYC-v4"

var launchDigestCLICommand = cli.Command{
	Name:  "launch-digest",
	Usage: "print the expected launch digest of a guest",
	Description: `The digest covers the firmware and, when a kernel is given, the
   kernel, initrd and command line hashes QEMU adds to the firmware. SEV-ES
   digests also cover one VMSA page per vCPU.`,
	Flags: []cli.Flag{
		cli.StringFlag{Name: "firmware", Usage: "OVMF firmware image"},
		cli.StringFlag{Name: "kernel", Usage: "guest kernel image"},
		cli.StringFlag{Name: "initrd", Usage: "guest initrd image"},
		cli.StringFlag{Name: "cmdline", Usage: "kernel command line"},
		cli.IntFlag{Name: "vcpus", Usage: "number of boot vCPUs"},
		cli.StringFlag{Name: "cpu-model", Usage: "QEMU CPU model, selects the vCPU signature"},
		cli.BoolFlag{Name: "sev-es", Usage: "compute an SEV-ES digest"},
	},
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		span, _ := launchtrace.Trace(ctx, launchLog, "launch-digest")
		defer span.End()

		config, ok := context.App.Metadata["launchConfig"].(launchutils.LaunchFileConfig)
		if !ok {
			return errors.New("invalid launch configuration metadata")
		}

		in, err := digestInput(context, config.Params)
		if err != nil {
			return err
		}

		return printDigest(defaultOutputFile, in)
	},
}

// digestInput merges the flags over the configured guest.
func digestInput(c *cli.Context, p launch.RawParams) (sev.DigestInput, error) {
	in := sev.DigestInput{
		FirmwarePath:   p.FirmwarePath,
		KernelPath:     p.KernelPath,
		InitrdPath:     p.InitrdPath,
		Cmdline:        p.BootArgs,
		VCPUs:          p.VCPUs,
		EncryptedState: p.Mode != launch.ModeSEV,
	}
	model := p.CPUModel

	if c.IsSet("firmware") {
		in.FirmwarePath = c.String("firmware")
	}
	if c.IsSet("kernel") {
		in.KernelPath = c.String("kernel")
	}
	if c.IsSet("initrd") {
		in.InitrdPath = c.String("initrd")
	}
	if c.IsSet("cmdline") {
		in.Cmdline = c.String("cmdline")
	}
	if c.IsSet("vcpus") {
		in.VCPUs = c.Int("vcpus")
	}
	if c.IsSet("sev-es") {
		in.EncryptedState = c.Bool("sev-es")
	}
	if c.IsSet("cpu-model") {
		model = c.String("cpu-model")
	}

	in.Cmdline = launch.KernelParams(in.Cmdline, p.IsRoot)

	if in.FirmwarePath == "" {
		return in, errors.New("firmware path is required")
	}
	if !in.EncryptedState {
		return in, nil
	}

	if in.VCPUs < 1 {
		return in, errors.Errorf("invalid vcpus %d", in.VCPUs)
	}
	if model == "" {
		model = defaultDigestCPUModel
	}
	sig, err := sev.VCPUSigForModel(model)
	if err != nil {
		return in, err
	}
	in.VCPUSig = sig

	return in, nil
}

func printDigest(out io.Writer, in sev.DigestInput) error {
	digest, err := in.Compute()
	if err != nil {
		return errors.Wrap(err, "computing launch digest")
	}

	_, err = fmt.Fprintln(out, hex.EncodeToString(digest[:]))
	return err
}
