// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/kata-containers/cvm-launch/pkg/launch"
	"github.com/kata-containers/cvm-launch/pkg/launchutils"
	"github.com/kata-containers/cvm-launch/pkg/rootless"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

const defaultRunDir = "/run/cvm-launch"

// launchHandler executes control channel actions and owns the guest.
type launchHandler interface {
	vmm.Handler
	Close() error
}

// newLaunchHandler is replaced by the tests.
var newLaunchHandler = func(ctx context.Context, cfg vmm.QemuConfig) (launchHandler, error) {
	h, err := vmm.NewQemuHandler(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return h, nil
}

var launchCLICommand = cli.Command{
	Name:  "launch",
	Usage: "boot, attest and provision a confidential guest",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "kernel", Usage: "guest kernel image"},
		cli.StringFlag{Name: "initrd", Usage: "guest initrd image"},
		cli.StringFlag{Name: "firmware", Usage: "OVMF firmware image"},
		cli.StringFlag{Name: "cmdline", Usage: "kernel command line"},
		cli.StringFlag{Name: "rootfs", Usage: "root block device image"},
		cli.BoolFlag{Name: "read-only", Usage: "attach the root device read-only"},
		cli.BoolTFlag{Name: "rootfs-is-root", Usage: "mount the root device as the guest's / (default: true)"},
		cli.IntFlag{Name: "vcpus", Usage: "number of boot vCPUs"},
		cli.IntFlag{Name: "max-vcpus", Usage: "maximum number of vCPUs"},
		cli.IntFlag{Name: "sockets", Usage: "CPU sockets"},
		cli.IntFlag{Name: "dies-per-socket", Usage: "CPU dies per socket"},
		cli.IntFlag{Name: "cores-per-die", Usage: "CPU cores per die"},
		cli.IntFlag{Name: "threads-per-core", Usage: "CPU threads per core"},
		cli.StringFlag{Name: "memory", Usage: "guest memory, in MiB or with a unit suffix (1G)"},
		cli.StringFlag{Name: "mode", Usage: "sev or sev-es"},
		cli.StringFlag{Name: "vsock-path", Usage: "host side vsock socket"},
		cli.UintFlag{Name: "guest-cid", Usage: "guest vsock context id"},
		cli.Uint64Flag{Name: "secret-gpa", Usage: "guest physical address of the secret page"},
		cli.BoolFlag{Name: "pre-attestation", Usage: "attest through the key broker"},
		cli.StringFlag{Name: "proxy", Usage: "key broker address"},
		cli.StringFlag{Name: "cert-chain", Usage: "cached platform certificate chain"},
		cli.BoolFlag{Name: "verify-launch-digest", Usage: "check the measurement against the computed launch digest"},
		cli.StringFlag{Name: "run-dir", Usage: "directory for the QMP socket and session files"},
		cli.StringFlag{Name: "qemu", Usage: "qemu binary"},
		cli.BoolFlag{Name: "stop-after-launch", Usage: "stop the guest once the secrets are injected"},
	},
	Action: func(context *cli.Context) error {
		ctx, err := cliContextToContext(context)
		if err != nil {
			return err
		}

		config, ok := context.App.Metadata["launchConfig"].(launchutils.LaunchFileConfig)
		if !ok {
			return errors.New("invalid launch configuration metadata")
		}

		applyLaunchFlags(context, &config)

		return runLaunch(ctx, config, !context.Bool("stop-after-launch"), defaultOutputFile)
	},
}

// applyLaunchFlags lets command line flags override the configuration file.
func applyLaunchFlags(c *cli.Context, config *launchutils.LaunchFileConfig) {
	p := &config.Params

	overrides := []struct {
		flag string
		dst  *string
	}{
		{"kernel", &p.KernelPath},
		{"initrd", &p.InitrdPath},
		{"firmware", &p.FirmwarePath},
		{"cmdline", &p.BootArgs},
		{"rootfs", &p.RootfsPath},
		{"memory", &p.Memory},
		{"vsock-path", &p.VsockPath},
		{"proxy", &p.Proxy},
		{"cert-chain", &p.CertChainPath},
		{"run-dir", &config.Qemu.RunDir},
		{"qemu", &config.Qemu.Path},
	}
	for _, s := range overrides {
		if c.IsSet(s.flag) {
			*s.dst = c.String(s.flag)
		}
	}

	if c.IsSet("mode") {
		p.Mode = launch.Mode(c.String("mode"))
	}
	ints := []struct {
		flag string
		dst  *int
	}{
		{"vcpus", &p.VCPUs},
		{"max-vcpus", &p.MaxVCPUs},
		{"sockets", &p.Sockets},
		{"dies-per-socket", &p.DiesPerSocket},
		{"cores-per-die", &p.CoresPerDie},
		{"threads-per-core", &p.ThreadsPerCore},
	}
	for _, s := range ints {
		if c.IsSet(s.flag) {
			*s.dst = c.Int(s.flag)
		}
	}
	if c.IsSet("vcpus") && !c.IsSet("max-vcpus") && p.MaxVCPUs < p.VCPUs {
		p.MaxVCPUs = p.VCPUs
	}
	if c.IsSet("guest-cid") {
		p.GuestCID = uint32(c.Uint("guest-cid"))
	}
	if c.IsSet("secret-gpa") {
		gpa := c.Uint64("secret-gpa")
		p.SecretGPA = &gpa
	}
	if c.IsSet("rootfs-is-root") {
		p.IsRoot = c.BoolT("rootfs-is-root")
	}
	if c.IsSet("read-only") {
		p.ReadOnly = c.Bool("read-only")
	}
	if c.IsSet("pre-attestation") {
		p.PreAttestation = c.Bool("pre-attestation")
	}
	if c.IsSet("verify-launch-digest") {
		p.VerifyLaunchDigest = c.Bool("verify-launch-digest")
	}
}

// runLaunch drives one guest from configuration to running. With wait set
// it keeps the guest up until ctx is cancelled.
func runLaunch(ctx context.Context, config launchutils.LaunchFileConfig, wait bool, out io.Writer) (err error) {
	cfg, err := launch.Build(config.Params)
	if err != nil {
		return err
	}

	info := launch.NewInstanceInfo(version)
	defer info.Release()

	logger := launchLog.WithField("instance", info.ID())

	qemuCfg := config.Qemu
	if qemuCfg.RunDir == "" {
		qemuCfg.RunDir = filepath.Join(rootless.RunDir(defaultRunDir), info.ID())
	}

	sess, err := launch.NewSession(cfg)
	if err != nil {
		return err
	}

	serveCtx, cancel := context.WithCancel(ctx)

	handler, err := newLaunchHandler(serveCtx, qemuCfg)
	if err != nil {
		cancel()
		return multierror.Append(err, sess.Close()).ErrorOrNil()
	}

	link, err := vmm.NewLink(config.ChannelTimeout)
	if err != nil {
		cancel()
		return multierror.Append(err, handler.Close(), sess.Close()).ErrorOrNil()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Serve(serveCtx, handler); err != nil && serveCtx.Err() == nil {
			logger.WithError(err).Error("control channel stopped")
		}
	}()

	defer func() {
		var result *multierror.Error
		if err != nil {
			result = multierror.Append(result, err)
		}
		if cerr := link.Close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
		wg.Wait()
		if cerr := handler.Close(); cerr != nil {
			result = multierror.Append(result, errors.Wrap(cerr, "stopping guest"))
		}
		cancel()
		if cerr := sess.Close(); cerr != nil {
			result = multierror.Append(result, errors.Wrap(cerr, "closing session"))
		}
		// a launch failure keeps its own identity for the exit code
		if err == nil {
			err = result.ErrorOrNil()
		} else if result.Len() > 1 {
			logger.WithError(result).Warn("cleanup after failed launch")
		}
	}()

	orch := launch.NewOrchestrator(cfg, link, sess, info)
	launchErr := orch.Launch(ctx)

	printSnapshot(out, info.Snapshot())

	if launchErr != nil {
		return launchErr
	}

	logger.WithFields(logrus.Fields{
		"session": sess.Kind().String(),
		"mode":    string(cfg.Mode()),
	}).Info("guest running")

	if wait {
		notifySystemd(logger, daemon.SdNotifyReady)
		<-ctx.Done()
		logger.Info("stopping guest")
		notifySystemd(logger, daemon.SdNotifyStopping)
	}

	return nil
}

// notifySystemd reports the guest state when running as a notify service.
func notifySystemd(logger *logrus.Entry, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.WithError(err).Warn("systemd notification failed")
		return
	}
	if sent {
		logger.WithField("state", state).Debug("notified systemd")
	}
}

func printSnapshot(out io.Writer, s launch.InstanceSnapshot) {
	fmt.Fprintf(out, "instance:    %s\n", s.ID)
	fmt.Fprintf(out, "state:       %s\n", s.State)
	fmt.Fprintf(out, "vm type:     %s\n", s.VMType)
	if s.Measurement != "" {
		fmt.Fprintf(out, "measurement: %s\n", s.Measurement)
	}
	if s.TransactionID != "" {
		fmt.Fprintf(out, "transaction: %s\n", s.TransactionID)
	}
	if s.FailedStep != "" {
		fmt.Fprintf(out, "failed step: %s (%s)\n", s.FailedStep, launch.KindOf(s.Err))
	}
}
