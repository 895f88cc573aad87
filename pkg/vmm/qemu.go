// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/blang/semver/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	govmmQemu "github.com/kata-containers/cvm-launch/pkg/govmm/qemu"
)

// sev-guest kernel-hashes and confidential-guest-support need QEMU 6.0.
var minQemuVersion = semver.MustParse("6.0.0")

const (
	qmpSocketName   = "qmp.sock"
	dhCertFileName  = "godh.b64"
	sessionFileName = "session.b64"
	pidFileName     = "qemu.pid"

	sevObjectID = "sev0"

	qmpConnectTimeout = 10 * time.Second
	qmpRetryInterval  = 50 * time.Millisecond
	quitTimeout       = 5 * time.Second
	powerdownTimeout  = 10 * time.Second
)

// QemuConfig configures the QEMU worker.
type QemuConfig struct {
	// Path is the qemu binary. Empty means qemu-system-x86_64 from PATH.
	Path string

	// RunDir holds the QMP socket and the SEV session files. It is
	// removed by Close.
	RunDir string

	CPUModel        string
	CBitPos         uint32
	ReducedPhysBits uint32
}

type qmpLogger struct {
	logger *logrus.Entry
}

func newQMPLogger() qmpLogger {
	return qmpLogger{
		logger: vmmLog.WithField("subsystem", "qmp"),
	}
}

func (l qmpLogger) V(level int32) bool {
	return level != 0
}

func (l qmpLogger) Infof(format string, v ...interface{}) {
	l.logger.Infof(format, v...)
}

func (l qmpLogger) Warningf(format string, v ...interface{}) {
	l.logger.Warnf(format, v...)
}

func (l qmpLogger) Errorf(format string, v ...interface{}) {
	l.logger.Errorf(format, v...)
}

type launchFunc func(config govmmQemu.Config, logger govmmQemu.QMPLog) (*exec.Cmd, io.ReadCloser, error)

// QemuHandler runs actions against a QEMU process. Configuration actions
// accumulate into a command line; the start actions launch QEMU and
// connect to its QMP socket.
type QemuHandler struct {
	cfg QemuConfig

	config govmmQemu.Config
	boot   BootSource

	launch  launchFunc
	cmd     *exec.Cmd
	qmp     *govmmQemu.QMP
	qmpDone chan struct{}
}

// NewQemuHandler prepares a handler. ctx bounds the life of the QEMU
// process it will launch.
func NewQemuHandler(ctx context.Context, cfg QemuConfig) (*QemuHandler, error) {
	if cfg.RunDir == "" {
		return nil, errors.New("qemu run directory not set")
	}
	if err := os.MkdirAll(cfg.RunDir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "creating run directory %s", cfg.RunDir)
	}

	id := uuid.New().String()
	h := &QemuHandler{
		cfg:    cfg,
		launch: govmmQemu.LaunchQemu,
		config: govmmQemu.Config{
			Path:     cfg.Path,
			Ctx:      ctx,
			Name:     "cvm-" + id[:8],
			UUID:     id,
			CPUModel: cfg.CPUModel,
			Machine: govmmQemu.Machine{
				Type:         govmmQemu.MachineTypeQ35,
				Acceleration: "kvm",
			},
			QMPSockets: []govmmQemu.QMPSocket{{
				Name:   filepath.Join(cfg.RunDir, qmpSocketName),
				Server: true,
				NoWait: true,
			}},
			Knobs: govmmQemu.Knobs{
				NoUserConfig: true,
				NoDefaults:   true,
				NoGraphic:    true,
				NoReboot:     true,
			},
			PidFile: filepath.Join(cfg.RunDir, pidFileName),
		},
	}
	return h, nil
}

func (h *QemuHandler) logger() *logrus.Entry {
	return vmmLog.WithField("subsystem", "qemu")
}

// Handle implements Handler.
func (h *QemuHandler) Handle(ctx context.Context, action Action) (*Response, error) {
	if h.cmd != nil {
		switch action.(type) {
		case SetVmConfig, SetBootSource, InsertBlockDevice, InsertVsock, StartInstance, StartSevInstance:
			return nil, errors.Errorf("%s after the instance was started", action.Name())
		}
	}

	switch a := action.(type) {
	case SetVmConfig:
		return &Response{}, h.setVMConfig(a.Config)
	case SetBootSource:
		h.boot = a.Source
		h.config.Kernel = govmmQemu.Kernel{
			Path:       a.Source.KernelPath,
			InitrdPath: a.Source.InitrdPath,
			Params:     a.Source.BootArgs,
		}
		h.config.Bios = a.Source.FirmwarePath
		return &Response{}, nil
	case InsertBlockDevice:
		dev := govmmQemu.BlockDevice{
			ID:       a.Device.DriveID,
			File:     a.Device.PathOnHost,
			ReadOnly: a.Device.IsReadOnly,
		}
		if a.Device.IsRootDevice {
			// the first virtio-blk device is vda
			h.config.Devices = append([]govmmQemu.Device{dev}, h.config.Devices...)
		} else {
			h.config.Devices = append(h.config.Devices, dev)
		}
		return &Response{}, nil
	case InsertVsock:
		if a.Vsock.UDSPath != "" {
			h.logger().WithField("uds-path", a.Vsock.UDSPath).Info("vhost-vsock ignores the unix socket path")
		}
		h.config.Devices = append(h.config.Devices, govmmQemu.VSOCKDevice{
			ID:        "vsock0",
			ContextID: uint64(a.Vsock.GuestCID),
		})
		return &Response{}, nil
	case StartInstance:
		if err := h.start(ctx); err != nil {
			return nil, err
		}
		if err := h.qmp.ExecuteCont(ctx); err != nil {
			return nil, err
		}
		return &Response{}, nil
	case StartSevInstance:
		m, err := h.startSev(ctx, a.Start)
		if err != nil {
			return nil, err
		}
		return &Response{Measurement: m}, nil
	case InjectSecrets:
		return &Response{}, h.injectSecrets(ctx, a)
	default:
		return nil, errors.Errorf("unsupported action %s", action.Name())
	}
}

func (h *QemuHandler) setVMConfig(c VMConfig) error {
	if c.VCPUCount == 0 || c.MemSizeMiB == 0 {
		return errors.New("vcpu count and memory size must be set")
	}

	h.config.SMP = govmmQemu.SMP{
		CPUs:    uint32(c.VCPUCount),
		MaxCPUs: uint32(c.MaxVCPUCount),
		Threads: uint32(c.Topology.ThreadsPerCore),
		Cores:   uint32(c.Topology.CoresPerDie),
		Dies:    uint32(c.Topology.DiesPerSocket),
		Sockets: uint32(c.Topology.Sockets),
	}

	size := int64(c.MemSizeMiB) * units.MiB
	if total := memory.TotalMemory(); total != 0 && uint64(size) > total {
		h.logger().WithFields(logrus.Fields{
			"guest-memory": units.BytesSize(float64(size)),
			"host-memory":  units.BytesSize(float64(total)),
		}).Warn("guest memory exceeds host memory")
	}
	h.config.Memory = govmmQemu.Memory{
		Size: fmt.Sprintf("%dM", c.MemSizeMiB),
		Path: c.MemFilePath,
	}

	switch c.MemType {
	case MemTypeHugetlbfs:
		h.config.Knobs.HugePages = true
	case MemTypeShmem, "":
		h.config.Knobs.MemShared = true
	default:
		return errors.Errorf("unknown memory type %q", c.MemType)
	}
	h.config.Knobs.FileBackedMem = c.MemFilePath != ""

	switch c.CPUPM {
	case "on":
		h.config.Knobs.CPUPM = true
	case "off", "":
		h.config.Knobs.CPUPM = false
	default:
		return errors.Errorf("unknown cpu-pm mode %q", c.CPUPM)
	}

	if c.SerialPath != "" {
		h.config.Devices = append(h.config.Devices, govmmQemu.CharDevice{
			Driver: govmmQemu.LegacySerial,
			ID:     "serial0",
			Path:   c.SerialPath,
		})
	}

	return nil
}

func (h *QemuHandler) writeSessionFile(name string, data []byte) (string, error) {
	path := filepath.Join(h.cfg.RunDir, name)
	if err := os.WriteFile(path, []byte(base64.StdEncoding.EncodeToString(data)), 0o600); err != nil {
		return "", errors.Wrapf(err, "writing %s", path)
	}
	return path, nil
}

func (h *QemuHandler) startSev(ctx context.Context, start SevStart) (*Measurement, error) {
	sev := govmmQemu.Object{
		Type:            govmmQemu.SEVGuest,
		ID:              sevObjectID,
		CBitPos:         h.cfg.CBitPos,
		ReducedPhysBits: h.cfg.ReducedPhysBits,
		Policy:          start.Policy,
		KernelHashes:    h.boot.KernelPath != "",
	}

	if len(start.DHCert) > 0 || len(start.Session) > 0 {
		var err error
		if sev.DHCertFile, err = h.writeSessionFile(dhCertFileName, start.DHCert); err != nil {
			return nil, err
		}
		if sev.SessionFile, err = h.writeSessionFile(sessionFileName, start.Session); err != nil {
			return nil, err
		}
	}

	if !sev.Valid() {
		return nil, errors.Errorf("invalid sev-guest object %+v", sev)
	}

	h.config.Devices = append(h.config.Devices, sev)
	h.config.ConfidentialGuest = sevObjectID
	h.config.Knobs.Stopped = true

	if err := h.start(ctx); err != nil {
		return nil, err
	}

	info, err := h.qmp.ExecuteQuerySEV(ctx)
	if err != nil {
		return nil, err
	}
	if !info.Enabled {
		return nil, errors.New("qemu reports SEV disabled")
	}

	h.logger().WithFields(logrus.Fields{
		"sev-state": info.State,
		"api":       fmt.Sprintf("%d.%d", info.APIMajor, info.APIMinor),
		"build":     info.BuildID,
		"policy":    fmt.Sprintf("%#x", info.Policy),
	}).Info("SEV guest launched")

	data, err := h.qmp.ExecuteQuerySEVLaunchMeasure(ctx)
	if err != nil {
		return nil, err
	}

	return &Measurement{
		Data:     data,
		APIMajor: info.APIMajor,
		APIMinor: info.APIMinor,
		BuildID:  info.BuildID,
		Policy:   info.Policy,
		Cmdline:  h.boot.BootArgs,
	}, nil
}

func (h *QemuHandler) start(ctx context.Context) error {
	cmd, stderr, err := h.launch(h.config, newQMPLogger())
	if err != nil {
		return errors.Wrap(err, "launching qemu")
	}
	h.cmd = cmd
	go h.logStderr(stderr)

	if cmd.Process != nil {
		if err := updateHypervisorMetrics(cmd.Process.Pid); err != nil {
			h.logger().WithError(err).Debug("sampling hypervisor process")
		}
	}

	if err := h.connectQMP(ctx); err != nil {
		return err
	}

	return h.qmp.ExecuteQMPCapabilities(ctx)
}

func (h *QemuHandler) logStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		h.logger().WithField("source", "qemu").Info(scanner.Text())
	}
}

// connectQMP retries until QEMU has created its socket.
func (h *QemuHandler) connectQMP(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, qmpConnectTimeout)
	defer cancel()

	socket := h.config.QMPSockets[0].Name
	for {
		disconnectedCh := make(chan struct{})
		qmp, version, err := govmmQemu.QMPStart(ctx, socket, govmmQemu.QMPConfig{Logger: newQMPLogger()}, disconnectedCh)
		if err == nil {
			if version.LT(minQemuVersion) {
				qmp.Shutdown()
				return errors.Errorf("qemu %s is too old, %s or newer is required", version.Version, minQemuVersion)
			}
			h.qmp = qmp
			h.qmpDone = disconnectedCh
			return nil
		}

		select {
		case <-ctx.Done():
			return errors.Wrapf(err, "connecting to QMP socket %s", socket)
		case <-time.After(qmpRetryInterval):
		}
	}
}

func (h *QemuHandler) injectSecrets(ctx context.Context, a InjectSecrets) error {
	if h.qmp == nil {
		return errors.New("instance not started")
	}

	// LAUNCH_SECRET is only accepted before the guest first runs.
	status, err := h.qmp.ExecuteQueryStatus(ctx)
	if err != nil {
		return err
	}
	if status.Running {
		return errors.Errorf("guest is %s, secrets can only be injected into a paused guest", status.Status)
	}

	for i, s := range a.Secrets {
		if err := h.qmp.ExecuteSEVInjectLaunchSecret(ctx, s.Header, s.Data, s.GPA); err != nil {
			return errors.Wrapf(err, "injecting secret %d", i)
		}
	}

	if a.Resume {
		return h.qmp.ExecuteCont(ctx)
	}
	return nil
}

// powerdown asks a running guest to shut down cleanly. QEMU is quit
// afterwards either way.
func (h *QemuHandler) powerdown() {
	ctx, cancel := context.WithTimeout(context.Background(), powerdownTimeout)
	defer cancel()

	status, err := h.qmp.ExecuteQueryStatus(ctx)
	if err != nil || !status.Running {
		return
	}

	h.logger().Info("powering down guest")
	err = h.qmp.ExecuteSystemPowerdown(ctx)
	if err != nil && !errors.Is(err, govmmQemu.ErrQMPDisconnected) {
		h.logger().WithError(err).Warn("guest did not power down")
	}
}

// Close stops QEMU and removes the run directory.
func (h *QemuHandler) Close() error {
	var result *multierror.Error

	if h.qmp != nil {
		h.powerdown()

		ctx, cancel := context.WithTimeout(context.Background(), quitTimeout)
		// QEMU may drop the connection before replying
		if err := h.qmp.ExecuteQuit(ctx); err != nil && !errors.Is(err, govmmQemu.ErrQMPDisconnected) {
			result = multierror.Append(result, err)
		}
		cancel()
		h.qmp.Shutdown()
		<-h.qmpDone
		h.qmp = nil
	}

	if h.cmd != nil && h.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- h.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(quitTimeout):
			if err := h.cmd.Process.Kill(); err != nil {
				result = multierror.Append(result, errors.Wrap(err, "killing qemu"))
			}
			<-done
		}
	}

	if err := os.RemoveAll(h.cfg.RunDir); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
