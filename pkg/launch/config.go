// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/mdlayher/vsock"
	"github.com/pkg/errors"

	"github.com/kata-containers/cvm-launch/pkg/sev/kbs"
	"github.com/kata-containers/cvm-launch/pkg/sev/session"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// Mode is the confidential VM type.
type Mode string

const (
	ModeSEV   Mode = "sev"
	ModeSEVES Mode = "sev-es"
)

const (
	defaultVCPUs      = 1
	defaultMemSizeMiB = 128
	defaultGuestCID   = 42
	defaultCPUPM      = "on"
	defaultBootArgs   = "console=ttyS0 tty0 reboot=k debug panic=1 pci=off root=/dev/vda1"
	defaultRootParam  = "root=/dev/vda1"

	// DefaultBrokerTimeout bounds every call to the attestation broker.
	DefaultBrokerTimeout = 30 * time.Second

	rootDriveID = "rootfs"
)

// RawParams are the unvalidated launch options, as read from flags and the
// configuration file.
type RawParams struct {
	VCPUs          int
	MaxVCPUs       int
	CPUPM          string
	ThreadsPerCore int
	CoresPerDie    int
	DiesPerSocket  int
	Sockets        int

	MemType     string
	MemFilePath string
	// Memory is a size in MiB ("512") or a human size ("1G").
	Memory     string
	SerialPath string

	KernelPath   string
	InitrdPath   string
	FirmwarePath string
	BootArgs     string

	RootfsPath string
	IsRoot     bool
	ReadOnly   bool

	VsockPath string
	GuestCID  uint32

	Mode Mode
	// Policy overrides the policy derived from Mode when non-zero.
	Policy uint32
	// SecretGPA places the injected secret, QEMU picks the address when nil.
	SecretGPA *uint64

	// Local attestation.
	CertChainPath      string
	VerifyLaunchDigest bool
	CPUModel           string

	// Remote attestation.
	PreAttestation bool
	Proxy          string
	Keyset         string
	SecretGUID     string
	SecretType     string
	BrokerTimeout  time.Duration
}

// DefaultRawParams returns the launch defaults.
func DefaultRawParams() RawParams {
	return RawParams{
		VCPUs:          defaultVCPUs,
		MaxVCPUs:       defaultVCPUs,
		CPUPM:          defaultCPUPM,
		ThreadsPerCore: 1,
		CoresPerDie:    1,
		DiesPerSocket:  1,
		Sockets:        1,
		MemType:        vmm.MemTypeShmem,
		Memory:         strconv.Itoa(defaultMemSizeMiB),
		BootArgs:       defaultBootArgs,
		IsRoot:         true,
		GuestCID:       defaultGuestCID,
		Mode:           ModeSEVES,
		Keyset:         kbs.DefaultKeyset,
		SecretGUID:     kbs.OfflineSecretGuid,
		SecretType:     kbs.OfflineSecretType,
		BrokerTimeout:  DefaultBrokerTimeout,
	}
}

// AttestationConfig holds the attestation settings of a launch.
type AttestationConfig struct {
	CertChainPath      string
	VerifyLaunchDigest bool
	CPUModel           string

	PreAttestation bool
	Proxy          string
	Keyset         string
	SecretGUID     string
	SecretType     string
	BrokerTimeout  time.Duration
}

// LaunchConfig is a validated launch configuration. It cannot be changed
// once built.
type LaunchConfig struct {
	vm          vmm.VMConfig
	boot        vmm.BootSource
	root        vmm.BlockDevice
	vsock       *vmm.Vsock
	mode        Mode
	policy      session.Policy
	gpa         *uint64
	attestation AttestationConfig
}

func (c *LaunchConfig) VMConfig() vmm.VMConfig {
	return c.vm
}

func (c *LaunchConfig) BootSource() vmm.BootSource {
	return c.boot
}

func (c *LaunchConfig) RootDevice() vmm.BlockDevice {
	return c.root
}

// Vsock returns the vsock device and whether one is configured.
func (c *LaunchConfig) Vsock() (vmm.Vsock, bool) {
	if c.vsock == nil {
		return vmm.Vsock{}, false
	}
	return *c.vsock, true
}

func (c *LaunchConfig) Mode() Mode {
	return c.mode
}

func (c *LaunchConfig) Policy() session.Policy {
	return c.policy
}

// SecretGPA returns a copy of the secret address, or nil.
func (c *LaunchConfig) SecretGPA() *uint64 {
	if c.gpa == nil {
		return nil
	}
	gpa := *c.gpa
	return &gpa
}

func (c *LaunchConfig) Attestation() AttestationConfig {
	return c.attestation
}

// policyForMode returns the launch policy: debugging and key sharing are
// always disallowed, SEV-ES adds encrypted state.
func policyForMode(mode Mode) session.Policy {
	p := session.PolicyNoDebug | session.PolicyNoKeySharing
	if mode == ModeSEVES {
		p |= session.PolicyEncryptedState
	}
	return p
}

func parseMemory(mem string) (uint64, error) {
	if mib, err := strconv.ParseUint(mem, 10, 64); err == nil {
		return mib, nil
	}
	b, err := units.RAMInBytes(mem)
	if err != nil {
		return 0, err
	}
	if b < 0 {
		return 0, errors.Errorf("negative memory size %q", mem)
	}
	return uint64(b) / units.MiB, nil
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

func asUint8(name string, v int, merr *multierror.Error) (uint8, *multierror.Error) {
	if v < 0 || v > 255 {
		return 0, multierror.Append(merr, invalid("%s %d out of range", name, v))
	}
	return uint8(v), merr
}

// Build validates raw and returns the launch configuration. Every problem
// is reported before anything is touched on disk. The only side effect is
// removing a stale file at the serial path.
func Build(raw RawParams) (*LaunchConfig, error) {
	var merr *multierror.Error

	if raw.KernelPath == "" {
		merr = multierror.Append(merr, ErrMissingKernelPath)
	}
	if raw.RootfsPath == "" {
		merr = multierror.Append(merr, ErrMissingRootfs)
	}

	cfg := &LaunchConfig{
		boot: vmm.BootSource{
			KernelPath:   raw.KernelPath,
			InitrdPath:   raw.InitrdPath,
			FirmwarePath: raw.FirmwarePath,
			BootArgs:     KernelParams(raw.BootArgs, raw.IsRoot),
		},
		root: vmm.BlockDevice{
			DriveID:      rootDriveID,
			PathOnHost:   raw.RootfsPath,
			IsRootDevice: raw.IsRoot,
			IsReadOnly:   raw.ReadOnly,
		},
		mode: raw.Mode,
		attestation: AttestationConfig{
			CertChainPath:      raw.CertChainPath,
			VerifyLaunchDigest: raw.VerifyLaunchDigest,
			CPUModel:           raw.CPUModel,
			PreAttestation:     raw.PreAttestation,
			Proxy:              raw.Proxy,
			Keyset:             raw.Keyset,
			SecretGUID:         raw.SecretGUID,
			SecretType:         raw.SecretType,
			BrokerTimeout:      raw.BrokerTimeout,
		},
	}
	if cfg.attestation.BrokerTimeout <= 0 {
		cfg.attestation.BrokerTimeout = DefaultBrokerTimeout
	}
	if raw.SecretGPA != nil {
		gpa := *raw.SecretGPA
		cfg.gpa = &gpa
	}

	vm := vmm.VMConfig{
		CPUPM:       raw.CPUPM,
		MemType:     raw.MemType,
		MemFilePath: raw.MemFilePath,
		SerialPath:  raw.SerialPath,
	}
	// An unset 1/1/1/1 topology spreads the vcpus over sockets.
	if raw.ThreadsPerCore*raw.CoresPerDie*raw.DiesPerSocket*raw.Sockets == 1 && raw.MaxVCPUs > 1 {
		raw.Sockets = raw.MaxVCPUs
	}

	vm.VCPUCount, merr = asUint8("vcpus", raw.VCPUs, merr)
	vm.MaxVCPUCount, merr = asUint8("max vcpus", raw.MaxVCPUs, merr)
	vm.Topology.ThreadsPerCore, merr = asUint8("threads per core", raw.ThreadsPerCore, merr)
	vm.Topology.CoresPerDie, merr = asUint8("cores per die", raw.CoresPerDie, merr)
	vm.Topology.DiesPerSocket, merr = asUint8("dies per socket", raw.DiesPerSocket, merr)
	vm.Topology.Sockets, merr = asUint8("sockets", raw.Sockets, merr)

	if raw.VCPUs < 1 {
		merr = multierror.Append(merr, invalid("at least one vcpu is required"))
	}
	if raw.MaxVCPUs < raw.VCPUs {
		merr = multierror.Append(merr, invalid("max vcpus %d below vcpus %d", raw.MaxVCPUs, raw.VCPUs))
	}
	if slots := raw.ThreadsPerCore * raw.CoresPerDie * raw.DiesPerSocket * raw.Sockets; slots != raw.MaxVCPUs {
		merr = multierror.Append(merr, invalid("topology has %d slots for %d max vcpus", slots, raw.MaxVCPUs))
	}
	if raw.CPUPM != "on" && raw.CPUPM != "off" {
		merr = multierror.Append(merr, invalid("cpu-pm must be on or off, got %q", raw.CPUPM))
	}

	mib, err := parseMemory(raw.Memory)
	switch {
	case err != nil:
		merr = multierror.Append(merr, invalid("memory %q: %v", raw.Memory, err))
	case mib == 0:
		merr = multierror.Append(merr, invalid("memory size must be positive"))
	default:
		vm.MemSizeMiB = mib
	}
	if raw.MemType != vmm.MemTypeShmem && raw.MemType != vmm.MemTypeHugetlbfs {
		merr = multierror.Append(merr, invalid("unknown memory type %q", raw.MemType))
	}
	cfg.vm = vm

	if raw.VsockPath != "" {
		switch raw.GuestCID {
		case vsock.Hypervisor, vsock.Local, vsock.Host:
			merr = multierror.Append(merr, invalid("guest cid %d is reserved", raw.GuestCID))
		}
		cfg.vsock = &vmm.Vsock{GuestCID: raw.GuestCID, UDSPath: raw.VsockPath}
	}

	switch raw.Mode {
	case ModeSEV, ModeSEVES:
		cfg.policy = policyForMode(raw.Mode)
		if raw.Policy != 0 {
			cfg.policy = session.Policy(raw.Policy)
		}
	default:
		merr = multierror.Append(merr, invalid("unknown launch mode %q", raw.Mode))
	}

	if raw.VerifyLaunchDigest && raw.FirmwarePath == "" {
		merr = multierror.Append(merr, invalid("launch digest verification needs a firmware image"))
	}

	if raw.SecretGUID != "" {
		if _, err := uuid.Parse(raw.SecretGUID); err != nil {
			merr = multierror.Append(merr, invalid("secret guid %q: %v", raw.SecretGUID, err))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return nil, err
	}

	if err := removeStaleFile(raw.SerialPath); err != nil {
		return nil, err
	}

	return cfg, nil
}

// KernelParams returns the kernel command line of a guest. A root device
// is mounted as / unless the command line already names a root.
func KernelParams(bootArgs string, isRoot bool) string {
	if !isRoot {
		return bootArgs
	}
	for _, f := range strings.Fields(bootArgs) {
		if strings.HasPrefix(f, "root=") {
			return bootArgs
		}
	}
	return strings.TrimSpace(bootArgs + " " + defaultRootParam)
}

// removeStaleFile deletes a file left by an earlier guest. Directories are
// never removed.
func removeStaleFile(path string) error {
	if path == "" {
		return nil
	}

	fi, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "checking stale serial file %s", path)
	}
	if fi.IsDir() {
		return invalid("serial path %s is a directory", path)
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing stale serial file %s", path)
	}
	return nil
}
