// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package vmm is the control channel between a launch orchestrator and the
// worker that drives the virtual machine.
package vmm

import "fmt"

// CPUTopology is the guest CPU layout.
type CPUTopology struct {
	ThreadsPerCore uint8
	CoresPerDie    uint8
	DiesPerSocket  uint8
	Sockets        uint8
}

// Memory backing types.
const (
	MemTypeShmem     = "shmem"
	MemTypeHugetlbfs = "hugetlbfs"
)

// VMConfig is the guest resource configuration.
type VMConfig struct {
	VCPUCount    uint8
	MaxVCPUCount uint8
	// CPUPM is "on" or "off".
	CPUPM       string
	Topology    CPUTopology
	MemType     string
	MemFilePath string
	MemSizeMiB  uint64
	SerialPath  string
}

// BootSource describes what the guest boots.
type BootSource struct {
	KernelPath   string
	InitrdPath   string
	FirmwarePath string
	BootArgs     string
}

// BlockDevice is a host image exposed to the guest.
type BlockDevice struct {
	DriveID      string
	PathOnHost   string
	IsRootDevice bool
	IsReadOnly   bool
}

// Vsock is the guest vsock device.
type Vsock struct {
	GuestCID uint32
	UDSPath  string
}

// SevStart is the pre-boot payload of an SEV launch: the guest policy, the
// guest owner's DH certificate and the session blob.
type SevStart struct {
	Policy  uint32
	DHCert  []byte
	Session []byte
}

// Measurement is what the platform reports once the guest memory is
// measured and the guest is paused awaiting its secret.
type Measurement struct {
	Data     []byte
	APIMajor uint8
	APIMinor uint8
	BuildID  uint8
	Policy   uint32
	// Cmdline and FirmwareHOB are empty when the platform does not
	// report them.
	Cmdline     string
	FirmwareHOB []byte
}

// Secret is one wrapped secret. A nil GPA lets the firmware choose where
// the secret lands.
type Secret struct {
	Header []byte
	Data   []byte
	GPA    *uint64
}

// Action is a request sent over the control channel.
type Action interface {
	Name() string
}

// SetVmConfig sets the guest resources.
type SetVmConfig struct {
	Config VMConfig
}

// SetBootSource sets the kernel, initrd and firmware.
type SetBootSource struct {
	Source BootSource
}

// InsertBlockDevice attaches a block device.
type InsertBlockDevice struct {
	Device BlockDevice
}

// InsertVsock attaches the vsock device.
type InsertVsock struct {
	Vsock Vsock
}

// StartInstance boots a guest without memory encryption.
type StartInstance struct{}

// StartSevInstance boots an SEV guest up to the launch measurement and
// leaves it paused.
type StartSevInstance struct {
	Start SevStart
}

// InjectSecrets injects the secrets and resumes the guest when Resume is
// set.
type InjectSecrets struct {
	Secrets []Secret
	Resume  bool
}

func (SetVmConfig) Name() string       { return "SetVmConfig" }
func (SetBootSource) Name() string     { return "SetBootSource" }
func (InsertBlockDevice) Name() string { return "InsertBlockDevice" }
func (InsertVsock) Name() string       { return "InsertVsock" }
func (StartInstance) Name() string     { return "StartInstance" }
func (StartSevInstance) Name() string  { return "StartSevInstance" }
func (InjectSecrets) Name() string     { return "InjectSecrets" }

// Response is the reply to an action. A nil Measurement is a plain
// success.
type Response struct {
	Measurement *Measurement
}

// ActionError is returned when the worker rejects an action.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s failed: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}
