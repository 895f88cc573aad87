// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package qemu builds QEMU command lines for confidential guests and talks
// to running instances over QMP.
package qemu

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Machine describes the machine type QEMU emulates.
type Machine struct {
	// Type is the machine type to be used by qemu.
	Type string

	// Acceleration are the machine acceleration options to be used by qemu.
	Acceleration string

	// Options are options for the machine type
	// For example kernel-irqchip=split
	Options string
}

const (
	// MachineTypeQ35 is the default x86_64 machine for SEV guests.
	MachineTypeQ35 = "q35"
)

// Device is the qemu device interface.
type Device interface {
	Valid() bool
	QemuParams(config *Config) []string
}

// DeviceDriver is the device driver string.
type DeviceDriver string

const (
	// VirtioBlock is the block device driver.
	VirtioBlock DeviceDriver = "virtio-blk-pci"

	// VhostVSOCK is a generic Vsock vhost device.
	VhostVSOCK DeviceDriver = "vhost-vsock-pci"

	// LegacySerial is the legacy serial device driver.
	LegacySerial DeviceDriver = "serial"
)

// ObjectType is a string representing a qemu object type.
type ObjectType string

const (
	// MemoryBackendFile represents a guest memory mapped file.
	MemoryBackendFile ObjectType = "memory-backend-file"

	// SEVGuest represents an SEV guest object
	SEVGuest ObjectType = "sev-guest"
)

// Object is a qemu object representation.
// nolint: govet
type Object struct {
	// Type is the qemu object type.
	Type ObjectType

	// ID is the user defined object ID.
	ID string

	// MemPath is the object's memory path.
	// This is only relevant for memory objects
	MemPath string

	// Size is the object size in bytes
	Size uint64

	// CBitPos is the location of the C-bit in a guest page table entry
	// This is only relevant for sev-guest objects
	CBitPos uint32

	// ReducedPhysBits is the reduction in the guest physical address space
	// This is only relevant for sev-guest objects
	ReducedPhysBits uint32

	// Policy is the SEV guest policy.
	Policy uint32

	// DHCertFile and SessionFile hold the base64 encoded guest owner
	// certificate and launch blob. Both or neither must be set.
	DHCertFile  string
	SessionFile string

	// KernelHashes adds the kernel, initrd and cmdline hashes to the
	// launch measurement.
	KernelHashes bool
}

// Valid returns true if the Object structure is valid and complete.
func (object Object) Valid() bool {
	switch object.Type {
	case MemoryBackendFile:
		return object.ID != "" && object.MemPath != "" && object.Size != 0
	case SEVGuest:
		if (object.DHCertFile == "") != (object.SessionFile == "") {
			return false
		}
		return object.ID != "" && object.CBitPos != 0 && object.ReducedPhysBits != 0
	default:
		return false
	}
}

// QemuParams returns the qemu parameters built out of this Object device.
func (object Object) QemuParams(config *Config) []string {
	var objectParams []string

	objectParams = append(objectParams, string(object.Type))
	objectParams = append(objectParams, fmt.Sprintf("id=%s", object.ID))

	switch object.Type {
	case MemoryBackendFile:
		objectParams = append(objectParams, fmt.Sprintf("mem-path=%s", object.MemPath))
		objectParams = append(objectParams, fmt.Sprintf("size=%d", object.Size))
	case SEVGuest:
		objectParams = append(objectParams, fmt.Sprintf("cbitpos=%d", object.CBitPos))
		objectParams = append(objectParams, fmt.Sprintf("reduced-phys-bits=%d", object.ReducedPhysBits))
		objectParams = append(objectParams, fmt.Sprintf("policy=%#x", object.Policy))
		if object.DHCertFile != "" {
			objectParams = append(objectParams, fmt.Sprintf("dh-cert-file=%s", object.DHCertFile))
			objectParams = append(objectParams, fmt.Sprintf("session-file=%s", object.SessionFile))
		}
		if object.KernelHashes {
			objectParams = append(objectParams, "kernel-hashes=on")
		}
	}

	return []string{"-object", strings.Join(objectParams, ",")}
}

// CharDevice is a host unix socket exposed to the guest as a serial port.
type CharDevice struct {
	// Driver is the qemu device driver
	Driver DeviceDriver

	ID   string
	Path string
}

// Valid returns true if the CharDevice structure is valid and complete.
func (cdev CharDevice) Valid() bool {
	return cdev.ID != "" && cdev.Path != "" && cdev.Driver == LegacySerial
}

// QemuParams returns the qemu parameters built out of this serial device.
func (cdev CharDevice) QemuParams(config *Config) []string {
	cdevParams := []string{
		"socket",
		fmt.Sprintf("id=%s", cdev.ID),
		fmt.Sprintf("path=%s,server=on,wait=off", cdev.Path),
	}

	// Legacy serial is special. It does not follow the device + driver model
	return []string{
		"-chardev", strings.Join(cdevParams, ","),
		"-serial", fmt.Sprintf("chardev:%s", cdev.ID),
	}
}

// BlockDevice is a host image exposed through virtio-blk.
type BlockDevice struct {
	ID       string
	File     string
	Format   string
	ReadOnly bool
}

// Valid returns true if the BlockDevice structure is valid and complete.
func (blkdev BlockDevice) Valid() bool {
	return blkdev.ID != "" && blkdev.File != ""
}

// QemuParams returns the qemu parameters built out of this block device.
func (blkdev BlockDevice) QemuParams(config *Config) []string {
	format := blkdev.Format
	if format == "" {
		format = "raw"
	}

	blkParams := []string{
		fmt.Sprintf("id=%s", blkdev.ID),
		fmt.Sprintf("file=%s", blkdev.File),
		"aio=threads",
		fmt.Sprintf("format=%s", format),
		"if=none",
	}
	if blkdev.ReadOnly {
		blkParams = append(blkParams, "readonly=on")
	}

	deviceParams := []string{
		string(VirtioBlock),
		fmt.Sprintf("drive=%s", blkdev.ID),
		"config-wce=off",
		fmt.Sprintf("serial=%s", blkdev.ID),
	}

	return []string{
		"-device", strings.Join(deviceParams, ","),
		"-drive", strings.Join(blkParams, ","),
	}
}

const (
	// MinimalGuestCID is the smallest valid context ID for a guest.
	MinimalGuestCID uint64 = 3

	// MaxGuestCID is the largest valid context ID for a guest.
	MaxGuestCID uint64 = 1<<32 - 1
)

// VSOCKDevice represents a AF_VSOCK socket.
type VSOCKDevice struct {
	ID        string
	ContextID uint64
}

// Valid returns true if the VSOCKDevice structure is valid and complete.
func (vsock VSOCKDevice) Valid() bool {
	return vsock.ID != "" && vsock.ContextID >= MinimalGuestCID && vsock.ContextID <= MaxGuestCID
}

// QemuParams returns the qemu parameters built out of the VSOCK device.
func (vsock VSOCKDevice) QemuParams(config *Config) []string {
	deviceParams := []string{
		string(VhostVSOCK),
		fmt.Sprintf("id=%s", vsock.ID),
		fmt.Sprintf("guest-cid=%d", vsock.ContextID),
	}
	return []string{"-device", strings.Join(deviceParams, ",")}
}

// QMPSocket is the unix socket QEMU serves QMP on.
type QMPSocket struct {
	// Name is the socket path.
	Name string

	// Server tells if this is a server socket.
	Server bool

	// NoWait tells if qemu should block waiting for a client to connect.
	NoWait bool
}

// Valid returns true if the QMPSocket structure is valid and complete.
func (qmp QMPSocket) Valid() bool {
	return qmp.Name != ""
}

// SMP is the multi processors configuration structure.
type SMP struct {
	// CPUs is the number of VCPUs made available to qemu.
	CPUs uint32

	// Cores is the number of cores per die.
	Cores uint32

	// Threads is the number of threads per core.
	Threads uint32

	// Dies is the number of dies per socket.
	Dies uint32

	// Sockets is the number of sockets made available to qemu.
	Sockets uint32

	// MaxCPUs is the maximum number of VCPUs that a VM can have.
	// This value, if non-zero, MUST BE equal to or greater than CPUs
	MaxCPUs uint32
}

// Memory is the guest memory configuration structure.
type Memory struct {
	// Size is the amount of memory made available to the guest.
	// It should be suffixed with M or G for sizes in megabytes or
	// gigabytes respectively.
	Size string

	// Path is the file path of the memory device. It points to a local
	// file path used by FileBackedMem.
	Path string
}

// Kernel is the guest kernel configuration structure.
type Kernel struct {
	// Path is the guest kernel path on the host filesystem.
	Path string

	// InitrdPath is the guest initrd path on the host filesystem.
	InitrdPath string

	// Params is the kernel parameters string.
	Params string
}

// Knobs regroups a set of qemu boolean settings
type Knobs struct {
	// NoUserConfig prevents qemu from loading user config files.
	NoUserConfig bool

	// NoDefaults prevents qemu from creating default devices.
	NoDefaults bool

	// NoGraphic completely disables graphic output.
	NoGraphic bool

	// HugePages backs guest RAM with /dev/hugepages and has precedence
	// over FileBackedMem.
	HugePages bool

	// FileBackedMem requires Memory.Size and Memory.Path of the VM to
	// be set.
	FileBackedMem bool

	// MemShared will set the memory device as shared.
	MemShared bool

	// CPUPM exposes host CPU power management to the guest.
	CPUPM bool

	// Stopped will not start guest CPU at startup
	Stopped bool

	// Exit instead of rebooting
	NoReboot bool
}

// Config is the qemu configuration structure.
// nolint: govet
type Config struct {
	// Path is the qemu binary path.
	Path string

	// Ctx is the context used when launching qemu.
	Ctx context.Context

	// Name is the qemu guest name
	Name string

	// UUID is the qemu process UUID.
	UUID string

	// CPUModel is the CPU model to be used by qemu.
	CPUModel string

	Machine Machine

	// ConfidentialGuest is the id of the object backing
	// confidential-guest-support, usually an SEVGuest object.
	ConfidentialGuest string

	QMPSockets []QMPSocket

	// Devices is a list of devices for qemu to create and drive.
	Devices []Device

	Kernel Kernel

	Memory Memory

	SMP SMP

	Knobs Knobs

	// Bios is the -bios parameter
	Bios string

	// PidFile is the -pidfile parameter
	PidFile string

	qemuParams []string
}

const memoryBackendID = "ram0"

func (config *Config) appendName() {
	if config.Name != "" {
		config.qemuParams = append(config.qemuParams, "-name", config.Name)
	}
}

func (config *Config) appendMachine() {
	if config.Machine.Type == "" {
		return
	}

	machineParams := []string{config.Machine.Type}

	if config.Machine.Acceleration != "" {
		machineParams = append(machineParams, fmt.Sprintf("accel=%s", config.Machine.Acceleration))
	}

	if config.Machine.Options != "" {
		machineParams = append(machineParams, config.Machine.Options)
	}

	if config.ConfidentialGuest != "" {
		machineParams = append(machineParams, fmt.Sprintf("confidential-guest-support=%s", config.ConfidentialGuest))
	}

	if config.Memory.Size != "" {
		machineParams = append(machineParams, fmt.Sprintf("memory-backend=%s", memoryBackendID))
	}

	config.qemuParams = append(config.qemuParams, "-machine", strings.Join(machineParams, ","))
}

func (config *Config) appendCPUModel() {
	if config.CPUModel != "" {
		config.qemuParams = append(config.qemuParams, "-cpu", config.CPUModel)
	}
}

func (config *Config) appendQMPSockets() {
	for _, q := range config.QMPSockets {
		if !q.Valid() {
			continue
		}

		qmpParams := []string{fmt.Sprintf("unix:path=%s", q.Name)}
		if q.Server {
			qmpParams = append(qmpParams, "server=on")
			if q.NoWait {
				qmpParams = append(qmpParams, "wait=off")
			}
		}

		config.qemuParams = append(config.qemuParams, "-qmp", strings.Join(qmpParams, ","))
	}
}

func (config *Config) appendDevices(logger QMPLog) {
	for _, d := range config.Devices {
		if !d.Valid() {
			logger.Errorf("vm device is not valid: %+v", d)
			continue
		}
		config.qemuParams = append(config.qemuParams, d.QemuParams(config)...)
	}
}

func (config *Config) appendUUID() error {
	if config.UUID == "" {
		return nil
	}
	if _, err := uuid.Parse(config.UUID); err != nil {
		return errors.Wrapf(err, "invalid qemu uuid %q", config.UUID)
	}
	config.qemuParams = append(config.qemuParams, "-uuid", config.UUID)
	return nil
}

func (config *Config) appendCPUs() error {
	if config.SMP.CPUs == 0 {
		return nil
	}

	SMPParams := []string{fmt.Sprintf("%d", config.SMP.CPUs)}

	if config.SMP.Cores > 0 {
		SMPParams = append(SMPParams, fmt.Sprintf("cores=%d", config.SMP.Cores))
	}

	if config.SMP.Threads > 0 {
		SMPParams = append(SMPParams, fmt.Sprintf("threads=%d", config.SMP.Threads))
	}

	if config.SMP.Dies > 0 {
		SMPParams = append(SMPParams, fmt.Sprintf("dies=%d", config.SMP.Dies))
	}

	if config.SMP.Sockets > 0 {
		SMPParams = append(SMPParams, fmt.Sprintf("sockets=%d", config.SMP.Sockets))
	}

	if config.SMP.MaxCPUs > 0 {
		if config.SMP.MaxCPUs < config.SMP.CPUs {
			return fmt.Errorf("MaxCPUs %d must be equal to or greater than CPUs %d",
				config.SMP.MaxCPUs, config.SMP.CPUs)
		}
		SMPParams = append(SMPParams, fmt.Sprintf("maxcpus=%d", config.SMP.MaxCPUs))
	}

	config.qemuParams = append(config.qemuParams, "-smp", strings.Join(SMPParams, ","))
	return nil
}

func (config *Config) appendMemory() {
	if config.Memory.Size == "" {
		return
	}

	config.qemuParams = append(config.qemuParams, "-m", config.Memory.Size)

	var objMemParam string
	switch {
	case config.Knobs.HugePages:
		objMemParam = "memory-backend-file,id=" + memoryBackendID + ",size=" + config.Memory.Size + ",mem-path=/dev/hugepages"
	case config.Knobs.FileBackedMem && config.Memory.Path != "":
		objMemParam = "memory-backend-file,id=" + memoryBackendID + ",size=" + config.Memory.Size + ",mem-path=" + config.Memory.Path
	default:
		objMemParam = "memory-backend-ram,id=" + memoryBackendID + ",size=" + config.Memory.Size
	}

	if config.Knobs.MemShared {
		objMemParam += ",share=on"
	}

	config.qemuParams = append(config.qemuParams, "-object", objMemParam)
}

func (config *Config) appendKernel() {
	if config.Kernel.Path == "" {
		return
	}

	config.qemuParams = append(config.qemuParams, "-kernel", config.Kernel.Path)

	if config.Kernel.InitrdPath != "" {
		config.qemuParams = append(config.qemuParams, "-initrd", config.Kernel.InitrdPath)
	}

	if config.Kernel.Params != "" {
		config.qemuParams = append(config.qemuParams, "-append", config.Kernel.Params)
	}
}

func (config *Config) appendKnobs() {
	if config.Knobs.NoUserConfig {
		config.qemuParams = append(config.qemuParams, "-no-user-config")
	}

	if config.Knobs.NoDefaults {
		config.qemuParams = append(config.qemuParams, "-nodefaults")
	}

	if config.Knobs.NoGraphic {
		config.qemuParams = append(config.qemuParams, "-nographic")
	}

	if config.Knobs.NoReboot {
		config.qemuParams = append(config.qemuParams, "--no-reboot")
	}

	pm := "off"
	if config.Knobs.CPUPM {
		pm = "on"
	}
	config.qemuParams = append(config.qemuParams, "-overcommit", "cpu-pm="+pm)

	if config.Knobs.Stopped {
		config.qemuParams = append(config.qemuParams, "-S")
	}
}

func (config *Config) appendBios() {
	if config.Bios != "" {
		config.qemuParams = append(config.qemuParams, "-bios", config.Bios)
	}
}

func (config *Config) appendPidFile() {
	if config.PidFile != "" {
		config.qemuParams = append(config.qemuParams, "-pidfile", config.PidFile)
	}
}

// Params returns the full qemu command line, without the binary path,
// built out of config.
func (config Config) Params(logger QMPLog) ([]string, error) {
	if logger == nil {
		logger = qmpNullLogger{}
	}

	config.qemuParams = nil

	config.appendName()
	if err := config.appendUUID(); err != nil {
		return nil, err
	}
	config.appendMachine()
	config.appendCPUModel()
	config.appendQMPSockets()
	config.appendMemory()
	config.appendDevices(logger)
	config.appendKnobs()
	config.appendKernel()
	config.appendBios()
	config.appendPidFile()

	if err := config.appendCPUs(); err != nil {
		return nil, err
	}

	return config.qemuParams, nil
}

// LaunchQemu can be used to launch a new qemu instance.
//
// The Config parameter contains a set of qemu parameters and settings.
//
// See LaunchCustomQemu for more information.
func LaunchQemu(config Config, logger QMPLog) (*exec.Cmd, io.ReadCloser, error) {
	params, err := config.Params(logger)
	if err != nil {
		return nil, nil, err
	}

	ctx := config.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	return LaunchCustomQemu(ctx, config.Path, params, nil, logger)
}

// LaunchCustomQemu can be used to launch a new qemu instance.
//
// The path parameter is used to pass the qemu executable path.
//
// params is a slice of options to pass to qemu-system-x86_64. The attrs
// parameter can be used to control aspects of the newly created qemu
// process, such as the user and group under which it runs. It may be nil.
//
// The function returns cmd, reader, nil where cmd is a Go exec.Cmd object
// representing the QEMU process and reader a Go io.ReadCloser object
// connected to QEMU's stderr, if launched successfully. Otherwise
// nil, nil, err where err is a Go error object is returned.
func LaunchCustomQemu(ctx context.Context, path string, params []string,
	attr *syscall.SysProcAttr, logger QMPLog) (*exec.Cmd, io.ReadCloser, error) {
	if logger == nil {
		logger = qmpNullLogger{}
	}

	if path == "" {
		path = "qemu-system-x86_64"
	}

	/* #nosec */
	cmd := exec.CommandContext(ctx, path, params...)
	cmd.SysProcAttr = attr

	reader, err := cmd.StderrPipe()
	if err != nil {
		logger.Errorf("Unable to connect stderr to a pipe")
		return nil, nil, err
	}
	logger.Infof("launching %s with: %v", path, params)

	err = cmd.Start()
	if err != nil {
		logger.Errorf("Unable to launch %s: %v", path, err)
		return nil, nil, err
	}
	return cmd, reader, nil
}
