// Copyright (c) 2016 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package qemu

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams(t *testing.T, config Config) string {
	params, err := config.Params(qmpTestLogger{})
	require.NoError(t, err)
	return strings.Join(params, " ")
}

func TestAppendSEVGuest(t *testing.T) {
	assert := assert.New(t)

	sev := Object{
		Type:            SEVGuest,
		ID:              "sev0",
		CBitPos:         51,
		ReducedPhysBits: 1,
		Policy:          0x7,
		DHCertFile:      "/run/vm/godh.b64",
		SessionFile:     "/run/vm/session.b64",
		KernelHashes:    true,
	}
	assert.True(sev.Valid())

	config := Config{
		Machine:           Machine{Type: MachineTypeQ35, Acceleration: "kvm"},
		ConfidentialGuest: "sev0",
		Devices:           []Device{sev},
	}
	assert.Equal("-machine q35,accel=kvm,confidential-guest-support=sev0 "+
		"-object sev-guest,id=sev0,cbitpos=51,reduced-phys-bits=1,policy=0x7,"+
		"dh-cert-file=/run/vm/godh.b64,session-file=/run/vm/session.b64,kernel-hashes=on "+
		"-overcommit cpu-pm=off", testParams(t, config))
}

func TestObjectValid(t *testing.T) {
	assert := assert.New(t)

	sev := Object{Type: SEVGuest, ID: "sev0", CBitPos: 51, ReducedPhysBits: 1}
	assert.True(sev.Valid())

	halfSession := sev
	halfSession.DHCertFile = "/run/vm/godh.b64"
	assert.False(halfSession.Valid())

	noCBit := sev
	noCBit.CBitPos = 0
	assert.False(noCBit.Valid())

	mem := Object{Type: MemoryBackendFile, ID: "mem0", MemPath: "/dev/shm", Size: 1 << 20}
	assert.True(mem.Valid())
	assert.Equal([]string{"-object", "memory-backend-file,id=mem0,mem-path=/dev/shm,size=1048576"}, mem.QemuParams(nil))

	assert.False(Object{Type: "unknown", ID: "x"}.Valid())
}

func TestAppendDevices(t *testing.T) {
	config := Config{
		Devices: []Device{
			CharDevice{Driver: LegacySerial, ID: "serial0", Path: "/run/vm/console.sock"},
			BlockDevice{ID: "rootfs", File: "/img/root.ext4", ReadOnly: true},
			VSOCKDevice{ID: "vsock0", ContextID: 42},
			// invalid devices are skipped
			VSOCKDevice{ID: "vsock1", ContextID: 2},
			BlockDevice{ID: "empty"},
		},
	}

	assert.Equal(t, "-chardev socket,id=serial0,path=/run/vm/console.sock,server=on,wait=off "+
		"-serial chardev:serial0 "+
		"-device virtio-blk-pci,drive=rootfs,config-wce=off,serial=rootfs "+
		"-drive id=rootfs,file=/img/root.ext4,aio=threads,format=raw,if=none,readonly=on "+
		"-device vhost-vsock-pci,id=vsock0,guest-cid=42 "+
		"-overcommit cpu-pm=off", testParams(t, config))
}

func TestAppendMemory(t *testing.T) {
	assert := assert.New(t)

	config := Config{
		Machine: Machine{Type: MachineTypeQ35},
		Memory:  Memory{Size: "128M"},
		Knobs:   Knobs{MemShared: true},
	}
	assert.Equal("-machine q35,memory-backend=ram0 -m 128M "+
		"-object memory-backend-ram,id=ram0,size=128M,share=on "+
		"-overcommit cpu-pm=off", testParams(t, config))

	config.Knobs = Knobs{HugePages: true}
	assert.Contains(testParams(t, config), "memory-backend-file,id=ram0,size=128M,mem-path=/dev/hugepages")

	config.Knobs = Knobs{FileBackedMem: true}
	config.Memory.Path = "/var/lib/vm/mem"
	assert.Contains(testParams(t, config), "memory-backend-file,id=ram0,size=128M,mem-path=/var/lib/vm/mem")
}

func TestAppendCPUs(t *testing.T) {
	assert := assert.New(t)

	config := Config{SMP: SMP{CPUs: 2, Cores: 2, Threads: 1, Dies: 1, Sockets: 1, MaxCPUs: 4}}
	assert.Equal("-overcommit cpu-pm=off -smp 2,cores=2,threads=1,dies=1,sockets=1,maxcpus=4",
		testParams(t, config))

	config.SMP.MaxCPUs = 1
	_, err := config.Params(nil)
	assert.Error(err)
}

func TestAppendKernelAndKnobs(t *testing.T) {
	config := Config{
		Name:       "cvm",
		UUID:       "e6f5a162-d67f-4750-a67c-5d065f2a9910",
		CPUModel:   "EPYC-v4",
		QMPSockets: []QMPSocket{{Name: "/run/vm/qmp.sock", Server: true, NoWait: true}},
		Kernel: Kernel{
			Path:       "/boot/vmlinuz",
			InitrdPath: "/boot/initrd",
			Params:     "console=ttyS0",
		},
		Knobs: Knobs{
			NoUserConfig: true,
			NoDefaults:   true,
			NoGraphic:    true,
			NoReboot:     true,
			CPUPM:        true,
			Stopped:      true,
		},
		Bios:    "/usr/share/ovmf/OVMF.fd",
		PidFile: "/run/vm/pid",
	}

	assert.Equal(t, "-name cvm -uuid e6f5a162-d67f-4750-a67c-5d065f2a9910 -cpu EPYC-v4 "+
		"-qmp unix:path=/run/vm/qmp.sock,server=on,wait=off "+
		"-no-user-config -nodefaults -nographic --no-reboot -overcommit cpu-pm=on -S "+
		"-kernel /boot/vmlinuz -initrd /boot/initrd -append console=ttyS0 "+
		"-bios /usr/share/ovmf/OVMF.fd -pidfile /run/vm/pid", testParams(t, config))
}

func TestParamsRejectsBadUUID(t *testing.T) {
	_, err := Config{UUID: "not-a-uuid"}.Params(nil)
	assert.Error(t, err)
}

func TestParamsDoesNotAccumulate(t *testing.T) {
	config := Config{Name: "cvm"}
	first, err := config.Params(nil)
	require.NoError(t, err)
	second, err := config.Params(nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLaunchCustomQemuMissingBinary(t *testing.T) {
	_, _, err := LaunchCustomQemu(t.Context(), "/nonexistent/qemu-system-x86_64", nil, nil, nil)
	assert.Error(t, err)
}
