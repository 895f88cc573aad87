// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	govmmQemu "github.com/kata-containers/cvm-launch/pkg/govmm/qemu"
)

type qmpCall struct {
	name string
	args map[string]interface{}
}

// fakeQMP serves canned replies on a QMP unix socket.
type fakeQMP struct {
	version string
	replies map[string]interface{}

	mu      sync.Mutex
	calls   []qmpCall
	running bool
}

func (f *fakeQMP) serve(t *testing.T, socket string) {
	l, err := net.Listen("unix", socket)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		var major, minor, micro int
		fmt.Sscanf(f.version, "%d.%d.%d", &major, &minor, &micro)
		fmt.Fprintf(conn, `{"QMP": {"version": {"qemu": {"major": %d, "minor": %d, "micro": %d}}, "capabilities": []}}`+"\n",
			major, minor, micro)

		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var cmd struct {
				Execute   string                 `json:"execute"`
				Arguments map[string]interface{} `json:"arguments"`
			}
			if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
				return
			}

			f.mu.Lock()
			f.calls = append(f.calls, qmpCall{cmd.Execute, cmd.Arguments})
			reply, ok := f.replies[cmd.Execute]
			switch cmd.Execute {
			case "cont":
				f.running = ok
			case "query-status":
				status := "prelaunch"
				if f.running {
					status = "running"
				}
				reply, ok = map[string]interface{}{"running": f.running, "status": status}, true
			case "system_powerdown":
				reply, ok = map[string]interface{}{}, true
			}
			f.mu.Unlock()

			var msg map[string]interface{}
			if ok {
				msg = map[string]interface{}{"return": reply}
			} else {
				msg = map[string]interface{}{"error": map[string]string{"class": "CommandNotFound", "desc": cmd.Execute}}
			}
			b, _ := json.Marshal(msg)
			conn.Write(append(b, '\n'))

			if cmd.Execute == "system_powerdown" {
				conn.Write([]byte(`{"event": "SHUTDOWN", "data": {"guest": true}, "timestamp": {"seconds": 1700000000, "microseconds": 0}}` + "\n"))
			}

			if cmd.Execute == "quit" {
				return
			}
		}
	}()
}

func (f *fakeQMP) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, c := range f.calls {
		names = append(names, c.name)
	}
	return names
}

func newTestQemuHandler(t *testing.T, qmp *fakeQMP) (*QemuHandler, *[]string) {
	runDir := filepath.Join(t.TempDir(), "vm")
	h, err := NewQemuHandler(context.Background(), QemuConfig{
		RunDir:          runDir,
		CBitPos:         51,
		ReducedPhysBits: 1,
	})
	require.NoError(t, err)

	var params []string
	h.launch = func(config govmmQemu.Config, logger govmmQemu.QMPLog) (*exec.Cmd, io.ReadCloser, error) {
		var err error
		params, err = config.Params(logger)
		if err != nil {
			return nil, nil, err
		}
		qmp.serve(t, config.QMPSockets[0].Name)
		return &exec.Cmd{}, io.NopCloser(strings.NewReader("qemu-system-x86_64: warning: host doesn't support requested feature\n")), nil
	}
	return h, &params
}

func configureHandler(t *testing.T, h *QemuHandler) {
	ctx := context.Background()
	for _, a := range []Action{
		SetVmConfig{Config: VMConfig{
			VCPUCount:    1,
			MaxVCPUCount: 1,
			CPUPM:        "on",
			Topology:     CPUTopology{1, 1, 1, 1},
			MemType:      MemTypeShmem,
			MemSizeMiB:   128,
			SerialPath:   "/run/vm/console.sock",
		}},
		SetBootSource{Source: BootSource{
			KernelPath:   "/boot/vmlinuz",
			FirmwarePath: "/usr/share/ovmf/OVMF.fd",
			BootArgs:     "console=ttyS0",
		}},
		InsertBlockDevice{Device: BlockDevice{DriveID: "rootfs", PathOnHost: "/img/root.ext4", IsRootDevice: true}},
		InsertVsock{Vsock: Vsock{GuestCID: 42, UDSPath: "/run/vm/vsock.sock"}},
	} {
		resp, err := h.Handle(ctx, a)
		require.NoError(t, err, a.Name())
		require.Nil(t, resp.Measurement)
	}
}

func TestQemuHandlerSevLaunch(t *testing.T) {
	assert := assert.New(t)

	measurement := make([]byte, 48)
	for i := range measurement {
		measurement[i] = byte(i)
	}

	qmp := &fakeQMP{
		version: "7.2.0",
		replies: map[string]interface{}{
			"qmp_capabilities": map[string]interface{}{},
			"query-sev": map[string]interface{}{
				"enabled":   true,
				"api-major": 0,
				"api-minor": 24,
				"build-id":  15,
				"policy":    7,
				"state":     "launch-secret",
			},
			"query-sev-launch-measure": map[string]interface{}{
				"data": base64.StdEncoding.EncodeToString(measurement),
			},
			"sev-inject-launch-secret": map[string]interface{}{},
			"cont":                     map[string]interface{}{},
			"quit":                     map[string]interface{}{},
		},
	}
	h, params := newTestQemuHandler(t, qmp)
	configureHandler(t, h)

	ctx := context.Background()
	resp, err := h.Handle(ctx, StartSevInstance{Start: SevStart{
		Policy:  7,
		DHCert:  []byte("godh"),
		Session: []byte("session"),
	}})
	require.NoError(t, err)
	assert.Equal(&Measurement{
		Data:     measurement,
		APIMinor: 24,
		BuildID:  15,
		Policy:   7,
		Cmdline:  "console=ttyS0",
	}, resp.Measurement)

	cmdline := strings.Join(*params, " ")
	godh := filepath.Join(h.cfg.RunDir, dhCertFileName)
	assert.Contains(cmdline, "-machine q35,accel=kvm,confidential-guest-support=sev0,memory-backend=ram0")
	assert.Contains(cmdline, "-object sev-guest,id=sev0,cbitpos=51,reduced-phys-bits=1,policy=0x7,dh-cert-file="+godh)
	assert.Contains(cmdline, "kernel-hashes=on")
	assert.Contains(cmdline, "-smp 1,cores=1,threads=1,dies=1,sockets=1,maxcpus=1")
	assert.Contains(cmdline, "-object memory-backend-ram,id=ram0,size=128M,share=on")
	assert.Contains(cmdline, "-overcommit cpu-pm=on -S")
	assert.Contains(cmdline, "-device vhost-vsock-pci,id=vsock0,guest-cid=42")
	assert.Contains(cmdline, "-bios /usr/share/ovmf/OVMF.fd")

	b64, err := os.ReadFile(godh)
	assert.NoError(err)
	assert.Equal(base64.StdEncoding.EncodeToString([]byte("godh")), string(b64))

	// configuration is frozen once QEMU runs
	_, err = h.Handle(ctx, SetBootSource{})
	assert.Error(err)

	gpa := uint64(0x1000)
	_, err = h.Handle(ctx, InjectSecrets{
		Secrets: []Secret{{Header: []byte("hdr"), Data: []byte("data"), GPA: &gpa}},
		Resume:  true,
	})
	assert.NoError(err)

	// a running guest cannot take more secrets
	_, err = h.Handle(ctx, InjectSecrets{Secrets: []Secret{{Header: []byte("hdr"), Data: []byte("data")}}})
	assert.ErrorContains(err, "paused guest")

	assert.NoError(h.Close())
	assert.Equal([]string{
		"qmp_capabilities",
		"query-sev",
		"query-sev-launch-measure",
		"query-status",
		"sev-inject-launch-secret",
		"cont",
		"query-status",
		"query-status",
		"system_powerdown",
		"quit",
	}, qmp.commands())

	_, err = os.Stat(h.cfg.RunDir)
	assert.True(os.IsNotExist(err))
}

func TestQemuHandlerInjectWithoutResume(t *testing.T) {
	assert := assert.New(t)

	qmp := &fakeQMP{
		version: "8.0.0",
		replies: map[string]interface{}{
			"qmp_capabilities":         map[string]interface{}{},
			"query-sev":                map[string]interface{}{"enabled": true, "state": "launch-secret"},
			"query-sev-launch-measure": map[string]interface{}{"data": base64.StdEncoding.EncodeToString(make([]byte, 48))},
			"sev-inject-launch-secret": map[string]interface{}{},
			"quit":                     map[string]interface{}{},
		},
	}
	h, _ := newTestQemuHandler(t, qmp)
	configureHandler(t, h)

	ctx := context.Background()
	_, err := h.Handle(ctx, StartSevInstance{Start: SevStart{Policy: 1}})
	require.NoError(t, err)

	_, err = h.Handle(ctx, InjectSecrets{Secrets: []Secret{{Header: []byte("hdr"), Data: []byte("data")}}})
	assert.NoError(err)

	// a paused guest is quit without a power down request
	assert.NoError(h.Close())
	assert.Equal([]string{
		"qmp_capabilities",
		"query-sev",
		"query-sev-launch-measure",
		"query-status",
		"sev-inject-launch-secret",
		"query-status",
		"quit",
	}, qmp.commands())
}

func TestQemuHandlerRootDeviceFirst(t *testing.T) {
	assert := assert.New(t)

	qmp := &fakeQMP{
		version: "8.0.0",
		replies: map[string]interface{}{
			"qmp_capabilities": map[string]interface{}{},
			"cont":             map[string]interface{}{},
			"quit":             map[string]interface{}{},
		},
	}
	h, params := newTestQemuHandler(t, qmp)

	ctx := context.Background()
	for _, a := range []Action{
		SetVmConfig{Config: VMConfig{VCPUCount: 1, MaxVCPUCount: 1, Topology: CPUTopology{1, 1, 1, 1}, MemSizeMiB: 128}},
		SetBootSource{Source: BootSource{KernelPath: "/boot/vmlinuz"}},
		InsertBlockDevice{Device: BlockDevice{DriveID: "data", PathOnHost: "/img/data.ext4"}},
		InsertBlockDevice{Device: BlockDevice{DriveID: "rootfs", PathOnHost: "/img/root.ext4", IsRootDevice: true}},
		StartInstance{},
	} {
		_, err := h.Handle(ctx, a)
		require.NoError(t, err, a.Name())
	}

	cmdline := strings.Join(*params, " ")
	root := strings.Index(cmdline, "drive=rootfs")
	data := strings.Index(cmdline, "drive=data")
	require.True(t, root >= 0 && data >= 0, cmdline)
	assert.Less(root, data)

	assert.NoError(h.Close())
}

func TestQemuHandlerRejectsOldQemu(t *testing.T) {
	qmp := &fakeQMP{
		version: "5.2.0",
		replies: map[string]interface{}{"qmp_capabilities": map[string]interface{}{}},
	}
	h, _ := newTestQemuHandler(t, qmp)
	configureHandler(t, h)

	_, err := h.Handle(context.Background(), StartSevInstance{Start: SevStart{Policy: 1}})
	assert.ErrorContains(t, err, "too old")
	assert.NoError(t, h.Close())
}

func TestQemuHandlerSevDisabled(t *testing.T) {
	qmp := &fakeQMP{
		version: "8.0.0",
		replies: map[string]interface{}{
			"qmp_capabilities": map[string]interface{}{},
			"query-sev":        map[string]interface{}{"enabled": false},
			"quit":             map[string]interface{}{},
		},
	}
	h, _ := newTestQemuHandler(t, qmp)
	configureHandler(t, h)

	_, err := h.Handle(context.Background(), StartSevInstance{Start: SevStart{Policy: 1}})
	assert.ErrorContains(t, err, "SEV disabled")
	assert.NoError(t, h.Close())
}

func TestQemuHandlerPlainStart(t *testing.T) {
	assert := assert.New(t)

	qmp := &fakeQMP{
		version: "8.0.0",
		replies: map[string]interface{}{
			"qmp_capabilities": map[string]interface{}{},
			"cont":             map[string]interface{}{},
			"quit":             map[string]interface{}{},
		},
	}
	h, params := newTestQemuHandler(t, qmp)
	configureHandler(t, h)

	resp, err := h.Handle(context.Background(), StartInstance{})
	assert.NoError(err)
	assert.Nil(resp.Measurement)
	assert.NotContains(strings.Join(*params, " "), "sev-guest")

	assert.NoError(h.Close())
}

func TestQemuHandlerRejectsBadConfig(t *testing.T) {
	assert := assert.New(t)

	h, _ := newTestQemuHandler(t, &fakeQMP{})
	ctx := context.Background()

	_, err := h.Handle(ctx, SetVmConfig{Config: VMConfig{VCPUCount: 1}})
	assert.Error(err)

	_, err = h.Handle(ctx, SetVmConfig{Config: VMConfig{VCPUCount: 1, MemSizeMiB: 128, MemType: "tmpfs"}})
	assert.Error(err)

	_, err = h.Handle(ctx, SetVmConfig{Config: VMConfig{VCPUCount: 1, MemSizeMiB: 128, CPUPM: "maybe"}})
	assert.Error(err)

	_, err = h.Handle(ctx, InjectSecrets{})
	assert.Error(err)

	assert.NoError(h.Close())
}
