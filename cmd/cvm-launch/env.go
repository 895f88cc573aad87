// Copyright (c) 2017-2018 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

package main

import (
	"io"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/kata-containers/cvm-launch/pkg/launch"
	"github.com/kata-containers/cvm-launch/pkg/launchutils"
)

const envCmd = "env"

// Semantic version for the output of the command.
//
// XXX: Increment for every change to the output format
// (meaning any change to the EnvInfo type).
const formatVersion = "1.0.0"

// kvmParamsDir holds the kvm_amd module parameters.
var kvmParamsDir = "/sys/module/kvm_amd/parameters"

// MetaInfo stores information on the format of the output itself
type MetaInfo struct {
	// output format version
	Version string
}

// LauncherInfo stores launcher details.
type LauncherInfo struct {
	Version string
	Commit  string
	Config  string
	Debug   bool
	Trace   bool
	Metrics string
}

// HypervisorInfo stores hypervisor details
type HypervisorInfo struct {
	Path           string
	RunDir         string
	CPUModel       string
	ChannelTimeout string
}

// GuestInfo stores the guest that would be launched.
type GuestInfo struct {
	Kernel     string
	Initrd     string
	Firmware   string
	Parameters string
	Rootfs     string
	VCPUs      int
	Memory     string
	Mode       string
	Policy     string
	Valid      bool
	Error      string `toml:",omitempty"`
}

// AttestationInfo stores attestation details.
type AttestationInfo struct {
	Session       string
	Proxy         string `toml:",omitempty"`
	Keyset        string `toml:",omitempty"`
	CertChain     string `toml:",omitempty"`
	VerifyDigest  bool
	BrokerTimeout string
}

// HostInfo stores host details
type HostInfo struct {
	Architecture string
	Memory       string
	SEV          bool
	SEVES        bool
}

// EnvInfo collects all information that will be displayed by the
// env command.
type EnvInfo struct {
	Meta        MetaInfo
	Launcher    LauncherInfo
	Hypervisor  HypervisorInfo
	Guest       GuestInfo
	Attestation AttestationInfo
	Host        HostInfo
}

func kvmParamEnabled(name string) bool {
	data, err := os.ReadFile(filepath.Join(kvmParamsDir, name))
	if err != nil {
		return false
	}

	switch strings.TrimSpace(string(data)) {
	case "Y", "y", "1":
		return true
	}
	return false
}

func getHostInfo() HostInfo {
	return HostInfo{
		Architecture: goruntime.GOARCH,
		Memory:       units.BytesSize(float64(memory.TotalMemory())),
		SEV:          kvmParamEnabled("sev"),
		SEVES:        kvmParamEnabled("sev_es"),
	}
}

func getGuestInfo(p launch.RawParams) GuestInfo {
	guest := GuestInfo{
		Kernel:     p.KernelPath,
		Initrd:     p.InitrdPath,
		Firmware:   p.FirmwarePath,
		Parameters: p.BootArgs,
		Rootfs:     p.RootfsPath,
		VCPUs:      p.VCPUs,
		Memory:     p.Memory,
		Mode:       string(p.Mode),
	}

	cfg, err := launch.Build(p)
	if err != nil {
		guest.Error = err.Error()
		return guest
	}

	guest.Valid = true
	guest.Policy = cfg.Policy().String()
	return guest
}

func getEnvInfo(configFile string, config launchutils.LaunchFileConfig) EnvInfo {
	p := config.Params

	if configFile == "" {
		configFile = "<defaults>"
	}

	session := launch.LocalSession
	if p.PreAttestation {
		session = launch.RemoteSession
	}

	return EnvInfo{
		Meta: MetaInfo{
			Version: formatVersion,
		},
		Launcher: LauncherInfo{
			Version: version,
			Commit:  commit,
			Config:  configFile,
			Debug:   config.Debug,
			Trace:   config.Trace,
			Metrics: config.MetricsFile,
		},
		Hypervisor: HypervisorInfo{
			Path:           config.Qemu.Path,
			RunDir:         config.Qemu.RunDir,
			CPUModel:       config.Qemu.CPUModel,
			ChannelTimeout: config.ChannelTimeout.String(),
		},
		Guest: getGuestInfo(p),
		Attestation: AttestationInfo{
			Session:       session.String(),
			Proxy:         p.Proxy,
			Keyset:        p.Keyset,
			CertChain:     p.CertChainPath,
			VerifyDigest:  p.VerifyLaunchDigest,
			BrokerTimeout: p.BrokerTimeout.String(),
		},
		Host: getHostInfo(),
	}
}

func showSettings(env EnvInfo, out io.Writer) error {
	return toml.NewEncoder(out).Encode(env)
}

func handleSettings(out io.Writer, metadata map[string]interface{}) error {
	if out == nil {
		return errors.New("Invalid output file specified")
	}

	configFile, ok := metadata["configFile"].(string)
	if !ok {
		return errors.New("cannot determine config file")
	}

	config, ok := metadata["launchConfig"].(launchutils.LaunchFileConfig)
	if !ok {
		return errors.New("cannot determine launch config")
	}

	return showSettings(getEnvInfo(configFile, config), out)
}

var envCLICommand = cli.Command{
	Name:  envCmd,
	Usage: "display settings",
	Action: func(context *cli.Context) error {
		return handleSettings(defaultOutputFile, context.App.Metadata)
	},
}
