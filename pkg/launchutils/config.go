// Copyright (c) 2018-2021 Intel Corporation
// Copyright (c) 2018 HyperHQ Inc.
//
// SPDX-License-Identifier: Apache-2.0
//

package launchutils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/cvm-launch/pkg/launch"
	"github.com/kata-containers/cvm-launch/pkg/launchutils/launchtrace"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

// The TOML configuration file contains a number of tables. The hypervisor
// table is in dotted form:
//
//	[hypervisor.qemu]
//
// followed by the [launch], [attestation] and [runtime] tables.
const qemuHypervisorTableType = "qemu"

var (
	defaultSysConfConfiguration = "/etc/cvm-launch/configuration.toml"
	defaultConfiguration        = "/usr/share/defaults/cvm-launch/configuration.toml"
)

type tomlConfig struct {
	Hypervisor  map[string]hypervisor
	Launch      launchTable
	Attestation attestation
	Runtime     runtime
}

type hypervisor struct {
	Path            string `toml:"path"`
	RunDir          string `toml:"run_dir"`
	Kernel          string `toml:"kernel"`
	Initrd          string `toml:"initrd"`
	Firmware        string `toml:"firmware"`
	KernelParams    string `toml:"kernel_params"`
	CPUModel        string `toml:"cpu_model"`
	CPUPM           string `toml:"cpu_pm"`
	MemoryType      string `toml:"memory_type"`
	FileBackedMem   string `toml:"file_mem_backend"`
	SerialPath      string `toml:"serial_path"`
	NumVCPUs        int    `toml:"default_vcpus"`
	DefaultMaxVCPUs int    `toml:"default_maxvcpus"`
	ThreadsPerCore  int    `toml:"threads_per_core"`
	CoresPerDie     int    `toml:"cores_per_die"`
	DiesPerSocket   int    `toml:"dies_per_socket"`
	Sockets         int    `toml:"sockets"`
	MemorySize      uint32 `toml:"default_memory"`
	CBitPos         uint32 `toml:"cbitpos"`
	ReducedPhysBits uint32 `toml:"reduced_phys_bits"`
}

type launchTable struct {
	Rootfs         string `toml:"rootfs"`
	RootfsReadOnly bool   `toml:"rootfs_read_only"`
	RootfsIsRoot   *bool  `toml:"rootfs_is_root"`
	VsockPath      string `toml:"vsock_path"`
	GuestCID       uint32 `toml:"guest_cid"`
	Mode           string `toml:"mode"`
	Policy         uint32 `toml:"policy"`
	SecretGPA      uint64 `toml:"secret_gpa"`
	ChannelTimeout string `toml:"channel_timeout"`
}

type attestation struct {
	PreAttestation     bool   `toml:"guest_pre_attestation"`
	Proxy              string `toml:"guest_pre_attestation_proxy"`
	Keyset             string `toml:"guest_pre_attestation_keyset"`
	SecretGUID         string `toml:"guest_pre_attestation_secret_guid"`
	SecretType         string `toml:"guest_pre_attestation_secret_type"`
	CertChainPath      string `toml:"sev_cert_chain"`
	VerifyLaunchDigest bool   `toml:"verify_launch_digest"`
	BrokerTimeout      string `toml:"broker_timeout"`
}

type runtime struct {
	Debug          bool   `toml:"enable_debug"`
	Tracing        bool   `toml:"enable_tracing"`
	EnableSyslog   bool   `toml:"enable_syslog"`
	JaegerEndpoint string `toml:"jaeger_endpoint"`
	JaegerUser     string `toml:"jaeger_user"`
	JaegerPassword string `toml:"jaeger_password"`
	MetricsFile    string `toml:"metrics_file"`
}

// LaunchFileConfig is the launcher configuration resolved from the file.
type LaunchFileConfig struct {
	Params         launch.RawParams
	Qemu           vmm.QemuConfig
	ChannelTimeout time.Duration

	Debug        bool
	Trace        bool
	EnableSyslog bool
	Jaeger       launchtrace.JaegerConfig
	MetricsFile  string
}

func initConfig() LaunchFileConfig {
	return LaunchFileConfig{
		Params:         launch.DefaultRawParams(),
		ChannelTimeout: vmm.DefaultTimeout,
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func parseDuration(name, v string, dst *time.Duration) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", name)
	}
	if d <= 0 {
		return errors.Errorf("invalid %s %q: must be positive", name, v)
	}
	*dst = d
	return nil
}

func updateHypervisorConfig(h hypervisor, config *LaunchFileConfig) {
	p := &config.Params

	setString(&config.Qemu.Path, h.Path)
	setString(&config.Qemu.RunDir, h.RunDir)
	setString(&config.Qemu.CPUModel, h.CPUModel)
	config.Qemu.CBitPos = h.CBitPos
	config.Qemu.ReducedPhysBits = h.ReducedPhysBits

	setString(&p.KernelPath, h.Kernel)
	setString(&p.InitrdPath, h.Initrd)
	setString(&p.FirmwarePath, h.Firmware)
	setString(&p.BootArgs, h.KernelParams)
	setString(&p.CPUModel, h.CPUModel)
	setString(&p.CPUPM, h.CPUPM)
	setString(&p.MemType, h.MemoryType)
	setString(&p.MemFilePath, h.FileBackedMem)
	setString(&p.SerialPath, h.SerialPath)
	setInt(&p.VCPUs, h.NumVCPUs)
	setInt(&p.MaxVCPUs, h.DefaultMaxVCPUs)
	setInt(&p.ThreadsPerCore, h.ThreadsPerCore)
	setInt(&p.CoresPerDie, h.CoresPerDie)
	setInt(&p.DiesPerSocket, h.DiesPerSocket)
	setInt(&p.Sockets, h.Sockets)
	if h.MemorySize != 0 {
		p.Memory = fmt.Sprintf("%d", h.MemorySize)
	}
}

func updateLaunchConfig(tomlConf tomlConfig, config *LaunchFileConfig) error {
	for k, h := range tomlConf.Hypervisor {
		if k != qemuHypervisorTableType {
			return errors.Errorf("%s is not a supported hypervisor", k)
		}
		updateHypervisorConfig(h, config)
	}

	p := &config.Params
	l := tomlConf.Launch
	setString(&p.RootfsPath, l.Rootfs)
	p.ReadOnly = l.RootfsReadOnly
	if l.RootfsIsRoot != nil {
		p.IsRoot = *l.RootfsIsRoot
	}
	setString(&p.VsockPath, l.VsockPath)
	if l.GuestCID != 0 {
		p.GuestCID = l.GuestCID
	}
	if l.Mode != "" {
		p.Mode = launch.Mode(l.Mode)
	}
	p.Policy = l.Policy
	if l.SecretGPA != 0 {
		gpa := l.SecretGPA
		p.SecretGPA = &gpa
	}
	if err := parseDuration("channel_timeout", l.ChannelTimeout, &config.ChannelTimeout); err != nil {
		return err
	}

	a := tomlConf.Attestation
	p.PreAttestation = a.PreAttestation
	p.VerifyLaunchDigest = a.VerifyLaunchDigest
	setString(&p.Proxy, a.Proxy)
	setString(&p.Keyset, a.Keyset)
	setString(&p.SecretGUID, a.SecretGUID)
	setString(&p.SecretType, a.SecretType)
	setString(&p.CertChainPath, a.CertChainPath)
	if err := parseDuration("broker_timeout", a.BrokerTimeout, &p.BrokerTimeout); err != nil {
		return err
	}

	r := tomlConf.Runtime
	config.Debug = r.Debug
	config.Trace = r.Tracing
	config.EnableSyslog = r.EnableSyslog
	config.MetricsFile = r.MetricsFile
	config.Jaeger = launchtrace.JaegerConfig{
		JaegerEndpoint: r.JaegerEndpoint,
		JaegerUser:     r.JaegerUser,
		JaegerPassword: r.JaegerPassword,
	}
	return nil
}

// LoadConfiguration loads the configuration file and converts it into a
// launcher configuration.
//
// If ignoreLogging is true, the system logger will not be initialised nor
// will this function make any log calls.
//
// An empty configPath selects the default locations. Only then may the
// file be missing, in which case the built-in defaults are returned along
// with an empty resolved path.
func LoadConfiguration(configPath string, ignoreLogging bool) (resolvedConfigPath string, config LaunchFileConfig, err error) {
	config = initConfig()

	tomlConf, resolved, err := decodeConfig(configPath)
	if err != nil {
		return "", config, err
	}

	if err := updateLaunchConfig(tomlConf, &config); err != nil {
		return "", config, err
	}

	if !config.Debug {
		// If debug is not required, switch back to the original
		// default log priority, otherwise continue in debug mode.
		launchUtilsLogger.Logger.Level = originalLoggerLevel
	}

	launchtrace.SetTracing(config.Trace)

	if !ignoreLogging {
		if config.EnableSyslog {
			if err := handleSystemLog("", ""); err != nil {
				return "", config, err
			}
		}

		file := resolved
		if file == "" {
			file = "<defaults>"
		}
		launchUtilsLogger.WithFields(logrus.Fields{
			"format": "TOML",
			"file":   file,
		}).Info("loaded configuration")
	}

	return resolved, config, nil
}

func decodeConfig(configPath string) (tomlConfig, string, error) {
	var (
		resolved string
		tomlConf tomlConfig
		err      error
	)

	if configPath == "" {
		resolved, err = getDefaultConfigFile()
		if err != nil {
			// the defaults are complete on their own
			return tomlConf, "", nil
		}
	} else {
		resolved, err = ResolvePath(configPath)
		if err != nil {
			return tomlConf, "", errors.Wrap(err, "cannot find usable config file")
		}
	}

	configData, err := os.ReadFile(resolved)
	if err != nil {
		return tomlConf, resolved, err
	}

	if _, err = toml.Decode(string(configData), &tomlConf); err != nil {
		return tomlConf, resolved, errors.Wrapf(err, "decoding %s", resolved)
	}

	return tomlConf, resolved, nil
}

// GetDefaultConfigFilePaths returns a list of paths that will be
// considered as configuration files in priority order.
func GetDefaultConfigFilePaths() []string {
	return []string{
		// normally below "/etc"
		defaultSysConfConfiguration,

		// normally below "/usr/share"
		defaultConfiguration,
	}
}

// getDefaultConfigFile looks in multiple default locations for a
// configuration file and returns the resolved path for the first file
// found, or an error if no config files can be found.
func getDefaultConfigFile() (string, error) {
	var errs []string

	for _, file := range GetDefaultConfigFilePaths() {
		resolved, err := ResolvePath(file)
		if err == nil {
			return resolved, nil
		}
		errs = append(errs, fmt.Sprintf("config file %q unresolvable: %v", file, err))
	}

	return "", errors.New(strings.Join(errs, ", "))
}

// SetConfigOptions overrides the default configuration paths.
func SetConfigOptions(configuration, sysConfiguration string) {
	if configuration != "" {
		defaultConfiguration = configuration
	}

	if sysConfiguration != "" {
		defaultSysConfConfiguration = sysConfiguration
	}
}
