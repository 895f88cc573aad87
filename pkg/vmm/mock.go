// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package vmm

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/kata-containers/cvm-launch/pkg/sev/session"
)

// MockHandler is a Handler backed by a simulated SEV platform. It records
// every action it receives.
type MockHandler struct {
	Platform *session.Platform

	// Digest is what the simulated firmware measures.
	Digest []byte

	// Tamper corrupts the reported measurement.
	Tamper bool

	// Fail makes the named action fail with the given error.
	Fail map[string]error

	mu       sync.Mutex
	actions  []Action
	guest    *session.GuestContext
	vm       VMConfig
	boot     BootSource
	blocks   []BlockDevice
	injected [][]byte
	resumed  bool
}

// NewMockHandler returns a handler for platform.
func NewMockHandler(platform *session.Platform) *MockHandler {
	return &MockHandler{Platform: platform}
}

// Handle implements Handler.
func (m *MockHandler) Handle(ctx context.Context, action Action) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.actions = append(m.actions, action)
	if err := m.Fail[action.Name()]; err != nil {
		return nil, err
	}

	switch a := action.(type) {
	case SetVmConfig:
		m.vm = a.Config
	case SetBootSource:
		m.boot = a.Source
	case InsertBlockDevice:
		m.blocks = append(m.blocks, a.Device)
	case StartSevInstance:
		return m.startSev(a.Start)
	case InjectSecrets:
		return &Response{}, m.inject(a)
	}
	return &Response{}, nil
}

func (m *MockHandler) startSev(start SevStart) (*Response, error) {
	if m.Platform == nil {
		return nil, errors.New("no SEV platform")
	}

	guest, err := m.Platform.LaunchStart(session.Policy(start.Policy), start.DHCert, start.Session)
	if err != nil {
		return nil, errors.Wrap(err, "LAUNCH_START")
	}

	measurement, err := guest.Measure(m.Digest)
	if err != nil {
		return nil, errors.Wrap(err, "LAUNCH_MEASURE")
	}
	m.guest = guest

	data := measurement.Bytes()
	if m.Tamper {
		data[0] ^= 0xff
	}

	build := m.Platform.Build()
	return &Response{Measurement: &Measurement{
		Data:     data,
		APIMajor: build.APIMajor,
		APIMinor: build.APIMinor,
		BuildID:  build.BuildID,
		Policy:   start.Policy,
		Cmdline:  m.boot.BootArgs,
	}}, nil
}

func (m *MockHandler) inject(a InjectSecrets) error {
	if m.guest == nil {
		return errors.New("guest not launched")
	}

	for _, s := range a.Secrets {
		plain, err := m.guest.InjectSecret(s.Header, s.Data)
		if err != nil {
			return errors.Wrap(err, "LAUNCH_SECRET")
		}
		m.injected = append(m.injected, plain)
	}
	m.resumed = a.Resume
	return nil
}

// Actions returns the names of the actions handled so far.
func (m *MockHandler) Actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.actions))
	for _, a := range m.actions {
		names = append(names, a.Name())
	}
	return names
}

// Injected returns the decrypted secrets the guest received.
func (m *MockHandler) Injected() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.injected...)
}

// Resumed reports whether the guest was resumed.
func (m *MockHandler) Resumed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resumed
}

// VMConfig returns the resources of the last SetVmConfig.
func (m *MockHandler) VMConfig() VMConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.vm
}

// BootSource returns the last boot source set.
func (m *MockHandler) BootSource() BootSource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boot
}

// BlockDevices returns the attached block devices in order.
func (m *MockHandler) BlockDevices() []BlockDevice {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BlockDevice(nil), m.blocks...)
}
