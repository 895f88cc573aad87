// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package launch

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/kata-containers/cvm-launch/pkg/launchutils/launchtrace"
	"github.com/kata-containers/cvm-launch/pkg/vmm"
)

var launchLog = logrus.WithField("subsystem", "launch")

// SetLogger sets the logger for the launch package.
func SetLogger(logger *logrus.Entry) {
	fields := launchLog.Data
	launchLog = logger.WithFields(fields)
}

// Launch step names, used in logs, spans and metrics.
const (
	StepConfigure = "configure"
	StepStart     = "start"
	StepAttest    = "attest"
	StepInject    = "inject"
)

// Orchestrator drives one confidential VM launch through its states. It is
// not safe for concurrent use; observers read the state from InstanceInfo.
type Orchestrator struct {
	cfg  *LaunchConfig
	ch   vmm.Channel
	sess Session
	info *InstanceInfo

	measurement *vmm.Measurement
	secrets     *SecretBundle
}

// NewOrchestrator returns an orchestrator in the Created state.
func NewOrchestrator(cfg *LaunchConfig, ch vmm.Channel, sess Session, info *InstanceInfo) *Orchestrator {
	info.setVMType(string(cfg.Mode()))
	return &Orchestrator{
		cfg:  cfg,
		ch:   ch,
		sess: sess,
		info: info,
	}
}

func (o *Orchestrator) logger() *logrus.Entry {
	return launchLog.WithFields(logrus.Fields{
		"instance": o.info.ID(),
		"mode":     o.cfg.Mode(),
		"session":  o.sess.Kind(),
	})
}

// State reports the current launch state.
func (o *Orchestrator) State() State {
	return o.info.State()
}

// Measurement returns a copy of the launch measurement, or nil before the
// VM was started.
func (o *Orchestrator) Measurement() *vmm.Measurement {
	if o.measurement == nil {
		return nil
	}
	m := *o.measurement
	m.Data = append([]byte(nil), o.measurement.Data...)
	m.FirmwareHOB = append([]byte(nil), o.measurement.FirmwareHOB...)
	return &m
}

// Info returns the instance handle.
func (o *Orchestrator) Info() *InstanceInfo {
	return o.info
}

// step runs fn as the named step, which must move the launch to state to.
// A step that is not allowed from the current state fails without running
// and leaves the state alone. Any other failure moves the launch to Failed.
func (o *Orchestrator) step(ctx context.Context, name string, to State, fn func(ctx context.Context) error) error {
	span, ctx := launchtrace.Trace(ctx, o.logger(), name, map[string]string{
		"instance": o.info.ID(),
		"mode":     string(o.cfg.Mode()),
	})
	defer span.End()

	logger := o.logger().WithField("step", name)
	start := time.Now()

	if err := validTransition(o.info.State(), to); err != nil {
		observeStep(name, start, err)
		logger.WithError(err).Warn("launch step refused")
		return &StepError{Step: name, Err: err}
	}

	logger.WithField("state", o.info.State()).Debug("launch step started")
	err := fn(ctx)
	observeStep(name, start, err)

	if err != nil {
		o.info.fail(name, err)
		launchtrace.AddTags(span, "error", err, "kind", KindOf(err).String())
		logger.WithError(err).WithField("kind", KindOf(err)).Error("launch step failed")
		return &StepError{Step: name, Err: err}
	}

	if err := o.info.transition(to); err != nil {
		return &StepError{Step: name, Err: err}
	}
	logger.WithField("state", to).Info("launch step done")
	return nil
}

// submitError maps a control channel failure onto the launch errors. A
// rejected action becomes the protocol error of the step, transport
// failures are returned as is.
func submitError(err error, rejected error) error {
	var aerr *vmm.ActionError
	if errors.As(err, &aerr) {
		return errors.Wrapf(rejected, "%s: %v", aerr.Action, aerr.Err)
	}
	return err
}

// Configure submits the VM configuration in a fixed order: resources, boot
// source, root device and then the optional vsock device.
func (o *Orchestrator) Configure(ctx context.Context) error {
	return o.step(ctx, StepConfigure, StateConfigured, func(ctx context.Context) error {
		actions := []vmm.Action{
			vmm.SetVmConfig{Config: o.cfg.VMConfig()},
			vmm.SetBootSource{Source: o.cfg.BootSource()},
			vmm.InsertBlockDevice{Device: o.cfg.RootDevice()},
		}
		if v, ok := o.cfg.Vsock(); ok {
			actions = append(actions, vmm.InsertVsock{Vsock: v})
		}

		for _, a := range actions {
			o.logger().WithField("action", a.Name()).Debug("submitting action")
			if _, err := o.ch.Submit(ctx, a); err != nil {
				return submitError(err, ErrConfigRejected)
			}
		}
		return nil
	})
}

// Start negotiates the launch session and boots the VM paused. The VM must
// answer with its launch measurement.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.step(ctx, StepStart, StateBooted, func(ctx context.Context) error {
		start, err := o.sess.Negotiate(ctx)
		if err != nil {
			return err
		}
		if l, ok := o.sess.(interface{ LaunchID() string }); ok {
			o.info.setTransactionID(l.LaunchID())
		}

		resp, err := o.ch.Submit(ctx, vmm.StartSevInstance{Start: *start})
		if err != nil {
			return submitError(err, ErrUnexpectedStartResponse)
		}
		if resp == nil || resp.Measurement == nil {
			return errors.Wrap(ErrUnexpectedStartResponse, "no launch measurement")
		}

		o.measurement = resp.Measurement
		o.info.setMeasurement(resp.Measurement.Data)
		o.logger().WithFields(logrus.Fields{
			"build-id":  resp.Measurement.BuildID,
			"api-major": resp.Measurement.APIMajor,
			"api-minor": resp.Measurement.APIMinor,
		}).Info("launch measurement received")
		return nil
	})
}

// Attest verifies the recorded measurement. It runs once per launch.
func (o *Orchestrator) Attest(ctx context.Context) error {
	return o.step(ctx, StepAttest, StateAttested, func(ctx context.Context) error {
		bundle, err := o.sess.Verify(ctx, o.measurement)
		if err != nil {
			return err
		}
		o.secrets = bundle
		return nil
	})
}

// Inject hands the secrets to the VM and resumes it when the bundle asks
// for it. A nil bundle injects the secrets produced by Attest. A guest that
// is not resumed stays in SecretInjected.
func (o *Orchestrator) Inject(ctx context.Context, bundle *SecretBundle) error {
	err := o.step(ctx, StepInject, StateSecretInjected, func(ctx context.Context) error {
		if bundle == nil {
			bundle = o.secrets
		}
		if bundle == nil {
			return errors.Wrap(ErrInvalidConfig, "no secrets to inject")
		}

		_, err := o.ch.Submit(ctx, vmm.InjectSecrets{Secrets: bundle.Secrets, Resume: bundle.Resume})
		if err != nil {
			return submitError(err, ErrInjectRejected)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !bundle.Resume {
		o.logger().Info("secrets injected, guest left paused")
		return nil
	}

	if err := o.info.transition(StateRunning); err != nil {
		return &StepError{Step: StepInject, Err: err}
	}
	o.logger().Info("confidential VM running")
	return nil
}

// Launch runs every step and returns the first error.
func (o *Orchestrator) Launch(ctx context.Context) error {
	span, ctx := launchtrace.Trace(ctx, o.logger(), "launch")
	defer span.End()

	for _, step := range []func(context.Context) error{
		o.Configure,
		o.Start,
		o.Attest,
	} {
		if err := step(ctx); err != nil {
			return err
		}
	}
	return o.Inject(ctx, nil)
}
