// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package qemu

import (
	"context"
	"encoding/base64"

	"github.com/pkg/errors"
)

// SEVInfo is the query-sev reply.
type SEVInfo struct {
	Enabled  bool   `json:"enabled"`
	APIMajor uint8  `json:"api-major"`
	APIMinor uint8  `json:"api-minor"`
	BuildID  uint8  `json:"build-id"`
	Policy   uint32 `json:"policy"`
	State    string `json:"state"`
	Handle   uint32 `json:"handle"`
}

// ExecuteQuerySEV returns the SEV state of the guest.
func (q *QMP) ExecuteQuerySEV(ctx context.Context) (*SEVInfo, error) {
	var info SEVInfo
	if err := q.executeQuery(ctx, "query-sev", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// ExecuteQuerySEVLaunchMeasure returns the decoded launch measurement. It
// is only available while the guest is in the launch-secret state.
func (q *QMP) ExecuteQuerySEVLaunchMeasure(ctx context.Context) ([]byte, error) {
	var reply struct {
		Data string `json:"data"`
	}
	if err := q.executeQuery(ctx, "query-sev-launch-measure", nil, &reply); err != nil {
		return nil, err
	}

	measurement, err := base64.StdEncoding.DecodeString(reply.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decoding launch measurement")
	}
	return measurement, nil
}

// ExecuteSEVInjectLaunchSecret injects a LAUNCH_SECRET packet. A nil gpa
// lets the firmware place the secret in the area OVMF reserves for it.
func (q *QMP) ExecuteSEVInjectLaunchSecret(ctx context.Context, header, secret []byte, gpa *uint64) error {
	args := map[string]interface{}{
		"packet-header": base64.StdEncoding.EncodeToString(header),
		"secret":        base64.StdEncoding.EncodeToString(secret),
	}
	if gpa != nil {
		args["gpa"] = *gpa
	}
	return q.executeCommand(ctx, "sev-inject-launch-secret", args, nil)
}
