// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

//go:build !linux

package vmm

func newNotifier() (notifier, error) {
	return newChanNotifier(), nil
}
