// Copyright (c) 2026 Kata Contributors
//
// SPDX-License-Identifier: Apache-2.0
//

package session

import "strings"

// Policy is the SEV guest policy handed to LAUNCH_START.
type Policy uint32

const (
	// PolicyNoDebug disallows debugging of the guest.
	PolicyNoDebug Policy = 1 << iota
	// PolicyNoKeySharing disallows sharing keys with other guests.
	PolicyNoKeySharing
	// PolicyEncryptedState requires SEV-ES.
	PolicyEncryptedState
	// PolicyNoSend disallows migration.
	PolicyNoSend
	// PolicyDomain restricts migration to the same domain.
	PolicyDomain
	// PolicySEV restricts migration to SEV capable platforms.
	PolicySEV
)

var policyNames = []struct {
	flag Policy
	name string
}{
	{PolicyNoDebug, "nodbg"},
	{PolicyNoKeySharing, "noks"},
	{PolicyEncryptedState, "es"},
	{PolicyNoSend, "nosend"},
	{PolicyDomain, "domain"},
	{PolicySEV, "sev"},
}

// Has reports whether every flag in f is set.
func (p Policy) Has(f Policy) bool {
	return p&f == f
}

func (p Policy) String() string {
	var names []string
	for _, n := range policyNames {
		if p.Has(n.flag) {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}
