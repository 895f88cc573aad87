// Copyright (c) 2019 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0
//

// Package rootless tells whether the launcher runs without host root and
// picks a run directory the user can write to.
package rootless

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/moby/sys/userns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const runDirName = "cvm-launch"

var (
	// guards detected and rootless
	rLock sync.Mutex

	detected bool
	rootless bool

	// uidMapPath is read to find the host uid behind namespace root.
	uidMapPath = "/proc/self/uid_map"

	geteuid = os.Geteuid

	runningInUserNS = userns.RunningInUserNS

	rootlessLog = logrus.WithFields(logrus.Fields{
		"source": "rootless",
	})
)

// SetLogger sets up a logger for the rootless pkg
func SetLogger(logger *logrus.Entry) {
	fields := rootlessLog.Data
	rootlessLog = logger.WithFields(fields)
}

// namespaceRootIsHostUser reports whether uid 0 in our user namespace is
// an unprivileged uid on the host.
func namespaceRootIsHostUser() (bool, error) {
	file, err := os.Open(uidMapPath)
	if err != nil {
		return false, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		ids := strings.Fields(scanner.Text())
		if len(ids) == 0 {
			continue
		}
		if len(ids) != 3 {
			return false, errors.Errorf("malformed uid map line %q in %s", scanner.Text(), uidMapPath)
		}

		var vals [3]uint64
		for i, id := range ids {
			if vals[i], err = strconv.ParseUint(id, 10, 32); err != nil {
				return false, errors.Wrapf(err, "parsing uid map %s", uidMapPath)
			}
		}
		if vals[2] == 0 {
			return false, errors.Errorf("empty uid range in %s", uidMapPath)
		}

		if vals[0] == 0 && vals[1] != 0 {
			return true, nil
		}
	}

	return false, scanner.Err()
}

func detect() bool {
	if geteuid() != 0 {
		return true
	}
	if !runningInUserNS() {
		return false
	}

	userNS, err := namespaceRootIsHostUser()
	if err != nil {
		rootlessLog.WithError(err).Warn("Unable to determine if running rootless")
		return false
	}
	return userNS
}

// IsRootless reports whether the launcher lacks host root. The answer is
// computed once.
func IsRootless() bool {
	rLock.Lock()
	defer rLock.Unlock()

	if !detected {
		rootless = detect()
		detected = true
		if rootless {
			rootlessLog.Info("Running as rootless")
		}
	}
	return rootless
}

// RunDir returns systemDir for root, and a per-user directory below
// XDG_RUNTIME_DIR (or the temporary directory) otherwise.
func RunDir(systemDir string) string {
	if !IsRootless() {
		return systemDir
	}

	base := os.Getenv("XDG_RUNTIME_DIR")
	if base == "" {
		base = os.TempDir()
	}
	return filepath.Join(base, runDirName)
}
