// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !windows
// +build !windows

package lockfile

import (
	"golang.org/x/sys/unix"
)

// pidAlive probes the process table with a null signal. EPERM means
// the process exists but belongs to another user; any result other
// than ESRCH is treated as alive.
func pidAlive(pid int) bool {
	return unix.Kill(pid, 0) != unix.ESRCH
}
