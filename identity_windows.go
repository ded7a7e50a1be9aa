// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build windows
// +build windows

package lockfile

import (
	"golang.org/x/sys/windows"
)

// stillActive is the exit code reported by GetExitCodeProcess for a
// process that has not terminated (STATUS_PENDING).
const stillActive = 259

func pidAlive(pid int) bool {
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		// ERROR_INVALID_PARAMETER means no such process; access
		// denied and other ambiguity defaults to alive.
		return err != windows.ERROR_INVALID_PARAMETER
	}
	defer windows.CloseHandle(h) // nolint: errcheck
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return true
	}
	return code == stillActive
}
