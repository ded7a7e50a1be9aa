// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lockfile

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"
)

func init() {
	rand.Seed(time.Now().UnixNano())
}

// ResolveOwnerIdentity returns a stable identifier for the current
// process, used as the owner field of lock records. The process ID
// is used when available; otherwise a synthesized identifier is
// returned. Synthesized identifiers contain non-numeric characters,
// which tells liveness probes that PID semantics do not apply to
// them.
func ResolveOwnerIdentity() string {
	if pid := os.Getpid(); pid > 0 {
		return strconv.Itoa(pid)
	}
	return fmt.Sprintf("anon_%d_%d", time.Now().Unix(), randRange(100000, 999999))
}

// ProcessAlive reports whether the owner named in a lock record is
// still running. A non-numeric (synthesized) owner cannot be probed
// and is reported alive, leaving staleness to the age threshold
// alone. Ambiguous platform results likewise default to alive, so
// that a probe failure never causes an active lock to be stolen.
func ProcessAlive(owner string) bool {
	pid, err := strconv.Atoi(owner)
	if err != nil || pid <= 0 {
		return true
	}
	return pidAlive(pid)
}

// generateToken returns a token distinguishing one handle from any
// other handle racing for the same path, including another handle
// created by the same owner. Uniqueness is probabilistic (the random
// suffix breaks ties within one owner and second); it is only a
// tie-breaker, since atomic creation of the lock file is the primary
// mutual exclusion mechanism.
func generateToken(owner string, now func() time.Time) string {
	return fmt.Sprintf("%s_%d_%d", owner, now().Unix(), randRange(100000, 999999))
}

func randRange(lo, hi int) int {
	return lo + rand.Intn(hi-lo+1)
}
