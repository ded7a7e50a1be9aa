// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lockfile

import (
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOwnerIdentity(t *testing.T) {
	owner := ResolveOwnerIdentity()
	pid, err := strconv.Atoi(owner)
	require.NoError(t, err, "owner identity should be the numeric PID on all supported platforms")
	assert.Equal(t, os.Getpid(), pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(strconv.Itoa(os.Getpid())), "the current process is alive")
	// A synthesized identity cannot be probed and must be assumed
	// alive, leaving staleness to the age threshold.
	assert.True(t, ProcessAlive("anon_1600000000_123456"))
	assert.True(t, ProcessAlive(""))
	// Far beyond any real PID space.
	assert.False(t, ProcessAlive("999999999"))
}

func TestGenerateToken(t *testing.T) {
	now := func() time.Time { return time.Unix(1600000000, 0) }
	token := generateToken("4321", now)
	require.True(t, strings.HasPrefix(token, "4321_1600000000_"))
	suffix := token[strings.LastIndex(token, "_")+1:]
	n, err := strconv.Atoi(suffix)
	require.NoError(t, err)
	assert.True(t, 100000 <= n && n <= 999999, "random suffix %d out of range", n)

	// Tokens distinguish handles created by the same owner within
	// the same second. Collisions are possible but overwhelmingly
	// unlikely at this sample size.
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		seen[generateToken("4321", now)] = true
	}
	assert.Greater(t, len(seen), 90)
}
