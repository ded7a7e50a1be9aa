// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lockfile_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/lockfile"
	"github.com/grailbio/testutil"
)

// TestContention runs several handles through repeated
// acquire/release cycles against one path and verifies that no two
// of them ever hold the lock at once. Exclusion is verified with an
// atomic holder count so the test is race-detector clean even though
// the coordination itself happens through the filesystem.
func TestContention(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping contention test in short mode")
	}
	const (
		handles = 8
		rounds  = 5
	)
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "resource.lock")
	ctx := context.Background()

	var (
		holders int32
		wg      sync.WaitGroup
	)
	for i := 0; i < handles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				l, err := lockfile.New(path, lockfile.Config{
					Timeout:    30 * time.Second,
					RetryDelay: time.Millisecond,
				})
				if err != nil {
					t.Errorf("new: %v", err)
					return
				}
				if err = l.Acquire(ctx); err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if n := atomic.AddInt32(&holders, 1); n != 1 {
					t.Errorf("%d simultaneous holders", n)
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&holders, -1)
				if err = l.Release(); err != nil {
					t.Errorf("release: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
