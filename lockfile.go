// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lockfile implements advisory, cross-process mutual
// exclusion based on a lock file on a shared filesystem. It is
// intended for coordinating access to a resource (say, a shared log
// or counter) among independent processes that cannot share
// in-memory locks. The design relies purely on atomic create-or-fail
// file materialization; no flock or fcntl advisory locks are taken,
// so it does not depend on POSIX locking working on the underlying
// filesystem.
//
// The existence of the lock file is the mutual exclusion signal. Its
// content is a small Record (owner identity, acquisition time, and a
// per-handle token) used to detect stale locks and to verify
// continued ownership before release. A lock abandoned by an owner
// that is no longer running, or whose age exceeds a configurable
// threshold, is reclaimed by the next acquirer.
//
// Locks are exclusive only, and a handle is not re-entrant across
// distinct instances in the same process: two handles in one process
// contend with each other the same way two processes do.
//
// Errors returned by this package are constructed with
// github.com/grailbio/base/errors; callers discriminate them by
// kind:
//
//	errors.Invalid      New was called without a path
//	errors.Unavailable  the lock is held by another live owner
//	errors.Precondition RemoveStale was called on a live lock
//	errors.Integrity    the lock was lost to a stale takeover
//	errors.Canceled     the caller canceled a pending Acquire
package lockfile

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

const (
	// DefaultStaleAfter is the record age beyond which a lock is
	// considered stale when Config.StaleAfter is left zero.
	DefaultStaleAfter = 60 * time.Second
	// DefaultRetryDelay is the delay between acquisition attempts
	// when Config.RetryDelay is left zero.
	DefaultRetryDelay = 100 * time.Millisecond
)

// Config configures a Lock. The zero value is valid: it requests a
// single immediate acquisition attempt, the default staleness
// threshold and retry delay, and the real process identity, liveness
// probe, and clock.
type Config struct {
	// Timeout bounds how long Acquire retries before giving up.
	// Zero means a single immediate attempt.
	Timeout time.Duration
	// StaleAfter is the record age beyond which a lock is
	// considered stale regardless of its owner's liveness.
	StaleAfter time.Duration
	// RetryDelay is the sleep between acquisition attempts.
	RetryDelay time.Duration
	// Identity resolves the owner identity recorded in the lock
	// file. It defaults to ResolveOwnerIdentity.
	Identity func() string
	// Liveness reports whether the named owner is still running.
	// It defaults to ProcessAlive.
	Liveness func(owner string) bool
	// Now is the clock used for record timestamps and staleness
	// checks. It defaults to time.Now.
	Now func() time.Time
}

// A Lock is a handle on an advisory lock file. A Lock is not safe
// for concurrent use by multiple goroutines: cross-process, not
// cross-goroutine, coordination is its concern, and the filesystem
// operations themselves are the synchronization points.
type Lock struct {
	path  string
	owner string
	token string
	held  bool

	timeout    time.Duration
	staleAfter time.Duration
	retryDelay time.Duration
	liveness   func(string) bool
	now        func() time.Time
}

// New returns a lock handle for the lock file at the provided path.
// The owner identity and handle token are resolved once, here.
func New(path string, config Config) (*Lock, error) {
	if path == "" {
		return nil, errors.E(errors.Invalid, "lockfile.New: no path provided")
	}
	l := &Lock{
		path:       path,
		timeout:    config.Timeout,
		staleAfter: config.StaleAfter,
		retryDelay: config.RetryDelay,
		liveness:   config.Liveness,
		now:        config.Now,
	}
	if l.staleAfter <= 0 {
		l.staleAfter = DefaultStaleAfter
	}
	if l.retryDelay <= 0 {
		l.retryDelay = DefaultRetryDelay
	}
	if l.liveness == nil {
		l.liveness = ProcessAlive
	}
	if l.now == nil {
		l.now = time.Now
	}
	identity := config.Identity
	if identity == nil {
		identity = ResolveOwnerIdentity
	}
	l.owner = identity()
	l.token = generateToken(l.owner, l.now)
	return l, nil
}

// Acquire acquires the lock, retrying every RetryDelay until the
// configured Timeout elapses or ctx is done. Acquire is idempotent
// on a handle that already holds the lock. A stale lock encountered
// along the way is removed and its slot contested immediately.
//
// When a live lock remains at the deadline, the returned error has
// kind errors.Unavailable; when the final attempt failed in the
// filesystem instead, the underlying error is returned. Caller
// cancellation returns an error of kind errors.Canceled.
func (l *Lock) Acquire(ctx context.Context) error {
	if l.held {
		return nil
	}
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	policy := retry.Backoff(l.retryDelay, l.retryDelay, 1)
	for tries := 0; ; tries++ {
		var reason error
		rec, err := ReadRecord(l.path)
		switch {
		case err == nil && l.stale(rec):
			if err = l.RemoveStale(); err != nil {
				return err
			}
			// A just-vacated slot is contested immediately,
			// without consuming a retry delay.
			continue
		case err == nil:
			reason = errors.E(errors.Unavailable,
				fmt.Sprintf("lock %s: held by %s since %s", l.path, rec.Owner, rec.Time.Format(time.RFC3339)))
		case errors.Is(errors.NotExist, err):
			werr := writeRecord(l.path, Record{Owner: l.owner, Time: l.now(), Token: l.token})
			if werr == nil {
				l.held = true
				return nil
			}
			reason = werr
		default:
			reason = err
		}
		if l.timeout == 0 {
			return reason
		}
		log.Debug.Printf("lockfile: %v; waiting", reason)
		if err = retry.Wait(ctx, policy, tries); err != nil {
			if ctx.Err() == context.Canceled {
				return errors.E(errors.Canceled, fmt.Sprintf("lock %s", l.path), ctx.Err())
			}
			// Out of time; report why the lock could not be
			// had, not the bookkeeping error.
			return reason
		}
	}
}

// Release releases the lock. Release is idempotent on a handle that
// does not hold the lock. The on-disk record is re-read first: if it
// is gone, or carries another handle's token, the lock was
// legitimately taken over after going stale, so Release clears the
// handle's held state without deleting the other party's record and
// returns an error of kind errors.Integrity. A deletion failure
// leaves the handle held so that the caller may retry.
func (l *Lock) Release() error {
	if !l.held {
		return nil
	}
	rec, err := ReadRecord(l.path)
	switch {
	case errors.Is(errors.NotExist, err):
		l.held = false
		return errors.E(errors.Integrity, fmt.Sprintf("lock %s: record removed by another party", l.path))
	case err != nil:
		return err
	case rec.Token != l.token:
		l.held = false
		return errors.E(errors.Integrity, fmt.Sprintf("lock %s: taken over by %s", l.path, rec.Owner))
	}
	if err = os.Remove(l.path); err != nil {
		return errors.E(fmt.Sprintf("release %s", l.path), err)
	}
	l.held = false
	return nil
}

// IsLocked reports whether a live (non-stale) lock record exists at
// the handle's path, regardless of which handle owns it. Only an
// absent record means free; a record that is present but unreadable
// is conservatively reported as locked.
func (l *Lock) IsLocked() bool {
	rec, err := ReadRecord(l.path)
	switch {
	case errors.Is(errors.NotExist, err):
		return false
	case err != nil:
		return true
	}
	return !l.stale(rec)
}

// IsStale reports whether the record at the handle's path is stale:
// its owner is no longer running, or its age exceeds the staleness
// threshold. An absent record is not stale; absence means the lock
// is free, not that there is anything to reclaim.
func (l *Lock) IsStale() bool {
	rec, err := ReadRecord(l.path)
	if err != nil {
		return false
	}
	return l.stale(rec)
}

// RemoveStale removes a stale lock record so that its slot can be
// contested. Removing an absent record is a no-op; removing a live
// record fails with kind errors.Precondition. No token check is
// performed: this is pre-acquisition cleanup of a lock some other
// party abandoned, not an ownership release.
func (l *Lock) RemoveStale() error {
	rec, err := ReadRecord(l.path)
	switch {
	case errors.Is(errors.NotExist, err):
		return nil
	case err != nil:
		return err
	case !l.stale(rec):
		return errors.E(errors.Precondition,
			fmt.Sprintf("lock %s: held by %s and not stale", l.path, rec.Owner))
	}
	log.Printf("lockfile: removing stale lock %s (owner %s)", l.path, rec.Owner)
	if err = os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return errors.E(fmt.Sprintf("remove stale lock %s", l.path), err)
	}
	return nil
}

// Owner returns the owner identity resolved for this handle. It is
// diagnostic only.
func (l *Lock) Owner() string {
	return l.owner
}

func (l *Lock) stale(rec Record) bool {
	if !l.liveness(rec.Owner) {
		return true
	}
	return l.now().Sub(rec.Time) > l.staleAfter
}
