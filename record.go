// Copyright 2021 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lockfile

import (
	"fmt"
	"io/ioutil"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// A Record is the parsed content of a lock file: the identity of the
// owner that wrote it, the time at which the lock was acquired, and
// the token of the handle that wrote it. The existence of the lock
// file is the mutual exclusion signal; the record is metadata used
// for staleness and ownership checks.
//
// On disk, a record is three newline-separated UTF-8 fields: owner,
// acquisition time in Unix seconds, and token.
type Record struct {
	// Owner is the identity of the owner that wrote the record,
	// as resolved by ResolveOwnerIdentity or a custom resolver.
	Owner string
	// Time is the time at which the lock was acquired.
	Time time.Time
	// Token is the unique token of the handle that wrote the record.
	Token string
}

// ReadRecord reads and parses the lock record stored at the provided
// path. It returns an error of kind errors.NotExist when no lock
// file exists there.
func ReadRecord(path string) (Record, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, errors.E(errors.NotExist, fmt.Sprintf("lock %s", path), err)
		}
		return Record{}, errors.E(fmt.Sprintf("read lock %s", path), err)
	}
	return parseRecord(data), nil
}

// parseRecord parses up to three newline-separated fields. A missing
// or unparseable timestamp parses as the zero Unix time so that a
// structurally damaged record reads as maximally stale rather than
// freshly held.
func parseRecord(data []byte) Record {
	var r Record
	lines := strings.Split(string(data), "\n")
	if len(lines) > 0 {
		r.Owner = strings.TrimSpace(lines[0])
	}
	var secs int64
	if len(lines) > 1 {
		if v, err := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64); err == nil {
			secs = v
		}
	}
	r.Time = time.Unix(secs, 0)
	if len(lines) > 2 {
		r.Token = strings.TrimSpace(lines[2])
	}
	return r
}

// writeRecord materializes the record at path, failing rather than
// overwriting when a record already exists there. The record is
// first written to a temporary file unique to its token and then
// hard-linked into place: link(2) fails when the target exists, so
// the final step is the atomic create-or-fail primitive the whole
// protocol rests on. The returned error has kind errors.Exists when
// the path was already taken, which is how a lost creation race is
// told apart from other I/O failures.
//
// The temp name is keyed by token, not owner: two handles in one
// process share an owner, and an owner-keyed temp file would let one
// handle link the other's record into place.
func writeRecord(path string, r Record) error {
	tmp := fmt.Sprintf("%s.%s.tmp", path, r.Token)
	content := fmt.Sprintf("%s\n%d\n%s\n", r.Owner, r.Time.Unix(), r.Token)
	if err := ioutil.WriteFile(tmp, []byte(content), 0666); err != nil {
		return errors.E(fmt.Sprintf("write %s", tmp), err)
	}
	defer os.Remove(tmp) // nolint: errcheck
	if err := os.Link(tmp, path); err != nil {
		if os.IsExist(err) {
			return errors.E(errors.Exists, fmt.Sprintf("lock %s", path), err)
		}
		return errors.E(fmt.Sprintf("link %s", path), err)
	}
	return nil
}
