// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"context"
	"os"
	"time"
)

// HttpRangeFetcher is the external collaborator that performs the actual
// HTTPS byte-range fetching, redirect handling and multipart/byteranges
// parsing. The core never talks to the network directly.
type HttpRangeFetcher interface {
	// FetchRanges issues one GET for url with a Range header covering
	// ranges, and streams back (absolute-offset, payload) chunks in the
	// order the server returns them. The returned channel is closed when
	// the response body is exhausted or an error occurs; a fetch error is
	// reported by sending it on errc before both channels close.
	FetchRanges(ctx context.Context, url string, ranges []ByteRange) (<-chan Chunk, <-chan error)
}

// TempDir allocates and eventually reclaims a scratch directory.
type TempDir interface {
	Dir() string
	Cleanup() error
}

// osTempDir is the default TempDir backed by os.MkdirTemp.
type osTempDir struct {
	path string
}

// NewOSTempDir creates a TempDir under the OS default temp location (or
// under parent if non-empty).
func NewOSTempDir(parent string) (TempDir, error) {
	dir, err := os.MkdirTemp(parent, "zsync-")
	if err != nil {
		return nil, err
	}
	return &osTempDir{path: dir}, nil
}

func (t *osTempDir) Dir() string { return t.path }
func (t *osTempDir) Cleanup() error {
	return os.RemoveAll(t.path)
}

// Clock supplies the current time. SyncSession holds one (SystemClock by
// default), but no session decision depends on it.
type Clock interface {
	Now() time.Time
}

// SystemClock wraps time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Logger is the narrow structured-logging collaborator the core depends
// on; go.uber.org/zap.SugaredLogger satisfies it directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// NopLogger discards everything; used as the zero-value default.
type NopLogger struct{}

func (NopLogger) Debugf(string, ...interface{}) {}
func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}
