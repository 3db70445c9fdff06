// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import "github.com/pkg/errors"

// Sentinel errors for the taxonomy of section 7: control-file and
// scratch-I/O failures are fatal to the session, seed and mirror failures
// are recovered locally, and the two terminal outcomes end the run.
var (
	// ErrControlFileMalformed covers header parse failures, unrecognized
	// non-Safe keys, invalid numeric fields and unsupported Z-* headers.
	ErrControlFileMalformed = errors.New("zsync: control file malformed")

	// ErrBlockMetaTruncated is returned when the checksum table is
	// shorter than block_count*(rsum_bytes+checksum_bytes) bytes.
	ErrBlockMetaTruncated = errors.New("zsync: block checksum table truncated")

	// ErrScratchIO covers any error reading or writing the scratch file.
	ErrScratchIO = errors.New("zsync: scratch file I/O error")

	// ErrSeedIO covers a seed read failure; callers should log and skip
	// the offending seed, continuing the session.
	ErrSeedIO = errors.New("zsync: seed I/O error")

	// ErrRemoteFetch covers an HttpRangeFetcher failure or non-2xx
	// response; the URL is blacklisted for the remainder of the session.
	ErrRemoteFetch = errors.New("zsync: remote fetch error")

	// ErrCorruptRemoteBlock is returned by the receive path when a
	// fetched block's strong checksum does not match its BlockMeta.
	ErrCorruptRemoteBlock = errors.New("zsync: corrupt remote block")

	// ErrAllURLsExhausted means every configured URL failed before the
	// session reached StatusComplete.
	ErrAllURLsExhausted = errors.New("zsync: all urls exhausted")

	// ErrFinalChecksumMismatch means the assembled file's SHA-1 does not
	// match the control file's SHA-1 header.
	ErrFinalChecksumMismatch = errors.New("zsync: final checksum mismatch")

	// ErrNoLocationHeader is surfaced by an HttpRangeFetcher when a 3xx
	// response is missing its Location header.
	ErrNoLocationHeader = errors.New("zsync: redirect missing location header")
)

// HTTPStatusError wraps a non-2xx response from an HttpRangeFetcher.
type HTTPStatusError struct {
	Code    int
	Message string
}

func (e *HTTPStatusError) Error() string {
	return errors.Wrapf(ErrRemoteFetch, "http status %d: %s", e.Code, e.Message).Error()
}

func (e *HTTPStatusError) Unwrap() error { return ErrRemoteFetch }
