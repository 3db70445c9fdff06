// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package zsync

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
)

// RemoteFetchAdapter translates missing-block ranges into remote byte
// ranges, drives an HttpRangeFetcher collaborator, and feeds the returned
// bytes into the session's receive path.
type RemoteFetchAdapter struct {
	session *SyncSession
	fetcher HttpRangeFetcher
	log     Logger
}

// NewRemoteFetchAdapter wires an adapter against a session and its
// HttpRangeFetcher collaborator.
func NewRemoteFetchAdapter(session *SyncSession, fetcher HttpRangeFetcher) *RemoteFetchAdapter {
	log := session.log
	if log == nil {
		log = NopLogger{}
	}
	return &RemoteFetchAdapter{session: session, fetcher: fetcher, log: log}
}

// Run drives fetching until the session reaches StatusComplete or every
// URL has failed, at which point it returns ErrAllURLsExhausted. On each
// pass it picks a random non-blacklisted URL and requests every currently
// missing byte range from it; a fetch failure blacklists that URL and the
// loop tries another.
func (a *RemoteFetchAdapter) Run(ctx context.Context) error {
	for a.session.Status() != StatusComplete {
		live := a.session.LiveURLs()
		if len(live) == 0 {
			return ErrAllURLsExhausted
		}

		url := live[rand.Intn(len(live))]
		ranges := a.session.NeededByteRanges()
		if len(ranges) == 0 {
			break
		}

		if err := a.fetchOnce(ctx, url, ranges); err != nil {
			a.log.Warnf("fetch from %s failed: %v", url, err)
			a.session.MarkURLFailed(url)
			continue
		}

		// Flush any trailing partial block stashed by the last chunk of a
		// non-block-aligned range: per spec.md section 4.7 the explicit
		// zero-length call at the correct offset is what submits it, and no
		// further chunk ever arrives at that offset once a mirror's last
		// range has been fully delivered.
		if err := a.session.ReceiveBytes(a.session.State.FileLen, nil); err != nil {
			return err
		}
	}

	if a.session.Status() != StatusComplete {
		return ErrAllURLsExhausted
	}
	return nil
}

// fetchOnce requests ranges from url and streams every returned chunk
// into the session's receive path. A corrupt-block error is treated as a
// recoverable per-range failure: the loop keeps consuming this mirror's
// remaining chunks (they cover other ranges) and lets the outer Run
// re-request whatever is still missing on the next pass, from a randomly
// chosen live mirror (which may be the same one).
func (a *RemoteFetchAdapter) fetchOnce(ctx context.Context, url string, ranges []ByteRange) error {
	chunks, errc := a.fetcher.FetchRanges(ctx, url, ranges)

	var firstErr error
	for chunks != nil || errc != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if err := a.session.ReceiveBytes(c.Offset, c.Payload); err != nil {
				if errors.Is(err, ErrCorruptRemoteBlock) {
					a.log.Warnf("corrupt block from %s at offset %d: %v", url, c.Offset, err)
					continue
				}
				if firstErr == nil {
					firstErr = err
				}
			}
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if firstErr == nil {
				firstErr = errors.Wrapf(ErrRemoteFetch, "%v", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return firstErr
}
