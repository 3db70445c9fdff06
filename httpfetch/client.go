// This Source Code Form is subject to the terms of the Mozilla Public
// License, version 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package httpfetch is the default implementation of the zsync package's
// HttpRangeFetcher collaborator: HTTPS GETs with a Range header, manual
// redirect chasing (so a missing Location header can be surfaced as a
// distinct error), and multipart/byteranges response parsing.
package httpfetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/c4milo/zsync"
)

// Client is the default HttpRangeFetcher: a retry-capable HTTP client
// that resolves relative URLs against Referer and never automatically
// follows redirects, so a 3xx without a Location header can be surfaced
// as zsync.ErrNoLocationHeader rather than silently failing deeper in the
// standard library's redirect machinery.
type Client struct {
	HTTP    *retryablehttp.Client
	Referer string
}

// New builds a Client with sane retry defaults; logging is silenced by
// default (retryablehttp otherwise writes to stderr on every retry).
func New() *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return &Client{HTTP: rc}
}

// FetchRanges implements zsync.HttpRangeFetcher.
func (c *Client) FetchRanges(ctx context.Context, url string, ranges []zsync.ByteRange) (<-chan zsync.Chunk, <-chan error) {
	chunks := make(chan zsync.Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)

		resp, _, err := c.getWithRedirects(ctx, url, ranges)
		if err != nil {
			errc <- err
			return
		}
		defer resp.Body.Close()

		if err := streamResponse(ctx, resp, chunks); err != nil {
			errc <- err
		}
	}()

	return chunks, errc
}

// getWithRedirects issues the ranged GET, chasing 301/302/307 redirects
// itself so a missing Location header becomes zsync.ErrNoLocationHeader
// and any other non-2xx becomes an *zsync.HTTPStatusError.
func (c *Client) getWithRedirects(ctx context.Context, url string, ranges []zsync.ByteRange) (*http.Response, string, error) {
	const maxRedirects = 10

	current := url
	if c.Referer != "" {
		current = resolveReference(c.Referer, url)
	}
	for i := 0; i < maxRedirects; i++ {
		req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, "", errors.Wrapf(zsync.ErrRemoteFetch, "building request for %s: %v", current, err)
		}
		if c.Referer != "" {
			req.Header.Set("Referer", c.Referer)
		}
		req.Header.Set("Range", rangeHeader(ranges))

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, "", errors.Wrapf(zsync.ErrRemoteFetch, "fetching %s: %v", current, err)
		}

		switch {
		case resp.StatusCode == http.StatusMovedPermanently ||
			resp.StatusCode == http.StatusFound ||
			resp.StatusCode == http.StatusTemporaryRedirect:
			loc := resp.Header.Get("Location")
			resp.Body.Close()
			if loc == "" {
				return nil, "", zsync.ErrNoLocationHeader
			}
			current = resolveReference(current, loc)
			continue
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
			return resp, current, nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			return nil, "", &zsync.HTTPStatusError{Code: resp.StatusCode, Message: string(body)}
		}
	}
	return nil, "", errors.Wrapf(zsync.ErrRemoteFetch, "too many redirects fetching %s", url)
}

func rangeHeader(ranges []zsync.ByteRange) string {
	parts := make([]string, len(ranges))
	for i, r := range ranges {
		parts[i] = fmt.Sprintf("%d-%d", r.Start, r.End)
	}
	return "bytes=" + strings.Join(parts, ",")
}

// streamResponse dispatches to the multipart or single-range/whole-body
// reader depending on the Content-Type and status code.
func streamResponse(ctx context.Context, resp *http.Response, out chan<- zsync.Chunk) error {
	if resp.StatusCode == http.StatusOK {
		// Server ignored our Range header and returned the whole body.
		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrapf(zsync.ErrRemoteFetch, "reading whole-body response: %v", err)
		}
		return sendChunk(ctx, out, zsync.Chunk{Offset: 0, Payload: payload})
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err == nil && strings.HasPrefix(mediaType, "multipart/") {
		return streamMultipart(ctx, resp.Body, params["boundary"], out)
	}

	offset, err := parseContentRangeStart(resp.Header.Get("Content-Range"))
	if err != nil {
		return err
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(zsync.ErrRemoteFetch, "reading range response: %v", err)
	}
	return sendChunk(ctx, out, zsync.Chunk{Offset: offset, Payload: payload})
}

func streamMultipart(ctx context.Context, body io.Reader, boundary string, out chan<- zsync.Chunk) error {
	if boundary == "" {
		return errors.Wrapf(zsync.ErrRemoteFetch, "multipart response missing boundary")
	}
	mr := multipart.NewReader(body, boundary)
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(zsync.ErrRemoteFetch, "reading multipart part: %v", err)
		}

		offset, err := parseContentRangeStart(part.Header.Get("Content-Range"))
		if err != nil {
			return err
		}
		payload, err := io.ReadAll(part)
		if err != nil {
			return errors.Wrapf(zsync.ErrRemoteFetch, "reading multipart part body: %v", err)
		}
		if err := sendChunk(ctx, out, zsync.Chunk{Offset: offset, Payload: payload}); err != nil {
			return err
		}
	}
}

// parseContentRangeStart extracts the numeric field after "bytes " in a
// Content-Range header such as "bytes 100-199/1000".
func parseContentRangeStart(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, errors.Wrapf(zsync.ErrRemoteFetch, "missing or malformed Content-Range %q", v)
	}
	v = strings.TrimPrefix(v, "bytes ")
	dash := strings.Index(v, "-")
	if dash < 0 {
		return 0, errors.Wrapf(zsync.ErrRemoteFetch, "malformed Content-Range %q", v)
	}
	start, err := strconv.ParseInt(v[:dash], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(zsync.ErrRemoteFetch, "malformed Content-Range %q: %v", v, err)
	}
	return start, nil
}

func sendChunk(ctx context.Context, out chan<- zsync.Chunk, c zsync.Chunk) error {
	select {
	case out <- c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveReference resolves a possibly-relative Location header against
// the current URL, following ordinary HTTP redirect semantics.
func resolveReference(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
