// Package probe learns what a remote resource looks like before a transfer:
// its total length, whether byte ranges are honoured, and an identity token
// that changes when the resource changes.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/tanq16/splitfetch/internal/utils"
)

var (
	ErrUnreachable     = errors.New("probe: resource unreachable")
	ErrServerRejected  = errors.New("probe: server rejected request")
	ErrAmbiguousLength = errors.New("probe: cannot determine resource length")
)

// Error reports why a probe failed. Kind is one of the sentinel errors above.
type Error struct {
	Kind       error
	URL        string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Descriptor is the result of a successful probe.
type Descriptor struct {
	TotalLength  int64 // -1 when unknown
	AcceptRanges bool
	ETag         string
	LastModified string
	FileName     string
	FinalURL     string
}

func (d *Descriptor) KnownLength() bool {
	return d.TotalLength >= 0
}

// IdentityToken returns a value that changes when the remote resource does,
// or "" when the server advertises nothing usable.
func (d *Descriptor) IdentityToken() string {
	switch {
	case d.ETag != "":
		return "etag:" + d.ETag
	case d.LastModified != "":
		return "lm:" + d.LastModified
	}
	return ""
}

// Resumable reports whether offset-based resume is possible.
func (d *Descriptor) Resumable() bool {
	return d.KnownLength() && d.AcceptRanges
}

type Options struct {
	// AllowUnknownLength degrades to a single unbounded chunk instead of
	// failing with ErrAmbiguousLength.
	AllowUnknownLength bool
}

// Probe issues a HEAD request and falls back to a one-byte ranged GET when
// HEAD is refused or does not carry a usable length.
func Probe(ctx context.Context, client utils.HTTPDoer, url string, opts Options) (*Descriptor, error) {
	log := utils.GetLogger("probe").With().Str("url", url).Logger()

	if desc, ok := probeHead(ctx, client, url); ok {
		log.Debug().Int64("length", desc.TotalLength).Bool("ranges", desc.AcceptRanges).Msg("HEAD probe successful")
		return desc, nil
	}

	log.Debug().Msg("HEAD unusable, trying GET with Range: bytes=0-0")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Kind: ErrUnreachable, URL: url, Err: err}
	}
	req.Header.Set("Range", "bytes=0-0")
	resp, err := client.Do(req)
	if err != nil {
		return nil, &Error{Kind: ErrUnreachable, URL: url, Err: err}
	}
	defer resp.Body.Close()
	// Drain a little so the connection can be reused; servers ignoring the
	// range would otherwise stream the whole body.
	io.CopyN(io.Discard, resp.Body, 64*1024)

	if resp.StatusCode == http.StatusRequestedRangeNotSatisfiable {
		// "bytes */0": an empty resource cannot satisfy even a one-byte range
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total == 0 {
			desc := describe(resp)
			desc.AcceptRanges = true
			return desc, nil
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &Error{Kind: ErrServerRejected, URL: url, StatusCode: resp.StatusCode}
	}

	desc := describe(resp)
	desc.TotalLength = -1
	switch resp.StatusCode {
	case http.StatusPartialContent:
		desc.AcceptRanges = true
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total >= 0 {
			desc.TotalLength = total
		}
	default:
		desc.AcceptRanges = false
		if resp.ContentLength >= 0 {
			desc.TotalLength = resp.ContentLength
		}
	}

	if !desc.KnownLength() {
		if !opts.AllowUnknownLength {
			return nil, &Error{Kind: ErrAmbiguousLength, URL: url, StatusCode: resp.StatusCode}
		}
		log.Warn().Msg("Resource length unknown, falling back to a single unbounded transfer")
		desc.AcceptRanges = false
	}
	log.Debug().Int64("length", desc.TotalLength).Bool("ranges", desc.AcceptRanges).Msg("Ranged GET probe completed")
	return desc, nil
}

func probeHead(ctx context.Context, client utils.HTTPDoer, url string) (*Descriptor, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, false
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || resp.ContentLength <= 0 {
		return nil, false
	}
	desc := describe(resp)
	desc.TotalLength = resp.ContentLength
	desc.AcceptRanges = strings.Contains(strings.ToLower(resp.Header.Get("Accept-Ranges")), "bytes")
	return desc, true
}

func describe(resp *http.Response) *Descriptor {
	desc := &Descriptor{
		ETag:         CleanETag(resp.Header.Get("ETag")),
		LastModified: resp.Header.Get("Last-Modified"),
		FileName:     utils.FileNameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
	if resp.Request != nil && resp.Request.URL != nil {
		desc.FinalURL = resp.Request.URL.String()
	}
	return desc
}

// CleanETag strips the weak marker and quotes from an ETag value.
func CleanETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	return strings.Trim(etag, `"`)
}

// ParseContentRange parses "bytes start-end/total". Total is -1 for "*".
func ParseContentRange(header string) (start, end, total int64, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	if size == "*" {
		total = -1
	} else if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range total: %w", err)
	}
	if span == "*" {
		return -1, -1, total, nil
	}
	first, last, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range start: %w", err)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range end: %w", err)
	}
	return start, end, total, nil
}
