package probe

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func TestProbeHeadWithRanges(t *testing.T) {
	data := bytes.Repeat([]byte("x"), 4096)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"abc123"`)
		http.ServeContent(w, r, "file.bin", time.Unix(1700000000, 0), bytes.NewReader(data))
	}))
	defer server.Close()

	desc, err := Probe(context.Background(), server.Client(), server.URL, Options{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if desc.TotalLength != int64(len(data)) {
		t.Errorf("TotalLength = %d, want %d", desc.TotalLength, len(data))
	}
	if !desc.AcceptRanges {
		t.Error("AcceptRanges = false, want true")
	}
	if got := desc.IdentityToken(); got != "etag:abc123" {
		t.Errorf("IdentityToken = %q, want etag:abc123", got)
	}
}

func TestProbeFallsBackToRangedGet(t *testing.T) {
	const total = 12345
	var methods []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods = append(methods, r.Method)
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") != "bytes=0-0" {
			t.Errorf("unexpected Range header %q", r.Header.Get("Range"))
		}
		w.Header().Set("Content-Range", "bytes 0-0/"+strconv.Itoa(total))
		w.Header().Set("Last-Modified", "Mon, 02 Jan 2006 15:04:05 GMT")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("a"))
	}))
	defer server.Close()

	desc, err := Probe(context.Background(), server.Client(), server.URL, Options{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if desc.TotalLength != total || !desc.AcceptRanges {
		t.Errorf("got length=%d ranges=%v, want %d true", desc.TotalLength, desc.AcceptRanges, total)
	}
	if desc.IdentityToken() != "lm:Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Errorf("IdentityToken = %q", desc.IdentityToken())
	}
	if len(methods) != 2 || methods[0] != http.MethodHead || methods[1] != http.MethodGet {
		t.Errorf("methods = %v, want [HEAD GET]", methods)
	}
}

func TestProbeWithoutAcceptRanges(t *testing.T) {
	data := bytes.Repeat([]byte("y"), 1000)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	}))
	defer server.Close()

	desc, err := Probe(context.Background(), server.Client(), server.URL, Options{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if desc.AcceptRanges {
		t.Error("AcceptRanges = true, want false")
	}
	if desc.TotalLength != int64(len(data)) {
		t.Errorf("TotalLength = %d, want %d", desc.TotalLength, len(data))
	}
}

func TestProbeServerRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := Probe(context.Background(), server.Client(), server.URL, Options{})
	if !errors.Is(err, ErrServerRejected) {
		t.Fatalf("err = %v, want ErrServerRejected", err)
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected *Error with status 404, got %#v", err)
	}
}

func TestProbeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := Probe(context.Background(), http.DefaultClient, url, Options{})
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestProbeAmbiguousLength(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		// Flushing before writing forces chunked encoding, so no Content-Length.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		w.Write([]byte("streamed"))
	}))
	defer server.Close()

	_, err := Probe(context.Background(), server.Client(), server.URL, Options{})
	if !errors.Is(err, ErrAmbiguousLength) {
		t.Fatalf("err = %v, want ErrAmbiguousLength", err)
	}

	desc, err := Probe(context.Background(), server.Client(), server.URL, Options{AllowUnknownLength: true})
	if err != nil {
		t.Fatalf("Probe with AllowUnknownLength: %v", err)
	}
	if desc.KnownLength() || desc.AcceptRanges {
		t.Errorf("got length=%d ranges=%v, want unknown and no ranges", desc.TotalLength, desc.AcceptRanges)
	}
}

func TestProbeEmptyResource(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "empty", time.Time{}, bytes.NewReader(nil))
	}))
	defer server.Close()

	desc, err := Probe(context.Background(), server.Client(), server.URL, Options{})
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if desc.TotalLength != 0 {
		t.Errorf("TotalLength = %d, want 0", desc.TotalLength)
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		header            string
		start, end, total int64
		wantErr           bool
	}{
		{"bytes 0-0/12345", 0, 0, 12345, false},
		{"bytes 100-199/1000", 100, 199, 1000, false},
		{"bytes 0-9/*", 0, 9, -1, false},
		{"bytes */0", -1, -1, 0, false},
		{"items 0-1/2", 0, 0, 0, true},
		{"bytes 0-x/10", 0, 0, 0, true},
	}
	for _, tt := range tests {
		start, end, total, err := ParseContentRange(tt.header)
		if (err != nil) != tt.wantErr {
			t.Errorf("%q: err = %v, wantErr %v", tt.header, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			continue
		}
		if start != tt.start || end != tt.end || total != tt.total {
			t.Errorf("%q: got %d-%d/%d, want %d-%d/%d", tt.header, start, end, total, tt.start, tt.end, tt.total)
		}
	}
}

func TestCleanETag(t *testing.T) {
	for in, want := range map[string]string{
		`"abc"`:   "abc",
		`W/"abc"`: "abc",
		"plain":   "plain",
		"":        "",
	} {
		if got := CleanETag(in); got != want {
			t.Errorf("CleanETag(%q) = %q, want %q", in, got, want)
		}
	}
}
