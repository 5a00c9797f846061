package transfer

import (
	"bytes"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"
)

// rangeServer serves a fixed payload, logs every ranged GET and can inject
// failures per Range header value.
type rangeServer struct {
	*httptest.Server

	mu       sync.Mutex
	data     []byte
	getData  []byte // served to GETs instead of data when set
	etag     string
	getETag  string // overrides etag on GET responses when set
	modified string // Last-Modified value, omitted when empty
	getMod   string // overrides modified on GET responses when set
	noRanges bool   // never advertise or honour ranges
	ignore   bool   // advertise ranges on HEAD but answer every GET with 200
	ranges   []string
	failures map[string]int // Range value -> remaining 503 replies
	statuses map[string]int // Range value -> fixed status reply
	stalls   map[string]int // Range value -> remaining stalled replies
	stall    bool           // stream half of each range then block until the client leaves
}

func newRangeServer(t *testing.T, data []byte) *rangeServer {
	t.Helper()
	rs := &rangeServer{
		data:     data,
		etag:     `"v1"`,
		failures: make(map[string]int),
		statuses: make(map[string]int),
		stalls:   make(map[string]int),
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.serve))
	t.Cleanup(rs.Close)
	return rs
}

func randomData(n int) []byte {
	r := rand.New(rand.NewSource(int64(n)))
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(r.Intn(256))
	}
	return data
}

func (rs *rangeServer) serve(w http.ResponseWriter, r *http.Request) {
	rng := r.Header.Get("Range")
	rs.mu.Lock()
	if r.Method == http.MethodGet && rng != "" {
		rs.ranges = append(rs.ranges, rng)
	}
	if n := rs.failures[rng]; n > 0 && r.Method == http.MethodGet {
		rs.failures[rng] = n - 1
		rs.mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if code, ok := rs.statuses[rng]; ok && r.Method == http.MethodGet {
		rs.mu.Unlock()
		w.WriteHeader(code)
		return
	}
	etag, modified, data := rs.etag, rs.modified, rs.data
	if r.Method == http.MethodGet {
		if rs.getETag != "" {
			etag = rs.getETag
		}
		if rs.getMod != "" {
			modified = rs.getMod
		}
		if rs.getData != nil {
			data = rs.getData
		}
	}
	noRanges, ignore, stall := rs.noRanges, rs.ignore, rs.stall
	if n := rs.stalls[rng]; n > 0 && r.Method == http.MethodGet {
		rs.stalls[rng] = n - 1
		stall = true
	}
	rs.mu.Unlock()

	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	if modified != "" {
		w.Header().Set("Last-Modified", modified)
	}
	switch {
	case noRanges || (ignore && r.Method == http.MethodGet):
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	case stall && r.Method == http.MethodGet && rng != "":
		start, end := parseRangeHeader(rng)
		w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.Itoa(len(data)))
		w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[start : start+(end-start+1)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	default:
		http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
	}
}

func (rs *rangeServer) rangeLog() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]string(nil), rs.ranges...)
}

func (rs *rangeServer) countRange(rng string) int {
	n := 0
	for _, r := range rs.rangeLog() {
		if r == rng {
			n++
		}
	}
	return n
}

func parseRangeHeader(h string) (int64, int64) {
	var start, end int64
	span := h[len("bytes="):]
	for i := 0; i < len(span); i++ {
		if span[i] == '-' {
			start, _ = strconv.ParseInt(span[:i], 10, 64)
			end, _ = strconv.ParseInt(span[i+1:], 10, 64)
			break
		}
	}
	return start, end
}
