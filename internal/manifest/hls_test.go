package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/driftbyte/medley/internal/planner"
	"github.com/driftbyte/medley/internal/transport"
)

func newResolver(t *testing.T) *HTTPResolver {
	t.Helper()
	c, err := transport.NewClient(transport.ClientConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	t.Cleanup(c.Close)
	return &HTTPResolver{Client: c}
}

func TestResolveDirectURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "4096")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()
	r := newResolver(t)

	m, err := r.Resolve(context.Background(), server.URL+"/file.bin", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.Segmented() {
		t.Error("direct URL should not be segmented")
	}
	if m.TotalLength != 4096 {
		t.Errorf("TotalLength = %d, want 4096", m.TotalLength)
	}
	if m.URL != server.URL+"/file.bin" {
		t.Errorf("URL = %q", m.URL)
	}
}

func TestResolveMediaPlaylist(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXTINF:4.0,\nseg0.ts\n#EXTINF:4.0,\nseg1.ts\n#EXTINF:2.0,\nseg2.ts\n#EXT-X-ENDLIST\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	r := newResolver(t)

	m, err := r.Resolve(context.Background(), server.URL+"/media.m3u8", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !m.Segmented() {
		t.Fatal("playlist should resolve to segments")
	}
	if len(m.Segments) != 3 {
		t.Fatalf("got %d segments, want 3", len(m.Segments))
	}
	if m.Segments[1].URL != server.URL+"/seg1.ts" {
		t.Errorf("segment URL = %q, want resolved relative reference", m.Segments[1].URL)
	}
	if m.TotalLength != -1 {
		t.Errorf("TotalLength = %d, want -1 for playlist streams", m.TotalLength)
	}
	if m.SegmentLengthsKnown() {
		t.Error("playlist segments have no declared lengths")
	}
}

func TestResolveMasterPlaylistRecursesIntoVariant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\nhigh/media.m3u8\n#EXT-X-STREAM-INF:BANDWIDTH=1000000\nlow/media.m3u8\n"))
	})
	mux.HandleFunc("/high/media.m3u8", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXTINF:4.0,\nchunk0.ts\n#EXTINF:4.0,\nchunk1.ts\n#EXT-X-ENDLIST\n"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	r := newResolver(t)

	m, err := r.Resolve(context.Background(), server.URL+"/master.m3u8", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(m.Segments) != 2 {
		t.Fatalf("got %d segments, want 2 from first variant", len(m.Segments))
	}
	if m.Segments[0].URL != server.URL+"/high/chunk0.ts" {
		t.Errorf("segment URL = %q, want first variant's segment", m.Segments[0].URL)
	}
}

func TestResolveEmptyPlaylistFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	}))
	defer server.Close()
	r := newResolver(t)

	if _, err := r.Resolve(context.Background(), server.URL+"/empty.m3u8", ""); err == nil {
		t.Error("expected error for playlist without segments")
	}
}

func TestResolveNoRangeSupport(t *testing.T) {
	content := make([]byte, 777)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer server.Close()
	r := newResolver(t)

	m, err := r.Resolve(context.Background(), server.URL+"/stream", "")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if m.TotalLength != 777 {
		t.Errorf("TotalLength = %d, want 777", m.TotalLength)
	}
}

func TestManifestPredicates(t *testing.T) {
	direct := &Manifest{URL: "http://x/f", TotalLength: 10}
	if direct.Segmented() || direct.SegmentLengthsKnown() {
		t.Error("direct manifest misreported as segmented")
	}
	known := &Manifest{Segments: []planner.Segment{{URL: "a", Length: 5}, {URL: "b", Length: 3}}}
	if !known.Segmented() || !known.SegmentLengthsKnown() {
		t.Error("fully sized segment list misreported")
	}
	partial := &Manifest{Segments: []planner.Segment{{URL: "a", Length: 5}, {URL: "b"}}}
	if partial.SegmentLengthsKnown() {
		t.Error("segment without length reported as known")
	}
}
