package engine

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/driftbyte/medley/internal/manifest"
	"github.com/driftbyte/medley/internal/planner"
	"github.com/driftbyte/medley/internal/transport"
	"github.com/driftbyte/medley/internal/utils"
)

// fakeFetcher serves scripted content without a network. A hook can
// inject failures per request; concurrency high-water marks are tracked
// across overlapping Fetch calls.
type fakeFetcher struct {
	content []byte
	objects map[string][]byte // segment URL to body
	info    *transport.FileInfo
	hook    func(req transport.Request) error
	delay   time.Duration

	mu      sync.Mutex
	fetches map[string]int

	inflight atomic.Int32
	maxSeen  atomic.Int32
}

func newFakeFetcher(content []byte) *fakeFetcher {
	return &fakeFetcher{
		content: content,
		fetches: make(map[string]int),
	}
}

func reqKey(r transport.Request) string {
	return fmt.Sprintf("%s|%d", r.URL, r.Offset)
}

func (f *fakeFetcher) Fetch(ctx context.Context, r transport.Request) (*transport.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if cur <= seen || f.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.fetches[reqKey(r)]++
	f.mu.Unlock()
	if f.hook != nil {
		if err := f.hook(r); err != nil {
			return nil, err
		}
	}
	body := f.content
	if f.objects != nil {
		var ok bool
		body, ok = f.objects[r.URL]
		if !ok {
			return nil, &transport.Error{Class: transport.ClassFatal, Status: 404, Op: "GET", URL: r.URL}
		}
	}
	status := 200
	if r.Length > 0 {
		if r.Offset+r.Length > int64(len(body)) {
			return nil, &transport.Error{Class: transport.ClassFatal, Status: 416, Op: "GET", URL: r.URL}
		}
		body = body[r.Offset : r.Offset+r.Length]
		status = 206
	}
	return &transport.Result{
		Status:        status,
		ContentLength: int64(len(body)),
		Body:          io.NopCloser(bytes.NewReader(body)),
	}, nil
}

func (f *fakeFetcher) Probe(ctx context.Context, url string) (*transport.FileInfo, error) {
	if f.info != nil {
		return f.info, nil
	}
	return &transport.FileInfo{Size: int64(len(f.content)), SupportsRanges: true}, nil
}

func (f *fakeFetcher) Close() {}

func (f *fakeFetcher) fetchCount(url string, offset int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[fmt.Sprintf("%s|%d", url, offset)]
}

func testContent(n int) []byte {
	content := make([]byte, n)
	for i := range content {
		content[i] = byte(i * 7 % 251)
	}
	return content
}

func newTestEngine(f Fetcher, mods ...func(*Config)) *Engine {
	cfg := Config{
		MaxConcurrentTasks: 4,
		ConnectionsPerTask: 3,
		MaxChunkSize:       64,
		MaxRetries:         3,
		Backoff:            BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		NewFetcher: func(transport.ClientConfig) (Fetcher, error) {
			return f, nil
		},
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	return New(cfg)
}

func submitAndWait(t *testing.T, e *Engine, spec TaskSpec) *Task {
	t.Helper()
	task, err := e.Submit(spec)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for task")
	}
	return task
}

func directManifest(url string) *manifest.Manifest {
	return &manifest.Manifest{ResourceID: url, URL: url, TotalLength: -1}
}

func TestTaskCompletes(t *testing.T) {
	content := testContent(300)
	f := newFakeFetcher(content)
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading destination: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("assembled bytes do not match source")
	}
	if _, err := os.Stat(dest + utils.TempSuffix); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
	// 300 bytes at 64-byte chunks is 5 ranged fetches.
	for _, off := range []int64{0, 64, 128, 192, 256} {
		if n := f.fetchCount("http://src/file", off); n != 1 {
			t.Errorf("offset %d fetched %d times, want 1", off, n)
		}
	}
}

func TestChunkRetriesThenSucceeds(t *testing.T) {
	content := testContent(256)
	f := newFakeFetcher(content)
	var failures atomic.Int32
	failures.Store(2)
	f.hook = func(r transport.Request) error {
		if r.Offset == 128 && failures.Add(-1) >= 0 {
			return &transport.Error{Class: transport.ClassTransient, Status: 503, Op: "GET", URL: r.URL}
		}
		return nil
	}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	events := task.Subscribe()
	var retries int
	for ev := range events {
		if ev.Type == EventRetry {
			retries++
		}
	}
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	if retries != 2 {
		t.Errorf("observed %d retry events, want 2", retries)
	}
	if n := f.fetchCount("http://src/file", 128); n != 3 {
		t.Errorf("failing chunk fetched %d times, want 3", n)
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("assembled bytes do not match source")
	}
}

func TestFatalErrorNotRetried(t *testing.T) {
	content := testContent(256)
	f := newFakeFetcher(content)
	f.hook = func(r transport.Request) error {
		if r.Offset == 64 {
			return &transport.Error{Class: transport.ClassFatal, Status: 404, Op: "GET", URL: r.URL}
		}
		return nil
	}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if task.State() != StateFailed {
		t.Fatalf("state = %v, want failed", task.State())
	}
	var te *TaskError
	if !errors.As(task.Err(), &te) || te.Kind != KindFatalRequest {
		t.Errorf("err = %v, want fatal request kind", task.Err())
	}
	if n := f.fetchCount("http://src/file", 64); n != 1 {
		t.Errorf("fatal chunk fetched %d times, want 1", n)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination exists after failure")
	}
	if _, err := os.Stat(dest + utils.TempSuffix); !os.IsNotExist(err) {
		t.Error("temp file left behind after failure")
	}
}

func TestRetryBudgetExhausted(t *testing.T) {
	content := testContent(128)
	f := newFakeFetcher(content)
	f.hook = func(r transport.Request) error {
		if r.Offset == 0 {
			return &transport.Error{Class: transport.ClassTransient, Status: 502, Op: "GET", URL: r.URL}
		}
		return nil
	}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if task.State() != StateFailed {
		t.Fatalf("state = %v, want failed", task.State())
	}
	var te *TaskError
	if !errors.As(task.Err(), &te) || te.Kind != KindTransientNetwork {
		t.Errorf("err = %v, want transient network kind", task.Err())
	}
	// Initial attempt plus MaxRetries.
	if n := f.fetchCount("http://src/file", 0); n != 4 {
		t.Errorf("chunk fetched %d times, want 4", n)
	}
}

func TestConnectionsPerTaskBound(t *testing.T) {
	content := testContent(64 * 16)
	f := newFakeFetcher(content)
	f.delay = 20 * time.Millisecond
	e := newTestEngine(f, func(c *Config) {
		c.ConnectionsPerTask = 3
	})
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	if got := f.maxSeen.Load(); got > 3 {
		t.Errorf("max in-flight fetches = %d, want <= 3", got)
	}
}

func TestCancellationCleansUp(t *testing.T) {
	content := testContent(64 * 8)
	f := newFakeFetcher(content)
	f.delay = 50 * time.Millisecond
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	task.Cancel()
	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for cancellation")
	}
	if task.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", task.State())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination exists after cancellation")
	}
	if _, err := os.Stat(dest + utils.TempSuffix); !os.IsNotExist(err) {
		t.Error("temp file left behind after cancellation")
	}
}

func TestHashMismatchIsIntegrityFailure(t *testing.T) {
	content := testContent(128)
	f := newFakeFetcher(content)
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	m := directManifest("http://src/file")
	m.ContentHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	task := submitAndWait(t, e, TaskSpec{Manifest: m, Dest: dest})
	if task.State() != StateFailed {
		t.Fatalf("state = %v, want failed", task.State())
	}
	var te *TaskError
	if !errors.As(task.Err(), &te) || te.Kind != KindIntegrity {
		t.Errorf("err = %v, want integrity kind", task.Err())
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("destination exists after integrity failure")
	}
}

func TestSerialFallbackWithoutRangeSupport(t *testing.T) {
	content := testContent(500)
	f := newFakeFetcher(content)
	f.info = &transport.FileInfo{Size: -1, SupportsRanges: false}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("assembled bytes do not match source")
	}
	if n := f.fetchCount("http://src/file", 0); n != 1 {
		t.Errorf("serial source fetched %d times, want 1", n)
	}
}

func TestSerialFallbackKnownSize(t *testing.T) {
	// A server that reports its size but does not advertise range
	// support must be fetched with a plain GET; a Range header here
	// would come back as a 200 the ranged path rejects.
	content := testContent(500)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "" {
			t.Errorf("unexpected Range header %q", got)
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(content)))
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			w.Write(content)
		}
	}))
	defer server.Close()

	e := New(Config{
		MaxConcurrentTasks: 2,
		ConnectionsPerTask: 3,
		MaxChunkSize:       64,
		MaxRetries:         1,
		Backoff:            BackoffPolicy{Base: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	})
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest(server.URL + "/file"), Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("reading destination: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("assembled bytes do not match source")
	}
}

func TestSegmentedDownload(t *testing.T) {
	seg0 := testContent(100)
	seg1 := bytes.Repeat([]byte{0xAB}, 150)
	seg2 := testContent(50)
	f := newFakeFetcher(nil)
	f.objects = map[string][]byte{
		"http://cdn/seg0.ts": seg0,
		"http://cdn/seg1.ts": seg1,
		"http://cdn/seg2.ts": seg2,
	}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.ts")

	m := &manifest.Manifest{
		ResourceID:  "http://cdn/playlist.m3u8",
		TotalLength: -1,
		Segments: []planner.Segment{
			{URL: "http://cdn/seg0.ts"},
			{URL: "http://cdn/seg1.ts"},
			{URL: "http://cdn/seg2.ts"},
		},
	}
	task := submitAndWait(t, e, TaskSpec{Manifest: m, Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, _ := os.ReadFile(dest)
	want := append(append(append([]byte{}, seg0...), seg1...), seg2...)
	if !bytes.Equal(got, want) {
		t.Error("segments not concatenated in manifest order")
	}
}

func TestSegmentedKnownLengths(t *testing.T) {
	seg0 := testContent(100)
	seg1 := bytes.Repeat([]byte{0xCD}, 60)
	f := newFakeFetcher(nil)
	f.objects = map[string][]byte{
		"http://cdn/a.ts": seg0,
		"http://cdn/b.ts": seg1,
	}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.ts")

	m := &manifest.Manifest{
		ResourceID: "res-42",
		Segments: []planner.Segment{
			{URL: "http://cdn/a.ts", Length: 100},
			{URL: "http://cdn/b.ts", Length: 60},
		},
	}
	task := submitAndWait(t, e, TaskSpec{Manifest: m, Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, _ := os.ReadFile(dest)
	want := append(append([]byte{}, seg0...), seg1...)
	if !bytes.Equal(got, want) {
		t.Error("segments not assembled at fixed offsets")
	}
	snap := task.Snapshot()
	if snap.BytesTotal != 160 {
		t.Errorf("BytesTotal = %d, want 160", snap.BytesTotal)
	}
}

// wrapTestToken mirrors the licensing side: AES-CBC over key || nonce
// under the master key, prefixed with the IV, base64 encoded.
func wrapTestToken(t *testing.T, masterKey, key, nonce []byte) string {
	t.Helper()
	plain := append(append([]byte{}, key...), nonce...)
	if pad := len(plain) % aes.BlockSize; pad != 0 {
		plain = append(plain, make([]byte, aes.BlockSize-pad)...)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := cryptorand.Read(iv); err != nil {
		t.Fatalf("rand: %v", err)
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, plain)
	return base64.StdEncoding.EncodeToString(append(iv, out...))
}

func ctrEncrypt(t *testing.T, key, nonce, plaintext []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	iv := make([]byte, aes.BlockSize)
	copy(iv, nonce)
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv).XORKeyStream(out, plaintext)
	return out
}

func TestEncryptedDownload(t *testing.T) {
	masterKey := []byte("0123456789abcdef0123456789abcdef")
	key := []byte("sixteen byte key")
	nonce := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	plaintext := testContent(1000)
	ciphertext := ctrEncrypt(t, key, nonce, plaintext)

	f := newFakeFetcher(ciphertext)
	e := newTestEngine(f, func(c *Config) {
		c.MasterKey = masterKey
		c.MaxChunkSize = 250 // aligned down to 240 for encrypted sources
	})
	dest := filepath.Join(t.TempDir(), "out.flac")

	m := directManifest("http://src/track")
	m.KeyRef = wrapTestToken(t, masterKey, key, nonce)
	task := submitAndWait(t, e, TaskSpec{Manifest: m, Dest: dest})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, plaintext) {
		t.Error("decrypted artifact does not match plaintext")
	}
}

func TestInvalidKeyRefFailsWithoutRetry(t *testing.T) {
	f := newFakeFetcher(testContent(64))
	e := newTestEngine(f, func(c *Config) {
		c.MasterKey = []byte("0123456789abcdef0123456789abcdef")
	})
	dest := filepath.Join(t.TempDir(), "out.bin")

	m := directManifest("http://src/file")
	m.KeyRef = "not-a-valid-token"
	task := submitAndWait(t, e, TaskSpec{Manifest: m, Dest: dest})
	if task.State() != StateFailed {
		t.Fatalf("state = %v, want failed", task.State())
	}
	var te *TaskError
	if !errors.As(task.Err(), &te) || te.Kind != KindDecryptionKey {
		t.Errorf("err = %v, want decryption key kind", task.Err())
	}
	if n := f.fetchCount("http://src/file", 0); n != 0 {
		t.Errorf("fetched %d times before key validation, want 0", n)
	}
}

func TestSiblingTaskIsolation(t *testing.T) {
	good := testContent(128)
	f := newFakeFetcher(good)
	f.hook = func(r transport.Request) error {
		if r.URL == "http://src/broken" {
			return &transport.Error{Class: transport.ClassFatal, Status: 403, Op: "GET", URL: r.URL}
		}
		return nil
	}
	e := newTestEngine(f)
	dir := t.TempDir()

	broken, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/broken"), Dest: filepath.Join(dir, "broken.bin")})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	healthy := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: filepath.Join(dir, "good.bin")})
	<-broken.Done()

	if broken.State() != StateFailed {
		t.Errorf("broken task state = %v, want failed", broken.State())
	}
	if healthy.State() != StateCompleted {
		t.Errorf("healthy task state = %v, err = %v", healthy.State(), healthy.Err())
	}
	got, _ := os.ReadFile(filepath.Join(dir, "good.bin"))
	if !bytes.Equal(got, good) {
		t.Error("healthy task output corrupted by sibling failure")
	}
}

func TestTerminalEventExactlyOnce(t *testing.T) {
	f := newFakeFetcher(testContent(64))
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	events := task.Subscribe()
	var terminals int
	for ev := range events {
		if ev.Terminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("received %d terminal events, want exactly 1", terminals)
	}
}

func TestSubscribeAfterTerminal(t *testing.T) {
	f := newFakeFetcher(testContent(64))
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task := submitAndWait(t, e, TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	ch := task.Subscribe()
	select {
	case _, open := <-ch:
		if open {
			t.Error("late subscription should see a closed channel")
		}
	case <-time.After(time.Second):
		t.Error("late subscription channel never closed")
	}
}

func TestProgressMonotonicAcrossRetries(t *testing.T) {
	content := testContent(256)
	f := newFakeFetcher(content)
	var failures atomic.Int32
	failures.Store(1)
	f.hook = func(r transport.Request) error {
		if r.Offset == 192 && failures.Add(-1) >= 0 {
			return &transport.Error{Class: transport.ClassTransient, Status: 500, Op: "GET", URL: r.URL}
		}
		return nil
	}
	e := newTestEngine(f)
	dest := filepath.Join(t.TempDir(), "out.bin")

	task, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/file"), Dest: dest})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	var last int64
	for ev := range task.Subscribe() {
		if ev.Snapshot.BytesDone < last {
			t.Errorf("BytesDone went backwards: %d after %d", ev.Snapshot.BytesDone, last)
		}
		last = ev.Snapshot.BytesDone
	}
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
}

func TestSubmitValidation(t *testing.T) {
	e := newTestEngine(newFakeFetcher(nil))
	if _, err := e.Submit(TaskSpec{}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("empty spec error = %v, want ErrInvalidSpec", err)
	}
	if _, err := e.Submit(TaskSpec{Manifest: &manifest.Manifest{}, Dest: "x"}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("empty manifest error = %v, want ErrInvalidSpec", err)
	}
	if _, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/f")}); !errors.Is(err, ErrInvalidSpec) {
		t.Errorf("missing dest error = %v, want ErrInvalidSpec", err)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	e := newTestEngine(newFakeFetcher(testContent(64)))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	_, err := e.Submit(TaskSpec{Manifest: directManifest("http://src/f"), Dest: "x"})
	if !errors.Is(err, ErrEngineClosed) {
		t.Errorf("Submit after shutdown error = %v, want ErrEngineClosed", err)
	}
}

func TestLinkFromDedup(t *testing.T) {
	content := testContent(128)
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.bin")
	if err := os.WriteFile(existing, content, 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	f := newFakeFetcher(content)
	e := newTestEngine(f)
	dest := filepath.Join(dir, "dedup.bin")

	m := directManifest("http://src/file")
	task := submitAndWait(t, e, TaskSpec{Manifest: m, Dest: dest, LinkFrom: existing})
	if task.State() != StateCompleted {
		t.Fatalf("state = %v, err = %v", task.State(), task.Err())
	}
	got, _ := os.ReadFile(dest)
	if !bytes.Equal(got, content) {
		t.Error("linked artifact does not match")
	}
	// The probe runs during planning, but no chunk is ever fetched.
	for _, off := range []int64{0, 64} {
		if n := f.fetchCount("http://src/file", off); n != 0 {
			t.Errorf("offset %d fetched %d times despite dedup", off, n)
		}
	}
}
