package idm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func randomContent(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(97 + rand.Intn(122-97))
	}
	return b
}

// parseRangeHeader reads a `bytes=start-end` header. It is called from the
// server goroutines, so it reports errors without stopping the test.
func parseRangeHeader(t *testing.T, h string) Range {
	p := strings.Split(strings.TrimPrefix(h, "bytes="), "-")
	if len(p) != 2 {
		t.Errorf("unexpected range header %q", h)
		return Range{}
	}
	s, err := strconv.ParseUint(p[0], 10, 64)
	if err != nil {
		t.Errorf("unexpected range header %q: %s", h, err)
	}
	e, err := strconv.ParseUint(p[1], 10, 64)
	if err != nil {
		t.Errorf("unexpected range header %q: %s", h, err)
	}
	return Range{s, e}
}

func contentServer(content []byte, mw func(w http.ResponseWriter, r *http.Request) bool) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if mw != nil && !mw(w, r) {
				return
			}
			http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(content))
		},
	))
}

func testDownloader(t *testing.T) *Downloader {
	return &Downloader{
		OutputDir:            t.TempDir(),
		Timeout:              5 * time.Second,
		ConcurrencyPerServer: 4,
		MaxRetries:           1,
		ChunkSize:            1000,
		PartitionSize:        5,
		WaitRetry:            10 * time.Millisecond,
		RoundTimeout:         10 * time.Second,
		MaxStalledRounds:     DefaultMaxStalledRounds,
	}
}

func assertNoProgressFiles(t *testing.T, pth string) {
	t.Helper()
	primary, backup := ProgressPaths(pth)
	for _, p := range []string{primary, backup} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("expected %s not to exist, got %v", p, err)
		}
	}
}

func TestDownload_Identical(t *testing.T) {
	for _, size := range []int{1, 999, 1000, 1001, 40_000, 123_456} {
		t.Run(strconv.Itoa(size), func(t *testing.T) {
			content := randomContent(size)
			s := contentServer(content, nil)
			defer s.Close()
			d := testDownloader(t)
			var last DownloadStatus
			for got := range d.Download(s.URL + "/file.bin") {
				if got.Error != nil {
					t.Fatalf("expected no error, got %s", got.Error)
				}
				last = got
			}
			if !last.IsFinished() {
				t.Errorf("expected last status to be finished, got %+v", last)
			}
			if last.FileSizeBytes != uint64(size) {
				t.Errorf("invalid FileSizeBytes. want:%d got:%d", size, last.FileSizeBytes)
			}
			if last.DownloadedFilePath != filepath.Join(d.OutputDir, "file.bin") {
				t.Errorf("unexpected download path %s", last.DownloadedFilePath)
			}
			b, err := os.ReadFile(last.DownloadedFilePath)
			if err != nil {
				t.Fatalf("error reading downloaded file (%s): %q", last.DownloadedFilePath, err)
			}
			if !bytes.Equal(content, b) {
				t.Error("downloaded contents differ from expected")
			}
			assertNoProgressFiles(t, last.DownloadedFilePath)
		})
	}
}

func TestDownload_OkWithDefaultDownloader(t *testing.T) {
	s := contentServer([]byte("42"), nil)
	defer s.Close()

	d := DefaultDownloader()
	d.OutputDir = t.TempDir()
	var got DownloadStatus
	for got = range d.Download(s.URL) {
	}
	if got.Error != nil {
		t.Errorf("invalid error. want:nil got:%q", got.Error)
	}
	if got.URL != s.URL {
		t.Errorf("invalid URL. want:%s got:%s", s.URL, got.URL)
	}
	if got.DownloadedFileBytes != 2 {
		t.Errorf("invalid DownloadedFileBytes. want:2 got:%d", got.DownloadedFileBytes)
	}
	if filepath.Base(got.DownloadedFilePath) != "download" {
		t.Errorf("expected a URL without path to be saved as download, got %s", got.DownloadedFilePath)
	}
	b, err := os.ReadFile(got.DownloadedFilePath)
	if err != nil {
		t.Errorf("error reading downloaded file (%s): %q", got.DownloadedFilePath, err)
	}
	if string(b) != "42" {
		t.Errorf("invalid downloaded file content. want:42 got:%s", string(b))
	}
}

func TestDownload_ErrorGettingSize(t *testing.T) {
	var heads atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				heads.Add(1)
			}
			w.WriteHeader(http.StatusBadRequest)
		},
	))
	defer s.Close()
	d := testDownloader(t)
	d.MaxRetries = 3
	ch := d.Download(s.URL + "/file.bin")
	got := <-ch
	if got.Error == nil {
		t.Fatal("expected an error, but got nil")
	}
	if !errors.Is(got.Error, ErrUnexpectedStatus) {
		t.Errorf("expected ErrUnexpectedStatus, got %s", got.Error)
	}
	if n := heads.Load(); n != 3 {
		t.Errorf("expected 3 attempts, got %d", n)
	}
	if _, ok := <-ch; ok {
		t.Error("expected channel closed, but did not get it")
	}
	if _, err := os.Stat(filepath.Join(d.OutputDir, "file.bin")); !os.IsNotExist(err) {
		t.Errorf("expected no output file, got %v", err)
	}
}

func TestDownload_ErrorUnknownSize(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "")
		},
	))
	defer s.Close()
	d := testDownloader(t)
	err := d.Run(context.Background(), s.URL)
	if !errors.Is(err, ErrUnknownSize) {
		t.Errorf("expected ErrUnknownSize, got %v", err)
	}
}

func TestDownload_RateLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rate limit test in short mode")
	}
	for _, tc := range []struct {
		size          int
		limit         int64
		chunkSize     uint64
		partitionSize uint64
		workers       int
	}{
		{20_000, 10_000, 1000, 5, 4},
		{1_000_000, 100_000, 4096, 100, 2},
	} {
		t.Run(fmt.Sprintf("%d at %d", tc.size, tc.limit), func(t *testing.T) {
			content := randomContent(tc.size)
			s := contentServer(content, nil)
			defer s.Close()
			d := testDownloader(t)
			d.MaxBytesPerSecond = tc.limit
			d.ChunkSize = tc.chunkSize
			d.PartitionSize = tc.partitionSize
			d.ConcurrencyPerServer = tc.workers
			d.Timeout = time.Minute
			want := time.Duration(int64(tc.size)/tc.limit) * time.Second
			start := time.Now()
			if err := d.Run(context.Background(), s.URL+"/file.bin"); err != nil {
				t.Fatalf("expected no error, got %s", err)
			}
			if elapsed := time.Since(start); elapsed < want-100*time.Millisecond {
				t.Errorf("expected %d bytes at %d bytes/s to take at least %s, took %s", tc.size, tc.limit, want, elapsed)
			}
			b, err := os.ReadFile(filepath.Join(d.OutputDir, "file.bin"))
			if err != nil {
				t.Fatalf("error reading downloaded file: %s", err)
			}
			if !bytes.Equal(content, b) {
				t.Error("downloaded contents differ from expected")
			}
		})
	}
}

func TestDownload_Resume(t *testing.T) {
	content := randomContent(40_000)
	half := uint64(20_000)
	var (
		failing   atomic.Bool
		lock      sync.Mutex
		requested []Range
	)
	s := contentServer(content, func(w http.ResponseWriter, r *http.Request) bool {
		h := r.Header.Get("Range")
		if h == "" {
			return true
		}
		rng := parseRangeHeader(t, h)
		if failing.Load() && rng.Start >= half {
			w.WriteHeader(http.StatusInternalServerError)
			return false
		}
		lock.Lock()
		requested = append(requested, rng)
		lock.Unlock()
		return true
	})
	defer s.Close()

	// first attempt: ranges in the second half of the file fail
	failing.Store(true)
	d := testDownloader(t)
	d.MaxStalledRounds = 1
	pth := filepath.Join(d.OutputDir, "file.bin")
	err := d.Run(context.Background(), s.URL+"/file.bin")
	if !errors.Is(err, ErrStalled) {
		t.Fatalf("expected ErrStalled, got %v", err)
	}
	primary, backup := ProgressPaths(pth)
	for _, p := range []string{primary, backup} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("expected %s to exist after a failed download, got %s", p, err)
		}
	}
	p, err := LoadProgress(primary, d.PartitionSize)
	if err != nil {
		t.Fatalf("expected no error loading the progress, got %s", err)
	}
	if got := p.DownloadedBytes(); got != half {
		t.Errorf("expected %d bytes in the progress, got %d", half, got)
	}

	// second attempt: only the missing ranges are requested
	failing.Store(false)
	lock.Lock()
	requested = nil
	lock.Unlock()
	d.MaxStalledRounds = DefaultMaxStalledRounds
	if err := d.Run(context.Background(), s.URL+"/file.bin"); err != nil {
		t.Fatalf("expected no error resuming, got %s", err)
	}
	var total uint64
	lock.Lock()
	defer lock.Unlock()
	for _, r := range requested {
		if r.Start < half {
			t.Errorf("expected no request for bytes already on disk, got %s", r.Header())
		}
		total += r.Length()
	}
	if total != uint64(len(content))-half {
		t.Errorf("expected %d bytes requested, got %d", uint64(len(content))-half, total)
	}
	b, err := os.ReadFile(pth)
	if err != nil {
		t.Fatalf("error reading downloaded file: %s", err)
	}
	if !bytes.Equal(content, b) {
		t.Error("downloaded contents differ from expected")
	}
	assertNoProgressFiles(t, pth)
}

func TestDownload_RateLimitLongerThanTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping rate limit test in short mode")
	}
	content := randomContent(20_000)
	var (
		lock      sync.Mutex
		requested []Range
	)
	s := contentServer(content, func(w http.ResponseWriter, r *http.Request) bool {
		if h := r.Header.Get("Range"); h != "" {
			lock.Lock()
			requested = append(requested, parseRangeHeader(t, h))
			lock.Unlock()
		}
		return true
	})
	defer s.Close()
	d := testDownloader(t)
	d.ChunkSize = 1000
	d.PartitionSize = 10
	d.ConcurrencyPerServer = 2
	d.MaxBytesPerSecond = 10_000 // each range takes about 2s
	d.Timeout = 500 * time.Millisecond
	if err := d.Run(context.Background(), s.URL+"/file.bin"); err != nil {
		t.Fatalf("expected no error, got %s", err)
	}
	lock.Lock()
	defer lock.Unlock()
	if len(requested) != 2 {
		t.Errorf("expected 2 range requests, got %d", len(requested))
	}
	seen := make(map[Range]bool)
	for _, r := range requested {
		if seen[r] {
			t.Errorf("expected %s to be requested once", r.Header())
		}
		seen[r] = true
	}
	b, err := os.ReadFile(filepath.Join(d.OutputDir, "file.bin"))
	if err != nil {
		t.Fatalf("error reading downloaded file: %s", err)
	}
	if !bytes.Equal(content, b) {
		t.Error("downloaded contents differ from expected")
	}
}

func TestDownload_ResumeWithoutOutputFile(t *testing.T) {
	content := randomContent(10_000)
	d := testDownloader(t)
	pth := filepath.Join(d.OutputDir, "file.bin")
	var requested atomic.Int64
	s := contentServer(content, func(w http.ResponseWriter, r *http.Request) bool {
		if h := r.Header.Get("Range"); h != "" {
			requested.Add(int64(parseRangeHeader(t, h).Length()))
		}
		return true
	})
	defer s.Close()

	// the progress survived but the output file was deleted
	old := NewProgress(s.URL+"/file.bin", pth, 10_000, d.ChunkSize, d.PartitionSize)
	old.RecordChunks([]Chunk{
		{Offset: 0, Payload: make([]byte, 1000)},
		{Offset: 1000, Payload: make([]byte, 1000)},
		{Offset: 2000, Payload: make([]byte, 1000)},
	})
	if err := old.Persist(ProgressPaths(pth)); err != nil {
		t.Fatalf("expected no error persisting the progress, got %s", err)
	}
	if err := d.Run(context.Background(), s.URL+"/file.bin"); err != nil {
		t.Fatalf("expected no error, got %s", err)
	}
	if n := requested.Load(); n != 10_000 {
		t.Errorf("expected the whole file to be requested, got %d bytes", n)
	}
	b, err := os.ReadFile(pth)
	if err != nil {
		t.Fatalf("error reading downloaded file: %s", err)
	}
	if !bytes.Equal(content, b) {
		t.Error("downloaded contents differ from expected")
	}
	assertNoProgressFiles(t, pth)
}

func TestDownload_ErrorPersistingProgress(t *testing.T) {
	s := contentServer(randomContent(10_000), nil)
	defer s.Close()
	d := testDownloader(t)
	pth := filepath.Join(d.OutputDir, "file.bin")
	primary, backup := ProgressPaths(pth)
	if err := os.Mkdir(backup, 0755); err != nil { // the backup cannot be replaced
		t.Fatal(err)
	}
	err := d.Run(context.Background(), s.URL+"/file.bin")
	if err == nil {
		t.Fatal("expected an error persisting the progress, got nil")
	}
	if errors.Is(err, ErrStalled) || errors.Is(err, context.Canceled) {
		t.Errorf("expected the writer error, got %s", err)
	}
	var lerr *os.LinkError
	if !errors.As(err, &lerr) || !strings.Contains(err.Error(), "error persisting progress file") {
		t.Errorf("expected an error renaming the backup progress file, got %s", err)
	}
	if _, err := os.Stat(primary); err != nil {
		t.Errorf("expected %s to exist, got %s", primary, err)
	}
}

func TestDownload_Restart(t *testing.T) {
	content := randomContent(10_000)
	d := testDownloader(t)
	pth := filepath.Join(d.OutputDir, "file.bin")
	var requested atomic.Int64
	s := contentServer(content, func(w http.ResponseWriter, r *http.Request) bool {
		if h := r.Header.Get("Range"); h != "" {
			requested.Add(int64(parseRangeHeader(t, h).Length()))
		}
		return true
	})
	defer s.Close()

	// a previous attempt with the first chunk on disk
	old := NewProgress(s.URL+"/file.bin", pth, 10_000, d.ChunkSize, d.PartitionSize)
	old.RecordChunks([]Chunk{{Offset: 0, Payload: make([]byte, 1000)}})
	if err := old.Persist(ProgressPaths(pth)); err != nil {
		t.Fatalf("expected no error persisting the progress, got %s", err)
	}
	d.Restart = true
	if err := d.Run(context.Background(), s.URL+"/file.bin"); err != nil {
		t.Fatalf("expected no error, got %s", err)
	}
	if n := requested.Load(); n != 10_000 {
		t.Errorf("expected the whole file to be requested, got %d bytes", n)
	}
	b, err := os.ReadFile(pth)
	if err != nil {
		t.Fatalf("error reading downloaded file: %s", err)
	}
	if !bytes.Equal(content, b) {
		t.Error("downloaded contents differ from expected")
	}
}

func TestDownloadWithContext_UserCancel(t *testing.T) {
	content := randomContent(10_000)
	s := contentServer(content, nil)
	defer s.Close()
	d := testDownloader(t)
	d.MaxBytesPerSecond = 1000 // slow enough to be cancelled midway
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	var last DownloadStatus
	for last = range d.DownloadWithContext(ctx, s.URL+"/file.bin") {
	}
	if !errors.Is(last.Error, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", last.Error)
	}
	if !last.IsFinished() {
		t.Error("expected a status with error to be finished")
	}
}

func TestDownload_ErrorCreatingFile(t *testing.T) {
	s := contentServer(randomContent(5_000), nil)
	defer s.Close()
	d := testDownloader(t)
	d.OutputDir = filepath.Join(t.TempDir(), "missing")
	if err := d.Run(context.Background(), s.URL+"/file.bin"); err == nil {
		t.Error("expected an error creating the output file, got nil")
	}
}

func TestGetDownloadSize_ContentLength(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "Test")
		},
	))
	defer s.Close()

	d := DefaultDownloader()
	d.setDefaults()
	got, err := d.getDownloadSize(context.Background(), s.URL)

	if err != nil {
		t.Errorf("expected no error getting the file size, got %s", err)
	}
	if got != 4 {
		t.Errorf("invalid size, expected 4, got: %d", got)
	}
}

func TestGetDownloadSize_WithRetry(t *testing.T) {
	attempts := int32(0)
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			if atomic.CompareAndSwapInt32(&attempts, 0, 1) {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			fmt.Fprint(w, "Test")
		},
	))
	defer s.Close()

	d := DefaultDownloader()
	d.setDefaults()
	got, err := d.getDownloadSize(context.Background(), s.URL)

	if err != nil {
		t.Errorf("expected no error getting the file size, got %s", err)
	}
	if got != 4 {
		t.Errorf("invalid size, expected 4, got: %d", got)
	}
}

func TestGetDownloadSize_ContentRange(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Range", "bytes 1-10/123")
			fmt.Fprint(w, "")
		},
	))
	defer s.Close()

	d := DefaultDownloader()
	d.setDefaults()
	got, err := d.getDownloadSize(context.Background(), s.URL)

	if err != nil {
		t.Errorf("expected no error getting the file size, got %s", err)
	}
	if got != 123 {
		t.Errorf("invalid size, expected 123, got: %d", got)
	}
}

func TestGetDownloadSize_ErrorInvalidURL(t *testing.T) {
	d := DefaultDownloader()
	d.MaxRetries = 1
	d.setDefaults()
	got, err := d.getDownloadSize(context.Background(), "test")

	if err == nil {
		t.Errorf("expected an error, got nil")
	}
	if got != 0 {
		t.Errorf("invalid size, expected 0, got: %d", got)
	}
}

func TestGetDownloadSize_NoContent(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "")
		},
	))
	defer s.Close()

	d := DefaultDownloader()
	d.MaxRetries = 1
	d.setDefaults()
	if _, err := d.getDownloadSize(context.Background(), s.URL); err == nil {
		t.Error("expected error getting the file size, got nil")
	}
}

func TestTotalFromContentRange(t *testing.T) {
	for _, tc := range []struct {
		header string
		want   uint64
		err    bool
	}{
		{"bytes 0-9/10", 10, false},
		{" bytes 1-10/123 ", 123, false},
		{"bytes */42", 42, false},
		{"bytes 0-9/*", 0, true},
		{"bytes 0-9/0", 0, true},
		{"", 0, true},
	} {
		got, err := totalFromContentRange(tc.header)
		if tc.err && err == nil {
			t.Errorf("expected an error for %q, got nil", tc.header)
		}
		if !tc.err && err != nil {
			t.Errorf("expected no error for %q, got %s", tc.header, err)
		}
		if got != tc.want {
			t.Errorf("expected %d for %q, got %d", tc.want, tc.header, got)
		}
	}
}

func TestFileName(t *testing.T) {
	for _, tc := range []struct {
		url  string
		want string
	}{
		{"https://test.etc/archive.zip", "archive.zip"},
		{"https://test.etc/dir/archive.zip?token=42", "archive.zip"},
		{"https://test.etc/", "download"},
		{"https://test.etc", "download"},
		{"://invalid", "download"},
	} {
		if got := fileName(tc.url); got != tc.want {
			t.Errorf("expected file name for %s to be %s, got %s", tc.url, tc.want, got)
		}
	}
}

func TestPoolSize(t *testing.T) {
	d := Downloader{ChunkSize: 10, PartitionSize: 10, ConcurrencyPerServer: 8}
	for _, tc := range []struct {
		size uint64
		want int
	}{
		{1, 1},
		{99, 1},
		{300, 3},
		{10_000, 8},
	} {
		if got := d.poolSize(tc.size); got != tc.want {
			t.Errorf("expected pool size for %d bytes to be %d, got %d", tc.size, tc.want, got)
		}
	}
	huge := Downloader{ChunkSize: 1 << 60, PartitionSize: 16, ConcurrencyPerServer: 8}
	if got := huge.poolSize(1000); got != 1 {
		t.Errorf("expected pool size for huge partitions to be 1, got %d", got)
	}
}

func TestDownloadStatus_IsFinished(t *testing.T) {
	for _, tc := range []struct {
		status DownloadStatus
		want   bool
	}{
		{DownloadStatus{}, false},
		{DownloadStatus{FileSizeBytes: 10, DownloadedFileBytes: 5}, false},
		{DownloadStatus{FileSizeBytes: 10, DownloadedFileBytes: 10}, true},
		{DownloadStatus{Error: errors.New("oops")}, true},
	} {
		if got := tc.status.IsFinished(); got != tc.want {
			t.Errorf("expected IsFinished for %+v to be %t, got %t", tc.status, tc.want, got)
		}
	}
}
