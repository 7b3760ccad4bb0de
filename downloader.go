package idm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultTimeout              = 90 * time.Second
	DefaultConcurrencyPerServer = 8
	DefaultMaxRetries           = 5
	DefaultChunkSize            = 4096
	DefaultPartitionSize        = 1000
	DefaultWaitRetry            = 1 * time.Second
	DefaultRoundTimeout         = 300 * time.Second
	DefaultMaxStalledRounds     = 5
	DefaultRestart              = false
)

var (
	ErrUnknownSize = errors.New("could not determine the size of the remote file")
	ErrStalled     = errors.New("download stalled")
)

// DownloadStatus is the data propagated via the channel sent back to the user
// and it contains information about the download.
type DownloadStatus struct {
	// URL this status refers to
	URL string

	// DownloadedFilePath in the user local system
	DownloadedFilePath string

	// FileSizeBytes is the total size of the file as informed by the server
	FileSizeBytes uint64

	// DownloadedFileBytes already on disk (including bytes downloaded in
	// previous attempts)
	DownloadedFileBytes uint64

	// BytesPerSecond is a moving average of the write throughput
	BytesPerSecond float64

	// Any non-recoverable error captured during the download (failed range
	// requests are not reported here, they are retried in the next round).
	Error error
}

// IsFinished informs the user whether a download is done (successfully or
// with error).
func (s *DownloadStatus) IsFinished() bool {
	return s.Error != nil || (s.FileSizeBytes > 0 && s.DownloadedFileBytes == s.FileSizeBytes)
}

// Downloader can be configured by the user before starting the download using
// the following fields.
//
// A download runs in rounds: each round scans the progress for missing ranges
// and hands them to a bounded pool of fetchers. A range that fails is not
// retried right away, its slots stay missing and are offered again in the
// next round. This is simpler than resubmitting on failure, at the cost of
// waiting for the slowest fetcher of the round before retrying.
type Downloader struct {
	// OutputDir is where the downloaded file will be saved. If not set,
	// defaults to the current working directory.
	OutputDir string

	// client is the HTTP client used to get the file size and by the
	// default range getter.
	client *http.Client

	// getter performs the range requests (defaults to HTTP).
	getter RangeGetter

	// Timeout for each request getting the file size. For range requests it
	// bounds each wait on the server (the response and then the bytes of each
	// chunk); time spent waiting for the rate limiter does not count.
	Timeout time.Duration

	// ConcurrencyPerServer is the max number of concurrent range requests. The
	// pool is never larger than the number of partition-sized pieces of the
	// file.
	ConcurrencyPerServer int

	// MaxBytesPerSecond caps the aggregate download rate. Zero means no limit.
	MaxBytesPerSecond int64

	// MaxRetries is the number of attempts to get the size of the file.
	MaxRetries uint

	// WaitRetry is the pause before retrying to get the file size and before
	// a round following a round without progress.
	WaitRetry time.Duration

	// ChunkSize is the unit of progress accounting: each slot of the file is
	// one chunk.
	ChunkSize uint64

	// PartitionSize is the max number of slots requested in a single range
	// request.
	PartitionSize uint64

	// RoundTimeout is the ceiling for a round: range requests still running
	// are cancelled and their missing slots offered again in the next round.
	RoundTimeout time.Duration

	// MaxStalledRounds is the number of consecutive rounds without any new
	// chunk on disk after which the download fails. Zero means no limit.
	MaxStalledRounds int

	// Restart ignores the progress of previous attempts.
	Restart bool

	// Logger receives the download events. The zero value logs nothing.
	Logger zerolog.Logger
}

func (d *Downloader) setDefaults() {
	if d.ChunkSize == 0 {
		d.ChunkSize = DefaultChunkSize
	}
	if d.PartitionSize == 0 {
		d.PartitionSize = DefaultPartitionSize
	}
	if d.ConcurrencyPerServer <= 0 {
		d.ConcurrencyPerServer = 1
	}
	if d.client == nil {
		d.client = newClient(d.ConcurrencyPerServer)
	}
	if d.getter == nil {
		d.getter = httpRangeGetter{d.client}
	}
}

func (d *Downloader) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.Timeout)
}

func (d *Downloader) getDownloadSize(ctx context.Context, u string) (uint64, error) {
	s, err := retry.DoWithData(
		func() (uint64, error) {
			ctx, cancel := d.withTimeout(ctx)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodHead, u, nil)
			if err != nil {
				return 0, retry.Unrecoverable(fmt.Errorf("creating the request for %s: %w", u, err))
			}
			resp, err := d.client.Do(req)
			if err != nil {
				return 0, fmt.Errorf("dispatching the request for %s: %w", u, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return 0, fmt.Errorf("%w for %s: %s", ErrUnexpectedStatus, u, resp.Status)
			}
			if resp.ContentLength > 0 {
				return uint64(resp.ContentLength), nil
			}
			return totalFromContentRange(resp.Header.Get("Content-Range"))
		},
		retry.Context(ctx),
		retry.Attempts(max(1, d.MaxRetries)),
		retry.MaxDelay(d.WaitRetry),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return 0, fmt.Errorf("error sending head http request to %s: %w", u, err)
	}
	return s, nil
}

// totalFromContentRange reads the total from a `bytes 1-10/123` header.
func totalFromContentRange(h string) (uint64, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0, ErrUnknownSize
	}
	p := strings.Split(h, "/")
	s, err := strconv.ParseUint(p[len(p)-1], 10, 64)
	if err != nil || s == 0 {
		return 0, fmt.Errorf("%w: invalid content range %q", ErrUnknownSize, h)
	}
	return s, nil
}

// fileName is the base name of the URL path.
func fileName(u string) string {
	p, err := url.Parse(u)
	if err != nil {
		return "download"
	}
	n := path.Base(p.Path)
	if n == "/" || n == "." || n == "" {
		return "download"
	}
	return n
}

// poolSize never exceeds the number of partition-sized pieces of the file and
// is never less than one.
func (d *Downloader) poolSize(size uint64) int {
	units := size / d.ChunkSize / d.PartitionSize
	return int(max(1, min(uint64(d.ConcurrencyPerServer), units)))
}

func (d *Downloader) download(ctx context.Context, u string, report func(DownloadStatus)) error {
	d.setDefaults()
	log := d.Logger.With().Str("url", u).Str("download", uuid.NewString()).Logger()
	pth := filepath.Join(d.OutputDir, fileName(u))
	s := DownloadStatus{URL: u, DownloadedFilePath: pth}
	t, err := d.getDownloadSize(ctx, u)
	if err != nil {
		log.Error().Err(err).Msg("could not get the file size")
		return fmt.Errorf("error getting file size: %w", err)
	}
	s.FileSizeBytes = t
	p := openProgress(u, pth, t, d.ChunkSize, d.PartitionSize, d.Restart, log)
	f, err := os.OpenFile(pth, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", pth, err)
	}
	defer f.Close()
	if end := p.downloadedUpTo(); end > 0 {
		st, err := f.Stat()
		if err != nil {
			return fmt.Errorf("error reading %s: %w", pth, err)
		}
		if uint64(st.Size()) < end {
			log.Warn().
				Int64("size", st.Size()).
				Uint64("expected", end).
				Msg("output file is shorter than the progress file says, starting over")
			p = NewProgress(u, pth, t, d.ChunkSize, d.PartitionSize)
		}
	}
	s.DownloadedFileBytes = p.DownloadedBytes()
	report(s) // send total file size to the user
	if p.PresentSlots() == 0 {
		if err := f.Truncate(0); err != nil {
			return fmt.Errorf("error truncating %s: %w", pth, err)
		}
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	lim := NewRateLimiter(d.MaxBytesPerSecond, int64(d.ChunkSize))
	q := NewChunkQueue()
	w := newFileWriter(f, p, q, log, func(speed float64) {
		s := s
		s.DownloadedFileBytes = p.DownloadedBytes()
		s.BytesPerSecond = speed
		report(s)
	})
	var werr error
	limDone, wDone := make(chan struct{}), make(chan struct{})
	go func() {
		defer close(limDone)
		lim.Run(ctx)
	}()
	go func() {
		defer close(wDone)
		if werr = w.run(ctx); werr != nil {
			cancel(werr)
		}
	}()
	defer func() {
		lim.Bucket().Terminate()
		cancel(nil) // interrupts the rate limiter (and the writer on failure)
		<-limDone
		<-wDone
	}()

	ftch := fetcher{
		getter:    d.getter,
		url:       u,
		chunkSize: d.ChunkSize,
		timeout:   d.Timeout,
		queue:     q,
		bucket:    lim.Bucket(),
	}
	log.Info().
		Uint64("size", t).
		Int("percent", p.PercentComplete()).
		Int64("max_bytes_per_second", d.MaxBytesPerSecond).
		Msg("starting download")
	if err := d.rounds(ctx, p, q, &ftch, log); err != nil {
		if c := context.Cause(ctx); c != nil {
			err = c
		}
		log.Error().Err(err).Msg("download failed, keeping progress files")
		return err
	}

	q.Put(EndOfStream{})
	<-wDone
	if werr != nil {
		log.Error().Err(werr).Msg("download failed, keeping progress files")
		return werr
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", pth, err)
	}
	primary, backup := ProgressPaths(pth)
	for _, pp := range []string{primary, backup} {
		if err := os.Remove(pp); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("progress", pp).Msg("could not clean up progress file")
		}
	}
	s.DownloadedFileBytes = s.FileSizeBytes
	report(s)
	log.Info().Str("path", pth).Msg("download succeeded")
	return nil
}

func (d *Downloader) rounds(ctx context.Context, p *Progress, q *ChunkQueue, f *fetcher, log zerolog.Logger) error {
	var stalled int
	for round := 1; !p.IsComplete(); round++ {
		before := p.PresentSlots()
		ranges, failures := d.round(ctx, p, f, d.poolSize(p.FileSize()), log)
		if err := waitFlush(ctx, q); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		after := p.PresentSlots()
		log.Debug().
			Int("round", round).
			Int("ranges", ranges).
			Int64("failures", failures).
			Uint64("new_chunks", after-before).
			Int("percent", p.PercentComplete()).
			Msg("round finished")
		if after > before {
			stalled = 0
			continue
		}
		stalled++
		log.Warn().Int("round", round).Int("stalled_rounds", stalled).Msg("no progress in the last round")
		if d.MaxStalledRounds > 0 && stalled >= d.MaxStalledRounds {
			return fmt.Errorf("%w: %d consecutive rounds without progress", ErrStalled, stalled)
		}
		select {
		case <-time.After(d.WaitRetry):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// round dispatches a fetcher for each missing range and waits for all of them.
// It returns the number of ranges dispatched and how many failed.
func (d *Downloader) round(ctx context.Context, p *Progress, f *fetcher, workers int, log zerolog.Logger) (int, int64) {
	if d.RoundTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.RoundTimeout)
		defer cancel()
	}
	var (
		g      errgroup.Group
		n      int
		failed atomic.Int64
	)
	g.SetLimit(workers)
	p.ResetScanCursor()
	for ctx.Err() == nil {
		r, ok := p.NextMissingRange()
		if !ok {
			break
		}
		n++
		g.Go(func() error {
			if err := f.fetch(ctx, r); err != nil {
				failed.Add(1)
				log.Warn().Err(err).Str("range", r.Header()).Msg("range request failed")
			}
			return nil
		})
	}
	g.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		log.Warn().Dur("timeout", d.RoundTimeout).Msg("round timed out, pending ranges were cancelled")
	}
	return n, failed.Load()
}

// waitFlush blocks until the writer has persisted everything queued so far.
func waitFlush(ctx context.Context, q *ChunkQueue) error {
	done := make(chan struct{})
	q.Put(flush{done})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run downloads the file synchronously.
func (d *Downloader) Run(ctx context.Context, u string) error {
	return d.download(ctx, u, func(DownloadStatus) {})
}

// DownloadWithContext is a version of Download that takes a context. The
// context can be used to stop the download; the progress files are kept so
// it can be resumed later.
func (d *Downloader) DownloadWithContext(ctx context.Context, u string) <-chan DownloadStatus {
	ch := make(chan DownloadStatus, 16)
	go func() {
		defer close(ch)
		last := DownloadStatus{URL: u}
		err := d.download(ctx, u, func(s DownloadStatus) {
			last = s
			select {
			case ch <- s:
			default: // a newer status will follow
			}
		})
		if err != nil {
			last.Error = err
		}
		ch <- last
	}()
	return ch
}

// Download the file slicing it in a series of range requests, resuming from
// the progress of previous attempts.
func (d *Downloader) Download(u string) <-chan DownloadStatus {
	return d.DownloadWithContext(context.Background(), u)
}

// DefaultDownloader creates a downloader with the default configuration.
// Check the constants in this package for their values.
func DefaultDownloader() *Downloader {
	dir, err := os.Getwd()
	if err != nil {
		dir = ""
	}
	return &Downloader{
		OutputDir:            dir,
		Timeout:              DefaultTimeout,
		ConcurrencyPerServer: DefaultConcurrencyPerServer,
		MaxRetries:           DefaultMaxRetries,
		ChunkSize:            DefaultChunkSize,
		PartitionSize:        DefaultPartitionSize,
		WaitRetry:            DefaultWaitRetry,
		RoundTimeout:         DefaultRoundTimeout,
		MaxStalledRounds:     DefaultMaxStalledRounds,
		Restart:              DefaultRestart,
	}
}
