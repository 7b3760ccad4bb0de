package idm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var ErrUnexpectedStatus = errors.New("unexpected http response status")

// RangeGetter performs the transfer of a byte range of a remote resource.
type RangeGetter interface {
	GetRange(ctx context.Context, url string, r Range) (io.ReadCloser, error)
}

type httpRangeGetter struct{ client *http.Client }

// GetRange requires a partial content response. A full response is accepted
// only for ranges starting at zero, since its body starts at the right offset.
func (g httpRangeGetter) GetRange(ctx context.Context, u string, r Range) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating the request for %s: %w", u, err)
	}
	req.Header.Set("Range", r.Header())
	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error sending a get http request to %s: %w", u, err)
	}
	if resp.StatusCode == http.StatusPartialContent || (resp.StatusCode == http.StatusOK && r.Start == 0) {
		return resp.Body, nil
	}
	resp.Body.Close()
	return nil, fmt.Errorf("%w: got %s from %s for %s", ErrUnexpectedStatus, resp.Status, u, r.Header())
}

func newClient(maxConnsPerHost int) *http.Client {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxConnsPerHost = maxConnsPerHost
	t.MaxIdleConnsPerHost = maxConnsPerHost
	t.DisableCompression = true // we want raw bytes for range requests
	return &http.Client{Transport: t}
}

// fetcher transfers one range, slicing the bytes into chunk-sized messages
// published to the queue as soon as each one is complete.
type fetcher struct {
	getter    RangeGetter
	url       string
	chunkSize uint64
	timeout   time.Duration
	queue     *ChunkQueue
	bucket    *TokenBucket
}

// errIdle is the cause of a transfer cancelled by its watchdog.
var errIdle = fmt.Errorf("no response from the server within the timeout: %w", context.DeadlineExceeded)

// watchdog cancels a transfer when the server takes longer than the timeout
// to answer or to deliver the bytes of a chunk. It is armed only while
// waiting on the network, never while waiting for tokens.
type watchdog struct {
	timeout time.Duration
	cancel  context.CancelCauseFunc
	timer   *time.Timer
}

func (w *watchdog) arm() {
	if w.timeout > 0 {
		w.timer = time.AfterFunc(w.timeout, func() { w.cancel(errIdle) })
	}
}

func (w *watchdog) disarm() {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
}

// transferError prefers the reason the transfer was cancelled, if it was.
func transferError(ctx context.Context, err error) error {
	if c := context.Cause(ctx); c != nil {
		return c
	}
	return err
}

// fetch does not retry: chunks queued before a failure are kept, and the
// missing slots are offered again in the next round.
func (f *fetcher) fetch(ctx context.Context, r Range) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	w := watchdog{timeout: f.timeout, cancel: cancel}
	w.arm()
	body, err := f.getter.GetRange(ctx, f.url, r)
	w.disarm()
	if err != nil {
		return fmt.Errorf("error requesting %s: %w", r.Header(), transferError(ctx, err))
	}
	defer body.Close()
	for off := r.Start; off <= r.End; {
		n := min(f.chunkSize, r.End-off+1)
		if err := f.bucket.Take(ctx, int64(n)); err != nil {
			return fmt.Errorf("error waiting for %d tokens: %w", n, transferError(ctx, err))
		}
		b := make([]byte, n)
		w.arm()
		_, err := io.ReadFull(body, b)
		w.disarm()
		if err != nil {
			return fmt.Errorf("error reading %s at offset %d: %w", r.Header(), off, transferError(ctx, err))
		}
		f.queue.Put(Chunk{Offset: off, Payload: b})
		off += n
	}
	return nil
}
