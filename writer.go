package idm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// fileWriter is the only consumer of the queue and the only goroutine writing
// to the output file and recording chunks in the progress.
type fileWriter struct {
	file     *os.File
	progress *Progress
	queue    *ChunkQueue
	primary  string
	backup   string
	log      zerolog.Logger
	notify   func(bytesPerSecond float64) // called after each persisted batch

	speed    ewma.MovingAverage
	logEvery rate.Sometimes
}

func newFileWriter(f *os.File, p *Progress, q *ChunkQueue, log zerolog.Logger, notify func(float64)) *fileWriter {
	primary, backup := ProgressPaths(p.Path())
	return &fileWriter{
		file:     f,
		progress: p,
		queue:    q,
		primary:  primary,
		backup:   backup,
		log:      log,
		notify:   notify,
		speed:    ewma.NewMovingAverage(),
		logEvery: rate.Sometimes{Interval: 5 * time.Second},
	}
}

// run writes each drained batch at the chunks' offsets, syncs the file and
// then persists the progress. It returns once it sees the end of stream, after
// handling everything queued before it.
func (w *fileWriter) run(ctx context.Context) error {
	last := time.Now()
	for {
		msgs, err := w.queue.Drain(ctx)
		if err != nil {
			return err
		}
		var (
			chunks   []Chunk
			barriers []flush
			written  int
			done     bool
		)
		for _, m := range msgs {
			switch m := m.(type) {
			case Chunk:
				if _, err := w.file.WriteAt(m.Payload, int64(m.Offset)); err != nil {
					return fmt.Errorf("error writing to %s: %w", w.file.Name(), err)
				}
				chunks = append(chunks, m)
				written += len(m.Payload)
			case flush:
				barriers = append(barriers, m)
			case EndOfStream:
				done = true
			}
		}
		if len(chunks) > 0 {
			if err := w.file.Sync(); err != nil {
				return fmt.Errorf("error syncing %s: %w", w.file.Name(), err)
			}
			w.progress.RecordChunks(chunks)
			if err := w.progress.Persist(w.primary, w.backup); err != nil {
				return err
			}
			if elapsed := time.Since(last).Seconds(); elapsed > 0 {
				w.speed.Add(float64(written) / elapsed)
			}
			last = time.Now()
			w.logEvery.Do(func() {
				w.log.Debug().
					Int("chunks", len(chunks)).
					Int("percent", w.progress.PercentComplete()).
					Float64("bytes_per_second", w.speed.Value()).
					Msg("progress persisted")
			})
			if w.notify != nil {
				w.notify(w.speed.Value())
			}
		}
		for _, b := range barriers {
			close(b.done)
		}
		if done {
			return nil
		}
	}
}
