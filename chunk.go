package idm

import "fmt"

// Range is a closed byte interval, both ends included (like the HTTP Range
// header).
type Range struct{ Start, End uint64 }

func (r Range) Length() uint64 { return (r.End + 1) - r.Start }
func (r Range) Header() string { return fmt.Sprintf("bytes=%d-%d", r.Start, r.End) }

// Message is what travels from the fetchers to the file writer: a Chunk, an
// EndOfStream marker or a flush barrier.
type Message interface{ message() }

// Chunk is a piece of downloaded data and its absolute offset in the file.
type Chunk struct {
	Offset  uint64
	Payload []byte
}

// EndOfStream tells the file writer that no more chunks will come. It is only
// sent after every fetcher has returned.
type EndOfStream struct{}

// flush is a barrier: the writer closes done once everything queued before it
// is written and persisted.
type flush struct{ done chan struct{} }

func (Chunk) message()       {}
func (EndOfStream) message() {}
func (flush) message()       {}
