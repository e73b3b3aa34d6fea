package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type StreamMode string

const (
	StreamInstant StreamMode = "instant"
	StreamSmooth  StreamMode = "smooth"
	StreamQuiet   StreamMode = "quiet"
)

func parseStreamMode(s string) (StreamMode, error) {
	switch m := StreamMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return StreamInstant, nil
	case StreamInstant, StreamSmooth, StreamQuiet:
		return m, nil
	default:
		return "", fmt.Errorf("unknown stream mode %q (want instant, smooth or quiet)", s)
	}
}

// StreamWriter prints generated text as it arrives. Smooth mode batches
// fragments and flushes on size or interval; quiet mode prints everything
// on Flush.
type StreamWriter struct {
	mode   StreamMode
	buffer *bufio.Writer

	mu            sync.Mutex
	batch         strings.Builder
	batchCount    int
	lastFlush     time.Time
	flushInterval time.Duration
	batchSize     int
	accumulator   strings.Builder

	stop chan struct{}
	done chan struct{}
}

func NewStreamWriter(mode StreamMode, out io.Writer) *StreamWriter {
	return newStreamWriter(mode, out, 5, 50*time.Millisecond)
}

func newStreamWriter(mode StreamMode, out io.Writer, batchSize int, interval time.Duration) *StreamWriter {
	w := &StreamWriter{
		mode:          mode,
		buffer:        bufio.NewWriterSize(out, 4096),
		flushInterval: interval,
		batchSize:     batchSize,
		lastFlush:     time.Now(),
	}
	if mode == StreamSmooth {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.backgroundFlusher()
	}
	return w
}

// Write handles one decoded fragment.
func (w *StreamWriter) Write(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accumulator.WriteString(text)

	switch w.mode {
	case StreamSmooth:
		w.batch.WriteString(text)
		w.batchCount++
		if w.batchCount >= w.batchSize || time.Since(w.lastFlush) >= w.flushInterval {
			w.flushBatch()
		}
	case StreamQuiet:
	default:
		_, _ = w.buffer.WriteString(text)
		_ = w.buffer.Flush()
	}
}

// Flush writes anything pending and returns the full text seen so far.
func (w *StreamWriter) Flush() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch w.mode {
	case StreamQuiet:
		_, _ = w.buffer.WriteString(w.accumulator.String())
		_ = w.buffer.Flush()
	case StreamSmooth:
		w.flushBatch()
	default:
		_ = w.buffer.Flush()
	}
	return w.accumulator.String()
}

// Close flushes and stops the background flusher.
func (w *StreamWriter) Close() string {
	if w.stop != nil {
		close(w.stop)
		<-w.done
		w.stop = nil
	}
	return w.Flush()
}

// flushBatch must be called with mu held.
func (w *StreamWriter) flushBatch() {
	if w.batch.Len() == 0 {
		return
	}
	_, _ = w.buffer.WriteString(w.batch.String())
	_ = w.buffer.Flush()
	w.batch.Reset()
	w.batchCount = 0
	w.lastFlush = time.Now()
}

func (w *StreamWriter) backgroundFlusher() {
	defer close(w.done)
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			if time.Since(w.lastFlush) >= w.flushInterval {
				w.flushBatch()
			}
			w.mu.Unlock()
		}
	}
}
