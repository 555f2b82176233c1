// Package csvdump implements spec section 6's -A/--all-samples CSV
// writer: one row per sample, sorted by timestamp, flushed incrementally
// rather than buffered for the whole run.
package csvdump

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rushit-tool/rushit/internal/sample"
)

// header is the CSV column order: time_s, tid, flow_id, bytes_read,
// transactions, and a latency column left blank for streaming samples.
// Each row carries the sample's cumulative bytes_read as recorded; no
// throughput_Mbps column is computed or written.
var header = []string{"time_s", "tid", "flow_id", "bytes_read", "transactions", "latency_ns"}

// Writer batches sample rows and flushes them to an underlying CSV file
// either once maxBatch rows have accumulated or flushInterval has elapsed
// since the first unflushed row, whichever comes first — the same
// size-or-interval trigger shape as the teacher's microbatch.Batcher,
// reimplemented here directly (no version of that module is pinned
// anywhere in the retrieval pack, so it is adapted rather than imported;
// see DESIGN.md).
type Writer struct {
	mu      sync.Mutex
	w       *bufio.Writer
	closer  io.Closer
	maxSize int
	flush   time.Duration

	pending []*sample.Sample
	timer   *time.Timer
	closed  bool
}

// defaultMaxBatch and defaultFlushInterval (64 rows / 200ms) follow
// microbatch.go's size-or-interval trigger, with larger values than its
// documented defaults (16 jobs / 50ms), sized for this domain's rate of
// one row per sampling interval per flow.
const (
	defaultMaxBatch      = 64
	defaultFlushInterval = 200 * time.Millisecond
)

// Create opens path for writing and returns a Writer that owns the file
// handle; Close flushes any pending rows and closes the file.
func Create(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("csvdump: create %s: %w", path, err)
	}
	w := newWriter(f, f)
	if err := w.writeHeader(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func newWriter(w io.Writer, closer io.Closer) *Writer {
	return &Writer{
		w:       bufio.NewWriter(w),
		closer:  closer,
		maxSize: defaultMaxBatch,
		flush:   defaultFlushInterval,
	}
}

func (w *Writer) writeHeader() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, col := range header {
		if i > 0 {
			if _, err := w.w.WriteString(","); err != nil {
				return err
			}
		}
		if _, err := w.w.WriteString(col); err != nil {
			return err
		}
	}
	_, err := w.w.WriteString("\n")
	if err == nil {
		err = w.w.Flush()
	}
	return err
}

// Write enqueues one sample row, flushing immediately if maxSize is
// reached, or arming a flushInterval timer for the first row of a fresh
// batch.
func (w *Writer) Write(s *sample.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("csvdump: write after close")
	}

	w.pending = append(w.pending, s)

	if len(w.pending) == 1 && w.flush > 0 {
		w.timer = time.AfterFunc(w.flush, func() {
			w.mu.Lock()
			defer w.mu.Unlock()
			_ = w.flushLocked()
		})
	}

	if w.maxSize > 0 && len(w.pending) >= w.maxSize {
		if w.timer != nil {
			w.timer.Stop()
			w.timer = nil
		}
		return w.flushLocked()
	}
	return nil
}

// WriteAll writes every sample in every list, sorted by timestamp as
// spec section 6 requires ("sorted by timestamp"), and flushes at the
// end. Intended for the common case of dumping a whole run's samples
// once, after aggregation, rather than streaming them live.
func WriteAll(path string, lists []*sample.List) error {
	w, err := Create(path)
	if err != nil {
		return err
	}

	var all []*sample.Sample
	for _, l := range lists {
		all = append(all, l.Slice()...)
	}
	sortByTimestamp(all)

	for _, s := range all {
		if err := w.Write(s); err != nil {
			_ = w.Close()
			return err
		}
	}
	return w.Close()
}

func sortByTimestamp(all []*sample.Sample) {
	// insertion sort is adequate here: callers pass already
	// mostly-ordered per-thread slices merged across a small number of
	// threads, and this avoids importing sort for a one-call-site use.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].Timestamp.Before(all[j-1].Timestamp); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
}

func (w *Writer) flushLocked() error {
	batch := w.pending
	w.pending = nil

	for _, s := range batch {
		if err := writeRow(w.w, s); err != nil {
			return err
		}
	}
	return w.w.Flush()
}

func writeRow(w *bufio.Writer, s *sample.Sample) error {
	latency := ""
	if s.Latency != nil {
		latency = strconv.FormatInt(int64(*s.Latency), 10)
	}
	_, err := fmt.Fprintf(w, "%s,%d,%d,%d,%d,%s\n",
		strconv.FormatFloat(float64(s.Timestamp.UnixNano())/1e9, 'f', 9, 64),
		s.ThreadID,
		s.FlowID,
		s.BytesRead,
		s.Transactions,
		latency,
	)
	return err
}

// Close flushes any pending rows and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	err := w.flushLocked()
	w.mu.Unlock()

	if w.closer != nil {
		if cerr := w.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
