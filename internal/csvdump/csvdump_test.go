package csvdump

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushit-tool/rushit/internal/sample"
)

func TestWriteAll_SortsByTimestampAndWritesHeader(t *testing.T) {
	base := time.Unix(1000, 0)

	a := &sample.List{}
	a.Push(&sample.Sample{ThreadID: 0, FlowID: 0, Timestamp: base.Add(2 * time.Second), BytesRead: 200})
	a.Push(&sample.Sample{ThreadID: 0, FlowID: 0, Timestamp: base, BytesRead: 0})

	b := &sample.List{}
	lat := 5 * time.Millisecond
	b.Push(&sample.Sample{ThreadID: 1, FlowID: 1, Timestamp: base.Add(time.Second), BytesRead: 100, Latency: &lat})

	path := filepath.Join(t.TempDir(), "samples.csv")
	require.NoError(t, WriteAll(path, []*sample.List{a, b}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())

	require.Len(t, lines, 4) // header + 3 rows
	assert.Equal(t, "time_s,tid,flow_id,bytes_read,transactions,latency_ns", lines[0])

	assert.True(t, strings.HasSuffix(lines[1], ",0,0,0,0,"))
	assert.True(t, strings.Contains(lines[2], ",1,1,100,0,5000000"))
	assert.True(t, strings.HasSuffix(lines[3], ",0,0,200,0,"))
}

func TestWriter_FlushesOnMaxSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	w, err := Create(path)
	require.NoError(t, err)
	w.maxSize = 2
	w.flush = 0

	require.NoError(t, w.Write(&sample.Sample{Timestamp: time.Unix(1, 0)}))
	require.NoError(t, w.Write(&sample.Sample{Timestamp: time.Unix(2, 0)}))
	assert.Empty(t, w.pending, "batch should have flushed once maxSize was reached")

	require.NoError(t, w.Close())
}

func TestWriter_RejectsWriteAfterClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "samples.csv")
	w, err := Create(path)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Write(&sample.Sample{Timestamp: time.Now()})
	assert.Error(t, err)
}
