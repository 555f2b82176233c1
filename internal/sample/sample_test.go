package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestList_PushAndSlice(t *testing.T) {
	var l List
	require.Equal(t, 0, l.Len())

	base := time.Unix(0, 0)
	l.Push(&Sample{ThreadID: 0, FlowID: 1, Timestamp: base, BytesRead: 0})
	l.Push(&Sample{ThreadID: 0, FlowID: 1, Timestamp: base.Add(time.Second), BytesRead: 125_000_000})

	require.Equal(t, 2, l.Len())

	got := l.Slice()
	require.Len(t, got, 2)
	assert.Equal(t, int64(0), got[0].BytesRead)
	assert.Equal(t, int64(125_000_000), got[1].BytesRead)
	assert.True(t, got[0].Timestamp.Before(got[1].Timestamp))
}

func TestList_EachVisitsHeadFirst(t *testing.T) {
	var l List
	l.Push(&Sample{FlowID: 1})
	l.Push(&Sample{FlowID: 2})

	var seen []int
	l.Each(func(s *Sample) { seen = append(seen, s.FlowID) })
	assert.Equal(t, []int{2, 1}, seen)
}
