package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	f := Frame{
		Magic:        42,
		NumFlows:     4,
		TestLength:   30,
		BufferSize:   16384,
		RequestSize:  64,
		ResponseSize: 1024,
		IntervalNsec: uint64(time.Second),
		NumThreads:   8,
	}

	buf, err := f.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, buf, wireSize)

	var got Frame
	require.NoError(t, got.UnmarshalBinary(buf))
	assert.Equal(t, f, got)
}

func TestFrame_UnmarshalShortBufferErrors(t *testing.T) {
	var f Frame
	err := f.UnmarshalBinary(make([]byte, wireSize-1))
	assert.Error(t, err)
}

func TestFrameFromConfig_TranslatesTestLengthToSeconds(t *testing.T) {
	cfg := Config{Magic: 7, NumFlows: 2, NumThreads: 3, TestLength: 10 * time.Second, Interval: time.Second}
	f := frameFromConfig(cfg)
	assert.Equal(t, uint32(10), f.TestLength)
	assert.Equal(t, uint32(7), f.Magic)
	assert.Equal(t, uint32(3), f.NumThreads)
}
