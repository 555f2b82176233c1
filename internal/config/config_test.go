package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"--host", "example.com", "--client"})
	require.NoError(t, err)
	assert.Equal(t, 12866, cfg.ControlPort)
	assert.Equal(t, 12867, cfg.DataPort)
	assert.Equal(t, 1, cfg.NumThreads)
	assert.Equal(t, 1, cfg.NumFlows)
	assert.Equal(t, 10, cfg.TestLength)
	assert.Equal(t, 16384, cfg.BufferSize)
	assert.Equal(t, 1.0, cfg.Interval)
	assert.Equal(t, uint32(42), cfg.Magic)
	assert.False(t, cfg.IsRR())
}

func TestLoad_ShortAndLongFlagsAgree(t *testing.T) {
	short, err := Load([]string{"-c", "-H", "h", "-T", "4", "-F", "8", "-l", "30", "-B", "8192", "-I", "0.5"})
	require.NoError(t, err)

	long, err := Load([]string{"--client", "--host", "h", "--num-threads", "4", "--num-flows", "8", "--test-length", "30", "--buffer-size", "8192", "--interval", "0.5"})
	require.NoError(t, err)

	assert.Equal(t, short, long)
}

func TestLoad_RequestResponseSizeSelectsRRMode(t *testing.T) {
	cfg, err := Load([]string{"--client", "--host", "h", "--request-size", "64", "--response-size", "1024"})
	require.NoError(t, err)
	assert.True(t, cfg.IsRR())
}

func TestLoad_RejectsRRWithOnlyOneSizeSet(t *testing.T) {
	_, err := Load([]string{"--client", "--host", "h", "--request-size", "64"})
	assert.Error(t, err)
}

func TestLoad_UDPFlag(t *testing.T) {
	short, err := Load([]string{"-c", "-H", "h", "-u"})
	require.NoError(t, err)
	assert.True(t, short.UDP)

	long, err := Load([]string{"--client", "--host", "h", "--udp"})
	require.NoError(t, err)
	assert.Equal(t, short, long)
}

func TestLoad_RejectsMutuallyExclusiveIPFlags(t *testing.T) {
	_, err := Load([]string{"--client", "--host", "h", "-4", "-6"})
	assert.Error(t, err)
}

func TestLoad_RejectsClientWithoutHost(t *testing.T) {
	_, err := Load([]string{"--client"})
	assert.Error(t, err)
}

func TestLoad_RejectsSubOneThreadCount(t *testing.T) {
	_, err := Load([]string{"--client", "--host", "h", "--num-threads", "0"})
	assert.Error(t, err)
}

func TestLoad_TOMLFileSuppliesDefaultsFlagsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rushit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
client = true
host = "from-file"
num_threads = 4
buffer_size = 32768
`), 0o644))

	cfg, err := Load([]string{"--config", path})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Host)
	assert.Equal(t, 4, cfg.NumThreads)
	assert.Equal(t, 32768, cfg.BufferSize)

	cfg2, err := Load([]string{"--config", path, "--host", "from-cli", "-T", "2"})
	require.NoError(t, err)
	assert.Equal(t, "from-cli", cfg2.Host)
	assert.Equal(t, 2, cfg2.NumThreads)
	assert.Equal(t, 32768, cfg2.BufferSize)
}
