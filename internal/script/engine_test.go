package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushit-tool/rushit/internal/rushiterr"
)

func TestEngine_HookSharesTableUpvalue(t *testing.T) {
	const src = `
		var shared = {count: 0};
		register_collector(shared);
		client_socket(function() { shared.count = shared.count + 1; });
		client_close(function() { shared.count = shared.count + 100; });
		run();
	`
	var dispatched bool
	eng := NewEngine(true, func() { dispatched = true })
	require.NoError(t, eng.RunString("t.js", src))
	assert.True(t, dispatched)
	assert.True(t, eng.IsRegistered(SideClient, HookSocket))
	assert.True(t, eng.IsRegistered(SideClient, HookClose))

	slave := NewSlave()
	require.NoError(t, eng.PushData(slave))

	_, err := slave.Invoke(SideClient, HookSocket)
	require.NoError(t, err)
	_, err = slave.Invoke(SideClient, HookClose)
	require.NoError(t, err)

	require.Len(t, slave.collectors, 1)
	assert.EqualValues(t, 101, slave.collectors[0].Get("count").ToInteger())
}

func TestEngine_CollectorRoundTrip(t *testing.T) {
	const src = `
		var n = collect(0);
		client_socket(function() { n[0] = 42; });
		run();
	`
	eng := NewEngine(true, func() {})
	require.NoError(t, eng.RunString("t.js", src))

	slave := NewSlave()
	require.NoError(t, eng.PushData(slave))

	_, err := slave.Invoke(SideClient, HookSocket)
	require.NoError(t, err)

	require.NoError(t, eng.PullData(slave))

	require.Len(t, eng.collectors, 1)
	pulled := eng.collectors[0]
	assert.EqualValues(t, 1, pulled.Get("length").ToInteger())
	entry := pulled.Get("0").ToObject(eng.rt)
	require.NotNil(t, entry)
	assert.EqualValues(t, 42, entry.Get("0").ToInteger())
}

func TestSlave_InvokeUnregisteredHookIsHookEmpty(t *testing.T) {
	eng := NewEngine(true, func() {})
	require.NoError(t, eng.RunString("t.js", `run();`))

	slave := NewSlave()
	require.NoError(t, eng.PushData(slave))

	_, err := slave.Invoke(SideClient, HookSocket)
	require.Error(t, err)
	var hookErr *rushiterr.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, rushiterr.HookEmpty, hookErr.Kind)
}

func TestSlave_InvokeRuntimeErrorIsHookRun(t *testing.T) {
	const src = `client_socket(function() { throw new Error("boom"); }); run();`
	eng := NewEngine(true, func() {})
	require.NoError(t, eng.RunString("t.js", src))

	slave := NewSlave()
	require.NoError(t, eng.PushData(slave))

	_, err := slave.Invoke(SideClient, HookSocket)
	require.Error(t, err)
	var hookErr *rushiterr.HookError
	require.ErrorAs(t, err, &hookErr)
	assert.Equal(t, rushiterr.HookRun, hookErr.Kind)
}

func TestEngine_HookRegisteredOnWrongSideIsIgnored(t *testing.T) {
	const src = `server_socket(function() {}); run();`
	eng := NewEngine(true, func() {})
	require.NoError(t, eng.RunString("t.js", src))
	assert.False(t, eng.IsRegistered(SideServer, HookSocket))
}

func TestEngine_NonFunctionArgumentToRegistrarPanics(t *testing.T) {
	eng := NewEngine(true, func() {})
	err := eng.RunString("t.js", `client_socket(42);`)
	require.Error(t, err)
}

func TestEngine_RunCalledOnlyOnce(t *testing.T) {
	calls := 0
	eng := NewEngine(true, func() { calls++ })
	require.NoError(t, eng.RunString("t.js", `run(); run();`))
	assert.Equal(t, 1, calls)
}
