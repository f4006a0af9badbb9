package badgerkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/kv"
	"github.com/javi11/nntp-storage/kv/kvtest"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e, err := Open(Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestEngine(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Engine {
		return newTestEngine(t, t.TempDir())
	})
}

func TestPrefixesDoNotLeak(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	a, err := e.Table("group")
	require.NoError(t, err)
	b, err := e.Table("groups")
	require.NoError(t, err)

	require.NoError(t, a.Set("x", []byte("1")))
	require.NoError(t, b.Set("y", []byte("2")))

	keys, err := a.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, keys)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	tbl, err := e.Table("subscriptions")
	require.NoError(t, err)
	require.NoError(t, tbl.Set("list", []byte("alt.test")))
	require.NoError(t, e.Close())

	reopened := newTestEngine(t, dir)
	tbl, err = reopened.Table("subscriptions")
	require.NoError(t, err)
	v, err := tbl.Get("list")
	require.NoError(t, err)
	assert.Equal(t, []byte("alt.test"), v)
}
