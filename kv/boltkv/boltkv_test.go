package boltkv

import (
	"os"
	"path/filepath"
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

func TestOneFilePerTable(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)

	for _, name := range []string{"groups", "moderators"} {
		_, err := e.Table(name)
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(dir, name+".db"))
		assert.NoError(t, err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	e, err := Open(Config{Dir: dir, SyncWrites: true})
	require.NoError(t, err)
	tbl, err := e.Table("groups")
	require.NoError(t, err)
	require.NoError(t, tbl.Set("alt.test", []byte("kept")))
	require.NoError(t, e.Close())

	reopened := newTestEngine(t, dir)
	tbl, err = reopened.Table("groups")
	require.NoError(t, err)
	v, err := tbl.Get("alt.test")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), v)
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
