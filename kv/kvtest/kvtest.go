// Package kvtest checks that a kv.Engine honors the Table contract.
package kvtest

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/kv"
)

// Run exercises an engine. open must return a fresh, empty engine.
func Run(t *testing.T, open func(t *testing.T) kv.Engine) {
	t.Run("GetMissing", func(t *testing.T) {
		tbl, err := open(t).Table("groups")
		require.NoError(t, err)

		_, err = tbl.Get("nope")
		assert.ErrorIs(t, err, kv.ErrNotFound)
		ok, err := tbl.Has("nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("SetGetOverwrite", func(t *testing.T) {
		tbl, err := open(t).Table("groups")
		require.NoError(t, err)

		require.NoError(t, tbl.Set("alt.test", []byte("one")))
		v, err := tbl.Get("alt.test")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		require.NoError(t, tbl.Set("alt.test", []byte("two")))
		v, err = tbl.Get("alt.test")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), v)

		ok, err := tbl.Has("alt.test")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("TablesAreIndependent", func(t *testing.T) {
		e := open(t)
		groups, err := e.Table("groups")
		require.NoError(t, err)
		mods, err := e.Table("moderators")
		require.NoError(t, err)

		require.NoError(t, groups.Set("alt.test", []byte("g")))
		require.NoError(t, mods.Set("mod.test", []byte("m@h")))

		gk, err := groups.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"alt.test"}, gk)

		_, err = mods.Get("alt.test")
		assert.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("Keys", func(t *testing.T) {
		tbl, err := open(t).Table("message-ids")
		require.NoError(t, err)
		want := []string{"<a@h>", "<b@h>", "<c@h>"}
		for _, k := range want {
			require.NoError(t, tbl.Set(k, []byte(k)))
		}
		got, err := tbl.Keys()
		require.NoError(t, err)
		sort.Strings(got)
		assert.Equal(t, want, got)
	})
}
