package shelf

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/kv"
	"github.com/javi11/nntp-storage/kv/badgerkv"
	"github.com/javi11/nntp-storage/kv/boltkv"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
	"github.com/javi11/nntp-storage/storage/storagetest"
)

func newTestShelf(t *testing.T, engine kv.Engine, setup storagetest.Setup) *Shelf {
	t.Helper()
	ctx := context.Background()
	s, err := Open(engine, Options{
		Notifier: &moderation.Notifier{Sender: setup.Sender, MailHost: "mx.example.com"},
		Hostname: "news.example.com",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for _, g := range setup.Groups {
		require.NoError(t, s.AddGroup(ctx, g, storage.FlagPostingPermitted))
	}
	for g, mods := range setup.Moderators {
		for _, m := range mods {
			require.NoError(t, s.AddModerator(ctx, g, m))
		}
	}
	return s
}

func TestContractMemory(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, setup storagetest.Setup) storage.Storage {
		return newTestShelf(t, kv.NewMemory(), setup)
	}, storagetest.Features{MessageIDLookup: true})
}

func TestContractBolt(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, setup storagetest.Setup) storage.Storage {
		e, err := boltkv.Open(boltkv.Config{Dir: t.TempDir()})
		require.NoError(t, err)
		return newTestShelf(t, e, setup)
	}, storagetest.Features{MessageIDLookup: true})
}

func TestContractBadger(t *testing.T) {
	if testing.Short() {
		t.Skip("badger is slow to open")
	}
	storagetest.Run(t, func(t *testing.T, setup storagetest.Setup) storage.Storage {
		e, err := badgerkv.Open(badgerkv.Config{Dir: t.TempDir()})
		require.NoError(t, err)
		return newTestShelf(t, e, setup)
	}, storagetest.Features{MessageIDLookup: true})
}

func TestInitializeOnlyOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	e, err := boltkv.Open(boltkv.Config{Dir: dir})
	require.NoError(t, err)
	s, err := Open(e, Options{Hostname: "news.example.com"})
	require.NoError(t, err)
	require.NoError(t, s.AddGroup(ctx, "alt.test", ""))
	require.NoError(t, s.AddSubscription(ctx, "alt.test"))
	_, err = s.Post(ctx, storagetest.Message("alt.test", "kept", "body"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	e, err = boltkv.Open(boltkv.Config{Dir: dir})
	require.NoError(t, err)
	s, err = Open(e, Options{Hostname: "news.example.com"})
	require.NoError(t, err)
	defer s.Close()

	subs, err := s.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alt.test"}, subs)

	info, err := s.GroupInfo(ctx, "alt.test")
	require.NoError(t, err)
	assert.Equal(t, storage.GroupInfo{Name: "alt.test", Count: 1, High: 1, Low: 1, Flags: storage.FlagPostingPermitted}, info)
}

func TestEmptyGroupBounds(t *testing.T) {
	s := newTestShelf(t, kv.NewMemory(), storagetest.Setup{Groups: []string{"alt.empty"}})
	info, err := s.GroupInfo(context.Background(), "alt.empty")
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Count)
	assert.Equal(t, int64(1), info.Low)
	assert.Equal(t, int64(0), info.High)
}

func TestMessageIDTable(t *testing.T) {
	ctx := context.Background()
	engine := kv.NewMemory()
	s := newTestShelf(t, engine, storagetest.Setup{Groups: []string{"alt.test", "alt.other"}})

	res, err := s.Post(ctx, storagetest.Message("alt.other alt.test", "s", "b"))
	require.NoError(t, err)

	tbl, err := engine.Table(TableMessageIDs)
	require.NoError(t, err)
	keys, err := tbl.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{res.MessageID}, keys)

	// No requested group falls back to the first location.
	a, err := s.Article(ctx, "", 0, res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.Index)
	assert.Contains(t, a.Text, "Xref: news.example.com alt.other:1 alt.test:1\r\n")
}

func TestModeratorFlagsExistingGroup(t *testing.T) {
	ctx := context.Background()
	s := newTestShelf(t, kv.NewMemory(), storagetest.Setup{Groups: []string{"alt.test"}})
	require.NoError(t, s.AddModerator(ctx, "alt.test", "m@h"))

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, storage.FlagModerated, groups[0].Flags)

	require.NoError(t, s.AddModerator(ctx, "alt.new", "m@h"))
	require.NoError(t, s.AddGroup(ctx, "alt.new", storage.FlagPostingPermitted))
	info, err := s.GroupInfo(ctx, "alt.new")
	require.NoError(t, err)
	assert.Equal(t, storage.FlagModerated, info.Flags)
}

// flakyEngine fails writes to one table while failing is set.
type flakyEngine struct {
	kv.Engine
	table   string
	failing bool
}

type flakyTable struct {
	kv.Table
	e    *flakyEngine
	name string
}

func (e *flakyEngine) Table(name string) (kv.Table, error) {
	t, err := e.Engine.Table(name)
	if err != nil {
		return nil, err
	}
	return &flakyTable{Table: t, e: e, name: name}, nil
}

func (t *flakyTable) Set(key string, value []byte) error {
	if t.e.failing && t.name == t.e.table {
		return assert.AnError
	}
	return t.Table.Set(key, value)
}

func TestFailedPostLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	engine := &flakyEngine{Engine: kv.NewMemory(), table: TableMessageIDs}
	s := newTestShelf(t, engine, storagetest.Setup{Groups: []string{"alt.test", "alt.other"}})

	engine.failing = true
	msg := storagetest.Message("alt.test,alt.other", "s", "b", "Message-ID: <flaky@example.com>")
	_, err := s.Post(ctx, msg)
	assert.ErrorIs(t, err, storage.ErrStorageIO)

	for _, g := range []string{"alt.test", "alt.other"} {
		info, err := s.GroupInfo(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Count, g)
		assert.Equal(t, int64(0), info.High, g)
	}
	ok, err := s.ArticleExists(ctx, "<flaky@example.com>")
	require.NoError(t, err)
	assert.False(t, ok)

	engine.failing = false
	res, err := s.Post(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Locations[0].Index)
}
