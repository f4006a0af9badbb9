package sqlstore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
	"github.com/javi11/nntp-storage/storage/storagetest"
)

func newTestStore(t *testing.T, setup storagetest.Setup) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Path:       filepath.Join(t.TempDir(), "news.sqlite"),
		Groups:     setup.Groups,
		Moderators: setup.Moderators,
		Notifier:   &moderation.Notifier{Sender: setup.Sender, MailHost: "mx.example.com"},
		Hostname:   "news.example.com",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, setup storagetest.Setup) storage.Storage {
		return newTestStore(t, setup)
	}, storagetest.Features{MessageIDLookup: true})
}

func TestOverviewTableSeededOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "news.sqlite")

	for i := 0; i < 2; i++ {
		s, err := Open(ctx, Config{Path: path, Groups: []string{"alt.test"}})
		require.NoError(t, err)
		f, err := s.OverviewFormat(ctx)
		require.NoError(t, err)
		assert.Equal(t, article.OverviewFormat, f)
		require.NoError(t, s.Close())
	}
}

func TestStoredHeaderCarriesXref(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storagetest.Setup{Groups: []string{"alt.test", "alt.other"}})

	res, err := s.Post(ctx, storagetest.Message("alt.test alt.other", "s", "b"))
	require.NoError(t, err)

	var header string
	require.NoError(t, s.DB().QueryRowContext(ctx,
		`SELECT header FROM articles WHERE message_id = ?`, res.MessageID).Scan(&header))
	assert.Contains(t, header, "Xref: news.example.com alt.test:1 alt.other:1\r\n")

	var postings int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM postings`).Scan(&postings))
	assert.Equal(t, 2, postings)
}

func TestHostileValuesAreStoredVerbatim(t *testing.T) {
	ctx := context.Background()
	group := "alt.o'brien"
	s := newTestStore(t, storagetest.Setup{Groups: []string{group}})

	subject := "'); DROP TABLE articles; --"
	res, err := s.Post(ctx, storagetest.Message(group, subject, "it's a body", "Message-ID: <o'hara@example.com>"))
	require.NoError(t, err)
	assert.Equal(t, "<o'hara@example.com>", res.MessageID)

	vals, err := s.XHdr(ctx, group, storage.All(), "Subject")
	require.NoError(t, err)
	assert.Equal(t, []storage.HeaderValue{{Index: 1, Value: subject}}, vals)

	b, err := s.Body(ctx, group, 1)
	require.NoError(t, err)
	assert.Equal(t, "it's a body", b.Text)
}

func TestDuplicateMessageIDRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storagetest.Setup{Groups: []string{"alt.test"}})

	msg := storagetest.Message("alt.test", "s", "b", "Message-ID: <dup@example.com>")
	_, err := s.Post(ctx, msg)
	require.NoError(t, err)
	_, err = s.Post(ctx, msg)
	assert.ErrorIs(t, err, storage.ErrDuplicateArticle)

	// The unique column backs the check up for rows written outside Post.
	_, err = s.DB().ExecContext(ctx, `INSERT INTO articles (message_id, header, body) VALUES (?, '', '')`, "<dup@example.com>")
	assert.Error(t, err)

	info, err := s.GroupInfo(ctx, "alt.test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), info.Count)
}

func TestAdministrator(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storagetest.Setup{Groups: []string{"alt.test"}})

	require.NoError(t, s.AddGroup(ctx, "alt.new", ""))
	require.NoError(t, s.AddGroup(ctx, "alt.new", storage.FlagModerated))
	info, err := s.GroupInfo(ctx, "alt.new")
	require.NoError(t, err)
	assert.Equal(t, storage.GroupInfo{Name: "alt.new", Flags: storage.FlagPostingPermitted}, info)

	require.NoError(t, s.AddSubscription(ctx, "alt.new"))
	require.NoError(t, s.AddSubscription(ctx, "alt.test"))
	subs, err := s.Subscriptions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alt.new", "alt.test"}, subs)

	assert.ErrorIs(t, s.AddSubscription(ctx, "no.such"), storage.ErrGroupNotFound)
	assert.ErrorIs(t, s.AddModerator(ctx, "alt.test", "m@h"), storage.ErrUnimplemented)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres", Path: filepath.Join(t.TempDir(), "x")})
	assert.ErrorContains(t, err, "unsupported sql driver")
}

func TestQuote(t *testing.T) {
	assert.Equal(t, "'plain'", Quote("plain"))
	assert.Equal(t, "'o''brien'", Quote("o'brien"))
	assert.Equal(t, "'nul'", Quote("n\x00ul"))
}

func TestSeedScripts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storagetest.Setup{})

	script := GroupSQL([]string{"alt.seeded", "alt.o'brien"})
	assert.Equal(t, 2, strings.Count(script, "INSERT INTO groups"))
	_, err := s.DB().ExecContext(ctx, script)
	require.NoError(t, err)

	groups, err := s.ListGroups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "alt.o'brien", groups[0].Name)
	assert.Equal(t, storage.FlagPostingPermitted, groups[1].Flags)

	assert.Equal(t, len(article.OverviewFormat), strings.Count(OverviewSQL(), "INSERT INTO overview"))
	assert.Contains(t, OverviewSQL(), "VALUES ('Message-ID');")
}

func TestCrossPostSharesOneArticleRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, storagetest.Setup{Groups: []string{"alt.test", "alt.other"}})
	_, err := s.Post(ctx, storagetest.Message("alt.test,alt.other", "both", "b"))
	require.NoError(t, err)

	var articles, postings int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&articles))
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(DISTINCT group_id) FROM postings`).Scan(&postings))
	assert.Equal(t, 1, articles)
	assert.Equal(t, 2, postings)

	// The same article cannot be filed twice in one group.
	_, err = s.DB().ExecContext(ctx,
		`INSERT INTO postings (group_id, article_id, article_index) SELECT group_id, article_id, 99 FROM postings LIMIT 1`)
	assert.Error(t, err)
}
