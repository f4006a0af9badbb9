// Package storagetest is a conformance suite for storage.Storage backends.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
)

// Setup describes the state a fresh backend must start with.
type Setup struct {
	Groups     []string
	Moderators map[string][]string
	// Sender receives moderation mail.
	Sender moderation.Sender
}

// Factory opens a fresh backend for one test.
type Factory func(t *testing.T, setup Setup) storage.Storage

// Features toggles checks that not every backend supports.
type Features struct {
	MessageIDLookup bool
}

// Recorder is a moderation.Sender that keeps every mail.
type Recorder struct {
	mu    sync.Mutex
	Err   error
	Calls []Mail
}

// Mail is one recorded send.
type Mail struct {
	Host, From string
	To         []string
	Msg        []byte
}

func (r *Recorder) Send(_ context.Context, host, from string, to []string, msg []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls = append(r.Calls, Mail{Host: host, From: from, To: to, Msg: msg})
	return r.Err
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Calls)
}

// Message builds a raw post.
func Message(newsgroups, subject, body string, extra ...string) string {
	s := "Newsgroups: " + newsgroups + "\r\nSubject: " + subject + "\r\nFrom: poster@example.com\r\n"
	for _, h := range extra {
		s += h + "\r\n"
	}
	return s + "\r\n" + body
}

// Run exercises a backend.
func Run(t *testing.T, open Factory, feat Features) {
	ctx := context.Background()
	basic := Setup{Groups: []string{"alt.test", "alt.other"}}

	t.Run("PostHelloWorld", func(t *testing.T) {
		s := open(t, basic)
		res, err := s.Post(ctx, "Newsgroups: alt.test\r\n\r\nhello\nworld")
		require.NoError(t, err)
		assert.Equal(t, storage.PostStored, res.Status)
		assert.NotEmpty(t, res.MessageID)
		assert.Equal(t, []article.Location{{Group: "alt.test", Index: 1}}, res.Locations)

		info, err := s.GroupInfo(ctx, "alt.test")
		require.NoError(t, err)
		assert.Equal(t, storage.GroupInfo{Name: "alt.test", Count: 1, High: 1, Low: 1, Flags: storage.FlagPostingPermitted}, info)

		b, err := s.Body(ctx, "alt.test", 1)
		require.NoError(t, err)
		assert.Equal(t, "hello\nworld", b.Text)
		assert.Equal(t, res.MessageID, b.MessageID)
		assert.Equal(t, int64(1), b.Index)
	})

	t.Run("UnknownGroupOnly", func(t *testing.T) {
		s := open(t, basic)
		_, err := s.Post(ctx, Message("x", "hi", "body"))
		assert.ErrorIs(t, err, storage.ErrNoGroupsCarried)
		assert.Equal(t, storage.KindNoGroupsCarried, storage.KindOf(err))
	})

	t.Run("UnknownGroupSkipped", func(t *testing.T) {
		s := open(t, basic)
		res, err := s.Post(ctx, Message("x,alt.test", "hi", "body"))
		require.NoError(t, err)
		assert.Equal(t, []article.Location{{Group: "alt.test", Index: 1}}, res.Locations)
	})

	t.Run("CrossPostAdvancesEachGroup", func(t *testing.T) {
		s := open(t, basic)
		for i := 0; i < 2; i++ {
			_, err := s.Post(ctx, Message("alt.test", fmt.Sprint("only ", i), "body"))
			require.NoError(t, err)
		}
		res, err := s.Post(ctx, Message("alt.test,alt.other", "both", "body"))
		require.NoError(t, err)
		assert.ElementsMatch(t, []article.Location{{Group: "alt.test", Index: 3}, {Group: "alt.other", Index: 1}}, res.Locations)

		for _, want := range []storage.GroupInfo{
			{Name: "alt.test", Count: 3, High: 3, Low: 1},
			{Name: "alt.other", Count: 1, High: 1, Low: 1},
		} {
			info, err := s.GroupInfo(ctx, want.Name)
			require.NoError(t, err)
			assert.Equal(t, want.Count, info.Count, want.Name)
			assert.Equal(t, want.High, info.High, want.Name)
			assert.Equal(t, want.Low, info.Low, want.Name)
		}

		h, err := s.Head(ctx, "alt.other", 1)
		require.NoError(t, err)
		assert.Contains(t, h.Text, "Xref: ")
		assert.Contains(t, h.Text, "alt.test:3")
		assert.Contains(t, h.Text, "alt.other:1")
	})

	t.Run("ListGroups", func(t *testing.T) {
		s := open(t, basic)
		_, err := s.Post(ctx, Message("alt.test", "one", "body"))
		require.NoError(t, err)

		groups, err := s.ListGroups(ctx)
		require.NoError(t, err)
		byName := make(map[string]storage.GroupListing)
		for _, g := range groups {
			byName[g.Name] = g
		}
		require.Contains(t, byName, "alt.test")
		require.Contains(t, byName, "alt.other")
		assert.Equal(t, int64(1), byName["alt.test"].High)
		assert.Equal(t, int64(1), byName["alt.test"].Low)
		assert.Equal(t, storage.FlagPostingPermitted, byName["alt.test"].Flags)
	})

	t.Run("OverviewFormat", func(t *testing.T) {
		s := open(t, basic)
		f, err := s.OverviewFormat(ctx)
		require.NoError(t, err)
		assert.Equal(t, article.OverviewFormat, f)
	})

	t.Run("XOverOrderedEightColumns", func(t *testing.T) {
		s := open(t, basic)
		var ids []string
		for i := 1; i <= 5; i++ {
			res, err := s.Post(ctx, Message("alt.test", fmt.Sprint("subject ", i), fmt.Sprint("body ", i)))
			require.NoError(t, err)
			ids = append(ids, res.MessageID)
		}

		rows, err := s.XOver(ctx, "alt.test", storage.All())
		require.NoError(t, err)
		require.Len(t, rows, 5)
		for i, r := range rows {
			assert.Equal(t, int64(i+1), r.Index)
			require.Len(t, r.Fields, len(article.OverviewFormat))
			assert.Equal(t, fmt.Sprint("subject ", i+1), r.Fields[0])
			assert.Equal(t, "poster@example.com", r.Fields[1])
			assert.Equal(t, ids[i], r.Fields[3])
			assert.Equal(t, "", r.Fields[4])
			assert.Equal(t, "6", r.Fields[5])
			assert.True(t, strings.HasSuffix(r.Fields[7], " alt.test:"+fmt.Sprint(i+1)), r.Fields[7])
		}

		rows, err = s.XOver(ctx, "alt.test", storage.Between(2, 4))
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, int64(2), rows[0].Index)
		assert.Equal(t, int64(4), rows[2].Index)

		rows, err = s.XOver(ctx, "alt.test", storage.Between(4, 0))
		require.NoError(t, err)
		require.Len(t, rows, 2)

		rows, err = s.XOver(ctx, "alt.test", storage.Between(0, 1))
		require.NoError(t, err)
		require.Len(t, rows, 1)

		_, err = s.XOver(ctx, "no.such", storage.All())
		assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	})

	t.Run("XHdr", func(t *testing.T) {
		s := open(t, basic)
		for i := 1; i <= 3; i++ {
			_, err := s.Post(ctx, Message("alt.test", fmt.Sprint("s", i), "b"))
			require.NoError(t, err)
		}
		vals, err := s.XHdr(ctx, "alt.test", storage.Between(2, 3), "subject")
		require.NoError(t, err)
		assert.Equal(t, []storage.HeaderValue{{Index: 2, Value: "s2"}, {Index: 3, Value: "s3"}}, vals)

		vals, err = s.XHdr(ctx, "alt.test", storage.Between(1, 1), "X-Missing")
		require.NoError(t, err)
		assert.Equal(t, []storage.HeaderValue{{Index: 1, Value: ""}}, vals)

		_, err = s.XHdr(ctx, "no.such", storage.All(), "Subject")
		assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	})

	t.Run("ListGroup", func(t *testing.T) {
		s := open(t, basic)
		idx, err := s.ListGroup(ctx, "alt.other")
		require.NoError(t, err)
		assert.Empty(t, idx)

		for i := 0; i < 3; i++ {
			_, err := s.Post(ctx, Message("alt.other", "s", "b"))
			require.NoError(t, err)
		}
		idx, err = s.ListGroup(ctx, "alt.other")
		require.NoError(t, err)
		assert.Equal(t, []int64{1, 2, 3}, idx)

		_, err = s.ListGroup(ctx, "no.such")
		assert.ErrorIs(t, err, storage.ErrGroupNotFound)
	})

	t.Run("NotFoundKinds", func(t *testing.T) {
		s := open(t, basic)
		_, err := s.GroupInfo(ctx, "no.such")
		assert.ErrorIs(t, err, storage.ErrGroupNotFound)

		_, err = s.Body(ctx, "alt.test", 7)
		assert.ErrorIs(t, err, storage.ErrArticleNotFound)
		_, err = s.Head(ctx, "alt.test", 7)
		assert.ErrorIs(t, err, storage.ErrArticleNotFound)
		_, err = s.Article(ctx, "alt.test", 7, "")
		assert.ErrorIs(t, err, storage.ErrArticleNotFound)
		assert.False(t, errors.Is(err, storage.ErrGroupNotFound))
	})

	t.Run("ArticleExists", func(t *testing.T) {
		s := open(t, basic)
		ok, err := s.ArticleExists(ctx, "<never@posted>")
		require.NoError(t, err)
		assert.False(t, ok)

		res, err := s.Post(ctx, Message("alt.test", "s", "b", "Message-ID: <given@example.com>"))
		require.NoError(t, err)
		assert.Equal(t, "<given@example.com>", res.MessageID)

		ok, err = s.ArticleExists(ctx, "<given@example.com>")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("DuplicateMessageIDRejected", func(t *testing.T) {
		s := open(t, basic)
		_, err := s.Post(ctx, Message("alt.test", "first", "one", "Message-ID: <dup@example.com>"))
		require.NoError(t, err)

		_, err = s.Post(ctx, Message("alt.other", "second", "two", "Message-ID: <dup@example.com>"))
		assert.ErrorIs(t, err, storage.ErrDuplicateArticle)
		assert.Equal(t, storage.KindDuplicateArticle, storage.KindOf(err))

		info, err := s.GroupInfo(ctx, "alt.other")
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Count)

		body, err := s.Body(ctx, "alt.test", 1)
		require.NoError(t, err)
		assert.Equal(t, "one", body.Text)

		if feat.MessageIDLookup {
			a, err := s.Article(ctx, "alt.other", 0, "<dup@example.com>")
			require.NoError(t, err)
			assert.Equal(t, int64(1), a.Index)
			assert.Contains(t, a.Text, "Subject: first\r\n")
		}
	})

	t.Run("ArticleText", func(t *testing.T) {
		s := open(t, basic)
		res, err := s.Post(ctx, Message("alt.test", "full", "line one\r\nline two\r\n"))
		require.NoError(t, err)

		a, err := s.Article(ctx, "alt.test", 1, "")
		require.NoError(t, err)
		assert.Equal(t, res.MessageID, a.MessageID)

		parsed := article.ParseMessage(a.Text)
		assert.Equal(t, "full", parsed.Header("Subject"))
		assert.Equal(t, "line one\r\nline two\r\n", parsed.Body)
		assert.Equal(t, res.MessageID, parsed.MessageID())

		h, err := s.Head(ctx, "alt.test", 1)
		require.NoError(t, err)
		assert.Equal(t, parsed.TextHeaders(), h.Text)
	})

	t.Run("ArticleByMessageID", func(t *testing.T) {
		s := open(t, basic)
		_, err := s.Post(ctx, Message("alt.test", "first", "b"))
		require.NoError(t, err)
		res, err := s.Post(ctx, Message("alt.test,alt.other", "second", "b", "Message-ID: <second@example.com>"))
		require.NoError(t, err)

		a, err := s.Article(ctx, "alt.test", 0, res.MessageID)
		if !feat.MessageIDLookup {
			assert.ErrorIs(t, err, storage.ErrUnimplemented)
			return
		}
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.Index)
		assert.Equal(t, res.MessageID, a.MessageID)

		a, err = s.Article(ctx, "alt.other", 0, res.MessageID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), a.Index)

		_, err = s.Article(ctx, "alt.test", 0, "<missing@example.com>")
		assert.ErrorIs(t, err, storage.ErrArticleNotFound)
	})

	t.Run("Moderated", func(t *testing.T) {
		rec := &Recorder{}
		s := open(t, Setup{
			Groups:     []string{"alt.test", "mod.test"},
			Moderators: map[string][]string{"mod.test": {"m@h"}},
			Sender:     rec,
		})

		res, err := s.Post(ctx, Message("mod.test", "needs approval", "body"))
		require.NoError(t, err)
		assert.Equal(t, storage.PostModerationPending, res.Status)
		assert.Equal(t, []string{"m@h"}, res.Moderators)
		require.Equal(t, 1, rec.Len())
		assert.Equal(t, []string{"m@h"}, rec.Calls[0].To)
		assert.Contains(t, string(rec.Calls[0].Msg), "needs approval")

		info, err := s.GroupInfo(ctx, "mod.test")
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Count)
		assert.Equal(t, storage.FlagModerated, info.Flags)

		ok, err := s.ArticleExists(ctx, res.MessageID)
		require.NoError(t, err)
		assert.False(t, ok)

		// A cross-post touching a moderated group is diverted as a whole.
		_, err = s.Post(ctx, Message("alt.test,mod.test", "cross", "body"))
		require.NoError(t, err)
		info, err = s.GroupInfo(ctx, "alt.test")
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Count)

		res, err = s.Post(ctx, Message("mod.test", "approved", "body", "Approved: m@h"))
		require.NoError(t, err)
		assert.Equal(t, storage.PostStored, res.Status)
		info, err = s.GroupInfo(ctx, "mod.test")
		require.NoError(t, err)
		assert.Equal(t, int64(1), info.Count)
		assert.Equal(t, 2, rec.Len())
	})

	t.Run("ModerationSendFailure", func(t *testing.T) {
		rec := &Recorder{Err: errors.New("connection refused")}
		s := open(t, Setup{
			Groups:     []string{"mod.test"},
			Moderators: map[string][]string{"mod.test": {"m@h"}},
			Sender:     rec,
		})
		_, err := s.Post(ctx, Message("mod.test", "s", "b"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")

		info, err := s.GroupInfo(ctx, "mod.test")
		require.NoError(t, err)
		assert.Equal(t, int64(0), info.Count)
	})

	t.Run("ConcurrentPostsGetDistinctIndices", func(t *testing.T) {
		s := open(t, basic)
		const n = 20
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.Post(ctx, Message("alt.test", fmt.Sprint("c", i), fmt.Sprint("body ", i)))
				errs <- err
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		idx, err := s.ListGroup(ctx, "alt.test")
		require.NoError(t, err)
		want := make([]int64, n)
		for i := range want {
			want[i] = int64(i + 1)
		}
		assert.Equal(t, want, idx)
	})
}
