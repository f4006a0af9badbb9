package nntpserver

import (
	"context"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/future"
	"github.com/javi11/nntp-storage/kv"
	"github.com/javi11/nntp-storage/shelf"
	"github.com/javi11/nntp-storage/snapshot"
	"github.com/javi11/nntp-storage/storage"
	"github.com/javi11/nntp-storage/storage/storagetest"
)

func newTestServer(t *testing.T, cfg Config, backend storage.Storage) *textproto.Conn {
	t.Helper()
	sched := future.NewScheduler()
	cfg.Address = "127.0.0.1:0"
	srv := NewServer(storage.NewAsync(backend, sched), cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		sched.Close()
		backend.Close()
	})

	c, err := textproto.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func newSnapshotBackend(t *testing.T) storage.Storage {
	t.Helper()
	b, err := snapshot.NewRegistry().Open(filepath.Join(t.TempDir(), "news.db"), snapshot.Options{
		Groups:   []string{"alt.test", "alt.other"},
		Hostname: "news.example.com",
	})
	require.NoError(t, err)
	return b
}

func newShelfBackend(t *testing.T) storage.Storage {
	t.Helper()
	s, err := shelf.Open(kv.NewMemory(), shelf.Options{Hostname: "news.example.com"})
	require.NoError(t, err)
	require.NoError(t, s.AddGroup(context.Background(), "alt.test", storage.FlagPostingPermitted))
	return s
}

func cmd(t *testing.T, c *textproto.Conn, code int, format string, args ...any) string {
	t.Helper()
	require.NoError(t, c.PrintfLine(format, args...))
	_, msg, err := c.ReadCodeLine(code)
	require.NoError(t, err, msg)
	return msg
}

func post(t *testing.T, c *textproto.Conn, msg string) string {
	t.Helper()
	cmd(t, c, 340, "POST")
	dw := c.DotWriter()
	_, err := dw.Write([]byte(msg))
	require.NoError(t, err)
	require.NoError(t, dw.Close())
	_, line, err := c.ReadCodeLine(240)
	require.NoError(t, err, line)
	return line
}

func TestGreetingAndQuit(t *testing.T) {
	c := newTestServer(t, Config{}, newSnapshotBackend(t))
	_, _, err := c.ReadCodeLine(200)
	require.NoError(t, err)
	cmd(t, c, 205, "QUIT")
}

func TestReadOnly(t *testing.T) {
	c := newTestServer(t, Config{ReadOnly: true}, newSnapshotBackend(t))
	_, _, err := c.ReadCodeLine(201)
	require.NoError(t, err)
	cmd(t, c, 440, "POST")
	cmd(t, c, 201, "MODE READER")

	cmd(t, c, 101, "CAPABILITIES")
	lines, err := c.ReadDotLines()
	require.NoError(t, err)
	assert.NotContains(t, lines, "POST")
}

func TestUnknownCommand(t *testing.T) {
	c := newTestServer(t, Config{}, newSnapshotBackend(t))
	_, _, err := c.ReadCodeLine(200)
	require.NoError(t, err)
	cmd(t, c, 500, "FROBNICATE")
	cmd(t, c, 412, "OVER 1-")
	cmd(t, c, 411, "GROUP no.such")
	cmd(t, c, 501, "LIST NEWSGROUPS")
}

func TestPostAndRead(t *testing.T) {
	c := newTestServer(t, Config{}, newSnapshotBackend(t))
	_, _, err := c.ReadCodeLine(200)
	require.NoError(t, err)

	post(t, c, "Newsgroups: alt.test\r\nSubject: first\r\nFrom: a@example.com\r\n\r\nhello\r\nworld\r\n")
	post(t, c, "Newsgroups: alt.test,alt.other\r\nSubject: second\r\nFrom: b@example.com\r\nMessage-ID: <two@example.com>\r\n\r\n.leading dot\r\n")

	msg := cmd(t, c, 211, "GROUP alt.test")
	assert.Equal(t, "2 1 2 alt.test", msg)

	cmd(t, c, 215, "LIST")
	lines, err := c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"alt.test 2 1 y", "alt.other 1 1 y"}, lines)

	cmd(t, c, 215, "LIST OVERVIEW.FMT")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"Subject:", "From:", "Date:", "Message-ID:", "References:", ":bytes", ":lines", "Xref:full"}, lines)

	cmd(t, c, 224, "XOVER 1-")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	require.Len(t, lines, 2)
	cols := strings.Split(lines[1], "\t")
	require.Len(t, cols, 9)
	assert.Equal(t, "2", cols[0])
	assert.Equal(t, "second", cols[1])
	assert.Equal(t, "<two@example.com>", cols[4])
	assert.Equal(t, "news.example.com alt.test:2 alt.other:1", cols[8])

	cmd(t, c, 221, "XHDR Subject 1-2")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"1 first", "2 second"}, lines)

	cmd(t, c, 225, "HDR From 2")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"2 b@example.com"}, lines)

	msg = cmd(t, c, 222, "BODY 1")
	assert.True(t, strings.HasPrefix(msg, "1 <"), msg)
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, lines)

	cmd(t, c, 222, "BODY 2")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{".leading dot"}, lines)

	msg = cmd(t, c, 221, "HEAD 2")
	assert.Equal(t, "2 <two@example.com>", msg)
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Contains(t, lines, "Subject: second")

	msg = cmd(t, c, 223, "STAT")
	assert.Equal(t, "2 <two@example.com>", msg)
	cmd(t, c, 223, "STAT <two@example.com>")
	cmd(t, c, 430, "STAT <missing@example.com>")
	cmd(t, c, 423, "ARTICLE 9")

	// The snapshot backend cannot look articles up by Message-ID.
	cmd(t, c, 503, "ARTICLE <two@example.com>")

	cmd(t, c, 211, "LISTGROUP alt.other")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, lines)
}

func TestPostFailures(t *testing.T) {
	c := newTestServer(t, Config{}, newSnapshotBackend(t))
	_, _, err := c.ReadCodeLine(200)
	require.NoError(t, err)

	cmd(t, c, 340, "POST")
	dw := c.DotWriter()
	_, err = dw.Write([]byte(storagetest.Message("no.such", "s", "b")))
	require.NoError(t, err)
	require.NoError(t, dw.Close())
	_, msg, err := c.ReadCodeLine(441)
	require.NoError(t, err)
	assert.Contains(t, msg, "no groups carried")

	dup := storagetest.Message("alt.test", "s", "b", "Message-ID: <once@example.com>")
	post(t, c, dup)
	cmd(t, c, 340, "POST")
	dw = c.DotWriter()
	_, err = dw.Write([]byte(dup))
	require.NoError(t, err)
	require.NoError(t, dw.Close())
	_, msg, err = c.ReadCodeLine(441)
	require.NoError(t, err)
	assert.Contains(t, msg, "already stored")
}

func TestMessageIDLookupAndIHave(t *testing.T) {
	c := newTestServer(t, Config{}, newShelfBackend(t))
	_, _, err := c.ReadCodeLine(200)
	require.NoError(t, err)

	cmd(t, c, 335, "IHAVE <fed@example.com>")
	dw := c.DotWriter()
	_, err = dw.Write([]byte(storagetest.Message("alt.test", "fed", "peer body\r\n", "Message-ID: <fed@example.com>")))
	require.NoError(t, err)
	require.NoError(t, dw.Close())
	_, _, err = c.ReadCodeLine(235)
	require.NoError(t, err)

	cmd(t, c, 435, "IHAVE <fed@example.com>")

	msg := cmd(t, c, 220, "ARTICLE <fed@example.com>")
	assert.Equal(t, "1 <fed@example.com>", msg)
	lines, err := c.ReadDotLines()
	require.NoError(t, err)
	assert.Contains(t, lines, "Subject: fed")
	assert.Equal(t, "peer body", lines[len(lines)-1])

	cmd(t, c, 222, "BODY <fed@example.com>")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"peer body"}, lines)

	cmd(t, c, 225, "HDR Subject <fed@example.com>")
	lines, err = c.ReadDotLines()
	require.NoError(t, err)
	assert.Equal(t, []string{"0 fed"}, lines)

	cmd(t, c, 430, "HEAD <missing@example.com>")
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		in   string
		want storage.Range
		err  bool
	}{
		{"5", storage.Between(5, 5), false},
		{"5-", storage.Between(5, 0), false},
		{"5-9", storage.Between(5, 9), false},
		{"x", storage.Range{}, true},
		{"1-y", storage.Range{}, true},
	}
	for _, tt := range tests {
		got, err := parseRange(tt.in)
		if tt.err {
			assert.ErrorIs(t, err, ErrSyntax, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestProtocolError(t *testing.T) {
	assert.Equal(t, ErrNoSuchGroup, protocolError(storage.NoSuchGroup("x"), false))
	assert.Equal(t, ErrInvalidArticleNumber, protocolError(storage.NoSuchArticle("x:1"), false))
	assert.Equal(t, ErrInvalidMessageID, protocolError(storage.NoSuchArticle("<a@b>"), true))
	assert.Equal(t, ErrNotSupported, protocolError(storage.ErrUnimplemented, true))
	assert.Equal(t, 441, protocolError(storage.Duplicate("<a@b>"), false).(*NNTPError).Code)
	assert.Equal(t, ErrInternal, protocolError(storage.IOError("x", assert.AnError), false))
	assert.Equal(t, ErrSyntax, protocolError(ErrSyntax, false))
}
