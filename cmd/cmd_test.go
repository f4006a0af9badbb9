package cmd

import (
	"bytes"
	"context"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/config"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
)

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "newsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// row returns the whitespace separated fields of the group list line for
// name.
func row(out, name string) []string {
	for _, line := range strings.Split(out, "\n") {
		f := strings.Fields(line)
		if len(f) > 0 && f[0] == name {
			return f
		}
	}
	return nil
}

func TestVersion(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "newsd v"+Version+"\n", out)
}

func TestSnapshotGroupsAndPost(t *testing.T) {
	color.NoColor = true
	dir := t.TempDir()
	cfg := writeConfig(t, "backend: snapshot\nhostname: news.example.com\nsnapshot:\n  path: "+filepath.Join(dir, "news.db")+"\n  groups: [alt.test]\n")

	_, err := run(t, "", "-c", cfg, "group", "add", "comp.lang.go")
	require.NoError(t, err)
	_, err = run(t, "", "-c", cfg, "group", "subscribe", "comp.lang.go")
	require.NoError(t, err)
	_, err = run(t, "", "-c", cfg, "group", "add", "--flags", "x", "bad.group")
	assert.ErrorContains(t, err, `invalid flags "x"`)

	msg := filepath.Join(dir, "msg.txt")
	require.NoError(t, os.WriteFile(msg, []byte("Newsgroups: alt.test\nSubject: hi\nFrom: a@example.com\nMessage-ID: <cli@example.com>\n\nbody\n"), 0o644))
	out, err := run(t, "", "-c", cfg, "post", msg)
	require.NoError(t, err)
	assert.Equal(t, "<cli@example.com> stored: alt.test:1\n", out)

	out, err = run(t, "", "-c", cfg, "group", "list")
	require.NoError(t, err)
	assert.Equal(t, []string{"alt.test", "1", "1", "y", "*"}, row(out, "alt.test"))
	assert.Equal(t, []string{"comp.lang.go", "0", "0", "y", "*"}, row(out, "comp.lang.go"))

	_, err = run(t, "", "-c", cfg, "group", "moderator", "comp.lang.go", "mod@example.com")
	require.NoError(t, err)
	out, err = run(t, "", "-c", cfg, "group", "list")
	require.NoError(t, err)
	assert.Equal(t, "m", row(out, "comp.lang.go")[3])

	// No mail host is configured, so the moderation request cannot be sent.
	_, err = run(t, "Newsgroups: comp.lang.go\nSubject: q\nFrom: a@example.com\n\nbody\n", "-c", cfg, "post")
	assert.ErrorIs(t, err, moderation.ErrNoTransport)
}

func TestShelfPostFromStdin(t *testing.T) {
	cfg := writeConfig(t, "backend: shelf\nhostname: news.example.com\nshelf:\n  path: "+filepath.Join(t.TempDir(), "shelf")+"\n  engine: bolt\n")

	_, err := run(t, "", "-c", cfg, "group", "add", "alt.test")
	require.NoError(t, err)
	out, err := run(t, "Newsgroups: alt.test\nSubject: hi\nFrom: a@example.com\nMessage-ID: <stdin@example.com>\n\nbody\n", "-c", cfg, "post", "-")
	require.NoError(t, err)
	assert.Equal(t, "<stdin@example.com> stored: alt.test:1\n", out)
}

func TestSQLModeratorUnsupported(t *testing.T) {
	cfg := writeConfig(t, "backend: sql\nsql:\n  path: "+filepath.Join(t.TempDir(), "news.sqlite")+"\n")
	_, err := run(t, "", "-c", cfg, "group", "moderator", "alt.test", "m@example.com")
	assert.ErrorIs(t, err, storage.ErrUnimplemented)
}

func TestLoadConfigOverrides(t *testing.T) {
	v := viper.New()
	v.Set("backend", "sql")
	v.Set("log-level", "debug")
	v.Set("address", "127.0.0.1:2119")
	cfg, err := loadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQL, cfg.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:2119", cfg.Server.Address)

	v.Set("backend", "cassandra")
	_, err = loadConfig(v)
	assert.ErrorContains(t, err, `unknown backend "cassandra"`)
}

func TestServe(t *testing.T) {
	cfg := config.Default()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Snapshot.Path = filepath.Join(t.TempDir(), "news.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addrs := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, cfg, false, func(a net.Addr) { addrs <- a })
	}()

	var addr net.Addr
	select {
	case addr = <-addrs:
	case err := <-done:
		t.Fatalf("serve returned early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	c, err := textproto.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	_, _, err = c.ReadCodeLine(200)
	require.NoError(t, err)
	require.NoError(t, c.PrintfLine("GROUP alt.test"))
	_, msg, err := c.ReadCodeLine(211)
	require.NoError(t, err)
	assert.Equal(t, "0 0 0 alt.test", msg)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestWrapString(t *testing.T) {
	got := WrapString("one two three four five six seven eight nine ten eleven twelve")
	for _, line := range strings.Split(got, "\n") {
		assert.LessOrEqual(t, len(line), wrapWidth)
	}
	assert.Equal(t, "one two three four five six seven eight nine ten\neleven twelve", got)
}

func TestToCRLF(t *testing.T) {
	assert.Equal(t, "a\r\nb\r\n", toCRLF("a\nb\r\n"))
}
