package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/VictoriaMetrics/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/snapshot"
	"github.com/javi11/nntp-storage/storage"
	"github.com/javi11/nntp-storage/storage/storagetest"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	b, err := snapshot.NewRegistry().Open(filepath.Join(t.TempDir(), "news.db"), snapshot.Options{
		Groups:   []string{"alt.test"},
		Hostname: "news.example.com",
	})
	require.NoError(t, err)
	return Wrap(b, "snapshot", metrics.NewSet())
}

func TestContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T, setup storagetest.Setup) storage.Storage {
		b, err := snapshot.NewRegistry().Open(filepath.Join(t.TempDir(), "news.db"), snapshot.Options{
			Groups:     setup.Groups,
			Moderators: setup.Moderators,
			Notifier:   &moderation.Notifier{Sender: setup.Sender},
		})
		require.NoError(t, err)
		return Wrap(b, "snapshot", nil)
	}, storagetest.Features{})
}

func TestCountsRequestsAndErrors(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	_, err := s.Post(ctx, storagetest.Message("alt.test", "s", "b"))
	require.NoError(t, err)
	_, err = s.GroupInfo(ctx, "no.such")
	require.Error(t, err)

	var buf bytes.Buffer
	s.WritePrometheus(&buf)
	out := buf.String()
	assert.Contains(t, out, `nntp_storage_requests_total{backend="snapshot",op="post"} 1`)
	assert.Contains(t, out, `nntp_storage_posts_total{backend="snapshot",status="stored"} 1`)
	assert.Contains(t, out, `nntp_storage_errors_total{backend="snapshot",op="group_info",kind="group_not_found"} 1`)
	assert.Contains(t, out, `nntp_storage_request_duration_seconds_bucket{backend="snapshot",op="post"`)
}

func TestAdministratorPassThrough(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)
	require.NoError(t, s.AddGroup(ctx, "alt.new", storage.FlagPostingPermitted))

	info, err := s.GroupInfo(ctx, "alt.new")
	require.NoError(t, err)
	assert.Equal(t, "alt.new", info.Name)
}

type bare struct{ storage.Storage }

func TestAdministratorUnsupported(t *testing.T) {
	s := Wrap(bare{}, "bare", nil)
	err := s.AddGroup(context.Background(), "alt.new", "y")
	assert.ErrorIs(t, err, storage.ErrUnimplemented)
}

func TestHandler(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.ListGroups(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	Handler(s.Set()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `op="list_groups"`)
}
