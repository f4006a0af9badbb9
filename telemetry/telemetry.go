// Package telemetry counts and times storage operations.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"

	"github.com/javi11/nntp-storage/storage"
)

// Storage decorates a backend with request, error and latency metrics.
type Storage struct {
	next    storage.Storage
	backend string
	set     *metrics.Set
}

// Wrap instruments next. Metrics are labeled with backend and registered in
// set; a nil set gets a private one.
func Wrap(next storage.Storage, backend string, set *metrics.Set) *Storage {
	if set == nil {
		set = metrics.NewSet()
	}
	return &Storage{next: next, backend: backend, set: set}
}

// Unwrap returns the decorated backend.
func (s *Storage) Unwrap() storage.Storage {
	return s.next
}

// Set returns the metric set.
func (s *Storage) Set() *metrics.Set {
	return s.set
}

func (s *Storage) labels(pairs ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `{backend=%q`, s.backend)
	for i := 0; i+1 < len(pairs); i += 2 {
		fmt.Fprintf(&b, `,%s=%q`, pairs[i], pairs[i+1])
	}
	b.WriteString("}")
	return b.String()
}

var labelReplacer = strings.NewReplacer(" ", "_", "/", "")

func labelValue(v string) string {
	return labelReplacer.Replace(strings.ToLower(v))
}

func (s *Storage) observe(op string, start time.Time, err error) {
	s.set.GetOrCreateCounter("nntp_storage_requests_total" + s.labels("op", op)).Inc()
	s.set.GetOrCreateHistogram("nntp_storage_request_duration_seconds" + s.labels("op", op)).UpdateDuration(start)
	if err != nil {
		kind := labelValue(storage.KindOf(err).String())
		s.set.GetOrCreateCounter("nntp_storage_errors_total" + s.labels("op", op, "kind", kind)).Inc()
	}
}

func (s *Storage) ListGroups(ctx context.Context) (out []storage.GroupListing, err error) {
	defer func(start time.Time) { s.observe("list_groups", start, err) }(time.Now())
	return s.next.ListGroups(ctx)
}

func (s *Storage) Subscriptions(ctx context.Context) (out []string, err error) {
	defer func(start time.Time) { s.observe("subscriptions", start, err) }(time.Now())
	return s.next.Subscriptions(ctx)
}

// Post also counts outcomes by status.
func (s *Storage) Post(ctx context.Context, message string) (res storage.PostResult, err error) {
	defer func(start time.Time) {
		s.observe("post", start, err)
		if err == nil {
			s.set.GetOrCreateCounter("nntp_storage_posts_total" + s.labels("status", labelValue(res.Status.String()))).Inc()
		}
	}(time.Now())
	return s.next.Post(ctx, message)
}

func (s *Storage) OverviewFormat(ctx context.Context) (out []string, err error) {
	defer func(start time.Time) { s.observe("overview_format", start, err) }(time.Now())
	return s.next.OverviewFormat(ctx)
}

func (s *Storage) XOver(ctx context.Context, group string, r storage.Range) (out []storage.OverviewRow, err error) {
	defer func(start time.Time) { s.observe("xover", start, err) }(time.Now())
	return s.next.XOver(ctx, group, r)
}

func (s *Storage) XHdr(ctx context.Context, group string, r storage.Range, header string) (out []storage.HeaderValue, err error) {
	defer func(start time.Time) { s.observe("xhdr", start, err) }(time.Now())
	return s.next.XHdr(ctx, group, r, header)
}

func (s *Storage) ListGroup(ctx context.Context, group string) (out []int64, err error) {
	defer func(start time.Time) { s.observe("list_group", start, err) }(time.Now())
	return s.next.ListGroup(ctx, group)
}

func (s *Storage) GroupInfo(ctx context.Context, group string) (out storage.GroupInfo, err error) {
	defer func(start time.Time) { s.observe("group_info", start, err) }(time.Now())
	return s.next.GroupInfo(ctx, group)
}

func (s *Storage) ArticleExists(ctx context.Context, messageID string) (ok bool, err error) {
	defer func(start time.Time) { s.observe("article_exists", start, err) }(time.Now())
	return s.next.ArticleExists(ctx, messageID)
}

func (s *Storage) Article(ctx context.Context, group string, index int64, messageID string) (out storage.ArticleData, err error) {
	defer func(start time.Time) { s.observe("article", start, err) }(time.Now())
	return s.next.Article(ctx, group, index, messageID)
}

func (s *Storage) Head(ctx context.Context, group string, index int64) (out storage.ArticleData, err error) {
	defer func(start time.Time) { s.observe("head", start, err) }(time.Now())
	return s.next.Head(ctx, group, index)
}

func (s *Storage) Body(ctx context.Context, group string, index int64) (out storage.ArticleData, err error) {
	defer func(start time.Time) { s.observe("body", start, err) }(time.Now())
	return s.next.Body(ctx, group, index)
}

func (s *Storage) admin() (storage.Administrator, error) {
	a, ok := s.next.(storage.Administrator)
	if !ok {
		return nil, fmt.Errorf("%w: %s backend cannot be administered", storage.ErrUnimplemented, s.backend)
	}
	return a, nil
}

func (s *Storage) AddGroup(ctx context.Context, name, flags string) (err error) {
	defer func(start time.Time) { s.observe("add_group", start, err) }(time.Now())
	a, err := s.admin()
	if err != nil {
		return err
	}
	return a.AddGroup(ctx, name, flags)
}

func (s *Storage) AddSubscription(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { s.observe("add_subscription", start, err) }(time.Now())
	a, err := s.admin()
	if err != nil {
		return err
	}
	return a.AddSubscription(ctx, name)
}

func (s *Storage) AddModerator(ctx context.Context, group, address string) (err error) {
	defer func(start time.Time) { s.observe("add_moderator", start, err) }(time.Now())
	a, err := s.admin()
	if err != nil {
		return err
	}
	return a.AddModerator(ctx, group, address)
}

func (s *Storage) Close() error {
	return s.next.Close()
}

// WritePrometheus writes the storage metrics in text exposition format.
func (s *Storage) WritePrometheus(w io.Writer) {
	s.set.WritePrometheus(w)
}

// Handler serves set and the process metrics on /metrics.
func Handler(set *metrics.Set) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		set.WritePrometheus(w)
		metrics.WriteProcessMetrics(w)
	})
	return mux
}

var (
	_ storage.Storage       = (*Storage)(nil)
	_ storage.Administrator = (*Storage)(nil)
)
