// Package snapshot is a news backend that keeps all state in memory and
// rewrites one gob file after every change.
//
// It is meant for small or reference deployments. The file is overwritten
// in place: a crash during a flush can lose the whole archive, and nothing
// stops other processes from reading a half-written file.
//
// Backends opened through the same Registry and path share one in-memory
// state, so each observes the others' writes.
package snapshot

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
)

// DefaultSubscriptions seeds a new snapshot without explicit subscriptions.
var DefaultSubscriptions = []string{"alt.test"}

// Options configure a Backend. Groups, Moderators and Subscriptions only
// seed a snapshot file that does not exist yet.
type Options struct {
	Groups        []string
	Moderators    map[string][]string
	Subscriptions []string
	Notifier      *moderation.Notifier
	Hostname      string
	Logger        *slog.Logger
}

type storedArticle struct {
	Fields []article.Field
	Body   string
}

// database is the whole persisted structure.
type database struct {
	Groups        []string
	Articles      map[string]map[int64]storedArticle
	Moderators    map[string][]string
	Subscriptions []string
}

type state struct {
	path string
	once sync.Once
	err  error

	mu sync.Mutex
	db *database
}

// Registry maps snapshot paths to their loaded state.
type Registry struct {
	states *xsync.MapOf[string, *state]
}

// NewRegistry returns an empty registry. Create one at startup and hand it
// to every component opening snapshot files.
func NewRegistry() *Registry {
	return &Registry{states: xsync.NewMapOf[string, *state]()}
}

// Len reports how many paths are loaded.
func (r *Registry) Len() int {
	return r.states.Size()
}

// Forget drops the cached state of path. Backends already open keep using
// it.
func (r *Registry) Forget(path string) {
	r.states.Delete(filepath.Clean(path))
}

// Backend implements storage.Storage and storage.Administrator.
type Backend struct {
	st       *state
	notifier *moderation.Notifier
	parser   article.Parser
	host     string
	logger   *slog.Logger
}

// Open returns a backend over the snapshot at path, loading it on first use
// or creating it from opts when the file is missing.
func (r *Registry) Open(path string, opts Options) (*Backend, error) {
	path = filepath.Clean(path)
	st, _ := r.states.LoadOrCompute(path, func() *state {
		return &state{path: path}
	})
	st.once.Do(func() {
		st.db, st.err = load(path, opts)
	})
	if st.err != nil {
		r.states.Delete(path)
		return nil, st.err
	}

	host := opts.Hostname
	if host == "" {
		host = article.Hostname()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "snapshot")
	}
	return &Backend{
		st:       st,
		notifier: opts.Notifier,
		parser:   article.Parser{Hostname: host},
		host:     host,
		logger:   logger.With("path", path),
	}, nil
}

func load(path string, opts Options) (*database, error) {
	f, err := os.Open(path)
	if err == nil {
		defer f.Close()
		db := &database{}
		if err := gob.NewDecoder(f).Decode(db); err != nil {
			return nil, storage.IOError("decoding snapshot "+path, err)
		}
		db.normalize()
		return db, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, storage.IOError("opening snapshot "+path, err)
	}

	db := &database{
		Groups:        append([]string(nil), opts.Groups...),
		Moderators:    make(map[string][]string, len(opts.Moderators)),
		Subscriptions: opts.Subscriptions,
	}
	if db.Subscriptions == nil {
		db.Subscriptions = append([]string(nil), DefaultSubscriptions...)
	}
	for g, mods := range opts.Moderators {
		db.Moderators[g] = append([]string(nil), mods...)
	}
	db.normalize()
	if err := flush(path, db); err != nil {
		return nil, err
	}
	return db, nil
}

func (db *database) normalize() {
	if db.Articles == nil {
		db.Articles = make(map[string]map[int64]storedArticle)
	}
	if db.Moderators == nil {
		db.Moderators = make(map[string][]string)
	}
	for _, g := range db.Groups {
		if db.Articles[g] == nil {
			db.Articles[g] = make(map[int64]storedArticle)
		}
	}
}

// flush overwrites path with the whole database.
func flush(path string, db *database) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return storage.IOError("creating snapshot directory", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return storage.IOError("creating snapshot "+path, err)
	}
	if err := gob.NewEncoder(f).Encode(db); err != nil {
		f.Close()
		return storage.IOError("writing snapshot "+path, err)
	}
	if err := f.Close(); err != nil {
		return storage.IOError("closing snapshot "+path, err)
	}
	return nil
}

func (b *Backend) moderators(_ context.Context, groups []string) ([]string, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	var out []string
	for _, g := range groups {
		out = append(out, b.st.db.Moderators[g]...)
	}
	return out, nil
}

func (b *Backend) flags(group string) string {
	if len(b.st.db.Moderators[group]) > 0 {
		return storage.FlagModerated
	}
	return storage.FlagPostingPermitted
}

// bounds returns the lowest and highest index of a group, 0 when empty.
func bounds(arts map[int64]storedArticle) (low, high int64) {
	for i := range arts {
		if low == 0 || i < low {
			low = i
		}
		if i > high {
			high = i
		}
	}
	return low, high
}

func sortedIndices(arts map[int64]storedArticle) []int64 {
	out := make([]int64, 0, len(arts))
	for i := range arts {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (b *Backend) ListGroups(context.Context) ([]storage.GroupListing, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	out := make([]storage.GroupListing, 0, len(b.st.db.Groups))
	for _, g := range b.st.db.Groups {
		low, high := bounds(b.st.db.Articles[g])
		out = append(out, storage.GroupListing{Name: g, High: high, Low: low, Flags: b.flags(g)})
	}
	return out, nil
}

func (b *Backend) Subscriptions(context.Context) ([]string, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	return append([]string(nil), b.st.db.Subscriptions...), nil
}

func (b *Backend) Post(ctx context.Context, message string) (storage.PostResult, error) {
	a := b.parser.ParseMessage(message)
	groups := a.Newsgroups()

	if res, diverted, err := b.notifier.Intercept(ctx, a, groups, b.moderators); diverted || err != nil {
		return res, err
	}

	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	db := b.st.db

	var locs []article.Location
	for _, g := range groups {
		arts, ok := db.Articles[g]
		if !ok {
			continue
		}
		_, high := bounds(arts)
		locs = append(locs, article.Location{Group: g, Index: high + 1})
	}
	if len(locs) == 0 {
		return storage.PostResult{}, fmt.Errorf("%w: %s", storage.ErrNoGroupsCarried, a.Header(article.HeaderNewsgroups))
	}

	if b.exists(a.MessageID()) {
		return storage.PostResult{}, storage.Duplicate(a.MessageID())
	}

	a.PutHeader(article.HeaderXref, article.FormatXref(b.host, locs))
	stored := storedArticle{Fields: a.Fields(), Body: a.Body}
	for _, l := range locs {
		db.Articles[l.Group][l.Index] = stored
	}
	if err := flush(b.st.path, db); err != nil {
		// memory must not get ahead of the file
		for _, l := range locs {
			delete(db.Articles[l.Group], l.Index)
		}
		return storage.PostResult{}, err
	}

	b.logger.Debug("article stored", "message_id", a.MessageID(), "xref", a.Header(article.HeaderXref))
	return storage.PostResult{Status: storage.PostStored, MessageID: a.MessageID(), Locations: locs}, nil
}

func (b *Backend) OverviewFormat(context.Context) ([]string, error) {
	return append([]string(nil), article.OverviewFormat...), nil
}

func (b *Backend) group(name string) (map[int64]storedArticle, error) {
	arts, ok := b.st.db.Articles[name]
	if !ok {
		return nil, storage.NoSuchGroup(name)
	}
	return arts, nil
}

func (b *Backend) XOver(_ context.Context, group string, r storage.Range) ([]storage.OverviewRow, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	arts, err := b.group(group)
	if err != nil {
		return nil, err
	}
	var out []storage.OverviewRow
	for _, i := range sortedIndices(arts) {
		if r.Contains(i) {
			s := arts[i]
			out = append(out, storage.OverviewRow{Index: i, Fields: article.Restore(s.Fields, s.Body).Overview()})
		}
	}
	return out, nil
}

func (b *Backend) XHdr(_ context.Context, group string, r storage.Range, header string) ([]storage.HeaderValue, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	arts, err := b.group(group)
	if err != nil {
		return nil, err
	}
	var out []storage.HeaderValue
	for _, i := range sortedIndices(arts) {
		if r.Contains(i) {
			s := arts[i]
			out = append(out, storage.HeaderValue{Index: i, Value: article.Restore(s.Fields, s.Body).Header(header)})
		}
	}
	return out, nil
}

func (b *Backend) ListGroup(_ context.Context, group string) ([]int64, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	arts, err := b.group(group)
	if err != nil {
		return nil, err
	}
	return sortedIndices(arts), nil
}

func (b *Backend) GroupInfo(_ context.Context, group string) (storage.GroupInfo, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	arts, err := b.group(group)
	if err != nil {
		return storage.GroupInfo{}, err
	}
	low, high := bounds(arts)
	return storage.GroupInfo{
		Name:  group,
		Count: int64(len(arts)),
		High:  high,
		Low:   low,
		Flags: b.flags(group),
	}, nil
}

func (b *Backend) ArticleExists(_ context.Context, messageID string) (bool, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	return b.exists(messageID), nil
}

// exists scans every group for messageID. The caller holds st.mu.
func (b *Backend) exists(messageID string) bool {
	for _, arts := range b.st.db.Articles {
		for _, s := range arts {
			if article.Restore(s.Fields, "").MessageID() == messageID {
				return true
			}
		}
	}
	return false
}

func (b *Backend) lookup(group string, index int64) (*article.Article, error) {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	arts, err := b.group(group)
	if err != nil {
		return nil, err
	}
	s, ok := arts[index]
	if !ok {
		return nil, storage.NoSuchArticle("%s:%d", group, index)
	}
	return article.Restore(s.Fields, s.Body), nil
}

// Article does not support lookups by Message-ID.
func (b *Backend) Article(_ context.Context, group string, index int64, messageID string) (storage.ArticleData, error) {
	if messageID != "" {
		return storage.ArticleData{}, fmt.Errorf("%w: article by message-id", storage.ErrUnimplemented)
	}
	a, err := b.lookup(group, index)
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: index, MessageID: a.MessageID(), Text: a.Text()}, nil
}

func (b *Backend) Head(_ context.Context, group string, index int64) (storage.ArticleData, error) {
	a, err := b.lookup(group, index)
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: index, MessageID: a.MessageID(), Text: a.TextHeaders()}, nil
}

func (b *Backend) Body(_ context.Context, group string, index int64) (storage.ArticleData, error) {
	a, err := b.lookup(group, index)
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: index, MessageID: a.MessageID(), Text: a.Body}, nil
}

// AddGroup creates an empty group. Flags are derived from the moderator
// map, so flags is only checked for "m" without moderators.
func (b *Backend) AddGroup(_ context.Context, name, flags string) error {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	db := b.st.db
	if _, ok := db.Articles[name]; ok {
		return nil
	}
	if flags == storage.FlagModerated && len(db.Moderators[name]) == 0 {
		b.logger.Warn("moderated group has no moderators yet", "group", name)
	}
	db.Groups = append(db.Groups, name)
	db.Articles[name] = make(map[int64]storedArticle)
	return flush(b.st.path, db)
}

func (b *Backend) AddSubscription(_ context.Context, name string) error {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	b.st.db.Subscriptions = append(b.st.db.Subscriptions, name)
	return flush(b.st.path, b.st.db)
}

func (b *Backend) AddModerator(_ context.Context, group, address string) error {
	b.st.mu.Lock()
	defer b.st.mu.Unlock()
	b.st.db.Moderators[group] = moderation.Unique(append(b.st.db.Moderators[group], address))
	return flush(b.st.path, b.st.db)
}

// Close is a no-op; the state stays cached in the registry.
func (b *Backend) Close() error {
	return nil
}

var (
	_ storage.Storage       = (*Backend)(nil)
	_ storage.Administrator = (*Backend)(nil)
)
