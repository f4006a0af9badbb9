// Package shelf is a news backend over independently durable key tables.
//
// Four tables make up a shelf: groups (name to Group, articles embedded),
// moderators (group to addresses), message-ids (Message-ID to the locations
// it was filed under) and the root table holding the subscription list.
// Values are gob encoded. Table iteration order is not guaranteed, so every
// ordered result is sorted here.
package shelf

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/kv"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
)

// Table names.
const (
	TableRoot       = "shelf"
	TableGroups     = "groups"
	TableModerators = "moderators"
	TableMessageIDs = "message-ids"

	keySubscriptions = "subscriptions"
)

// Group is a stored newsgroup with its articles.
type Group struct {
	Name     string
	Flags    string
	Min      int64
	Max      int64
	Articles map[int64]Article
}

// Article is the stored form of one article.
type Article struct {
	Fields []article.Field
	Body   string
}

func newGroup(name, flags string) *Group {
	if flags == "" {
		flags = storage.FlagPostingPermitted
	}
	return &Group{Name: name, Flags: flags, Min: 1, Articles: make(map[int64]Article)}
}

func (g *Group) article(i int64) *article.Article {
	a := g.Articles[i]
	return article.Restore(a.Fields, a.Body)
}

func (g *Group) indices() []int64 {
	out := make([]int64, 0, len(g.Articles))
	for i := range g.Articles {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options configure a Shelf.
type Options struct {
	Notifier *moderation.Notifier
	Hostname string
	Logger   *slog.Logger
}

// Shelf implements storage.Storage and storage.Administrator.
type Shelf struct {
	engine kv.Engine

	root       kv.Table
	groups     kv.Table
	moderators kv.Table
	messageIDs kv.Table

	notifier *moderation.Notifier
	parser   article.Parser
	host     string
	logger   *slog.Logger

	mu sync.Mutex
}

// Open builds a shelf over engine. A root table without keys marks a new
// shelf, which is initialized with an empty subscription list. The shelf
// takes ownership of engine.
func Open(engine kv.Engine, opts Options) (*Shelf, error) {
	host := opts.Hostname
	if host == "" {
		host = article.Hostname()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "shelf")
	}
	s := &Shelf{
		engine:   engine,
		notifier: opts.Notifier,
		parser:   article.Parser{Hostname: host},
		host:     host,
		logger:   logger,
	}

	for name, dst := range map[string]*kv.Table{
		TableRoot:       &s.root,
		TableGroups:     &s.groups,
		TableModerators: &s.moderators,
		TableMessageIDs: &s.messageIDs,
	} {
		t, err := engine.Table(name)
		if err != nil {
			return nil, storage.IOError("opening table "+name, err)
		}
		*dst = t
	}

	keys, err := s.root.Keys()
	if err != nil {
		return nil, storage.IOError("listing shelf", err)
	}
	if len(keys) == 0 {
		if err := put(s.root, keySubscriptions, []string{}); err != nil {
			return nil, err
		}
		s.logger.Info("initialized new shelf")
	}
	return s, nil
}

func put(t kv.Table, key string, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return storage.IOError("storing "+key, t.Set(key, buf.Bytes()))
}

// get decodes key into v. It returns kv.ErrNotFound, unwrapped, for a
// missing key.
func get(t kv.Table, key string, v any) error {
	raw, err := t.Get(key)
	if errors.Is(err, kv.ErrNotFound) {
		return err
	}
	if err != nil {
		return storage.IOError("loading "+key, err)
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return storage.IOError("decoding "+key, err)
	}
	return nil
}

func (s *Shelf) group(name string) (*Group, error) {
	g := &Group{}
	if err := get(s.groups, name, g); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, storage.NoSuchGroup(name)
		}
		return nil, err
	}
	if g.Articles == nil {
		g.Articles = make(map[int64]Article)
	}
	return g, nil
}

func (s *Shelf) groupModerators(name string) ([]string, error) {
	var mods []string
	if err := get(s.moderators, name, &mods); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	return mods, nil
}

func (s *Shelf) lookupModerators(_ context.Context, groups []string) ([]string, error) {
	var out []string
	for _, g := range groups {
		mods, err := s.groupModerators(g)
		if err != nil {
			return nil, err
		}
		out = append(out, mods...)
	}
	return out, nil
}

// ListGroups returns groups sorted by name.
func (s *Shelf) ListGroups(context.Context) ([]storage.GroupListing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names, err := s.groups.Keys()
	if err != nil {
		return nil, storage.IOError("listing groups", err)
	}
	sort.Strings(names)
	out := make([]storage.GroupListing, 0, len(names))
	for _, n := range names {
		g, err := s.group(n)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.GroupListing{Name: g.Name, High: g.Max, Low: g.Min, Flags: g.Flags})
	}
	return out, nil
}

func (s *Shelf) Subscriptions(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []string
	if err := get(s.root, keySubscriptions, &subs); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return nil, err
	}
	return subs, nil
}

// Post files the article under every known group, then records its
// Message-ID. Moderators are mailed without holding the shelf lock.
func (s *Shelf) Post(ctx context.Context, message string) (storage.PostResult, error) {
	a := s.parser.ParseMessage(message)
	groups := a.Newsgroups()

	lookup := func(ctx context.Context, groups []string) ([]string, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.lookupModerators(ctx, groups)
	}
	if res, diverted, err := s.notifier.Intercept(ctx, a, groups, lookup); diverted || err != nil {
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		locs    []article.Location
		targets []*Group
	)
	for _, name := range groups {
		g, err := s.group(name)
		if errors.Is(err, storage.ErrGroupNotFound) {
			continue
		}
		if err != nil {
			return storage.PostResult{}, err
		}
		g.Max++
		locs = append(locs, article.Location{Group: name, Index: g.Max})
		targets = append(targets, g)
	}
	if len(locs) == 0 {
		return storage.PostResult{}, fmt.Errorf("%w: %s", storage.ErrNoGroupsCarried, a.Header(article.HeaderNewsgroups))
	}

	dup, err := s.messageIDs.Has(a.MessageID())
	if err != nil {
		return storage.PostResult{}, storage.IOError("checking message-id", err)
	}
	if dup {
		return storage.PostResult{}, storage.Duplicate(a.MessageID())
	}

	a.PutHeader(article.HeaderXref, article.FormatXref(s.host, locs))
	stored := Article{Fields: a.Fields(), Body: a.Body}
	for i, g := range targets {
		g.Articles[locs[i].Index] = stored
		if err := put(s.groups, g.Name, g); err != nil {
			s.unfile(targets[:i], locs[:i])
			return storage.PostResult{}, err
		}
	}
	// The Message-ID record goes last; it is what makes the article exist.
	if err := put(s.messageIDs, a.MessageID(), locs); err != nil {
		s.unfile(targets, locs)
		return storage.PostResult{}, err
	}

	s.logger.Debug("article stored", "message_id", a.MessageID(), "xref", a.Header(article.HeaderXref))
	return storage.PostResult{Status: storage.PostStored, MessageID: a.MessageID(), Locations: locs}, nil
}

// unfile takes a half-posted article back out of the groups already
// written. The engine has no transactions, so a failure here leaves the
// article in place and is only logged. The caller holds s.mu.
func (s *Shelf) unfile(groups []*Group, locs []article.Location) {
	for i, g := range groups {
		delete(g.Articles, locs[i].Index)
		g.Max--
		if err := put(s.groups, g.Name, g); err != nil {
			s.logger.Error("undoing partial post", "group", g.Name, "index", locs[i].Index, "error", err)
		}
	}
}

func (s *Shelf) OverviewFormat(context.Context) ([]string, error) {
	return append([]string(nil), article.OverviewFormat...), nil
}

func (s *Shelf) XOver(_ context.Context, group string, r storage.Range) ([]storage.OverviewRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}
	var out []storage.OverviewRow
	for _, i := range g.indices() {
		if r.Contains(i) {
			out = append(out, storage.OverviewRow{Index: i, Fields: g.article(i).Overview()})
		}
	}
	return out, nil
}

func (s *Shelf) XHdr(_ context.Context, group string, r storage.Range, header string) ([]storage.HeaderValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}
	var out []storage.HeaderValue
	for _, i := range g.indices() {
		if r.Contains(i) {
			out = append(out, storage.HeaderValue{Index: i, Value: g.article(i).Header(header)})
		}
	}
	return out, nil
}

func (s *Shelf) ListGroup(_ context.Context, group string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(group)
	if err != nil {
		return nil, err
	}
	return g.indices(), nil
}

// GroupInfo counts from the recorded bounds, not from the stored articles.
func (s *Shelf) GroupInfo(_ context.Context, group string) (storage.GroupInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, err := s.group(group)
	if err != nil {
		return storage.GroupInfo{}, err
	}
	return storage.GroupInfo{
		Name:  g.Name,
		Count: g.Max - g.Min + 1,
		High:  g.Max,
		Low:   g.Min,
		Flags: g.Flags,
	}, nil
}

func (s *Shelf) ArticleExists(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.messageIDs.Has(messageID)
	if err != nil {
		return false, storage.IOError("looking up "+messageID, err)
	}
	return ok, nil
}

// resolve maps a Message-ID to one of its locations, preferring group.
func (s *Shelf) resolve(group, messageID string) (article.Location, error) {
	var locs []article.Location
	if err := get(s.messageIDs, messageID, &locs); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return article.Location{}, storage.NoSuchArticle("%s", messageID)
		}
		return article.Location{}, err
	}
	if len(locs) == 0 {
		return article.Location{}, storage.NoSuchArticle("%s", messageID)
	}
	for _, l := range locs {
		if l.Group == group {
			return l, nil
		}
	}
	return locs[0], nil
}

func (s *Shelf) load(group string, index int64, messageID string) (int64, *article.Article, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if messageID != "" {
		loc, err := s.resolve(group, messageID)
		if err != nil {
			return 0, nil, err
		}
		group, index = loc.Group, loc.Index
	}
	g, err := s.group(group)
	if err != nil {
		return 0, nil, err
	}
	if _, ok := g.Articles[index]; !ok {
		return 0, nil, storage.NoSuchArticle("%s:%d", group, index)
	}
	return index, g.article(index), nil
}

func (s *Shelf) Article(_ context.Context, group string, index int64, messageID string) (storage.ArticleData, error) {
	index, a, err := s.load(group, index, messageID)
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: index, MessageID: a.MessageID(), Text: a.Text()}, nil
}

func (s *Shelf) Head(_ context.Context, group string, index int64) (storage.ArticleData, error) {
	index, a, err := s.load(group, index, "")
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: index, MessageID: a.MessageID(), Text: a.TextHeaders()}, nil
}

func (s *Shelf) Body(_ context.Context, group string, index int64) (storage.ArticleData, error) {
	index, a, err := s.load(group, index, "")
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: index, MessageID: a.MessageID(), Text: a.Body}, nil
}

// AddGroup creates an empty group. An existing group is left untouched.
func (s *Shelf) AddGroup(_ context.Context, name, flags string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.groups.Has(name)
	if err != nil {
		return storage.IOError("looking up group "+name, err)
	}
	if ok {
		return nil
	}
	mods, err := s.groupModerators(name)
	if err != nil {
		return err
	}
	if len(mods) > 0 {
		flags = storage.FlagModerated
	}
	return put(s.groups, name, newGroup(name, flags))
}

func (s *Shelf) AddSubscription(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var subs []string
	if err := get(s.root, keySubscriptions, &subs); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	return put(s.root, keySubscriptions, append(subs, name))
}

// AddModerator records address for group and flags an existing group as
// moderated.
func (s *Shelf) AddModerator(_ context.Context, group, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mods, err := s.groupModerators(group)
	if err != nil {
		return err
	}
	if err := put(s.moderators, group, moderation.Unique(append(mods, address))); err != nil {
		return err
	}

	g, err := s.group(group)
	if errors.Is(err, storage.ErrGroupNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if g.Flags == storage.FlagModerated {
		return nil
	}
	g.Flags = storage.FlagModerated
	return put(s.groups, group, g)
}

// Close closes the underlying engine.
func (s *Shelf) Close() error {
	return s.engine.Close()
}

var (
	_ storage.Storage       = (*Shelf)(nil)
	_ storage.Administrator = (*Shelf)(nil)
)
