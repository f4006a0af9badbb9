// Package sqlstore is a news backend over SQLite.
//
// Articles are stored once; the postings table gives each article its index
// in every group it was filed under. Index assignment happens inside the
// posting transaction, which takes the write lock up front, so concurrent
// posters never collide.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/moderation"
	"github.com/javi11/nntp-storage/storage"
)

// Supported database/sql driver names. DriverSQLite3 needs a binary that
// registers github.com/mattn/go-sqlite3.
const (
	DriverSQLite  = "sqlite"
	DriverSQLite3 = "sqlite3"
)

// Config for Open.
type Config struct {
	Driver string
	Path   string
	// Groups are created on open if missing. A group with moderators is
	// flagged "m".
	Groups []string
	// Moderators lists the moderator addresses per group.
	Moderators map[string][]string
	Notifier   *moderation.Notifier
	Hostname   string
	Logger     *slog.Logger
}

// Store implements storage.Storage and storage.Administrator.
type Store struct {
	db       *sql.DB
	lookup   moderation.Lookup
	notifier *moderation.Notifier
	parser   article.Parser
	host     string
	logger   *slog.Logger
}

func dsn(driver, path string) (string, error) {
	switch driver {
	case DriverSQLite, "":
		return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate", nil
	case DriverSQLite3:
		return "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate", nil
	default:
		return "", fmt.Errorf("unsupported sql driver %q", driver)
	}
}

// Open opens or creates the database at cfg.Path.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sqlstore")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	source, err := dsn(driver, cfg.Path)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	db, err := sql.Open(driver, source)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	host := cfg.Hostname
	if host == "" {
		host = article.Hostname()
	}
	s := &Store{
		db:       db,
		notifier: cfg.Notifier,
		parser:   article.Parser{Hostname: host},
		host:     host,
		logger:   logger,
	}
	if len(cfg.Moderators) > 0 {
		s.lookup = moderation.Static(cfg.Moderators)
	}

	if err := s.init(ctx, cfg); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("SQLite store initialized", "path", cfg.Path, "driver", driver)
	return s, nil
}

func (s *Store) init(ctx context.Context, cfg Config) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return storage.IOError("creating schema", err)
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM overview`).Scan(&n); err != nil {
		return storage.IOError("reading overview format", err)
	}
	if n == 0 {
		for _, h := range article.OverviewFormat {
			if _, err := s.db.ExecContext(ctx, `INSERT INTO overview (header) VALUES (?)`, h); err != nil {
				return storage.IOError("seeding overview format", err)
			}
		}
	}

	for _, g := range cfg.Groups {
		flags := storage.FlagPostingPermitted
		if len(cfg.Moderators[g]) > 0 {
			flags = storage.FlagModerated
		}
		if err := s.AddGroup(ctx, g, flags); err != nil {
			return err
		}
	}
	return nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) ListGroups(ctx context.Context) ([]storage.GroupListing, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name,
			COALESCE(MAX(p.article_index), 0),
			COALESCE(MIN(p.article_index), 0),
			g.flags
		FROM groups g LEFT OUTER JOIN postings p ON p.group_id = g.group_id
		GROUP BY g.group_id, g.name, g.flags
		ORDER BY g.name`)
	if err != nil {
		return nil, storage.IOError("listing groups", err)
	}
	defer rows.Close()

	var out []storage.GroupListing
	for rows.Next() {
		var g storage.GroupListing
		if err := rows.Scan(&g.Name, &g.High, &g.Low, &g.Flags); err != nil {
			return nil, storage.IOError("scanning group", err)
		}
		out = append(out, g)
	}
	return out, storage.IOError("listing groups", rows.Err())
}

func (s *Store) Subscriptions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT g.name FROM groups g JOIN subscriptions s ON s.group_id = g.group_id
		ORDER BY s.rowid`)
	if err != nil {
		return nil, storage.IOError("listing subscriptions", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storage.IOError("scanning subscription", err)
		}
		out = append(out, name)
	}
	return out, storage.IOError("listing subscriptions", rows.Err())
}

// Post stores the article and its postings in one transaction.
func (s *Store) Post(ctx context.Context, message string) (storage.PostResult, error) {
	a := s.parser.ParseMessage(message)
	groups := a.Newsgroups()

	if res, diverted, err := s.notifier.Intercept(ctx, a, groups, s.lookup); diverted || err != nil {
		return res, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.PostResult{}, storage.IOError("beginning post", err)
	}
	defer tx.Rollback()

	type target struct {
		id  int64
		loc article.Location
	}
	var targets []target
	for _, name := range groups {
		var id int64
		err := tx.QueryRowContext(ctx, `SELECT group_id FROM groups WHERE name = ?`, name).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return storage.PostResult{}, storage.IOError("resolving group "+name, err)
		}
		var next int64
		err = tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(article_index), 0) + 1 FROM postings WHERE group_id = ?`, id).Scan(&next)
		if err != nil {
			return storage.PostResult{}, storage.IOError("allocating index in "+name, err)
		}
		targets = append(targets, target{id: id, loc: article.Location{Group: name, Index: next}})
	}
	if len(targets) == 0 {
		return storage.PostResult{}, fmt.Errorf("%w: %s", storage.ErrNoGroupsCarried, a.Header(article.HeaderNewsgroups))
	}

	var dup int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles WHERE message_id = ?`, a.MessageID()).Scan(&dup)
	if err != nil {
		return storage.PostResult{}, storage.IOError("checking message-id", err)
	}
	if dup > 0 {
		return storage.PostResult{}, storage.Duplicate(a.MessageID())
	}

	locs := make([]article.Location, len(targets))
	for i, t := range targets {
		locs[i] = t.loc
	}
	a.PutHeader(article.HeaderXref, article.FormatXref(s.host, locs))

	res, err := tx.ExecContext(ctx, `INSERT INTO articles (message_id, header, body) VALUES (?, ?, ?)`,
		a.MessageID(), a.TextHeaders(), a.Body)
	if err != nil {
		return storage.PostResult{}, storage.IOError("inserting article", err)
	}
	articleID, err := res.LastInsertId()
	if err != nil {
		return storage.PostResult{}, storage.IOError("inserting article", err)
	}
	for _, t := range targets {
		_, err := tx.ExecContext(ctx, `INSERT INTO postings (group_id, article_id, article_index) VALUES (?, ?, ?)`,
			t.id, articleID, t.loc.Index)
		if err != nil {
			return storage.PostResult{}, storage.IOError("inserting posting", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storage.PostResult{}, storage.IOError("committing post", err)
	}

	s.logger.Debug("article stored", "message_id", a.MessageID(), "xref", a.Header(article.HeaderXref))
	return storage.PostResult{Status: storage.PostStored, MessageID: a.MessageID(), Locations: locs}, nil
}

// OverviewFormat reads the overview table.
func (s *Store) OverviewFormat(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT header FROM overview ORDER BY rowid`)
	if err != nil {
		return nil, storage.IOError("reading overview format", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, storage.IOError("scanning overview format", err)
		}
		out = append(out, h)
	}
	return out, storage.IOError("reading overview format", rows.Err())
}

func (s *Store) groupID(ctx context.Context, group string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT group_id FROM groups WHERE name = ?`, group).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.NoSuchGroup(group)
	}
	if err != nil {
		return 0, storage.IOError("resolving group "+group, err)
	}
	return id, nil
}

// rangeQuery selects the postings of one group in r, ordered by index.
func rangeQuery(columns string, id int64, r storage.Range) (string, []any) {
	q := `SELECT p.article_index, ` + columns + `
		FROM postings p JOIN articles a ON a.article_id = p.article_id
		WHERE p.group_id = ?`
	args := []any{id}
	if r.Low > 0 {
		q += ` AND p.article_index >= ?`
		args = append(args, r.Low)
	}
	if r.High > 0 {
		q += ` AND p.article_index <= ?`
		args = append(args, r.High)
	}
	return q + ` ORDER BY p.article_index`, args
}

// scanHeaders runs a range query and hands every parsed article to fn.
func (s *Store) scanHeaders(ctx context.Context, group string, r storage.Range, fn func(int64, *article.Article)) error {
	id, err := s.groupID(ctx, group)
	if err != nil {
		return err
	}
	q, args := rangeQuery("a.header", id, r)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return storage.IOError("querying "+group, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			index  int64
			header string
		)
		if err := rows.Scan(&index, &header); err != nil {
			return storage.IOError("scanning "+group, err)
		}
		fn(index, article.Load(header, ""))
	}
	return storage.IOError("querying "+group, rows.Err())
}

func (s *Store) XOver(ctx context.Context, group string, r storage.Range) ([]storage.OverviewRow, error) {
	var out []storage.OverviewRow
	err := s.scanHeaders(ctx, group, r, func(i int64, a *article.Article) {
		out = append(out, storage.OverviewRow{Index: i, Fields: a.Overview()})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) XHdr(ctx context.Context, group string, r storage.Range, header string) ([]storage.HeaderValue, error) {
	var out []storage.HeaderValue
	err := s.scanHeaders(ctx, group, r, func(i int64, a *article.Article) {
		out = append(out, storage.HeaderValue{Index: i, Value: a.Header(header)})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListGroup(ctx context.Context, group string) ([]int64, error) {
	id, err := s.groupID(ctx, group)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT article_index FROM postings WHERE group_id = ? ORDER BY article_index`, id)
	if err != nil {
		return nil, storage.IOError("listing "+group, err)
	}
	defer rows.Close()

	out := []int64{}
	for rows.Next() {
		var i int64
		if err := rows.Scan(&i); err != nil {
			return nil, storage.IOError("scanning "+group, err)
		}
		out = append(out, i)
	}
	return out, storage.IOError("listing "+group, rows.Err())
}

func (s *Store) GroupInfo(ctx context.Context, group string) (storage.GroupInfo, error) {
	var info storage.GroupInfo
	err := s.db.QueryRowContext(ctx, `
		SELECT g.name, COUNT(p.article_id),
			COALESCE(MAX(p.article_index), 0),
			COALESCE(MIN(p.article_index), 0),
			g.flags
		FROM groups g LEFT OUTER JOIN postings p ON p.group_id = g.group_id
		WHERE g.name = ?
		GROUP BY g.group_id, g.name, g.flags`, group).
		Scan(&info.Name, &info.Count, &info.High, &info.Low, &info.Flags)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GroupInfo{}, storage.NoSuchGroup(group)
	}
	if err != nil {
		return storage.GroupInfo{}, storage.IOError("describing "+group, err)
	}
	return info, nil
}

func (s *Store) ArticleExists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM articles WHERE message_id = ? LIMIT 1`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storage.IOError("looking up "+messageID, err)
	}
	return true, nil
}

type stored struct {
	index     int64
	messageID string
	header    string
	body      string
}

func (s *Store) byIndex(ctx context.Context, group string, index int64) (stored, error) {
	id, err := s.groupID(ctx, group)
	if err != nil {
		return stored{}, err
	}
	var st stored
	err = s.db.QueryRowContext(ctx, `
		SELECT p.article_index, a.message_id, a.header, a.body
		FROM postings p JOIN articles a ON a.article_id = p.article_id
		WHERE p.group_id = ? AND p.article_index = ?`, id, index).
		Scan(&st.index, &st.messageID, &st.header, &st.body)
	if errors.Is(err, sql.ErrNoRows) {
		return stored{}, storage.NoSuchArticle("%s:%d", group, index)
	}
	if err != nil {
		return stored{}, storage.IOError("loading article", err)
	}
	return st, nil
}

// byMessageID resolves messageID, preferring its posting in group.
func (s *Store) byMessageID(ctx context.Context, group, messageID string) (stored, error) {
	var st stored
	err := s.db.QueryRowContext(ctx, `
		SELECT p.article_index, a.message_id, a.header, a.body
		FROM articles a
		JOIN postings p ON p.article_id = a.article_id
		JOIN groups g ON g.group_id = p.group_id
		WHERE a.message_id = ?
		ORDER BY (g.name = ?) DESC, p.group_id
		LIMIT 1`, messageID, group).
		Scan(&st.index, &st.messageID, &st.header, &st.body)
	if errors.Is(err, sql.ErrNoRows) {
		return stored{}, storage.NoSuchArticle("%s", messageID)
	}
	if err != nil {
		return stored{}, storage.IOError("loading article", err)
	}
	return st, nil
}

func (s *Store) Article(ctx context.Context, group string, index int64, messageID string) (storage.ArticleData, error) {
	var (
		st  stored
		err error
	)
	if messageID != "" {
		st, err = s.byMessageID(ctx, group, messageID)
	} else {
		st, err = s.byIndex(ctx, group, index)
	}
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: st.index, MessageID: st.messageID, Text: st.header + "\r\n" + st.body}, nil
}

func (s *Store) Head(ctx context.Context, group string, index int64) (storage.ArticleData, error) {
	st, err := s.byIndex(ctx, group, index)
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: st.index, MessageID: st.messageID, Text: st.header}, nil
}

func (s *Store) Body(ctx context.Context, group string, index int64) (storage.ArticleData, error) {
	st, err := s.byIndex(ctx, group, index)
	if err != nil {
		return storage.ArticleData{}, err
	}
	return storage.ArticleData{Index: st.index, MessageID: st.messageID, Text: st.body}, nil
}

// AddGroup creates a group. An existing group keeps its flags.
func (s *Store) AddGroup(ctx context.Context, name, flags string) error {
	if flags == "" {
		flags = storage.FlagPostingPermitted
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO groups (name, flags) VALUES (?, ?) ON CONFLICT (name) DO NOTHING`, name, flags)
	return storage.IOError("adding group "+name, err)
}

func (s *Store) AddSubscription(ctx context.Context, name string) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (group_id) SELECT group_id FROM groups WHERE name = ?`, name)
	if err != nil {
		return storage.IOError("adding subscription "+name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return storage.NoSuchGroup(name)
	}
	return nil
}

// AddModerator is not supported; moderators come from Config.
func (s *Store) AddModerator(context.Context, string, string) error {
	return fmt.Errorf("%w: moderators are configured, not stored", storage.ErrUnimplemented)
}

func (s *Store) Close() error {
	return s.db.Close()
}

var (
	_ storage.Storage       = (*Store)(nil)
	_ storage.Administrator = (*Store)(nil)
)

