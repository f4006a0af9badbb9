package sqlstore

import (
	"strings"

	"github.com/javi11/nntp-storage/article"
)

// Schema creates the five news tables. It is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS groups (
	group_id INTEGER PRIMARY KEY AUTOINCREMENT,
	name     TEXT NOT NULL UNIQUE,
	flags    TEXT NOT NULL DEFAULT 'y'
);

CREATE TABLE IF NOT EXISTS articles (
	article_id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	header     TEXT NOT NULL,
	body       TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS postings (
	group_id      INTEGER NOT NULL REFERENCES groups(group_id),
	article_id    INTEGER NOT NULL REFERENCES articles(article_id),
	article_index INTEGER NOT NULL
);

-- A cross-posted article has one postings row per group, so article_id
-- alone cannot be unique; each (article, group) pair and each group index is.
CREATE UNIQUE INDEX IF NOT EXISTS posting_article_index ON postings (article_id, group_id);
CREATE UNIQUE INDEX IF NOT EXISTS posting_group_index ON postings (group_id, article_index);

CREATE TABLE IF NOT EXISTS subscriptions (
	group_id INTEGER NOT NULL REFERENCES groups(group_id)
);

CREATE TABLE IF NOT EXISTS overview (
	header TEXT NOT NULL
);
`

// Quote renders s as a SQL string literal. Embedded quotes are doubled and
// NUL bytes, which SQLite would treat as the end of the literal, are dropped.
func Quote(s string) string {
	s = strings.ReplaceAll(s, "\x00", "")
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// GroupSQL returns statements creating groups, for seeding a database by
// hand.
func GroupSQL(groups []string) string {
	var b strings.Builder
	for _, g := range groups {
		b.WriteString("INSERT INTO groups (name) VALUES (")
		b.WriteString(Quote(g))
		b.WriteString(");\n")
	}
	return b.String()
}

// OverviewSQL returns statements filling the overview table.
func OverviewSQL() string {
	var b strings.Builder
	for _, h := range article.OverviewFormat {
		b.WriteString("INSERT INTO overview (header) VALUES (")
		b.WriteString(Quote(h))
		b.WriteString(");\n")
	}
	return b.String()
}
