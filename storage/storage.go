// Package storage defines the contract every news backend implements.
//
// The contract covers group listing, posting, overview and header browsing,
// and article retrieval. Backends return typed errors from errors.go so a
// front-end can map each failure kind onto its own status codes.
//
// Storage is synchronous; Async adapts any Storage onto an executor and
// returns futures instead.
package storage

import (
	"context"
	"fmt"

	"github.com/javi11/nntp-storage/article"
)

// Group flags.
const (
	FlagPostingPermitted    = "y"
	FlagPostingNotPermitted = "n"
	FlagModerated           = "m"
)

// GroupListing is one entry of ListGroups.
type GroupListing struct {
	Name  string
	High  int64
	Low   int64
	Flags string
}

// GroupInfo describes a single group.
type GroupInfo struct {
	Name  string
	Count int64
	High  int64
	Low   int64
	Flags string
}

// OverviewRow is one article projected onto article.OverviewFormat.
type OverviewRow struct {
	Index  int64
	Fields []string
}

// HeaderValue is one header value of the article at Index.
type HeaderValue struct {
	Index int64
	Value string
}

// ArticleData is the answer to Article, Head and Body. Text holds the full
// article, the header block or the body respectively.
type ArticleData struct {
	Index     int64
	MessageID string
	Text      string
}

// PostStatus tells what happened to a posted message.
type PostStatus int

const (
	// PostStored means the article was filed in at least one group.
	PostStored PostStatus = iota
	// PostModerationPending means the article was mailed to moderators and
	// not stored.
	PostModerationPending
)

func (s PostStatus) String() string {
	if s == PostModerationPending {
		return "moderation pending"
	}
	return "stored"
}

// PostResult is the outcome of a successful Post.
type PostResult struct {
	Status     PostStatus
	MessageID  string
	Locations  []article.Location
	Moderators []string
}

// Range selects article indices. A bound <= 0 is open, so the zero Range
// selects everything.
type Range struct {
	Low  int64
	High int64
}

// All selects every article.
func All() Range { return Range{} }

// Between selects indices in [low, high].
func Between(low, high int64) Range { return Range{Low: low, High: high} }

// Contains reports whether i falls inside r.
func (r Range) Contains(i int64) bool {
	return (r.Low <= 0 || i >= r.Low) && (r.High <= 0 || i <= r.High)
}

func (r Range) String() string {
	bound := func(v int64) string {
		if v <= 0 {
			return ""
		}
		return fmt.Sprint(v)
	}
	return bound(r.Low) + "-" + bound(r.High)
}

// Storage is the operation set shared by all backends.
type Storage interface {
	// ListGroups returns every known group.
	ListGroups(ctx context.Context) ([]GroupListing, error)
	// Subscriptions returns the suggested default subscriptions.
	Subscriptions(ctx context.Context) ([]string, error)
	// Post parses message, gates it through moderation and files it in
	// every known group named by its Newsgroups header.
	Post(ctx context.Context, message string) (PostResult, error)
	// OverviewFormat returns the overview column names.
	OverviewFormat(ctx context.Context) ([]string, error)
	// XOver returns overview rows in r, ordered by index.
	XOver(ctx context.Context, group string, r Range) ([]OverviewRow, error)
	// XHdr returns one header of every article in r, ordered by index.
	XHdr(ctx context.Context, group string, r Range, header string) ([]HeaderValue, error)
	// ListGroup returns the indices of every article in group.
	ListGroup(ctx context.Context, group string) ([]int64, error)
	// GroupInfo describes group.
	GroupInfo(ctx context.Context, group string) (GroupInfo, error)
	// ArticleExists reports whether an article with messageID is stored.
	ArticleExists(ctx context.Context, messageID string) (bool, error)
	// Article returns the full article. A non-empty messageID takes
	// precedence over group and index.
	Article(ctx context.Context, group string, index int64, messageID string) (ArticleData, error)
	// Head returns the header block of an article.
	Head(ctx context.Context, group string, index int64) (ArticleData, error)
	// Body returns the body of an article.
	Body(ctx context.Context, group string, index int64) (ArticleData, error)
	// Close releases the backend.
	Close() error
}

// Administrator is implemented by backends that can be provisioned.
type Administrator interface {
	AddGroup(ctx context.Context, name, flags string) error
	AddSubscription(ctx context.Context, name string) error
	AddModerator(ctx context.Context, group, address string) error
}
