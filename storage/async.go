package storage

import (
	"context"

	"github.com/javi11/nntp-storage/future"
)

// Async issues Storage operations on an executor and hands back futures.
// Pair the snapshot and keyed-store backends with a future.Scheduler so
// their operations never overlap; the relational backend may run on
// future.Goroutines.
type Async struct {
	s  Storage
	ex future.Executor
}

// NewAsync wraps s. A nil executor means future.Goroutines.
func NewAsync(s Storage, ex future.Executor) *Async {
	if ex == nil {
		ex = future.Goroutines{}
	}
	return &Async{s: s, ex: ex}
}

// Storage returns the wrapped backend.
func (a *Async) Storage() Storage {
	return a.s
}

func (a *Async) ListGroups(ctx context.Context) *future.Future[[]GroupListing] {
	return future.Submit(a.ex, func() ([]GroupListing, error) { return a.s.ListGroups(ctx) })
}

func (a *Async) Subscriptions(ctx context.Context) *future.Future[[]string] {
	return future.Submit(a.ex, func() ([]string, error) { return a.s.Subscriptions(ctx) })
}

func (a *Async) Post(ctx context.Context, message string) *future.Future[PostResult] {
	return future.Submit(a.ex, func() (PostResult, error) { return a.s.Post(ctx, message) })
}

func (a *Async) OverviewFormat(ctx context.Context) *future.Future[[]string] {
	return future.Submit(a.ex, func() ([]string, error) { return a.s.OverviewFormat(ctx) })
}

func (a *Async) XOver(ctx context.Context, group string, r Range) *future.Future[[]OverviewRow] {
	return future.Submit(a.ex, func() ([]OverviewRow, error) { return a.s.XOver(ctx, group, r) })
}

func (a *Async) XHdr(ctx context.Context, group string, r Range, header string) *future.Future[[]HeaderValue] {
	return future.Submit(a.ex, func() ([]HeaderValue, error) { return a.s.XHdr(ctx, group, r, header) })
}

func (a *Async) ListGroup(ctx context.Context, group string) *future.Future[[]int64] {
	return future.Submit(a.ex, func() ([]int64, error) { return a.s.ListGroup(ctx, group) })
}

func (a *Async) GroupInfo(ctx context.Context, group string) *future.Future[GroupInfo] {
	return future.Submit(a.ex, func() (GroupInfo, error) { return a.s.GroupInfo(ctx, group) })
}

func (a *Async) ArticleExists(ctx context.Context, messageID string) *future.Future[bool] {
	return future.Submit(a.ex, func() (bool, error) { return a.s.ArticleExists(ctx, messageID) })
}

func (a *Async) Article(ctx context.Context, group string, index int64, messageID string) *future.Future[ArticleData] {
	return future.Submit(a.ex, func() (ArticleData, error) { return a.s.Article(ctx, group, index, messageID) })
}

func (a *Async) Head(ctx context.Context, group string, index int64) *future.Future[ArticleData] {
	return future.Submit(a.ex, func() (ArticleData, error) { return a.s.Head(ctx, group, index) })
}

func (a *Async) Body(ctx context.Context, group string, index int64) *future.Future[ArticleData] {
	return future.Submit(a.ex, func() (ArticleData, error) { return a.s.Body(ctx, group, index) })
}
