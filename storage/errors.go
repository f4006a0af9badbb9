package storage

import (
	"errors"
	"fmt"
)

// Kind identifies a class of storage failure.
type Kind int

// Kind values.
const (
	KindUnknown Kind = iota
	KindGroupNotFound
	KindArticleNotFound
	KindNoGroupsCarried
	KindUnimplemented
	KindStorageIO
	KindDuplicateArticle
)

func (k Kind) String() string {
	switch k {
	case KindGroupNotFound:
		return "group not found"
	case KindArticleNotFound:
		return "article not found"
	case KindNoGroupsCarried:
		return "no groups carried"
	case KindUnimplemented:
		return "unimplemented"
	case KindStorageIO:
		return "storage i/o failure"
	case KindDuplicateArticle:
		return "duplicate article"
	default:
		return "unknown"
	}
}

// Error is a storage failure of a given Kind. Two errors match under
// errors.Is when their kinds are equal, so sentinels may be wrapped with
// detail by fmt.Errorf.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

var (
	ErrGroupNotFound   = &Error{Kind: KindGroupNotFound, Msg: "no such group"}
	ErrArticleNotFound = &Error{Kind: KindArticleNotFound, Msg: "no such article"}
	ErrNoGroupsCarried = &Error{Kind: KindNoGroupsCarried, Msg: "no groups carried"}
	ErrUnimplemented   = &Error{Kind: KindUnimplemented, Msg: "operation not supported by this backend"}
	ErrStorageIO       = &Error{Kind: KindStorageIO, Msg: "storage i/o failure"}
)

// ErrDuplicateArticle rejects a post whose Message-ID is already stored.
var ErrDuplicateArticle = &Error{Kind: KindDuplicateArticle, Msg: "article already stored"}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// IOError wraps an engine failure encountered while doing op.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Kind: KindStorageIO, Msg: op, Err: err}
}

// KindOf returns the Kind carried by err or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// NoSuchGroup returns ErrGroupNotFound naming group.
func NoSuchGroup(group string) error {
	return fmt.Errorf("%w: %s", ErrGroupNotFound, group)
}

// NoSuchArticle returns ErrArticleNotFound naming the article.
func NoSuchArticle(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrArticleNotFound, fmt.Sprintf(format, args...))
}

// Duplicate returns ErrDuplicateArticle naming messageID.
func Duplicate(messageID string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateArticle, messageID)
}
