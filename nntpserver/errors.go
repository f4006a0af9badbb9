package nntpserver

import (
	"errors"
	"fmt"

	"github.com/javi11/nntp-storage/storage"
)

// NNTPError is a protocol failure sent to the client as a status line.
type NNTPError struct {
	Code int
	Msg  string
}

func (e *NNTPError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Msg)
}

var (
	ErrInternal             = &NNTPError{403, "internal fault"}
	ErrNoSuchGroup          = &NNTPError{411, "No such newsgroup"}
	ErrNoGroupSelected      = &NNTPError{412, "No newsgroup selected"}
	ErrNoCurrentArticle     = &NNTPError{420, "Current article number is invalid"}
	ErrInvalidArticleNumber = &NNTPError{423, "No article with that number"}
	ErrInvalidMessageID     = &NNTPError{430, "No article with that message-id"}
	ErrNotWanted            = &NNTPError{435, "Article not wanted"}
	ErrTransferRejected     = &NNTPError{437, "Transfer rejected; do not retry"}
	ErrPostingNotPermitted  = &NNTPError{440, "Posting not permitted"}
	ErrPostingFailed        = &NNTPError{441, "posting failed"}
	ErrUnknownCommand       = &NNTPError{500, "Unknown command"}
	ErrSyntax               = &NNTPError{501, "not supported, or syntax error"}
	ErrNotSupported         = &NNTPError{503, "feature not supported"}
)

// protocolError maps a storage failure onto a status line. byMessageID
// selects 430 over 423 for missing articles.
func protocolError(err error, byMessageID bool) error {
	var ne *NNTPError
	if errors.As(err, &ne) {
		return ne
	}
	switch storage.KindOf(err) {
	case storage.KindGroupNotFound:
		return ErrNoSuchGroup
	case storage.KindArticleNotFound:
		if byMessageID {
			return ErrInvalidMessageID
		}
		return ErrInvalidArticleNumber
	case storage.KindNoGroupsCarried:
		return &NNTPError{ErrPostingFailed.Code, "posting failed: no groups carried"}
	case storage.KindDuplicateArticle:
		return &NNTPError{ErrPostingFailed.Code, "posting failed: article already stored"}
	case storage.KindUnimplemented:
		return ErrNotSupported
	default:
		return ErrInternal
	}
}
