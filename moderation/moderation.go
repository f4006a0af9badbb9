// Package moderation intercepts posts to moderated groups and mails them to
// the moderators instead of storing them.
package moderation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/storage"
)

// ErrNoTransport is returned when a post needs moderation but no Sender is
// configured.
var ErrNoTransport = errors.New("moderation: no mail transport configured")

// Sender delivers a complete mail message through the exchange at host.
type Sender interface {
	Send(ctx context.Context, host, from string, to []string, msg []byte) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, host, from string, to []string, msg []byte) error

func (f SenderFunc) Send(ctx context.Context, host, from string, to []string, msg []byte) error {
	return f(ctx, host, from, to, msg)
}

// Lookup returns the moderator addresses of the given groups. An empty
// result means none of them is moderated.
type Lookup func(ctx context.Context, groups []string) ([]string, error)

// Static builds a Lookup over a fixed group to addresses map.
func Static(moderators map[string][]string) Lookup {
	return func(_ context.Context, groups []string) ([]string, error) {
		var out []string
		for _, g := range groups {
			out = append(out, moderators[g]...)
		}
		return Unique(out), nil
	}
}

// Unique drops empty and repeated addresses, keeping first-seen order.
func Unique(addrs []string) []string {
	seen := make(map[string]bool, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// Notifier mails articles awaiting approval.
type Notifier struct {
	Sender   Sender
	MailHost string
	// From defaults to "nntp-storage@<Hostname>".
	From string
	// Hostname defaults to article.Hostname().
	Hostname string
	Now      func() time.Time
	Logger   *slog.Logger
}

func (n *Notifier) hostname() string {
	if n.Hostname != "" {
		return n.Hostname
	}
	return article.Hostname()
}

func (n *Notifier) sender() string {
	if n.From != "" {
		return n.From
	}
	return "nntp-storage@" + n.hostname()
}

func (n *Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default().With("component", "moderation")
}

// Intercept decides whether a must go to moderators. It resolves the
// moderators of every target group; when any exist and the article is not
// Approved, the article is mailed and diverted is true. The returned result
// is only meaningful when diverted.
func (n *Notifier) Intercept(ctx context.Context, a *article.Article, groups []string, lookup Lookup) (res storage.PostResult, diverted bool, err error) {
	if lookup == nil || a.Approved() {
		return res, false, nil
	}
	mods, err := lookup(ctx, groups)
	if err != nil {
		return res, false, fmt.Errorf("resolving moderators: %w", err)
	}
	mods = Unique(mods)
	if len(mods) == 0 {
		return res, false, nil
	}

	res = storage.PostResult{
		Status:     storage.PostModerationPending,
		MessageID:  a.MessageID(),
		Moderators: mods,
	}
	return res, true, n.Notify(ctx, mods, a)
}

// Notify mails a to moderators.
func (n *Notifier) Notify(ctx context.Context, moderators []string, a *article.Article) error {
	if n == nil || n.Sender == nil {
		return ErrNoTransport
	}
	msg := n.Message(moderators, a)
	if err := n.Sender.Send(ctx, n.MailHost, n.sender(), moderators, msg); err != nil {
		return fmt.Errorf("sending moderation request: %w", err)
	}
	n.logger().Info("article sent for moderation",
		"message_id", a.MessageID(), "newsgroups", a.Header(article.HeaderNewsgroups), "moderators", moderators)
	return nil
}

// NotifyOne mails a to a single moderator.
func (n *Notifier) NotifyOne(ctx context.Context, moderator string, a *article.Article) error {
	return n.Notify(ctx, []string{moderator}, a)
}

// Message renders the notification mail. The article travels as a complete
// message/rfc822 body; the mail gets a Message-ID of its own. Headers are
// encoded and folded by go-message.
func (n *Notifier) Message(moderators []string, a *article.Article) []byte {
	now := time.Now
	if n.Now != nil {
		now = n.Now
	}

	var h mail.Header
	h.SetMessageID(uuid.NewString() + "@" + n.hostname())
	h.SetAddressList("From", []*mail.Address{{Address: n.sender()}})
	to := make([]*mail.Address, len(moderators))
	for i, m := range moderators {
		to[i] = &mail.Address{Address: m}
	}
	h.SetAddressList("To", to)
	h.SetSubject(fmt.Sprintf("Moderate new %s message: %s",
		a.Header(article.HeaderNewsgroups), a.Header(article.HeaderSubject)))
	h.SetDate(now())
	h.Set("MIME-Version", "1.0")
	h.SetContentType("message/rfc822", nil)

	var b bytes.Buffer
	// Writing to a bytes.Buffer cannot fail.
	_ = textproto.WriteHeader(&b, h.Header.Header)
	b.WriteString(a.Text())
	return b.Bytes()
}
