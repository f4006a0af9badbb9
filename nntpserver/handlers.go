package nntpserver

import (
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/javi11/nntp-storage/article"
	"github.com/javi11/nntp-storage/storage"
)

func handleDefault(args []string, s *session, c *textproto.Conn) error {
	return ErrUnknownCommand
}

func handleQuit(args []string, s *session, c *textproto.Conn) error {
	c.PrintfLine("205 bye")
	return io.EOF
}

func handleCap(args []string, s *session, c *textproto.Conn) error {
	c.PrintfLine("101 Capability list:")
	dw := c.DotWriter()
	defer dw.Close()

	fmt.Fprintf(dw, "VERSION 2\n")
	fmt.Fprintf(dw, "READER\n")
	if !s.server.cfg.ReadOnly {
		fmt.Fprintf(dw, "POST\n")
		fmt.Fprintf(dw, "IHAVE\n")
	}
	fmt.Fprintf(dw, "OVER\n")
	fmt.Fprintf(dw, "HDR\n")
	fmt.Fprintf(dw, "LIST ACTIVE OVERVIEW.FMT SUBSCRIPTIONS\n")
	return nil
}

func handleMode(args []string, s *session, c *textproto.Conn) error {
	if s.server.cfg.ReadOnly {
		c.PrintfLine("201 Posting prohibited")
	} else {
		c.PrintfLine("200 Posting allowed")
	}
	return nil
}

// overviewFmtName renders an overview column the way LIST OVERVIEW.FMT
// spells it.
func overviewFmtName(h string) string {
	switch strings.ToLower(h) {
	case "bytes":
		return ":bytes"
	case "lines":
		return ":lines"
	case "xref":
		return "Xref:full"
	default:
		return h + ":"
	}
}

func handleList(args []string, s *session, c *textproto.Conn) error {
	ltype := "active"
	if len(args) > 0 {
		ltype = strings.ToLower(args[0])
	}

	switch ltype {
	case "active":
		groups, err := s.server.store.ListGroups(s.ctx).Wait(s.ctx)
		if err != nil {
			return protocolError(err, false)
		}
		c.PrintfLine("215 list of newsgroups follows")
		dw := c.DotWriter()
		defer dw.Close()
		for _, g := range groups {
			fmt.Fprintf(dw, "%s %d %d %s\n", g.Name, g.High, g.Low, g.Flags)
		}
		return nil

	case "overview.fmt":
		format, err := s.server.store.OverviewFormat(s.ctx).Wait(s.ctx)
		if err != nil {
			return protocolError(err, false)
		}
		c.PrintfLine("215 Order of fields in overview database.")
		dw := c.DotWriter()
		defer dw.Close()
		for _, h := range format {
			fmt.Fprintf(dw, "%s\n", overviewFmtName(h))
		}
		return nil

	case "subscriptions":
		subs, err := s.server.store.Subscriptions(s.ctx).Wait(s.ctx)
		if err != nil {
			return protocolError(err, false)
		}
		c.PrintfLine("215 list of recommended newsgroups follows")
		dw := c.DotWriter()
		defer dw.Close()
		for _, name := range subs {
			fmt.Fprintf(dw, "%s\n", name)
		}
		return nil

	default:
		return ErrSyntax
	}
}

func handleNewGroups(args []string, s *session, c *textproto.Conn) error {
	c.PrintfLine("231 list of newsgroups follows")
	c.PrintfLine(".")
	return nil
}

func handleGroup(args []string, s *session, c *textproto.Conn) error {
	if len(args) < 1 {
		return ErrSyntax
	}
	info, err := s.server.store.GroupInfo(s.ctx, args[0]).Wait(s.ctx)
	if err != nil {
		return protocolError(err, false)
	}
	s.selectGroup(info)
	c.PrintfLine("211 %d %d %d %s", info.Count, info.Low, info.High, info.Name)
	return nil
}

func (s *session) selectGroup(info storage.GroupInfo) {
	s.group = info.Name
	s.article = 0
	if info.Count > 0 {
		s.article = info.Low
	}
}

func handleListGroup(args []string, s *session, c *textproto.Conn) error {
	name := s.group
	if len(args) > 0 {
		name = args[0]
	}
	if name == "" {
		return ErrNoGroupSelected
	}
	r := storage.All()
	if len(args) > 1 {
		var err error
		if r, err = parseRange(args[1]); err != nil {
			return err
		}
	}

	info, err := s.server.store.GroupInfo(s.ctx, name).Wait(s.ctx)
	if err != nil {
		return protocolError(err, false)
	}
	indices, err := s.server.store.ListGroup(s.ctx, name).Wait(s.ctx)
	if err != nil {
		return protocolError(err, false)
	}
	s.selectGroup(info)

	c.PrintfLine("211 %d %d %d %s list follows", info.Count, info.Low, info.High, info.Name)
	dw := c.DotWriter()
	defer dw.Close()
	for _, i := range indices {
		if r.Contains(i) {
			fmt.Fprintf(dw, "%d\n", i)
		}
	}
	return nil
}

// parseRange reads "n", "n-" or "n-m".
func parseRange(arg string) (storage.Range, error) {
	low, high, dash := strings.Cut(arg, "-")
	l, err := strconv.ParseInt(low, 10, 64)
	if err != nil {
		return storage.Range{}, ErrSyntax
	}
	if !dash {
		return storage.Between(l, l), nil
	}
	if high == "" {
		return storage.Between(l, 0), nil
	}
	h, err := strconv.ParseInt(high, 10, 64)
	if err != nil {
		return storage.Range{}, ErrSyntax
	}
	return storage.Between(l, h), nil
}

// currentRange is the range argument of OVER and HDR, defaulting to the
// current article.
func (s *session) currentRange(args []string) (storage.Range, error) {
	if s.group == "" {
		return storage.Range{}, ErrNoGroupSelected
	}
	if len(args) > 0 {
		return parseRange(args[0])
	}
	if s.article == 0 {
		return storage.Range{}, ErrNoCurrentArticle
	}
	return storage.Between(s.article, s.article), nil
}

var overviewReplacer = strings.NewReplacer("\r\n", " ", "\t", " ", "\r", " ", "\n", " ")

func handleOver(args []string, s *session, c *textproto.Conn) error {
	r, err := s.currentRange(args)
	if err != nil {
		return err
	}
	rows, err := s.server.store.XOver(s.ctx, s.group, r).Wait(s.ctx)
	if err != nil {
		return protocolError(err, false)
	}
	c.PrintfLine("224 Overview information follows")
	dw := c.DotWriter()
	defer dw.Close()
	for _, row := range rows {
		fields := make([]string, len(row.Fields))
		for i, f := range row.Fields {
			fields[i] = overviewReplacer.Replace(f)
		}
		fmt.Fprintf(dw, "%d\t%s\n", row.Index, strings.Join(fields, "\t"))
	}
	return nil
}

func isMessageID(arg string) bool {
	return strings.HasPrefix(arg, "<") && strings.HasSuffix(arg, ">")
}

// handleHdr serves HDR (225) and XHDR (221); they differ only in the code.
func handleHdr(args []string, s *session, c *textproto.Conn) error {
	code := 225
	if s.command == "xhdr" {
		code = 221
	}
	if len(args) < 1 {
		return ErrSyntax
	}
	header := args[0]

	if len(args) > 1 && isMessageID(args[1]) {
		data, err := s.server.store.Article(s.ctx, s.group, 0, args[1]).Wait(s.ctx)
		if err != nil {
			return protocolError(err, true)
		}
		head, _ := splitText(data.Text)
		c.PrintfLine("%d Headers follow", code)
		dw := c.DotWriter()
		defer dw.Close()
		fmt.Fprintf(dw, "0 %s\n", overviewReplacer.Replace(article.Load(head, "").Header(header)))
		return nil
	}

	r, err := s.currentRange(args[1:])
	if err != nil {
		return err
	}
	vals, err := s.server.store.XHdr(s.ctx, s.group, r, header).Wait(s.ctx)
	if err != nil {
		return protocolError(err, false)
	}
	c.PrintfLine("%d Headers follow", code)
	dw := c.DotWriter()
	defer dw.Close()
	for _, v := range vals {
		fmt.Fprintf(dw, "%d %s\n", v.Index, overviewReplacer.Replace(v.Value))
	}
	return nil
}

// splitText separates a full article into its header block, CRLF
// terminated, and its body.
func splitText(text string) (head, body string) {
	head, body, ok := strings.Cut(text, "\r\n\r\n")
	if !ok {
		return text, ""
	}
	return head + "\r\n", body
}

type part int

const (
	partArticle part = iota
	partHead
	partBody
)

// fetch loads the article named by args: a message-id, a number in the
// current group, or the current article. Fetching by number moves the
// current article.
func (s *session) fetch(args []string, p part) (storage.ArticleData, error) {
	if len(args) > 0 && isMessageID(args[0]) {
		data, err := s.server.store.Article(s.ctx, s.group, 0, args[0]).Wait(s.ctx)
		if err != nil {
			return data, protocolError(err, true)
		}
		head, body := splitText(data.Text)
		switch p {
		case partHead:
			data.Text = head
		case partBody:
			data.Text = body
		}
		return data, nil
	}

	if s.group == "" {
		return storage.ArticleData{}, ErrNoGroupSelected
	}
	index := s.article
	if len(args) > 0 {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return storage.ArticleData{}, ErrSyntax
		}
		index = n
	} else if index == 0 {
		return storage.ArticleData{}, ErrNoCurrentArticle
	}

	var (
		data storage.ArticleData
		err  error
	)
	switch p {
	case partHead:
		data, err = s.server.store.Head(s.ctx, s.group, index).Wait(s.ctx)
	case partBody:
		data, err = s.server.store.Body(s.ctx, s.group, index).Wait(s.ctx)
	default:
		data, err = s.server.store.Article(s.ctx, s.group, index, "").Wait(s.ctx)
	}
	if err != nil {
		return data, protocolError(err, false)
	}
	s.article = index
	return data, nil
}

func writeArticle(c *textproto.Conn, code int, data storage.ArticleData) error {
	c.PrintfLine("%d %d %s", code, data.Index, data.MessageID)
	dw := c.DotWriter()
	defer dw.Close()
	_, err := io.WriteString(dw, data.Text)
	return err
}

/*
   Syntax
     ARTICLE message-id
     ARTICLE number
     ARTICLE

   220 n message-id    Article follows (multi-line)
   430                 No article with that message-id
   412                 No newsgroup selected
   423                 No article with that number
   420                 Current article number is invalid
*/

func handleArticle(args []string, s *session, c *textproto.Conn) error {
	data, err := s.fetch(args, partArticle)
	if err != nil {
		return err
	}
	return writeArticle(c, 220, data)
}

func handleHead(args []string, s *session, c *textproto.Conn) error {
	data, err := s.fetch(args, partHead)
	if err != nil {
		return err
	}
	return writeArticle(c, 221, data)
}

func handleBody(args []string, s *session, c *textproto.Conn) error {
	data, err := s.fetch(args, partBody)
	if err != nil {
		return err
	}
	return writeArticle(c, 222, data)
}

func handleStat(args []string, s *session, c *textproto.Conn) error {
	if len(args) > 0 && isMessageID(args[0]) {
		ok, err := s.server.store.ArticleExists(s.ctx, args[0]).Wait(s.ctx)
		if err != nil {
			return protocolError(err, true)
		}
		if !ok {
			return ErrInvalidMessageID
		}
		c.PrintfLine("223 0 %s", args[0])
		return nil
	}
	data, err := s.fetch(args, partHead)
	if err != nil {
		return err
	}
	c.PrintfLine("223 %d %s", data.Index, data.MessageID)
	return nil
}

func (s *session) post(c *textproto.Conn) (storage.PostResult, error) {
	raw, err := io.ReadAll(c.DotReader())
	if err != nil {
		return storage.PostResult{}, err
	}
	return s.server.store.Post(s.ctx, string(raw)).Wait(s.ctx)
}

/*
   Syntax
     POST

   340    Send article to be posted
   440    Posting not permitted
   240    Article received OK
   441    Posting failed
*/

func handlePost(args []string, s *session, c *textproto.Conn) error {
	if s.server.cfg.ReadOnly {
		return ErrPostingNotPermitted
	}

	c.PrintfLine("340 Send article to be posted")
	res, err := s.post(c)
	if err != nil {
		s.server.logger.Info("posting failed", "error", err)
		return &NNTPError{ErrPostingFailed.Code, "posting failed: " + err.Error()}
	}
	if res.Status == storage.PostModerationPending {
		c.PrintfLine("240 article %s sent to moderators", res.MessageID)
		return nil
	}
	c.PrintfLine("240 article %s received OK", res.MessageID)
	return nil
}

func handleIHave(args []string, s *session, c *textproto.Conn) error {
	if len(args) < 1 || !isMessageID(args[0]) {
		return ErrSyntax
	}
	if s.server.cfg.ReadOnly {
		return ErrNotWanted
	}
	exists, err := s.server.store.ArticleExists(s.ctx, args[0]).Wait(s.ctx)
	if err != nil {
		return protocolError(err, true)
	}
	if exists {
		return ErrNotWanted
	}

	c.PrintfLine("335 send it")
	if _, err := s.post(c); err != nil {
		s.server.logger.Info("transfer rejected", "message_id", args[0], "error", err)
		return ErrTransferRejected
	}
	c.PrintfLine("235 article transferred OK")
	return nil
}
