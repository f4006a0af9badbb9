// Package article parses and serializes news articles.
//
// An Article keeps its headers in first-seen order. Lookups are case
// insensitive while the original spelling of each header name is kept for
// serialization. Parsing always leaves an article with Message-ID, Bytes,
// Lines and Date headers, synthesizing whichever are missing.
package article

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"
)

// Well known header names.
const (
	HeaderMessageID  = "Message-ID"
	HeaderBytes      = "Bytes"
	HeaderLines      = "Lines"
	HeaderDate       = "Date"
	HeaderNewsgroups = "Newsgroups"
	HeaderSubject    = "Subject"
	HeaderFrom       = "From"
	HeaderReferences = "References"
	HeaderApproved   = "Approved"
	HeaderXref       = "Xref"
)

// OverviewFormat is the column order of overview rows. Every backend reports
// the same list.
var OverviewFormat = []string{
	HeaderSubject, HeaderFrom, HeaderDate, HeaderMessageID, HeaderReferences,
	HeaderBytes, HeaderLines, HeaderXref,
}

// Field is a single header as it appeared in the message.
type Field struct {
	Name  string
	Value string
}

// Article is one posted message.
type Article struct {
	fields []Field
	index  map[string]int
	Body   string
}

var hostname = sync.OnceValue(func() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "localhost"
	}
	return strings.Fields(h)[0]
})

// Hostname returns the local host name used in synthesized Message-IDs and
// Xref headers.
func Hostname() string {
	return hostname()
}

// Parser turns raw header text into articles. The zero value uses the local
// host name and the wall clock.
type Parser struct {
	Hostname string
	Now      func() time.Time
}

// Parse parses a header block and body with the default Parser.
func Parse(head, body string) *Article {
	return Parser{}.Parse(head, body)
}

// ParseMessage splits a complete message on its first blank line and parses
// both halves with the default Parser.
func ParseMessage(raw string) *Article {
	return Parser{}.ParseMessage(raw)
}

// ParseMessage splits raw on the first empty line (CRLF or LF) into headers
// and body. A message without an empty line is all headers.
func (p Parser) ParseMessage(raw string) *Article {
	head, body := splitMessage(raw)
	return p.Parse(head, body)
}

// splitMessage cuts raw at its first empty line, whatever the line endings
// before and after it.
func splitMessage(raw string) (head, body string) {
	for pos := 0; pos < len(raw); {
		end := strings.IndexByte(raw[pos:], '\n')
		if end < 0 {
			break
		}
		if line := raw[pos : pos+end]; line == "" || line == "\r" {
			head = strings.TrimSuffix(strings.TrimSuffix(raw[:pos], "\n"), "\r")
			return head, raw[pos+end+1:]
		}
		pos += end + 1
	}
	return raw, ""
}

// Parse builds an Article from a header block and a body. Lines starting with
// a space or tab continue the previous header; the pieces are joined with
// CRLF. Lines that are neither continuations nor "Name: value" pairs are
// dropped.
func (p Parser) Parse(head, body string) *Article {
	a := parseFields(head, body)
	p.fillDefaults(a)
	return a
}

// Load parses a header block that was stored after parsing. Unlike Parse it
// synthesizes nothing.
func Load(head, body string) *Article {
	return parseFields(head, body)
}

func parseFields(head, body string) *Article {
	a := &Article{Body: body, index: make(map[string]int)}
	last := -1
	for _, line := range splitLines(head) {
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if last >= 0 {
				a.fields[last].Value += "\r\n" + line
			}
			continue
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok {
			if name, value, ok = strings.Cut(line, ":"); !ok {
				continue
			}
			value = strings.TrimLeft(value, " \t")
		}
		if name == "" {
			continue
		}
		last = a.put(name, value)
	}
	return a
}

// Restore rebuilds an article from stored fields without synthesizing any
// header.
func Restore(fields []Field, body string) *Article {
	a := &Article{Body: body, index: make(map[string]int, len(fields))}
	for _, f := range fields {
		a.put(f.Name, f.Value)
	}
	return a
}

// idSeq keeps Message-IDs generated within one clock tick apart.
var idSeq atomic.Uint64

func (p Parser) fillDefaults(a *Article) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	host := p.Hostname
	if host == "" {
		host = Hostname()
	}

	if a.Header(HeaderMessageID) == "" {
		t := now()
		seed := strconv.FormatInt(t.UnixNano(), 10) + "." + strconv.FormatUint(idSeq.Add(1), 10) + a.Body
		sum := md5.Sum([]byte(seed))
		a.PutHeader(HeaderMessageID, "<"+hex.EncodeToString(sum[:])+"@"+host+">")
	}
	if a.Header(HeaderBytes) == "" {
		a.PutHeader(HeaderBytes, strconv.Itoa(len(a.Body)))
	}
	if a.Header(HeaderLines) == "" {
		a.PutHeader(HeaderLines, strconv.Itoa(strings.Count(a.Body, "\n")))
	}
	if a.Header(HeaderDate) == "" {
		a.PutHeader(HeaderDate, now().Format(time.RFC1123Z))
	}
}

func (a *Article) put(name, value string) int {
	key := strings.ToLower(name)
	if i, ok := a.index[key]; ok {
		a.fields[i] = Field{Name: name, Value: value}
		return i
	}
	a.fields = append(a.fields, Field{Name: name, Value: value})
	a.index[key] = len(a.fields) - 1
	return len(a.fields) - 1
}

// Header returns the value of the named header, or "" when it is absent.
func (a *Article) Header(name string) string {
	if i, ok := a.index[strings.ToLower(name)]; ok {
		return a.fields[i].Value
	}
	return ""
}

// PutHeader sets a header. An existing header keeps its position.
func (a *Article) PutHeader(name, value string) {
	if a.index == nil {
		a.index = make(map[string]int)
	}
	a.put(name, value)
}

// Fields returns a copy of the headers in first-seen order.
func (a *Article) Fields() []Field {
	out := make([]Field, len(a.fields))
	copy(out, a.fields)
	return out
}

// MessageID returns the Message-ID header.
func (a *Article) MessageID() string {
	return a.Header(HeaderMessageID)
}

// Approved reports whether the article carries an Approved header. Its value
// is not checked.
func (a *Article) Approved() bool {
	return a.Header(HeaderApproved) != ""
}

// Newsgroups returns the target groups named by the Newsgroups header. Both
// commas and whitespace separate names; duplicates are dropped.
func (a *Article) Newsgroups() []string {
	names := strings.FieldsFunc(a.Header(HeaderNewsgroups), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	seen := make(map[string]bool, len(names))
	out := names[:0]
	for _, n := range names {
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// Overview projects the article onto OverviewFormat. Missing headers are "".
func (a *Article) Overview() []string {
	out := make([]string, len(OverviewFormat))
	for i, h := range OverviewFormat {
		out[i] = a.Header(h)
	}
	return out
}

// TextHeaders serializes the headers as CRLF terminated "Name: Value" lines.
func (a *Article) TextHeaders() string {
	var b strings.Builder
	for _, f := range a.fields {
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
		b.WriteString("\r\n")
	}
	return b.String()
}

// Text returns the full article: headers, an empty line, then the body.
func (a *Article) Text() string {
	return a.TextHeaders() + "\r\n" + a.Body
}

func splitLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}
