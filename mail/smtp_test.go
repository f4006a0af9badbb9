package mail

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	from string
	to   []string
	data string
}

// fakeExchange accepts one SMTP session and reports what it was given.
func fakeExchange(t *testing.T) (string, <-chan received) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	out := make(chan received, 1)
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		c := textproto.NewConn(nc)
		var r received
		c.PrintfLine("220 fake ESMTP")
		for {
			line, err := c.ReadLine()
			if err != nil {
				return
			}
			verb := strings.ToUpper(strings.SplitN(line, " ", 2)[0])
			switch {
			case verb == "EHLO" || verb == "HELO":
				c.PrintfLine("250 fake")
			case strings.HasPrefix(strings.ToUpper(line), "MAIL FROM:"):
				r.from = strings.Trim(line[len("MAIL FROM:"):], "<>")
				c.PrintfLine("250 ok")
			case strings.HasPrefix(strings.ToUpper(line), "RCPT TO:"):
				r.to = append(r.to, strings.Trim(line[len("RCPT TO:"):], "<>"))
				c.PrintfLine("250 ok")
			case verb == "DATA":
				c.PrintfLine("354 go ahead")
				lines, err := c.ReadDotLines()
				if err != nil {
					return
				}
				r.data = strings.Join(lines, "\n")
				c.PrintfLine("250 queued")
			case verb == "QUIT":
				c.PrintfLine("221 bye")
				out <- r
				return
			default:
				c.PrintfLine("502 unknown")
			}
		}
	}()
	return l.Addr().String(), out
}

func TestSMTPSenderDelivers(t *testing.T) {
	addr, got := fakeExchange(t)

	s := &SMTPSender{Timeout: time.Second}
	err := s.Send(context.Background(), addr, "news@h", []string{"m1@h", "m2@h"},
		[]byte("Subject: hi\r\n\r\nbody\r\n"))
	require.NoError(t, err)

	select {
	case r := <-got:
		assert.Equal(t, "news@h", r.from)
		assert.Equal(t, []string{"m1@h", "m2@h"}, r.to)
		assert.Contains(t, r.data, "Subject: hi")
		assert.Contains(t, r.data, "body")
	case <-time.After(2 * time.Second):
		t.Fatal("exchange never saw QUIT")
	}
}

func TestSMTPSenderRequiresHost(t *testing.T) {
	err := (&SMTPSender{}).Send(context.Background(), "", "a@h", []string{"b@h"}, nil)
	assert.Error(t, err)
}
