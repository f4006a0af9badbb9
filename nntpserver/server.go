// Package nntpserver serves a storage backend over NNTP.
package nntpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"strings"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/javi11/nntp-storage/storage"
)

// Handler runs one command.
type Handler func(args []string, s *session, c *textproto.Conn) error

// Config for a Server.
type Config struct {
	Address string
	// ReadOnly refuses POST and IHAVE.
	ReadOnly bool
	Logger   *slog.Logger
}

// Server accepts NNTP connections and answers them from a storage backend.
type Server struct {
	Handlers map[string]Handler

	store  *storage.Async
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    *xsync.MapOf[net.Conn, struct{}]
	wg       sync.WaitGroup
}

type session struct {
	server  *Server
	ctx     context.Context
	command string
	// group and article are the currently selected group and article
	// number; article is 0 when none is selected.
	group   string
	article int64
}

// NewServer returns a server for store. Call Start to listen, or hand
// connections to Process directly.
func NewServer(store *storage.Async, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "nntpserver")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Handlers: make(map[string]Handler),
		store:    store,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		conns:    xsync.NewMapOf[net.Conn, struct{}](),
	}
	s.Handlers[""] = handleDefault
	s.Handlers["quit"] = handleQuit
	s.Handlers["capabilities"] = handleCap
	s.Handlers["mode"] = handleMode
	s.Handlers["list"] = handleList
	s.Handlers["newgroups"] = handleNewGroups
	s.Handlers["group"] = handleGroup
	s.Handlers["listgroup"] = handleListGroup
	s.Handlers["over"] = handleOver
	s.Handlers["xover"] = handleOver
	s.Handlers["hdr"] = handleHdr
	s.Handlers["xhdr"] = handleHdr
	s.Handlers["article"] = handleArticle
	s.Handlers["head"] = handleHead
	s.Handlers["body"] = handleBody
	s.Handlers["stat"] = handleStat
	s.Handlers["post"] = handlePost
	s.Handlers["ihave"] = handleIHave
	return s
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return errors.New("server already started")
	}
	l, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}
	s.listener = l
	s.logger.Info("NNTP server listening", "address", l.Addr().String())

	s.wg.Add(1)
	go s.accept(l)
	return nil
}

func (s *Server) accept(l net.Listener) {
	defer s.wg.Done()
	for {
		nc, err := l.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Process(nc)
		}()
	}
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops listening, drops every open session and waits for them.
func (s *Server) Close() error {
	s.cancel()
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	s.mu.Unlock()

	s.conns.Range(func(nc net.Conn, _ struct{}) bool {
		nc.Close()
		return true
	})
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *session) dispatchCommand(cmd string, args []string, c *textproto.Conn) error {
	s.command = strings.ToLower(cmd)
	handler, found := s.server.Handlers[s.command]
	if !found {
		handler = s.server.Handlers[""]
	}
	return handler(args, s, c)
}

// Process runs one NNTP session until the client quits or the connection
// fails.
func (s *Server) Process(nc net.Conn) {
	s.conns.Store(nc, struct{}{})
	defer s.conns.Delete(nc)
	defer nc.Close()
	if s.ctx.Err() != nil {
		return
	}

	logger := s.logger.With("remote", nc.RemoteAddr().String())
	c := textproto.NewConn(nc)
	sess := &session{server: s, ctx: s.ctx}

	if s.cfg.ReadOnly {
		c.PrintfLine("201 nntp-storage ready, posting prohibited")
	} else {
		c.PrintfLine("200 nntp-storage ready, posting allowed")
	}
	for {
		l, err := c.ReadLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("error reading from client, dropping conn", "error", err)
			}
			return
		}
		cmd := strings.Fields(l)
		if len(cmd) == 0 {
			c.PrintfLine("%s", ErrUnknownCommand.Error())
			continue
		}
		logger.Debug("command", "cmd", cmd[0], "args", len(cmd)-1)

		err = sess.dispatchCommand(cmd[0], cmd[1:], c)
		if err == nil {
			continue
		}
		var ne *NNTPError
		switch {
		case err == io.EOF:
			return
		case errors.As(err, &ne):
			c.PrintfLine("%s", ne.Error())
		default:
			logger.Warn("error dispatching command, dropping conn", "cmd", cmd[0], "error", err)
			return
		}
	}
}
