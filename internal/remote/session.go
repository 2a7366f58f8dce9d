package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"

	"schemblsync/internal/config"
)

// client is the subset of *ftp.ServerConn a Session drives.
type client interface {
	NoOp() error
	CurrentDir() (string, error)
	ChangeDir(path string) error
	List(path string) ([]*ftp.Entry, error)
	Retr(path string) (io.ReadCloser, error)
	Quit() error
}

type serverConn struct{ *ftp.ServerConn }

func (c serverConn) Retr(p string) (io.ReadCloser, error) { return c.ServerConn.Retr(p) }

type dialFunc func(ctx context.Context) (client, error)

// Session is a long-lived FTP connection. Every operation first checks the
// control connection with NOOP and transparently redials when it has gone away.
type Session struct {
	mu     sync.Mutex
	dial   dialFunc
	c      client
	home   string
	logger *zap.Logger
	dials  int
}

var _ Conn = (*Session)(nil)

// Dial connects and logs in to the server described by cfg.
func Dial(ctx context.Context, cfg config.FTP, logger *zap.Logger) (*Session, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dial := func(ctx context.Context) (client, error) {
		conn, err := ftp.Dial(cfg.Host, ftp.DialWithContext(ctx), ftp.DialWithTimeout(timeout))
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", cfg.Host, err)
		}
		if err := conn.Login(cfg.User, cfg.Password); err != nil {
			_ = conn.Quit()
			return nil, fmt.Errorf("login %s as %s: %w", cfg.Host, cfg.User, err)
		}
		return serverConn{conn}, nil
	}
	return newSession(ctx, dial, logger)
}

func newSession(ctx context.Context, dial dialFunc, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{dial: dial, logger: logger}
	if err := s.connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	home, err := c.CurrentDir()
	if err != nil {
		_ = c.Quit()
		return fmt.Errorf("pwd: %w", err)
	}
	s.c, s.home = c, home
	s.dials++
	return nil
}

func (s *Session) ready(ctx context.Context) error {
	if s.c != nil {
		err := s.c.NoOp()
		if err == nil {
			return nil
		}
		s.logger.Warn("ftp connection lost, reconnecting", zap.Error(err))
		_ = s.c.Quit()
		s.c = nil
	}
	return s.connect(ctx)
}

func (s *Session) abs(p string) string { return path.Join(s.home, Clean(p)) }

// List returns the entries of dir. A directory the server refuses to enter
// yields ErrNotFound.
func (s *Session) List(ctx context.Context, dir string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	target := s.abs(dir)
	if err := s.c.ChangeDir(target); err != nil {
		return nil, fmt.Errorf("cwd %s: %w", dir, mapErr(err))
	}
	raw, err := s.c.List(target)
	if cdErr := s.c.ChangeDir(s.home); cdErr != nil && err == nil {
		err = cdErr
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, mapErr(err))
	}
	entries := make([]Entry, 0, len(raw))
	for _, e := range raw {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		entries = append(entries, Entry{
			Name: path.Base(e.Name),
			Dir:  e.Type == ftp.EntryTypeFolder,
			Size: int64(e.Size),
		})
	}
	sortEntries(entries)
	return entries, nil
}

// Retrieve opens file for reading. The caller must close the reader before
// issuing the next operation on the session.
func (s *Session) Retrieve(ctx context.Context, file string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rc, err := s.c.Retr(s.abs(file))
	if err != nil {
		return nil, fmt.Errorf("retr %s: %w", file, mapErr(err))
	}
	return rc, nil
}

// Close ends the session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return nil
	}
	err := s.c.Quit()
	s.c = nil
	return err
}

func mapErr(err error) error {
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable {
		return fmt.Errorf("%w: %s", ErrNotFound, tpErr.Msg)
	}
	return err
}
