// Package server runs the TCP front end: it accepts connections,
// decodes pipelined command frames from each one, and dispatches them
// against a shared store. The reference implementation drives every
// connection from one select() loop; this one uses Go's idiomatic
// goroutine-per-connection model instead; see the accompanying design
// notes for why that substitution is safe here.
package server

import (
	"errors"
	"io"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cachekitdb/cachekit/internal/dispatch"
	"github.com/cachekitdb/cachekit/internal/eviction"
	"github.com/cachekitdb/cachekit/internal/persistence"
	"github.com/cachekitdb/cachekit/internal/protocol"
	"github.com/cachekitdb/cachekit/internal/store"
)

// maxClients bounds total concurrent connections, matching the
// reference server's fixed client table size.
const maxClients = 64

const readBufferSize = 4096

// Server owns the listening socket, the shared store, and the counters
// INFO reports.
type Server struct {
	store      *store.Store
	log        *zap.Logger
	rdbPath    string
	startTime  time.Time
	commandsProcessed int64
	connected  int64

	listener net.Listener
	connSlot chan struct{}
}

// New creates a server bound to st, persisting to and loading from
// rdbPath on SAVE and startup respectively.
func New(st *store.Store, rdbPath string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		store:     st,
		log:       log,
		rdbPath:   rdbPath,
		startTime: time.Now(),
		connSlot:  make(chan struct{}, maxClients),
	}
}

// LoadSnapshot restores a prior snapshot from s.rdbPath, if one exists.
// A missing file is not an error — it means a fresh start.
func (s *Server) LoadSnapshot() error {
	err := persistence.Load(s.store, s.rdbPath, s.log)
	if err == nil {
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		s.log.Info("no existing snapshot, starting empty", zap.String("file", s.rdbPath))
		return nil
	}
	return err
}

// ListenAndServe binds addr and serves connections until the listener
// is closed or the process exits. It blocks.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.log.Info("cachekit listening", zap.String("addr", addr))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		select {
		case s.connSlot <- struct{}{}:
			go s.handleConn(conn)
		default:
			s.log.Warn("max clients reached, rejecting connection", zap.String("remote", conn.RemoteAddr().String()))
			conn.Close()
		}
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	id := uuid.New()
	atomic.AddInt64(&s.connected, 1)
	defer func() {
		atomic.AddInt64(&s.connected, -1)
		<-s.connSlot
		conn.Close()
	}()

	log := s.log.With(zap.String("conn", id.String()), zap.String("remote", conn.RemoteAddr().String()))
	log.Debug("client connected")

	ctx := &dispatch.Context{
		Store:    s.store,
		SaveFunc: func() error { return persistence.Save(s.store, s.rdbPath, s.log) },
		InfoFunc: func() dispatch.Info {
			return dispatch.Info{
				UptimeSeconds:     int64(time.Since(s.startTime).Seconds()),
				ConnectedClients:  int(atomic.LoadInt64(&s.connected)),
				CommandsProcessed: atomic.LoadInt64(&s.commandsProcessed),
			}
		},
		EvictFunc: func() { eviction.Run(s.store, s.log) },
	}

	parser := protocol.NewParser()
	writer := protocol.NewWriter()
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			parser.Feed(buf[:n])
			if drainErr := s.drainFrames(ctx, parser, writer, conn); drainErr != nil {
				log.Debug("closing connection after framing error or write failure", zap.Error(drainErr))
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				log.Debug("read failed, closing connection", zap.Error(err))
			}
			return
		}
	}
}

// drainFrames dispatches every complete command currently buffered,
// writing each response before parsing the next — the same
// write-then-parse-next discipline the reference server's do_write
// uses to keep pipelined commands ordered on a single connection. A
// malformed or oversized frame is a framing error, not a need-more-data
// condition: drainFrames writes an error frame and returns it so the
// caller closes the connection instead of waiting for bytes that would
// never complete a valid frame.
func (s *Server) drainFrames(ctx *dispatch.Context, parser *protocol.Parser, writer *protocol.Writer, conn net.Conn) error {
	for {
		frame, ok, err := parser.Next()
		if err != nil {
			writer.Reset()
			writer.Error(err.Error())
			conn.Write(writer.Bytes())
			return err
		}
		if !ok {
			return nil
		}

		atomic.AddInt64(&s.commandsProcessed, 1)
		writer.Reset()
		dispatch.Dispatch(ctx, frame, writer)

		if _, err := conn.Write(writer.Bytes()); err != nil {
			return err
		}
	}
}
