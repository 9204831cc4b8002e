// Package server accepts TCP connections from peers and services LIST,
// DOWNLOAD, and UPLOAD_ANNOUNCE requests against the shared directory.
//
// Each accepted connection consumes one slot from a bounded pool; when the
// pool is exhausted new connections are refused at accept time instead of
// queueing, which bounds worst-case resource usage under a flood. A failure
// on one connection never reaches the listener or other connections.
package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/shx-dow/lantern/cmd/lantern/config"
	"github.com/shx-dow/lantern/cmd/lantern/protocol"
	"github.com/shx-dow/lantern/cmd/lantern/sharedir"
	"github.com/shx-dow/lantern/cmd/lantern/transfer"
)

// Error categories sent over the wire. Internal detail is never echoed to
// the remote peer.
const (
	errInvalidFilename = "invalid filename"
	errFileNotFound    = "file not found"
	errFileTooLarge    = "file too large"
	errDeclined        = "upload declined"
	errIncomplete      = "incomplete transfer"
	errUnknownCommand  = "unknown command"
	errInternal        = "internal error"
)

// progressThreshold is the size above which upload progress is forwarded
// to the Progress hook. Smaller transfers finish before a progress view is
// worth rendering.
const progressThreshold = 1 << 20

// Server is the TCP file server.
type Server struct {
	SharedDir     string
	MaxConns      int
	ConsentWindow time.Duration

	// Progress, when set, receives upload progress for large transfers on
	// the serving goroutine.
	Progress func(filename string, moved, total uint64)

	port    int
	ln      net.Listener
	slots   chan struct{}
	pending chan *ConsentRequest
	ctx     context.Context
	cancel  context.CancelFunc
}

// New builds a server for the given port and shared directory.
func New(port int, sharedDir string) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		SharedDir:     sharedDir,
		MaxConns:      config.MaxConnections,
		ConsentWindow: config.ConsentWindow,
		port:          port,
		pending:       make(chan *ConsentRequest, 16),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Pending delivers upload consent requests. The consumer must call Accept
// or Reject before each request's deadline; otherwise it resolves to
// Reject on its own.
func (s *Server) Pending() <-chan *ConsentRequest { return s.pending }

// Addr returns the bound listener address, valid after Start.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Start binds the listener and launches the accept loop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	s.ln = ln
	s.slots = make(chan struct{}, s.MaxConns)

	go s.acceptLoop()
	zap.L().Info("file server started", zap.Stringer("addr", ln.Addr()))
	return nil
}

// Stop closes the listener and cancels in-flight transfers.
func (s *Server) Stop() error {
	s.cancel()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			zap.L().Warn("accept failed", zap.Error(err))
			continue
		}

		select {
		case s.slots <- struct{}{}:
			go s.handle(conn)
		default:
			// At capacity: refuse now rather than queue indefinitely.
			zap.L().Warn("connection refused: at capacity",
				zap.Stringer("remote", conn.RemoteAddr()))
			conn.Close()
		}
	}
}

// handle services one connection. The slot is released on every exit path,
// panics included, and any error stays confined to this connection.
func (s *Server) handle(conn net.Conn) {
	defer func() { <-s.slots }()
	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("handler panic",
				zap.Stringer("remote", conn.RemoteAddr()), zap.Any("panic", r))
		}
	}()

	conn.SetReadDeadline(time.Now().Add(config.IOTimeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		zap.L().Debug("request read failed",
			zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return
	}

	switch msg.Type {
	case protocol.TypeListRequest:
		s.handleList(conn)
	case protocol.TypeDownloadRequest:
		s.handleDownload(conn, msg.Payload)
	case protocol.TypeUploadAnnounce:
		s.handleUploadAnnounce(conn, msg.Payload)
	default:
		s.writeError(conn, errUnknownCommand)
	}
}

func (s *Server) handleList(conn net.Conn) {
	files, err := sharedir.List(s.SharedDir)
	if err != nil {
		zap.L().Error("listing failed", zap.Error(err))
		s.writeError(conn, errInternal)
		return
	}

	// Entries that would push the response past the control cap are
	// dropped; the count field always matches the entries encoded.
	var entries bytes.Buffer
	count := 0
	for _, f := range files {
		var one bytes.Buffer
		protocol.PutString(&one, f.Name)
		protocol.PutUint64(&one, f.Size)
		if 2+entries.Len()+one.Len() > protocol.MaxControlSize {
			break
		}
		entries.Write(one.Bytes())
		count++
	}

	var payload bytes.Buffer
	protocol.PutUint16(&payload, uint16(count))
	payload.Write(entries.Bytes())

	s.write(conn, protocol.TypeListResponse, payload.Bytes())
}

func (s *Server) handleDownload(conn net.Conn, payload []byte) {
	name, _, err := protocol.NextString(payload)
	if err != nil {
		s.writeError(conn, errUnknownCommand)
		return
	}

	safe, err := sharedir.SafeFilename(name)
	if err != nil {
		s.writeError(conn, errInvalidFilename)
		return
	}

	path := filepath.Join(s.SharedDir, safe)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		s.writeError(conn, errFileNotFound)
		return
	}
	size := uint64(info.Size())
	if size > config.MaxFileSize {
		s.writeError(conn, errFileTooLarge)
		return
	}

	var resp bytes.Buffer
	protocol.PutUint64(&resp, size)
	if !s.write(conn, protocol.TypeDownloadResponse, resp.Bytes()) {
		return
	}

	sent, err := transfer.SendFile(s.ctx, conn, path, config.ChunkSize, refreshDeadline(conn))
	if err != nil {
		// Mid-stream failure: nothing useful to tell the peer, the frame
		// sequence is already broken.
		zap.L().Warn("download aborted",
			zap.String("file", safe),
			zap.Uint64("sent", sent),
			zap.Stringer("remote", conn.RemoteAddr()),
			zap.Error(err))
		return
	}
	zap.L().Info("file sent",
		zap.String("file", safe),
		zap.Uint64("bytes", sent),
		zap.Stringer("remote", conn.RemoteAddr()))
}

func (s *Server) handleUploadAnnounce(conn net.Conn, payload []byte) {
	name, rest, err := protocol.NextString(payload)
	if err != nil {
		s.writeError(conn, errUnknownCommand)
		return
	}
	size, _, err := protocol.NextUint64(rest)
	if err != nil {
		s.writeError(conn, errUnknownCommand)
		return
	}

	safe, err := sharedir.SafeFilename(name)
	if err != nil {
		s.writeError(conn, errInvalidFilename)
		return
	}
	if size > config.MaxFileSize {
		s.writeError(conn, errFileTooLarge)
		return
	}

	req := newConsentRequest(safe, size, conn.RemoteAddr().String(), s.ConsentWindow)
	accepted := false
	select {
	case s.pending <- req:
		accepted = req.await()
	default:
		// No consumer and the queue is full: treat as declined.
		zap.L().Warn("consent queue full, declining upload",
			zap.String("file", safe))
	}

	var decision bytes.Buffer
	if accepted {
		decision.WriteByte(1)
	} else {
		decision.WriteByte(0)
	}
	if !s.write(conn, protocol.TypeUploadDecision, decision.Bytes()) || !accepted {
		return
	}

	onProgress := refreshDeadline(conn)
	if s.Progress != nil && size >= progressThreshold {
		hook := s.Progress
		base := onProgress
		onProgress = func(moved, total uint64) {
			base(moved, total)
			hook(safe, moved, total)
		}
	}

	dest := filepath.Join(s.SharedDir, safe)
	received, err := transfer.RecvFile(s.ctx, conn, dest, size, onProgress)
	if err != nil {
		zap.L().Warn("upload failed",
			zap.String("file", safe),
			zap.Uint64("received", received),
			zap.Stringer("remote", conn.RemoteAddr()),
			zap.Error(err))
		s.writeError(conn, errIncomplete)
		return
	}

	var ack bytes.Buffer
	protocol.PutUint64(&ack, received)
	s.write(conn, protocol.TypeAck, ack.Bytes())
	zap.L().Info("file received",
		zap.String("file", safe),
		zap.Uint64("bytes", received),
		zap.Stringer("remote", conn.RemoteAddr()))
}

func (s *Server) write(conn net.Conn, typ protocol.Type, payload []byte) bool {
	conn.SetWriteDeadline(time.Now().Add(config.IOTimeout))
	if err := protocol.WriteMessage(conn, typ, payload); err != nil {
		zap.L().Debug("response write failed",
			zap.Stringer("remote", conn.RemoteAddr()), zap.Error(err))
		return false
	}
	return true
}

func (s *Server) writeError(conn net.Conn, category string) {
	var payload bytes.Buffer
	protocol.PutString(&payload, category)
	s.write(conn, protocol.TypeError, payload.Bytes())
}

// refreshDeadline returns a progress func that pushes the connection
// deadline forward after each chunk, so a stalled transfer fails within one
// I/O timeout instead of hanging forever.
func refreshDeadline(conn net.Conn) transfer.ProgressFunc {
	conn.SetDeadline(time.Now().Add(config.IOTimeout))
	return func(moved, total uint64) {
		conn.SetDeadline(time.Now().Add(config.IOTimeout))
	}
}
