// Package client issues list, download, and upload requests against a
// remote peer. Every operation opens a fresh connection, performs one
// exchange, and closes it, keeping the protocol stateless.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shx-dow/lantern/cmd/lantern/config"
	"github.com/shx-dow/lantern/cmd/lantern/protocol"
	"github.com/shx-dow/lantern/cmd/lantern/sharedir"
	"github.com/shx-dow/lantern/cmd/lantern/transfer"
)

// ErrRejected reports an upload the remote user declined (or let time out).
var ErrRejected = errors.New("upload declined by peer")

// RemoteError carries the generic error category a peer returned. Peers
// never send internal detail, so this is all there is.
type RemoteError struct {
	Category string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer error: %s", e.Category)
}

// ParseTarget parses a human-supplied "host[:port]" string. The split is on
// the last colon so IPv6 literals keep their host part intact.
func ParseTarget(target string, defaultPort int) (string, int, error) {
	host := target
	port := defaultPort

	if i := strings.LastIndex(target, ":"); i >= 0 {
		host = target[:i]
		portStr := target[i+1:]
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, fmt.Errorf("invalid port %q in target %q", portStr, target)
		}
		if p < 1 || p > 65535 {
			return "", 0, fmt.Errorf("port %d out of range (1-65535)", p)
		}
		port = p
	}
	if host == "" {
		return "", 0, fmt.Errorf("missing host in target %q", target)
	}
	return host, port, nil
}

// dial opens a TCP connection with a timeout. DialTimeout closes the
// half-opened socket itself when the connect fails.
func dial(host string, port int) (net.Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, config.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return conn, nil
}

// List fetches the remote peer's shared-file listing.
func List(host string, port int) ([]sharedir.FileInfo, error) {
	conn, err := dial(host, port)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(config.IOTimeout))
	if err := protocol.WriteMessage(conn, protocol.TypeListRequest, nil); err != nil {
		return nil, err
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return nil, err
	}
	if err := asRemoteError(msg); err != nil {
		return nil, err
	}
	if msg.Type != protocol.TypeListResponse {
		return nil, fmt.Errorf("%w: expected LIST_RESPONSE, got %s", protocol.ErrMalformed, msg.Type)
	}

	count, rest, err := protocol.NextUint16(msg.Payload)
	if err != nil {
		return nil, err
	}
	files := make([]sharedir.FileInfo, 0, count)
	for i := 0; i < int(count); i++ {
		var name string
		var size uint64
		if name, rest, err = protocol.NextString(rest); err != nil {
			return nil, err
		}
		if size, rest, err = protocol.NextUint64(rest); err != nil {
			return nil, err
		}
		files = append(files, sharedir.FileInfo{Name: name, Size: size})
	}
	return files, nil
}

// Download fetches a remote file into destDir and returns the destination
// path and byte count. The filename is sanitized before any local write, so
// a malicious peer cannot steer the download outside destDir.
func Download(ctx context.Context, host string, port int, filename, destDir string, onProgress transfer.ProgressFunc) (string, uint64, error) {
	safe, err := sharedir.SafeFilename(filename)
	if err != nil {
		return "", 0, err
	}

	conn, err := dial(host, port)
	if err != nil {
		return "", 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(config.IOTimeout))
	var req bytes.Buffer
	protocol.PutString(&req, safe)
	if err := protocol.WriteMessage(conn, protocol.TypeDownloadRequest, req.Bytes()); err != nil {
		return "", 0, err
	}

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return "", 0, err
	}
	if err := asRemoteError(msg); err != nil {
		return "", 0, err
	}
	if msg.Type != protocol.TypeDownloadResponse {
		return "", 0, fmt.Errorf("%w: expected DOWNLOAD_RESPONSE, got %s", protocol.ErrMalformed, msg.Type)
	}
	size, _, err := protocol.NextUint64(msg.Payload)
	if err != nil {
		return "", 0, err
	}

	dest := filepath.Join(destDir, safe)
	received, err := transfer.RecvFile(ctx, conn, dest, size, withDeadlineRefresh(conn, onProgress))
	if err != nil {
		return "", received, err
	}
	return dest, received, nil
}

// Upload announces a local file to the remote peer, waits for its user's
// consent, and streams the file on accept.
func Upload(ctx context.Context, host string, port int, path string, onProgress transfer.ProgressFunc) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0, fmt.Errorf("local file not found: %s", path)
	}
	size := uint64(info.Size())
	if size > config.MaxFileSize {
		return 0, fmt.Errorf("%w: %d bytes", transfer.ErrSizeLimit, size)
	}

	conn, err := dial(host, port)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(config.IOTimeout))
	var announce bytes.Buffer
	protocol.PutString(&announce, filepath.Base(path))
	protocol.PutUint64(&announce, size)
	if err := protocol.WriteMessage(conn, protocol.TypeUploadAnnounce, announce.Bytes()); err != nil {
		return 0, err
	}

	// The decision can legitimately take the whole consent window while the
	// remote user decides.
	conn.SetReadDeadline(time.Now().Add(config.ConsentWindow + config.IOTimeout))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return 0, err
	}
	if err := asRemoteError(msg); err != nil {
		return 0, err
	}
	if msg.Type != protocol.TypeUploadDecision || len(msg.Payload) < 1 {
		return 0, fmt.Errorf("%w: expected UPLOAD_DECISION, got %s", protocol.ErrMalformed, msg.Type)
	}
	if msg.Payload[0] != 1 {
		return 0, ErrRejected
	}

	sent, err := transfer.SendFile(ctx, conn, path, config.ChunkSize, withDeadlineRefresh(conn, onProgress))
	if err != nil {
		return sent, err
	}

	conn.SetReadDeadline(time.Now().Add(config.IOTimeout))
	msg, err = protocol.ReadMessage(conn)
	if err != nil {
		return sent, err
	}
	if err := asRemoteError(msg); err != nil {
		return sent, err
	}
	if msg.Type != protocol.TypeAck {
		return sent, fmt.Errorf("%w: expected ACK, got %s", protocol.ErrMalformed, msg.Type)
	}
	confirmed, _, err := protocol.NextUint64(msg.Payload)
	if err != nil {
		return sent, err
	}
	if confirmed != sent {
		return sent, fmt.Errorf("peer confirmed %d of %d bytes", confirmed, sent)
	}
	return sent, nil
}

func asRemoteError(msg *protocol.Message) error {
	if msg.Type != protocol.TypeError {
		return nil
	}
	category, _, err := protocol.NextString(msg.Payload)
	if err != nil {
		category = "unknown error"
	}
	return &RemoteError{Category: category}
}

// withDeadlineRefresh extends the connection deadline after each chunk so a
// stalled transfer fails within one I/O timeout, while a healthy long
// transfer can run indefinitely.
func withDeadlineRefresh(conn net.Conn, onProgress transfer.ProgressFunc) transfer.ProgressFunc {
	conn.SetDeadline(time.Now().Add(config.IOTimeout))
	return func(moved, total uint64) {
		conn.SetDeadline(time.Now().Add(config.IOTimeout))
		if onProgress != nil {
			onProgress(moved, total)
		}
	}
}

// FormatSize renders a byte count for humans.
func FormatSize(n uint64) string {
	size := float64(n)
	for _, unit := range []string{"B", "KB", "MB", "GB"} {
		if size < 1024 {
			return fmt.Sprintf("%.1f %s", size, unit)
		}
		size /= 1024
	}
	return fmt.Sprintf("%.1f TB", size)
}
