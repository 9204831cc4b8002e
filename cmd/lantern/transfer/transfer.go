// Package transfer streams file bytes as a sequence of FILE_CHUNK frames.
// Progress is reported synchronously after each chunk and cancellation is
// checked between chunks. A receive that fails or is cancelled part-way
// deletes the partial destination file, so the shared directory never keeps
// a corrupt artifact.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/multierr"

	"github.com/shx-dow/lantern/cmd/lantern/config"
	"github.com/shx-dow/lantern/cmd/lantern/protocol"
)

// ErrSizeLimit reports a transfer whose announced size exceeds the cap.
// It is returned before any bytes are written.
var ErrSizeLimit = errors.New("transfer exceeds size limit")

// ProgressFunc is invoked after each chunk, in order, on the transferring
// goroutine. Implementations that must not block the transfer are
// responsible for handing off to their own context.
type ProgressFunc func(moved, total uint64)

// SendFile streams the file at path as FILE_CHUNK frames and returns the
// number of bytes sent. The caller announces the size out of band before
// calling.
func SendFile(ctx context.Context, w io.Writer, path string, chunkSize int, onProgress ProgressFunc) (uint64, error) {
	if chunkSize <= 0 || chunkSize > protocol.MaxChunkSize {
		chunkSize = config.ChunkSize
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat file: %w", err)
	}
	total := uint64(info.Size())
	if total > config.MaxFileSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrSizeLimit, total)
	}

	buf := make([]byte, chunkSize)
	var sent uint64
	for sent < total {
		if err := ctx.Err(); err != nil {
			return sent, err
		}

		n, err := f.Read(buf)
		if n > 0 {
			if err := protocol.WriteMessage(w, protocol.TypeFileChunk, buf[:n]); err != nil {
				return sent, err
			}
			sent += uint64(n)
			if onProgress != nil {
				onProgress(sent, total)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return sent, fmt.Errorf("failed to read file: %w", err)
		}
	}
	return sent, nil
}

// RecvFile reads expected bytes of FILE_CHUNK frames into destPath and
// returns the number of bytes received. On cancellation, I/O error, or a
// peer that stops sending, the partial file is removed before returning.
func RecvFile(ctx context.Context, r io.Reader, destPath string, expected uint64, onProgress ProgressFunc) (uint64, error) {
	if expected > config.MaxFileSize {
		return 0, fmt.Errorf("%w: announced %d bytes", ErrSizeLimit, expected)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}

	var received uint64
	for received < expected {
		if err := ctx.Err(); err != nil {
			return received, discard(f, destPath, err)
		}

		msg, err := protocol.ReadMessage(r)
		if err != nil {
			return received, discard(f, destPath, err)
		}
		if msg.Type != protocol.TypeFileChunk {
			err := fmt.Errorf("%w: expected FILE_CHUNK, got %s", protocol.ErrMalformed, msg.Type)
			return received, discard(f, destPath, err)
		}
		if uint64(len(msg.Payload)) > expected-received {
			err := fmt.Errorf("%w: chunk overruns announced size", protocol.ErrMalformed)
			return received, discard(f, destPath, err)
		}

		if _, err := f.Write(msg.Payload); err != nil {
			return received, discard(f, destPath, fmt.Errorf("failed to write file: %w", err))
		}
		received += uint64(len(msg.Payload))
		if onProgress != nil {
			onProgress(received, expected)
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(destPath)
		return received, fmt.Errorf("failed to close file: %w", err)
	}
	return received, nil
}

// discard closes and removes a partially-written file, folding any cleanup
// failure into the original error.
func discard(f *os.File, path string, err error) error {
	err = multierr.Append(err, f.Close())
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		err = multierr.Append(err, rmErr)
	}
	return err
}
