package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shx-dow/lantern/cmd/lantern/client"
	"github.com/shx-dow/lantern/cmd/lantern/protocol"
)

func startTestServer(t *testing.T) (*Server, int) {
	t.Helper()
	srv := New(0, t.TempDir())
	if err := srv.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv, srv.Addr().(*net.TCPAddr).Port
}

// rawRequest speaks the wire protocol directly, bypassing the client's own
// input validation.
func rawRequest(t *testing.T, port int, typ protocol.Type, payload []byte) *protocol.Message {
	t.Helper()
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := protocol.WriteMessage(conn, typ, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func TestListFiles(t *testing.T) {
	srv, port := startTestServer(t)
	if err := os.WriteFile(filepath.Join(srv.SharedDir, "b.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srv.SharedDir, "a.txt"), []byte("xy"), 0o644); err != nil {
		t.Fatal(err)
	}

	files, err := client.List("127.0.0.1", port)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files, want 2", len(files))
	}
	if files[0].Name != "a.txt" || files[0].Size != 2 {
		t.Errorf("files[0] = %+v", files[0])
	}
	if files[1].Name != "b.txt" || files[1].Size != 5 {
		t.Errorf("files[1] = %+v", files[1])
	}
}

func TestDownloadRoundtrip(t *testing.T) {
	srv, port := startTestServer(t)
	want := make([]byte, 300*1024)
	if _, err := rand.Read(want); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(srv.SharedDir, "data.bin"), want, 0o644); err != nil {
		t.Fatal(err)
	}

	destDir := t.TempDir()
	dest, received, err := client.Download(context.Background(), "127.0.0.1", port, "data.bin", destDir, nil)
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if received != uint64(len(want)) {
		t.Errorf("received = %d, want %d", received, len(want))
	}
	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Error("downloaded file differs from source")
	}
}

func TestDownloadMissingFile(t *testing.T) {
	_, port := startTestServer(t)

	_, _, err := client.Download(context.Background(), "127.0.0.1", port, "nope.bin", t.TempDir(), nil)
	var remote *client.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("err = %v, want RemoteError", err)
	}
	if remote.Category != errFileNotFound {
		t.Errorf("category = %q, want %q", remote.Category, errFileNotFound)
	}
}

func TestServerRejectsUnsafeDownloadName(t *testing.T) {
	_, port := startTestServer(t)

	var req bytes.Buffer
	protocol.PutString(&req, "../../etc/passwd")
	msg := rawRequest(t, port, protocol.TypeDownloadRequest, req.Bytes())

	if msg.Type != protocol.TypeError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	category, _, err := protocol.NextString(msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if category != errInvalidFilename {
		t.Errorf("category = %q, want %q", category, errInvalidFilename)
	}
}

func TestServerRejectsOversizedAnnounce(t *testing.T) {
	_, port := startTestServer(t)

	var req bytes.Buffer
	protocol.PutString(&req, "huge.bin")
	protocol.PutUint64(&req, 3<<30)
	msg := rawRequest(t, port, protocol.TypeUploadAnnounce, req.Bytes())

	if msg.Type != protocol.TypeError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	category, _, _ := protocol.NextString(msg.Payload)
	if category != errFileTooLarge {
		t.Errorf("category = %q, want %q", category, errFileTooLarge)
	}
}

func TestUploadWithConsentAccepted(t *testing.T) {
	srv, port := startTestServer(t)

	want := make([]byte, 100*1024)
	if _, err := rand.Read(want); err != nil {
		t.Fatal(err)
	}
	src := filepath.Join(t.TempDir(), "photo.jpg")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatal(err)
	}

	go func() {
		req := <-srv.Pending()
		if req.Filename != "photo.jpg" {
			t.Errorf("consent filename = %q", req.Filename)
		}
		if req.Size != uint64(len(want)) {
			t.Errorf("consent size = %d, want %d", req.Size, len(want))
		}
		if !req.Deadline.After(time.Now()) {
			t.Error("consent deadline already passed")
		}
		req.Accept()
	}()

	sent, err := client.Upload(context.Background(), "127.0.0.1", port, src, nil)
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if sent != uint64(len(want)) {
		t.Errorf("sent = %d, want %d", sent, len(want))
	}

	got, err := os.ReadFile(filepath.Join(srv.SharedDir, "photo.jpg"))
	if err != nil {
		t.Fatalf("uploaded file missing: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("uploaded file differs from source")
	}
}

func TestUploadRejected(t *testing.T) {
	srv, port := startTestServer(t)
	src := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	go func() {
		req := <-srv.Pending()
		req.Reject()
	}()

	_, err := client.Upload(context.Background(), "127.0.0.1", port, src, nil)
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if _, statErr := os.Stat(filepath.Join(srv.SharedDir, "secret.txt")); !os.IsNotExist(statErr) {
		t.Error("rejected upload left a file behind")
	}
}

func TestConsentTimeoutRejects(t *testing.T) {
	dir := t.TempDir()
	srv := New(0, dir)
	srv.ConsentWindow = 150 * time.Millisecond
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	port := srv.Addr().(*net.TCPAddr).Port

	src := filepath.Join(t.TempDir(), "slow.txt")
	if err := os.WriteFile(src, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Nobody reads Pending, so the deadline decides.
	start := time.Now()
	_, err := client.Upload(context.Background(), "127.0.0.1", port, src, nil)
	if !errors.Is(err, client.ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("rejected after %v, expected the consent window to elapse", elapsed)
	}
	if _, statErr := os.Stat(filepath.Join(dir, "slow.txt")); !os.IsNotExist(statErr) {
		t.Error("timed-out upload left a file behind")
	}
}

func TestAdmissionControl(t *testing.T) {
	dir := t.TempDir()
	srv := New(0, dir)
	srv.MaxConns = 2
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	port := srv.Addr().(*net.TCPAddr).Port
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// Occupy both slots with idle connections.
	c1, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c1.Close()
	c2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	time.Sleep(100 * time.Millisecond)

	// The next connection is accepted by the OS but refused by the server:
	// it closes without servicing any request.
	c3, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c3.Close()
	c3.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := c3.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("refused connection read err = %v, want EOF", err)
	}

	// Releasing a slot makes the server admit new connections again.
	c1.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := client.List("127.0.0.1", port); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not recover after a slot was released")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestBadConnectionDoesNotAffectOthers(t *testing.T) {
	_, port := startTestServer(t)
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	// A frame with a forged huge length prefix kills that connection only.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x01})
	conn.Close()

	if _, err := client.List("127.0.0.1", port); err != nil {
		t.Fatalf("healthy connection failed after a bad one: %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, port := startTestServer(t)

	msg := rawRequest(t, port, protocol.Type(0x55), nil)
	if msg.Type != protocol.TypeError {
		t.Fatalf("got %s, want ERROR", msg.Type)
	}
	category, _, _ := protocol.NextString(msg.Payload)
	if category != errUnknownCommand {
		t.Errorf("category = %q, want %q", category, errUnknownCommand)
	}
}
