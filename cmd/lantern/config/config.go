// Package config holds the tunables shared by the lantern components.
package config

import (
	"os"
	"path/filepath"
	"time"
)

const (
	// TCPPort is the default port for file operations.
	TCPPort = 5000
	// UDPPort is the port discovery beacons are broadcast on.
	UDPPort = 5001

	// ChunkSize is the number of file bytes carried per FILE_CHUNK frame.
	ChunkSize = 64 * 1024

	// MaxControlSize caps a single control message. A forged length prefix
	// can never make the decoder allocate more than this.
	MaxControlSize = 64 * 1024

	// MaxFileSize caps a single transfer.
	MaxFileSize = 2 * 1024 * 1024 * 1024

	// BeaconInterval is the delay between discovery broadcasts.
	BeaconInterval = 5 * time.Second
	// PeerStaleAfter is how long a peer survives without a fresh beacon.
	PeerStaleAfter = 3 * BeaconInterval

	// MaxConnections bounds concurrent server-side handlers.
	MaxConnections = 50

	// ConsentWindow is how long the server waits for an upload decision.
	ConsentWindow = 60 * time.Second

	// DialTimeout applies to outgoing client connections.
	DialTimeout = 10 * time.Second
	// IOTimeout applies to individual control-message reads and writes.
	IOTimeout = 30 * time.Second
)

// SharedDir returns the directory files are shared from and downloaded
// into, creating it on first use.
func SharedDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, "lantern", "shared")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
