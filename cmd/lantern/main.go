package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/shx-dow/lantern/cmd/lantern/client"
	"github.com/shx-dow/lantern/cmd/lantern/config"
	"github.com/shx-dow/lantern/cmd/lantern/discovery"
	"github.com/shx-dow/lantern/cmd/lantern/server"
)

func init() {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(logger)
}

func main() {
	logger := zap.L()
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	command := os.Args[1]

	var err error
	switch command {
	case "serve":
		err = handleServe(os.Args)
	case "peers":
		err = handlePeers(os.Args)
	case "list":
		err = handleList(os.Args)
	case "download":
		err = handleDownload(os.Args)
	case "upload":
		err = handleUpload(os.Args)
	default:
		usage()
		logger.Error("Unknown command", zap.String("command", command))
		os.Exit(1)
	}
	if err != nil {
		logger.Error("Command failed", zap.String("command", command), zap.Error(err))
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`Usage:
  lantern serve [port] [--auto-accept]        Share files and stay discoverable
  lantern peers                               Show peers discovered on the LAN
  lantern list <host[:port]>                  List a peer's shared files
  lantern download <host[:port]> <filename>   Download a file from a peer
  lantern upload <host[:port]> <filepath>     Upload a local file to a peer`)
}

func handleServe(args []string) error {
	port := config.TCPPort
	autoAccept := false
	for _, a := range args[2:] {
		if a == "--auto-accept" {
			autoAccept = true
			continue
		}
		p, err := strconv.Atoi(a)
		if err != nil || p < 1 || p > 65535 {
			return fmt.Errorf("invalid port: %s", a)
		}
		port = p
	}

	dir, err := config.SharedDir()
	if err != nil {
		return fmt.Errorf("failed to prepare shared directory: %w", err)
	}

	registry := discovery.NewRegistry(config.PeerStaleAfter)
	disc := discovery.New(registry, port)
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	srv := server.New(port, dir)
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()

	// The dashboard would sit here; headless mode resolves consent from
	// the --auto-accept flag instead.
	go func() {
		for req := range srv.Pending() {
			zap.L().Info("incoming upload",
				zap.String("file", req.Filename),
				zap.String("size", client.FormatSize(req.Size)),
				zap.String("from", req.SenderAddr),
				zap.Bool("auto_accept", autoAccept))
			if autoAccept {
				req.Accept()
			} else {
				req.Reject()
			}
		}
	}()

	fmt.Printf("Sharing %s on port %d (peer %s)\n", dir, port, disc.PeerID())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	fmt.Println("Shutting down...")
	return nil
}

func handlePeers(args []string) error {
	registry := discovery.NewRegistry(config.PeerStaleAfter)
	disc := discovery.New(registry, config.TCPPort)
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	fmt.Println("Scanning for peers...")
	waitForBeacons()

	peers := registry.Snapshot()
	if len(peers) == 0 {
		fmt.Println("No peers found.")
		return nil
	}
	fmt.Printf("%-20s %-16s %s\n", "NAME", "HOST", "PORT")
	for _, p := range peers {
		fmt.Printf("%-20s %-16s %d\n", p.DisplayName, p.Host, p.Port)
	}
	return nil
}

func handleList(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: list <host[:port]>")
	}
	host, port, err := client.ParseTarget(args[2], config.TCPPort)
	if err != nil {
		return err
	}

	files, err := client.List(host, port)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("(no files)")
		return nil
	}
	for _, f := range files {
		fmt.Printf("%-40s %12s\n", f.Name, client.FormatSize(f.Size))
	}
	return nil
}

func handleDownload(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: download <host[:port]> <filename>")
	}
	host, port, err := client.ParseTarget(args[2], config.TCPPort)
	if err != nil {
		return err
	}

	dir, err := config.SharedDir()
	if err != nil {
		return fmt.Errorf("failed to prepare shared directory: %w", err)
	}

	dest, received, err := client.Download(interruptContext(), host, port, args[3], dir, printProgress)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Downloaded %s (%s) -> %s\n", args[3], client.FormatSize(received), dest)
	return nil
}

func handleUpload(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: upload <host[:port]> <filepath>")
	}
	host, port, err := client.ParseTarget(args[2], config.TCPPort)
	if err != nil {
		return err
	}

	fmt.Println("Waiting for the peer to accept...")
	sent, err := client.Upload(interruptContext(), host, port, args[3], printProgress)
	fmt.Println()
	if err != nil {
		return err
	}
	fmt.Printf("Uploaded %s (%s)\n", args[3], client.FormatSize(sent))
	return nil
}

func printProgress(moved, total uint64) {
	if total == 0 {
		return
	}
	fmt.Printf("\r%3d%%  %s / %s", moved*100/total,
		client.FormatSize(moved), client.FormatSize(total))
}

// interruptContext cancels on Ctrl-C so an in-flight transfer stops at the
// next chunk boundary and cleans up after itself.
func interruptContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}

// waitForBeacons gives nearby peers a moment to announce themselves.
func waitForBeacons() {
	time.Sleep(3 * time.Second)
}
