// Command peerlink is a peer-to-peer messaging and file transfer client. It
// logs in to a signaling relay, negotiates direct WebRTC sessions with peers
// addressed by their relay-issued code and exchanges chat messages and files
// over the resulting data channel.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/eztrans/peerlink/internal/client"
	"github.com/eztrans/peerlink/internal/config"
	"github.com/eztrans/peerlink/internal/httpserver"
	"github.com/eztrans/peerlink/internal/metrics"
	"github.com/eztrans/peerlink/internal/negotiation"
	"github.com/eztrans/peerlink/internal/signaling"
	"github.com/eztrans/peerlink/internal/transfer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting peerlink",
		"signaling_url", cfg.SignalingURL,
		"status_addr", cfg.StatusAddr,
		"download_dir", cfg.DownloadDir,
		"mode", cfg.Mode,
		"reconnect_base_delay", cfg.ReconnectBaseDelay,
		"reconnect_max_delay", cfg.ReconnectMaxDelay,
		"reconnect_max_attempts", cfg.ReconnectMaxAttempts,
		"ice_servers", len(cfg.ICEServers),
	)

	m := metrics.New()

	c, err := client.New(client.Config{
		Runtime: cfg,
		Logger:  logger,
		Metrics: m,
		Events: client.Events{
			OnLinkState: func(state signaling.LinkState) {
				fmt.Printf("* signaling: %s\n", state)
			},
			OnSessionState: func(peer string, state negotiation.SessionState) {
				fmt.Printf("* session with %s: %s\n", peer, state)
			},
			OnConsentRequest: func(peer string) {
				fmt.Printf("* incoming connection request from %s (accept / reject)\n", peer)
			},
			OnOfferRejected: func(peer, reason string) {
				if reason == "" {
					reason = "no reason given"
				}
				fmt.Printf("* %s declined the connection: %s\n", peer, reason)
			},
			OnChatMessage: func(msg transfer.ChatMessage) {
				if msg.Direction == transfer.DirectionReceived {
					fmt.Printf("<%s> %s\n", msg.Peer, msg.Content)
				}
			},
			OnFileStart: func(id, name string, size int64) {
				fmt.Printf("* receiving %s (%d bytes)\n", name, size)
			},
			OnFileComplete: func(rec transfer.FileRecord) {
				if rec.Direction == transfer.DirectionReceived {
					fmt.Printf("* saved %s to %s\n", rec.Name, rec.Path)
				}
			},
			OnFileFailed: func(id string, err error) {
				fmt.Printf("* transfer failed: %v\n", err)
			},
		},
	})
	if err != nil {
		logger.Error("failed to build client", "err", err)
		os.Exit(2)
	}

	var statusSrv *httpserver.Server
	statusErrCh := make(chan error, 1)
	if cfg.StatusAddr != "" {
		ln, err := net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			logger.Error("failed to listen for status server", "addr", cfg.StatusAddr, "err", err)
			os.Exit(1)
		}
		commit, built := resolveBuildInfo(buildCommit, buildTime)
		statusSrv = httpserver.New(cfg.StatusAddr, logger,
			httpserver.BuildInfo{Commit: commit, BuildTime: built}, c.Status, m)
		go func() {
			statusErrCh <- statusSrv.Serve(ln)
		}()
	}

	c.Connect()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go commandLoop(ctx, stop, c)

	<-ctx.Done()
	logger.Info("shutting down")

	c.Close()

	if statusSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("status server shutdown failed", "err", err)
		}
		if err := <-statusErrCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server exited", "err", err)
		}
	}
}

// commandLoop reads interactive commands from stdin until EOF or quit.
func commandLoop(ctx context.Context, stop func(), c *client.Client) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch strings.ToLower(cmd) {
		case "dial":
			if err := c.Dial(strings.ToUpper(arg)); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "accept":
			if err := c.AcceptOffer(); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "reject":
			if err := c.RejectOffer(arg); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "send":
			if _, err := c.SendText(arg); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "sendfile":
			if _, err := c.SendFile(arg); err != nil {
				fmt.Printf("! %v\n", err)
			}
		case "status":
			st := c.Status()
			fmt.Printf("uid=%s link=%s session=%s", st.UID, st.LinkState, st.SessionState)
			if st.Peer != "" {
				fmt.Printf(" peer=%s", st.Peer)
			}
			if st.PendingPeer != "" {
				fmt.Printf(" pending=%s", st.PendingPeer)
			}
			fmt.Printf(" messages=%d transfers=%d\n", st.Messages, st.Transfers)
		case "hangup":
			c.HangUp()
		case "reconnect":
			c.Reconnect()
		case "quit", "exit":
			stop()
			return
		case "help":
			fmt.Println("commands: dial <code>, accept, reject [reason], send <text>, sendfile <path>, status, hangup, reconnect, quit")
		default:
			fmt.Printf("! unknown command %q (try help)\n", cmd)
		}
	}
	// EOF on stdin: keep running headless until a signal arrives.
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
