package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/Zereker/msgsock"
)

// echo answers every message with a copy tagged by how many messages the
// peer has sent so far.
type echo struct {
	server *msgsock.Server

	sync.Mutex
	counts map[msgsock.PeerID]int
}

func newEcho(server *msgsock.Server) *echo {
	return &echo{server: server, counts: make(map[msgsock.PeerID]int)}
}

func (e *echo) HandleEntry(ctx context.Context, entry msgsock.Entry) {
	if entry.Closed() {
		e.Lock()
		n := e.counts[entry.Peer]
		delete(e.counts, entry.Peer)
		e.Unlock()

		slog.Info("peer left", "peer", entry.Peer, "messages", n)
		return
	}

	e.Lock()
	e.counts[entry.Peer]++
	n := e.counts[entry.Peer]
	e.Unlock()

	reply := msgsock.Message{"seq": n}
	for k, v := range entry.Message {
		reply[k] = v
	}

	if _, err := e.server.Send(entry.Peer, reply); err != nil {
		slog.Error("echo failed", "peer", entry.Peer, "error", err)
	}
}

func main() {
	server, err := msgsock.Listen("127.0.0.1:12345",
		msgsock.ServerConnOptions(
			msgsock.OnErrorOption(func(err error) msgsock.ErrorAction {
				slog.Warn("dropping undecodable frame", "error", err)
				return msgsock.Continue
			}),
		),
	)
	if err != nil {
		slog.Error("failed to create server", "error", err)
		return
	}

	// Handle graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		_ = server.Dispatch(ctx, newEcho(server))
	}()

	slog.Info("server start", "addr", server.Addr().String())
	if err := server.Serve(ctx); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
