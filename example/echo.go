// Command echo demonstrates a reliable Manager accepting connections and
// echoing back whatever packets a client writes. It runs the server
// loop and a client loop concurrently, each driving its own Manager from
// its own goroutine via golang.org/x/sync/errgroup, matching the
// concurrency model in SPEC_FULL.md §5.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	socket "github.com/okubo-dev/wiresock"
)

func runServer(ctx context.Context, mgr *socket.Manager, logger socket.Logger) error {
	buf := make([]byte, 1400)
	active := make([]*socket.Conn, 16)
	accepted := make([]*socket.Conn, 16)
	live := map[*socket.Conn]struct{}{}

	for ctx.Err() == nil {
		n, err := mgr.Poll(0.2, active)
		if err != nil {
			return err
		}

		na, _ := mgr.Accept(accepted)
		for i := 0; i < na; i++ {
			c := accepted[i]
			live[c] = struct{}{}
			host, port := c.Address()
			logger.Info("accepted connection", "host", host, "port", port)
		}

		for i := 0; i < n; i++ {
			c := active[i]
			for {
				l := c.Read(buf)
				if l < 0 {
					break
				}
				if l == 0 {
					continue // keepalive
				}
				c.Write(buf[:l]) // echo
			}
			if c.Closed() {
				delete(live, c)
				c.Dispose()
			}
		}
	}
	return nil
}

func runClient(ctx context.Context, mgr *socket.Manager, serverPort uint16, logger socket.Logger) error {
	conn, err := mgr.Connect("127.0.0.1", serverPort)
	if err != nil {
		return err
	}

	conn.Write([]byte("hello, world!\n"))

	active := make([]*socket.Conn, 4)
	buf := make([]byte, 1400)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		n, err := mgr.Poll(0.2, active)
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if active[i] != conn {
				continue
			}
			l := conn.Read(buf)
			if l > 0 {
				logger.Info("echoed back", "bytes", l, "payload", string(buf[:l]))
				return nil
			}
		}
	}
	return nil
}

func main() {
	logger := slog.Default()

	serverSettings := socket.DefaultSettings()
	serverSettings.Reliable = true
	serverSettings.Accepting = true
	serverSettings.Port = 12345

	serverMgr, err := socket.Open(serverSettings)
	if err != nil {
		logger.Error("failed to open server manager", "error", err)
		return
	}
	defer serverMgr.Dispose()

	clientSettings := socket.DefaultSettings()
	clientSettings.Reliable = true
	clientMgr, err := socket.Open(clientSettings)
	if err != nil {
		logger.Error("failed to open client manager", "error", err)
		return
	}
	defer clientMgr.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logger.Info("shutting down")
		cancel()
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return runServer(gctx, serverMgr, logger)
	})
	group.Go(func() error {
		return runClient(gctx, clientMgr, serverMgr.Port(), logger)
	})

	if err := group.Wait(); err != nil {
		logger.Error("echo exited with error", "error", err)
	}
}
