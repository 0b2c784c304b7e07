// Command demo runs the reference backend and a bridge session in one
// process and walks through the session's lifetime:
//
//  1. sync call, answered directly
//  2. async call, resolved by the push hint
//  3. script task, executed locally and answered over the push channel
//  4. dropped push channel, reconnected with backoff
//  5. backend close, acknowledged before the session ends
//
// Usage:
//
//	go run ./cmd/demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/backend"
	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/internal/server"
	"github.com/ChuLiYu/webui-bridge/internal/session"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backend
	srv := server.New(server.DefaultConfig(), server.WithLogger(logger))
	srv.RegisterBuiltins()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Backend failed: %v", err)
		}
	}()
	go srv.Run(ctx)
	baseURL := "http://" + ln.Addr().String()
	fmt.Printf("✓ Backend listening on %s\n", baseURL)

	// Session
	id := identity.New()
	socketURL, err := backend.SocketURL(baseURL, id)
	if err != nil {
		log.Fatalf("Failed to build socket url: %v", err)
	}
	cfg := session.DefaultConfig()
	cfg.ClientID = id
	cfg.SocketURL = socketURL

	sess, err := session.New(backend.NewHTTPClient(baseURL, id), cfg,
		session.WithLogger(logger),
		session.WithSurface(session.SurfaceFunc(func(reason string) {
			fmt.Printf("🪟 Surface terminated (%s)\n", reason)
		})),
	)
	if err != nil {
		log.Fatalf("Failed to create session: %v", err)
	}
	if err := sess.Start(ctx); err != nil {
		log.Fatalf("Failed to start session: %v", err)
	}
	fmt.Printf("✓ Session %s started\n", id)

	waitFor("push channel open", func() bool { return srv.Connected(id) })

	// 1. sync call
	start := time.Now()
	result, err := sess.Invoke(ctx, "ping", nil)
	if err != nil {
		log.Fatalf("ping failed: %v", err)
	}
	fmt.Printf("\n📨 ping → %s (%s)\n", result, time.Since(start).Round(time.Millisecond))

	// 2. async call
	start = time.Now()
	result, err = sess.Invoke(ctx, "sleep", []byte(`[800]`))
	if err != nil {
		log.Fatalf("sleep failed: %v", err)
	}
	fmt.Printf("⏳ sleep [800] → %s (%s, resolved by push)\n", result, time.Since(start).Round(time.Millisecond))

	_, err = sess.Invoke(ctx, "fail", []byte(`["backend says no"]`))
	fmt.Printf("❌ fail → %v\n", err)

	// 3. script task
	scriptCtx, scriptCancel := context.WithTimeout(ctx, 3*time.Second)
	resp, err := srv.DispatchScript(scriptCtx, id, "[1, 2, 3].map(x => x * 2)", server.ScriptOptions{ExpectResult: true})
	scriptCancel()
	if err != nil {
		log.Fatalf("Script task failed: %v", err)
	}
	fmt.Printf("📜 script [1,2,3].map(x => x*2) → %s (js_error=%t)\n", resp.Value, resp.JSError)

	// 4. reconnect
	srv.DropConnection(id)
	fmt.Println("\n🔌 Backend dropped the push channel")
	waitFor("push channel gone", func() bool { return !srv.Connected(id) })
	waitFor("push channel reopened", func() bool { return srv.Connected(id) })

	snap, err := sess.Snapshot(ctx)
	if err == nil {
		fmt.Printf("📊 Channel=%s Pending=%d Heartbeat=%t\n", snap.ChannelState, snap.PendingJobs, snap.HeartbeatRunning)
	}

	// 5. backend close
	closeCtx, closeCancel := context.WithTimeout(ctx, 3*time.Second)
	ack, err := srv.CloseClient(closeCtx, id)
	closeCancel()
	if err != nil {
		log.Fatalf("Close handshake failed: %v", err)
	}
	fmt.Printf("\n👋 Backend close acknowledged (id=%d)\n", ack.ID)

	select {
	case <-sess.Done():
		fmt.Printf("✓ Session ended: %s\n", sess.Reason())
	case <-time.After(3 * time.Second):
		log.Fatalf("Session did not end after backend close")
	}
	if info, ok := srv.Client(id); ok {
		fmt.Printf("📋 Backend saw %d lifecycle events, %d heartbeats\n", len(info.Events), info.Heartbeats)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Backend shutdown: %v", err)
	}
	fmt.Println("✓ Demo finished")
}

func waitFor(what string, cond func() bool) {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			log.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
	fmt.Printf("✓ %s\n", what)
}
