package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"marblerace/client"
	"marblerace/netcode"
	"marblerace/server"
)

// MarbleRace 入口：默认启动 HTTP + WebSocket 服务；指定 -connect 时作为无界面客户端运行
func main() {
	var (
		addr          string
		logPath       string
		updateRate    int
		rewindWindow  int
		fullSyncEvery int
		maxUpdates    int
		connectURL    string
		name          string
	)
	flag.StringVar(&addr, "addr", ":8080", "server listen address, e.g. :8080")
	flag.StringVar(&logPath, "log", "marblerace.log", "log file path; empty logs to stderr")
	flag.IntVar(&updateRate, "rate", 30, "simulation ticks per second")
	flag.IntVar(&rewindWindow, "rewind-window", 60, "how many ticks an authoritative update may rewind")
	flag.IntVar(&fullSyncEvery, "full-sync-every", 90, "broadcast a full snapshot every N ticks, 0 disables")
	flag.IntVar(&maxUpdates, "max-updates-per-sec", 120, "per-session inbound entity update limit")
	flag.StringVar(&connectURL, "connect", "", "run a headless client against ws://host:port/ws?game=... instead of serving")
	flag.StringVar(&name, "name", "bot", "player name used with -connect")
	flag.Parse()

	if err := server.InitLogger(logPath); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if connectURL != "" {
		runClient(ctx, connectURL, name, rewindWindow)
		return
	}

	settings := server.DefaultSettings()
	settings.UpdateRate = updateRate
	settings.Config.RewindWindow = rewindWindow
	settings.Config.FullSyncEvery = fullSyncEvery
	settings.Config.MaxUpdatesPerSec = maxUpdates

	reg := server.NewRegistry(settings, server.Log)
	// 先预创建一个默认对局，便于快速试跑
	_ = reg.GetOrCreateGame("game-1")

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS(reg))
	// 管理与监控接口
	mux.HandleFunc("/admin/config", server.HandleAdminConfig(reg))
	mux.HandleFunc("/admin/state", server.HandleState(reg))
	mux.HandleFunc("/metrics", server.HandleMetrics(reg))
	mux.HandleFunc("/games", server.HandleGames(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		server.Log.Infof("MarbleRace listening on %s; connect to ws://localhost%v/ws?game=game-1", addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）：先停 HTTP，再停各对局的 Tick
	<-ctx.Done()
	server.Log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	reg.CloseAll()
}

// runClient 无界面客户端：一直向右滚动，定期跳跃
func runClient(ctx context.Context, url, name string, rewindWindow int) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	driver := client.DriverFunc(func(tick netcode.Tick) (int8, bool) {
		return 1, tick%45 == 0
	})
	s, err := client.Connect(dialCtx, url, name,
		client.WithLogger(server.Log),
		client.WithRewindWindow(rewindWindow),
		client.WithDriver(driver))
	if err != nil {
		server.Log.Errorf("connect: %v", err)
		return
	}
	defer s.Close()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		server.Log.Warnf("client stopped: %v", err)
	}
}
