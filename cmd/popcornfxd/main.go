// Command popcornfxd runs the torrent engine as a standalone daemon: a
// session accepting and serving BitTorrent peers, an HTTP stream server
// exposing torrent files over range requests, a JSON status endpoint, and
// a media loader driving both from a single URL or catalog entry.
//
// Wiring a real MediaTorrentResolver, SubtitleProvider, or PlayerPublisher
// (the catalog lookup, subtitle provider, and external player integration)
// is left to the embedding application; this binary runs the loader with
// only the strategies that need no such collaborator (Torrent,
// TorrentDetails, File), consistent with the engine's non-goals.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andres-erbsen/clock"

	"github.com/yoep/popcorn-fx-torrent-engine/config"
	"github.com/yoep/popcorn-fx-torrent-engine/loader"
	"github.com/yoep/popcorn-fx-torrent-engine/log"
	"github.com/yoep/popcorn-fx-torrent-engine/metrics"
	"github.com/yoep/popcorn-fx-torrent-engine/session"
	"github.com/yoep/popcorn-fx-torrent-engine/stream"
)

func main() {
	configFile := flag.String("config", "", "path to the engine's YAML configuration file")
	statusAddr := flag.String("status-addr", ":7888", "address the JSON status endpoint listens on")
	cluster := flag.String("cluster", "", "deployment cluster name, tagged onto m3 metrics")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "popcornfxd:", err)
		os.Exit(1)
	}

	logger, err := log.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "popcornfxd:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	stats, closer, err := metrics.New(cfg.Metrics, *cluster)
	if err != nil {
		logger.Fatalw("init metrics", "error", err)
	}
	defer closer.Close()
	go metrics.EmitVersion(stats, logger)

	clk := clock.New()

	sess, err := session.New(cfg.Session, stats, clk, logger)
	if err != nil {
		logger.Fatalw("start session", "error", err)
	}
	defer sess.Close()

	streamServer, err := stream.New(cfg.Stream, stats, clk, logger)
	if err != nil {
		logger.Fatalw("start stream server", "error", err)
	}
	defer streamServer.Close()
	streamServer.SetEgressLimiter(sess.EgressLimiter())

	ml := loader.New(logger)
	ml.Add("file", loader.NewFileStrategy(), loader.StateConnecting)
	ml.Add("torrent", loader.NewTorrentStrategy(sess, streamServer), loader.StateConnecting)
	ml.Add("torrent-details", loader.NewTorrentDetailsStrategy(ml), loader.StateConnecting)
	defer ml.Close()

	statusSrv := &http.Server{Addr: *statusAddr, Handler: sess.StatusHandler()}
	go func() {
		logger.Infow("status endpoint listening", "addr", *statusAddr)
		if err := statusSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("status endpoint error", "error", err)
		}
	}()

	go func() {
		logger.Infow("stream server listening", "addr", streamServer.Addr())
		if err := streamServer.Serve(); err != nil {
			logger.Errorw("stream server error", "error", err)
		}
	}()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := statusSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("status endpoint shutdown", "error", err)
	}
	logger.Info("shutdown complete")
}
