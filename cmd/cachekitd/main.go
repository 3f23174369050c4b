// Command cachekitd runs the cachekit server: it loads any existing
// snapshot, starts accepting connections, and saves on SIGTERM/SIGINT.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/cachekitdb/cachekit/internal/persistence"
	"github.com/cachekitdb/cachekit/internal/server"
	"github.com/cachekitdb/cachekit/internal/store"
)

const (
	defaultPort = 6380
	defaultRDB  = "dump.ckdb"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		port    = pflag.IntP("port", "p", defaultPort, "listen port")
		rdbFile = pflag.StringP("dbfile", "d", defaultRDB, "snapshot file path")
		maxMem  = pflag.Int64P("maxmemory", "m", 0, "memory budget in bytes (0 = unlimited)")
		verbose = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.CommandLine.Init(os.Args[0], pflag.ContinueOnError)
	if err := pflag.CommandLine.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "invalid port")
		return 1
	}

	log, err := newLogger(*verbose)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to initialize logger:", err)
		return 1
	}
	defer log.Sync()

	st := store.New(*maxMem, log)
	srv := server.New(st, *rdbFile, log)

	if err := srv.LoadSnapshot(); err != nil {
		log.Warn("snapshot load failed, starting empty", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down, saving snapshot")
		if err := persistence.Save(st, *rdbFile, log); err != nil {
			log.Error("failed to save snapshot on shutdown", zap.Error(err))
		}
		srv.Close()
	}()

	addr := net.JoinHostPort("", strconv.Itoa(*port))
	if err := srv.ListenAndServe(addr); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return 1
	}
	return 0
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
