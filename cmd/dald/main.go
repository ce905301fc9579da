// Command dald is the Dynamic Application Loader host daemon: it loads
// internal/config, brings up internal/globals, and serves internal/dispatch
// over internal/transport until asked to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/go-dal/internal/config"
	"github.com/joeycumines/go-dal/internal/dispatch"
	"github.com/joeycumines/go-dal/internal/globals"
	"github.com/joeycumines/go-dal/internal/logging"
	"github.com/joeycumines/go-dal/internal/transport"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("dald", flag.ContinueOnError)
	configPath := fs.String("config", "/etc/dald/dald.toml", "path to the TOML config file")
	showVersion := fs.Bool("version", false, "print the version and exit")
	checkConfig := fs.Bool("check-config", false, "load and validate the config file, then exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	if *checkConfig {
		fmt.Println("config ok")
		return 0
	}

	log := logging.New(os.Stderr, cfg.LogLevel)

	g := globals.New(globals.Config{
		RepoDir:          cfg.RepoDir,
		SpoolerBlobPath:  cfg.SpoolerPath,
		SpoolerIsACP:     cfg.SpoolerIsACP,
		PluginLibraryDir: cfg.PluginLibraryDir(),
	}, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := g.Init(ctx); err != nil {
		log.Emerg().Err(err).Log("initial bring-up failed")
		return 1
	}

	d := dispatch.New(g, log)

	l, err := transport.NewListener(cfg.TransportKindValue(), listenerAddr(cfg), 0)
	if err != nil {
		log.Emerg().Err(err).Log("listener construction failed")
		return 1
	}

	if cfg.TransportKindValue() == transport.KindTCP {
		if err := config.PersistBoundAddr(*configPath, l.Addr().String()); err != nil {
			log.Err().Err(err).Log("persisting bound TCP address failed")
		}
	}

	srv := transport.NewServer(l, d, cfg.MaxClients, log)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go watchHangup(ctx, hup, configPath, log)

	log.Notice().Log("dald serving")
	if err := srv.Serve(ctx); err != nil {
		log.Err().Err(err).Log("serve loop exited with error")
	}

	srv.Shutdown()
	g.Shutdown(context.Background())
	return 0
}

func listenerAddr(cfg *config.File) string {
	if cfg.TransportKindValue() == transport.KindTCP {
		return cfg.TCPAddr
	}
	return cfg.SocketPath
}

// watchHangup re-reads the config file on SIGHUP, without a full reset, and
// logs the log level it names. The running logger's level is not changed.
func watchHangup(ctx context.Context, hup chan os.Signal, configPath *string, log *logging.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if cfg, err := config.Load(*configPath); err == nil {
				log.Notice().Str("level", cfg.LogLevel).Log("reloading log level on SIGHUP")
			} else {
				log.Warning().Err(err).Log("SIGHUP config reload failed")
			}
		}
	}
}
