package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bitmesh"
	"github.com/opd-ai/bitmesh/crypto"
	"github.com/opd-ai/bitmesh/internal/status"
)

// passphraseEnv names the variable holding the file store passphrase.
const passphraseEnv = "BITMESH_PASSPHRASE"

// setupLogging applies the log level and format.
func setupLogging(level string, asJSON bool) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	logrus.SetLevel(lvl)
	if asJSON {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// openStore opens the configured key store. The returned close function is
// never nil.
func openStore(kind, dataDir string) (crypto.SecretStore, func() error, error) {
	noop := func() error { return nil }
	switch kind {
	case "memory":
		return crypto.NewMemoryStore(), noop, nil
	case "leveldb":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, noop, fmt.Errorf("create data dir: %w", err)
		}
		s, err := crypto.OpenLevelDBStore(filepath.Join(dataDir, "keys.ldb"))
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "file":
		passphrase := os.Getenv(passphraseEnv)
		if passphrase == "" {
			return nil, noop, fmt.Errorf("file store needs %s", passphraseEnv)
		}
		s, err := crypto.NewEncryptedFileStore(dataDir, []byte(passphrase))
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store %q", kind)
	}
}

// printUsage prints the usage information.
func printUsage() {
	fmt.Println("bitmesh node daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fs := newFlagSet(&CLIConfig{})
	fs.SetOutput(os.Stdout)
	fs.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s -listen :7946 -status 127.0.0.1:8080\n", os.Args[0])
	fmt.Printf("  %s -listen :7947 -peer 10.0.0.2:7946 -peer 10.0.0.3:7946\n", os.Args[0])
	fmt.Printf("  %s -config meshd.yaml -log-level debug\n", os.Args[0])
}

// run starts the node and blocks until ctx is cancelled.
func run(ctx context.Context, config *CLIConfig, fc *FileConfig) error {
	store, closeStore, err := openStore(config.store, config.dataDir)
	if err != nil {
		return err
	}
	defer closeStore()

	opts := meshOptions(config, fc)
	opts.Store = store
	node, err := bitmesh.New(opts)
	if err != nil {
		return err
	}
	defer node.Close()

	node.OnMessage(func(msg bitmesh.Message) {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"sender":   msg.Sender.String(),
			"nickname": msg.Nickname,
			"bytes":    len(msg.Content),
		}).Info("Public message")
	})
	node.OnPrivateMessage(func(msg bitmesh.Message) {
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"sender":   msg.Sender.String(),
			"bytes":    len(msg.Content),
		}).Info("Private message")
	})
	node.Start(ctx)

	if config.listen != "" {
		addr, err := node.Listen(config.listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		logrus.WithFields(logrus.Fields{
			"function": "run",
			"addr":     addr.String(),
			"peer_id":  node.ID().String(),
		}).Info("Accepting links")
	}

	for _, p := range config.peers {
		if _, err := node.Dial(ctx, p); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "run",
				"peer":     p,
				"error":    err.Error(),
			}).Warn("Dial failed")
		}
	}

	var api *status.Server
	if config.status != "" {
		l, err := net.Listen("tcp", config.status)
		if err != nil {
			return fmt.Errorf("status listen: %w", err)
		}
		api = status.NewServer(node, node.Metrics().Registry)
		go func() {
			if err := api.Serve(l); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "run",
					"error":    err.Error(),
				}).Error("Status API stopped")
			}
		}()
	}

	<-ctx.Done()
	logrus.WithField("function", "run").Info("Shutting down")

	if api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
	}
	return nil
}

func main() {
	cliConfig, set, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cliConfig.help {
		printUsage()
		os.Exit(0)
	}

	var fileConfig *FileConfig
	if cliConfig.configFile != "" {
		fileConfig, err = loadFileConfig(cliConfig.configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
			os.Exit(1)
		}
		applyFileConfig(cliConfig, set, fileConfig)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}
	if err := setupLogging(cliConfig.logLevel, cliConfig.logJSON); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cliConfig, fileConfig); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "main",
			"error":    err.Error(),
		}).Error("Node failed")
		stop()
		os.Exit(1)
	}
}
