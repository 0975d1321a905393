package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	kdns "github.com/stevenpack/koala-dns"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	port       uint16
	server     string
	timeoutMs  int
	masterFile string
	logLevel   string
	adminAddr  string
)

// Grounded on the teacher's cmd/routedns/main.go: a cobra.Command root,
// flags bound to package-level vars, an onClose slice of shutdown hooks
// run after the main loop returns, and os.Exit(1) on any failure.
func main() {
	cmd := &cobra.Command{
		Use:          "koala-dns",
		Short:        "A recursive-capable DNS server",
		SilenceUsage: true,
		RunE:         run,
	}
	cmd.Flags().Uint16Var(&port, "port", 53, "listen port")
	cmd.Flags().StringVar(&server, "server", "8.8.8.8:53", "upstream resolver host:port")
	cmd.Flags().IntVar(&timeoutMs, "timeout", 1000, "upstream timeout in milliseconds")
	cmd.Flags().StringVar(&masterFile, "master_file", "master.txt", "path to authoritative records")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&adminAddr, "admin-addr", "", "optional host:port to serve expvar metrics on")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := kdns.ConfigureLogging(logLevel)
	if err != nil {
		return err
	}
	kdns.Log = logger

	if err := validateEndpoint(server); err != nil {
		return fmt.Errorf("invalid --server: %w", err)
	}

	authority, err := loadAuthority(masterFile)
	if err != nil {
		return fmt.Errorf("loading master file: %w", err)
	}

	loop, err := kdns.NewEventLoop(kdns.Config{
		Port:         port,
		UpstreamAddr: server,
		Timeout:      time.Duration(timeoutMs) * time.Millisecond,
		MaxConns:     4096,
		MasterFile:   authority,
	})
	if err != nil {
		return fmt.Errorf("starting event loop: %w", err)
	}

	var onClose []func()
	if adminAddr != "" {
		admin := kdns.NewAdminListener(adminAddr)
		go func() {
			if err := admin.Start(); err != nil {
				kdns.Log.Error(err)
			}
		}()
		onClose = append(onClose, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = admin.Stop(ctx)
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		kdns.Log.Info("received shutdown signal")
		loop.Stop()
	}()

	kdns.Log.WithFields(logrus.Fields{
		"port":     port,
		"server":   server,
		"timeout":  timeoutMs,
	}).Info("koala-dns starting")

	runErr := loop.Run()
	loop.Close()
	for _, fn := range onClose {
		fn()
	}
	return runErr
}

func loadAuthority(path string) (*kdns.AuthorityTable, error) {
	if _, err := os.Stat(path); err != nil {
		return kdns.NewAuthorityTable(nil), nil
	}
	return kdns.LoadMasterFile(path)
}

// validateEndpoint folds in the teacher's validate.go validHostname/
// validEndpoint checks, applied here to --server instead of a resolver
// config file entry.
func validateEndpoint(hostport string) error {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return err
	}
	if host == "" {
		return fmt.Errorf("missing host in %q", hostport)
	}
	p, err := strconv.Atoi(portStr)
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	return nil
}
