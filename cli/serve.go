package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/logger"

	"github.com/signdesk/localagent/config"
	"github.com/signdesk/localagent/host"
	"github.com/signdesk/localagent/store"
)

// shutdownGrace bounds how long in-flight requests may run after a signal.
const shutdownGrace = 10 * time.Second

// ServeCommand implements the 'serve' command.
func ServeCommand(args []string) {
	serveFlags := flag.NewFlagSet("serve", flag.ExitOnError)

	var sf storeFlags
	sf.register(serveFlags)
	bindHost := serveFlags.String("host", "", "Loopback address to bind")
	bindPort := serveFlags.Int("port", 0, "Port to bind")

	serveFlags.Usage = func() {
		fmt.Printf("Usage: %s serve [options]\n\n", os.Args[0])
		fmt.Println("Run the loopback signing service.")
		fmt.Println("")
		fmt.Println("Options:")
		serveFlags.PrintDefaults()
		fmt.Println("")
		fmt.Println("Examples:")
		fmt.Printf("  %s serve\n", os.Args[0])
		fmt.Printf("  %s serve -config ~/.localagent/config.yaml\n", os.Args[0])
		fmt.Printf("  %s serve -credential-dir ~/certs -port 53517\n", os.Args[0])
	}

	if err := serveFlags.Parse(args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		osExit(1)
	}

	cfg, err := sf.loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}
	if *bindHost != "" {
		cfg.Host = *bindHost
	}
	if *bindPort != 0 {
		cfg.Port = *bindPort
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
		return
	}

	defer logger.Init("localagent", cfg.Verbose, false, io.Discard).Close()

	if err := serve(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		osExit(1)
	}
}

// serve runs the host until an interrupt or termination signal arrives.
func serve(cfg *config.Config) error {
	dir, cleanup, err := buildDirectory(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	h := host.New(cfg, dir, Version)

	// The remembered default identity resolves requests that carry no
	// selector of their own.
	p := preferenceStore(cfg)
	h.RegisterCertResolver(func(ctx context.Context, ids []*store.Identity) (*store.Identity, error) {
		remembered, ok := p.Load()
		if !ok {
			return nil, nil
		}
		for _, id := range ids {
			if id.MatchesThumbprint(remembered) {
				return id, nil
			}
		}
		return nil, nil
	})

	if err := h.Start(); err != nil {
		return err
	}
	logger.Infof("listening on %s", h.Addr())
	fmt.Printf("localagent listening on http://%s\n", h.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Infof("received %s, shutting down", sig)

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return h.Stop(ctx)
}
