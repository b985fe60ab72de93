// Package main provides the CLI entry point for the pinhole rendezvous tools.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/pinhole/internal/broker"
	"github.com/postalsys/pinhole/internal/client"
	"github.com/postalsys/pinhole/internal/config"
	"github.com/postalsys/pinhole/internal/echo"
	"github.com/postalsys/pinhole/internal/logging"
	"github.com/postalsys/pinhole/internal/punch"
	"github.com/postalsys/pinhole/internal/server"
	"github.com/postalsys/pinhole/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pinhole",
		Short: "Pinhole - UDP NAT hole punching rendezvous",
		Long: `Pinhole coordinates UDP hole punching between a service behind NAT
and the programs that want to reach it. A publicly reachable broker
observes each side's external endpoint and orchestrates simultaneous
sends that open a direct path. No traffic is ever relayed.`,
		Version: Version,
	}

	rootCmd.AddCommand(brokerCmd())
	rootCmd.AddCommand(serverCmd())
	rootCmd.AddCommand(clientCmd())
	rootCmd.AddCommand(echoServerCmd())
	rootCmd.AddCommand(echoClientCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func brokerCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "broker [port]",
		Short: "Run the rendezvous broker",
		Long: `Start the publicly reachable broker. It tracks service endpoints from
keepalive datagrams and coordinates punches between agents. The port
carries both the control listener and, unless configured otherwise,
the punch datagram socket.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				port, err := parsePort(args[0])
				if err != nil {
					return err
				}
				cfg.Broker.ListenPort = port
			}
			applyLogLevel(cfg, logLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			b, err := broker.New(cfg, logger)
			if err != nil {
				return err
			}
			if err := b.Start(); err != nil {
				return fmt.Errorf("start broker: %w", err)
			}

			fmt.Printf("Broker listening on port %d (%s), punch datagrams on port %d\n",
				cfg.Broker.ListenPort, cfg.Transport.Type, cfg.Broker.DatagramPort())
			if cfg.Broker.Health.Enabled {
				fmt.Printf("Health endpoint: http://%s\n", b.HealthAddr())
			}

			sig := awaitSignal()
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return b.StopWithContext(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	return cmd
}

func serverCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "server [broker-addr] [broker-port] [service-port]",
		Short: "Run the server agent next to a UDP service",
		Long: `Start the agent that fronts a NAT-ed UDP service. It keeps the
broker's view of the service fresh with keepalive datagrams sent from
the service's own port, and punches holes toward clients on the
broker's instruction. The service itself must bind its port with
SO_REUSEPORT.`,
		Args: cobra.MaximumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			switch len(args) {
			case 0:
			case 3:
				brokerPort, err := parsePort(args[1])
				if err != nil {
					return err
				}
				servicePort, err := parsePort(args[2])
				if err != nil {
					return err
				}
				cfg.Server.BrokerAddress = args[0]
				cfg.Server.BrokerPort = brokerPort
				cfg.Server.ServicePort = servicePort
			default:
				return fmt.Errorf("expected <broker-addr> <broker-port> <service-port>, or no arguments with --config")
			}
			applyLogLevel(cfg, logLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			agent, err := server.New(cfg, logger)
			if err != nil {
				return err
			}

			fmt.Printf("Server agent: service port %d, broker %s:%d (%s)\n",
				cfg.Server.ServicePort, cfg.Server.BrokerAddress, cfg.Server.BrokerPort, cfg.Transport.Type)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = agent.Run(ctx)
			if ctx.Err() != nil {
				fmt.Fprintln(os.Stderr, "\nShutting down.")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	return cmd
}

func clientCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "client [broker-addr] [broker-port]",
		Short: "Punch a hole for a local program",
		Long: `Ask the broker for the service's external endpoint, print it, and wait
for a local program to start sending to it. The moment such a flow
appears, race a punch for its port and report when the path is
confirmed. The local program must bind with SO_REUSEPORT so the agent
can borrow its port.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			switch len(args) {
			case 0:
			case 2:
				brokerPort, err := parsePort(args[1])
				if err != nil {
					return err
				}
				cfg.Client.BrokerAddress = args[0]
				cfg.Client.BrokerPort = brokerPort
			default:
				return fmt.Errorf("expected <broker-addr> <broker-port>, or no arguments with --config")
			}
			applyLogLevel(cfg, logLevel)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			agent, err := client.New(cfg, logger)
			if err != nil {
				return err
			}

			styled := term.IsTerminal(int(os.Stdout.Fd()))
			agent.OnEndpoint = func(ep netip.AddrPort) {
				printEndpoint(ep, styled)
				fmt.Fprintln(os.Stderr, "Waiting for a local program to send to this endpoint.")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = agent.Run(ctx)
			switch {
			case err == nil:
				fmt.Fprintln(os.Stderr, "Punch confirmed. Traffic may now flow directly.")
				return nil
			case ctx.Err() != nil:
				fmt.Fprintln(os.Stderr, "\nInterrupted.")
				return err
			case errors.Is(err, client.ErrNoServers):
				return fmt.Errorf("the broker has not heard from any service lately; start the server agent first")
			case errors.Is(err, punch.ErrPortHeld):
				return fmt.Errorf("the local program holds its port exclusively; it has to set SO_REUSEPORT when binding: %w", err)
			default:
				return err
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	return cmd
}

func echoServerCmd() *cobra.Command {
	var reusePort bool

	cmd := &cobra.Command{
		Use:   "echo-server <port>",
		Short: "Run a throwaway UDP echo service",
		Long: `Run a minimal UDP service that answers every datagram, for validating
a punched path end to end. Pass --reuse-port when fronted by a server
agent, which needs to share the port for keepalives and punches.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[0])
			if err != nil {
				return err
			}

			srv := &echo.Server{
				Port:      port,
				ReuseBind: reusePort,
				Logger:    logging.NewLogger("info", "text"),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := srv.Run(ctx); ctx.Err() == nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "\nShutting down.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&reusePort, "reuse-port", false, "Bind with SO_REUSEPORT so punch senders can share the port")

	return cmd
}

func echoClientCmd() *cobra.Command {
	var (
		freshRetry bool
		reusePort  bool
	)

	cmd := &cobra.Command{
		Use:   "echo-client <address> <port>",
		Short: "Probe a UDP echo service",
		Long: `Send a request to an echo service and wait for the reply, retrying a
few times. With --fresh-retry every retry uses a new socket, which
shows how a punched path dies the moment the source port changes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := parsePort(args[1])
			if err != nil {
				return err
			}

			probe := &echo.Client{
				Address:     args[0],
				Port:        port,
				FreshSocket: freshRetry,
				ReuseBind:   reusePort,
				Logger:      logging.NewLogger("info", "text"),
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return probe.Run(ctx)
		},
	}

	cmd.Flags().BoolVar(&freshRetry, "fresh-retry", false, "Use a fresh socket for every retry")
	cmd.Flags().BoolVar(&reusePort, "reuse-port", false, "Bind with SO_REUSEPORT")

	return cmd
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup",
		Long: `Walk through an interactive setup and write a configuration file for
any of the three roles. The broker flow can also generate a
self-signed certificate and print its fingerprint for agents to pin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pinhole %s\n", Version)
		},
	}
}

// loadConfig reads the given config file, or starts from defaults so
// the positional-argument form works without any file at all.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func applyLogLevel(cfg *config.Config, level string) {
	if level != "" {
		cfg.Log.Level = level
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid port %q (must be 1-65535)", s)
	}
	return uint16(n), nil
}

// awaitSignal blocks until SIGINT or SIGTERM.
func awaitSignal() os.Signal {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	return <-sigCh
}

// printEndpoint shows the service endpoint the local program should
// send to: a styled banner on a terminal, bare addr:port on a pipe so
// scripts can capture it.
func printEndpoint(ep netip.AddrPort, styled bool) {
	if !styled {
		fmt.Println(ep.String())
		return
	}
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Border(lipgloss.RoundedBorder()).
		Padding(0, 2).
		Render("Service endpoint: " + ep.String())
	fmt.Println(banner)
}
