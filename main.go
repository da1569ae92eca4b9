package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // Intentionally exposed on debug port.
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/punchportal/internal/config"
	"github.com/die-net/punchportal/internal/dialer"
	"github.com/die-net/punchportal/internal/discovery"
	"github.com/die-net/punchportal/internal/forward"
	"github.com/die-net/punchportal/internal/log"
	"github.com/die-net/punchportal/internal/portal"
	"github.com/die-net/punchportal/internal/ssh"
)

var (
	// Reduce GC overhead while copying by setting a minimum GC heap size;
	// GOGC+GOMEMLIMIT can't express this. This only allocates virtual
	// memory, not RSS.
	ballast = make([]byte, 0, 25_000_000)
	_       = ballast
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	logLevel  string
	logFormat string

	debugListen        string
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	linger             time.Duration
	backlog            int
	maxPending         int
	tcpKeepAlive       string
	sshKey             string
	sshKnownHosts      string
	mdnsTimeout        time.Duration
	dnsServer          string
}

func (o *options) registerLogFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.logLevel, "log-level", log.LogLevelInfo, "Log level: debug|info|error")
	fs.StringVar(&o.logFormat, "log-format", log.LogFormatPlain, "Log format: plain|json")
}

func (o *options) registerStartFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.debugListen, "debug-listen", "", "Debug HTTP listen address exposing /debug/pprof and /metrics (e.g. 127.0.0.1:6060). Empty disables.")
	fs.DurationVar(&o.dialTimeout, "dial-timeout", 10*time.Second, "Timeout for outbound DNS lookup and TCP connect")
	fs.DurationVar(&o.negotiationTimeout, "negotiation-timeout", portal.DefaultNegotiationTimeout, "Timeout for proxy and peer handshakes")
	fs.DurationVar(&o.linger, "peer-linger", 2*time.Second, "How long a finished peer link keeps its session open to deliver buffered data")
	fs.IntVar(&o.backlog, "backlog", forward.DefaultBacklog, "Inbound links per rule that may wait for a destination link")
	fs.IntVar(&o.maxPending, "max-pending-sessions", portal.DefaultMaxPendingSessions, "Inbound peer sessions negotiated at once per peer_listen endpoint")
	fs.StringVar(&o.tcpKeepAlive, "tcp-keepalive", "45:45:3", "TCP keepalive: on|off|keepidle:keepintvl:keepcnt")
	fs.StringVar(&o.sshKey, "ssh-key", defaultSSHKey(), "SSH key source for ssh:// proxies: 'agent' for SSH agent, path to private key file, or empty to disable")
	fs.StringVar(&o.sshKnownHosts, "ssh-known-hosts", defaultSSHKnownHostsPath(), "Path to known_hosts file for SSH host key verification, or empty to disable")
	fs.DurationVar(&o.mdnsTimeout, "mdns-timeout", 2*time.Second, "How long an mDNS query waits for answers")
	fs.StringVar(&o.dnsServer, "dns-server", "", "Nameserver (host:port) for dns: discovery. Empty uses the system resolver configuration.")
}

func (o *options) logger() (log.Logger, error) {
	return log.NewDefaultLogger(o.logFormat, o.logLevel)
}

func newRootCommand() *cobra.Command {
	o := &options{}

	root := &cobra.Command{
		Use:           "punchportal",
		Short:         "Forward TCP connections between local ports and authenticated peers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	o.registerLogFlags(root.PersistentFlags())

	start := &cobra.Command{
		Use:   "start <config>",
		Short: "Run every forwarding rule in a configuration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.start(cmd.Context(), args[0])
		},
	}
	start.Flags().SortFlags = false
	o.registerStartFlags(start.Flags())

	generate := &cobra.Command{
		Use:   "generate <server-config> <client-config>",
		Short: "Write a matching pair of configuration files with fresh identities",
		Long: `Write a matching pair of configuration files with fresh identities.

The client finds the server over mDNS or at ` + config.GenerateClientTarget + `.
If the server runs on another network, add its address to the client's
target addrs.`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return o.generate(args[0], args[1])
		},
	}

	root.AddCommand(start, generate)
	return root
}

func (o *options) generate(serverPath, clientPath string) error {
	logger, err := o.logger()
	if err != nil {
		return err
	}
	if err := config.GenerateFiles(serverPath, clientPath); err != nil {
		return err
	}
	logger.Info("wrote configuration pair", "server", serverPath, "client", clientPath)
	return nil
}

func (o *options) start(ctx context.Context, path string) error {
	logger, err := o.logger()
	if err != nil {
		return err
	}

	ka, err := parseTCPKeepAlive(o.tcpKeepAlive)
	if err != nil {
		return fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if o.debugListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/", http.DefaultServeMux)
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		debugSrv := &http.Server{Handler: mux} //nolint:gosec // Not concerned about timeouts on debug port.
		lc := net.ListenConfig{KeepAliveConfig: ka}
		debugLn, err := lc.Listen(ctx, "tcp", o.debugListen)
		if err != nil {
			return fmt.Errorf("debug listen: %w", err)
		}
		context.AfterFunc(ctx, func() {
			_ = debugSrv.Close()
			_ = debugLn.Close()
		})

		g.Go(func() error {
			if err := debugSrv.Serve(debugLn); err != nil {
				return fmt.Errorf("debug serve: %w", err)
			}
			return nil
		})
		logger.Info("debug listening", "addr", debugLn.Addr())
	}

	sup := &forward.Supervisor{
		Portal: portal.Options{
			Dialer: dialer.Config{
				DialTimeout:        o.dialTimeout,
				NegotiationTimeout: o.negotiationTimeout,
				KeepAlive:          ka,
				SSHKey:             o.sshKey,
				SSHKnownHosts:      o.sshKnownHosts,
			},
			NegotiationTimeout: o.negotiationTimeout,
			MaxPendingSessions: o.maxPending,
			Linger:             o.linger,
			Discovery: discovery.Options{
				MDNSTimeout: o.mdnsTimeout,
				DNSServer:   o.dnsServer,
			},
		},
		Backlog: o.backlog,
		Metrics: forward.PrometheusMetrics(reg),
		Logger:  logger,
	}

	g.Go(func() error {
		err := sup.Run(ctx, cfg)
		if err == nil {
			// Stop the debug server too.
			return context.Canceled
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, context.Canceled) {
		err = nil
	}

	logger.Info("shutting down")
	return err
}

func parseTCPKeepAlive(s string) (net.KeepAliveConfig, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "":
		return net.KeepAliveConfig{}, errors.New("empty")
	case "on":
		return net.KeepAliveConfig{Enable: true}, nil
	case "off":
		return net.KeepAliveConfig{Enable: false}, nil
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return net.KeepAliveConfig{}, errors.New("expected on|off|keepidle:keepintvl:keepcnt")
	}
	keepIdle, err := parsePositive(parts[0])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepidle: %w", err)
	}
	keepIntvl, err := parsePositive(parts[1])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepintvl: %w", err)
	}
	keepCnt, err := parsePositive(parts[2])
	if err != nil {
		return net.KeepAliveConfig{}, fmt.Errorf("keepcnt: %w", err)
	}

	return net.KeepAliveConfig{
		Enable:   true,
		Idle:     time.Duration(keepIdle) * time.Second,
		Interval: time.Duration(keepIntvl) * time.Second,
		Count:    keepCnt,
	}, nil
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("must be > 0")
	}
	return n, nil
}

func defaultSSHKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

func defaultSSHKey() string {
	if os.Getenv("SSH_AUTH_SOCK") != "" {
		return ssh.KeyAgent
	}
	return ""
}
