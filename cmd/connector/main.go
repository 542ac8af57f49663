// Command connector runs the ILP connector node: it dials and accepts BTP
// peer connections, forwards Prepare packets per the configured routing
// table, and optionally enforces settlement credit limits (spec.md §1).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"golang.org/x/sync/errgroup"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/ilp-connector/connector/internal/btp"
	"github.com/ilp-connector/connector/internal/config"
	"github.com/ilp-connector/connector/internal/events"
	"github.com/ilp-connector/connector/internal/handler"
	"github.com/ilp-connector/connector/internal/ledger"
	"github.com/ilp-connector/connector/internal/localdelivery"
	"github.com/ilp-connector/connector/internal/logctx"
	"github.com/ilp-connector/connector/internal/registry"
	"github.com/ilp-connector/connector/internal/routing"
)

var configFlag = cli.StringFlag{
	Name:  "config",
	Usage: "path to the connector's TOML configuration file",
	Value: "connector.toml",
}

func main() {
	app := cli.NewApp()
	app.Name = "connector"
	app.Usage = "an Interledger BTP connector"
	app.Flags = []cli.Flag{configFlag}
	app.Action = runAction
	app.Commands = []cli.Command{
		{
			Name:   "routes",
			Usage:  "print the configured routing table",
			Flags:  []cli.Flag{configFlag},
			Action: routesAction,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("connector: %v", err))
		os.Exit(1)
	}
}

func routesAction(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Prefix", "Next Hop", "Priority"})
	for _, r := range cfg.Routes {
		table.Append([]string{r.Prefix, r.NextHop, fmt.Sprintf("%d", r.Priority)})
	}
	table.Render()
	return nil
}

func runAction(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}
	logger := logctx.New("component", "main", "node", cfg.NodeID)

	routes := routing.New()
	reconcileRoutes(routes, cfg.Routes)

	peers := registry.New()

	sink := events.Sink(events.DiscardSink{})

	ledg, store, monitor, closeLedger, err := buildLedger(cfg, sink)
	if err != nil {
		return err
	}
	if closeLedger != nil {
		defer closeLedger()
	}

	var localDelivery localdelivery.Handler
	if cfg.LocalDeliveryURL != "" {
		localDelivery = localdelivery.NewHTTPClient(cfg.LocalDeliveryURL)
	}

	h := handler.New(handler.Config{
		NodeID:            cfg.NodeID,
		Routes:            routes,
		Peers:             peers,
		Ledger:            ledg,
		LocalDelivery:     localDelivery,
		SettlementEnabled: cfg.Settlement.Enabled,
		FeePercentage:     cfg.Settlement.FeePercentage,
		Sink:              sink,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	// Outbound connections: one reconnecting client per configured peer
	// with a URL. The hot packet-forwarding path itself is never part of
	// this supervisory group -- only the long-lived connection lifecycles
	// are (spec_full.md §5).
	for _, p := range cfg.Peers {
		if p.URL == "" {
			continue
		}
		p := p
		var client *btp.Client
		clientCfg := btp.DefaultClientConfig(p.ID, p.URL, p.Secret)
		clientCfg.OnIncomingPrepare = h.AsIncomingPrepareHandler()
		clientCfg.OnSessionUp = func(peerID string, ep *btp.Endpoint) { peers.AddOutbound(peerID, ep) }
		clientCfg.OnSessionDown = func(peerID string, _ error) {
			if ep := client.Endpoint(); ep != nil {
				peers.RemoveOutbound(peerID, ep)
			}
		}
		client = btp.NewClient(clientCfg)
		group.Go(func() error {
			client.Run(ctx)
			return nil
		})
	}

	// Inbound listener.
	if cfg.ListenAddr != "" {
		btpPath := cfg.BTPPath
		if btpPath == "" {
			btpPath = "/btp"
		}
		serverCfg := btp.DefaultServerConfig()
		serverCfg.OnIncomingPrepare = h.AsIncomingPrepareHandler()
		serverCfg.AuthVerifier = peerSecretVerifier(cfg.Peers)
		serverCfg.OnSessionUp = func(peerID string, ep *btp.Endpoint) { peers.AddInbound(peerID, ep) }
		server := btp.NewServer(serverCfg)

		mux := http.NewServeMux()
		mux.Handle(btpPath, server)
		httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

		group.Go(func() error {
			errCh := make(chan error, 1)
			go func() { errCh <- httpServer.ListenAndServe() }()
			select {
			case <-ctx.Done():
				return httpServer.Close()
			case err := <-errCh:
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			}
		})
	}

	// Settlement-threshold monitor.
	if monitor != nil {
		group.Go(func() error { return monitor.Run(ctx) })
	}

	// Config watcher: routes, credit limits, and settlement thresholds are
	// mutable at runtime without a restart (spec.md §5). Peer list,
	// listen address, and settlement enablement are not reloaded here --
	// changing those requires tearing down live connections/listeners, so
	// they still need a restart.
	watcher := config.NewWatcher(c.String(configFlag.Name), func(updated *config.Config) {
		reconcileRoutes(routes, updated.Routes)
		if store == nil {
			return
		}
		limits, err := updated.CreditLimits.Limits()
		if err != nil {
			logger.Warn("config reload: skipping invalid credit limits", "err", err)
			return
		}
		store.SetLimits(limits)
		thresholdLimits, pairs, err := config.Thresholds(updated.Thresholds)
		if err != nil {
			logger.Warn("config reload: skipping invalid thresholds", "err", err)
			return
		}
		if monitor != nil {
			monitor.SetThresholds(thresholdLimits, pairs)
		}
		logger.Info("config reloaded", "routes", len(updated.Routes))
	})
	group.Go(func() error { return watcher.Run(ctx) })

	logger.Info("connector started", "listenAddr", cfg.ListenAddr, "peers", len(cfg.Peers))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	group.Go(func() error {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	return group.Wait()
}

func peerSecretVerifier(peers []config.PeerConfig) btp.AuthVerifier {
	secrets := make(map[string]string, len(peers))
	for _, p := range peers {
		secrets[p.ID] = p.Secret
	}
	return func(peerID string) (string, bool) {
		s, ok := secrets[peerID]
		return s, ok
	}
}

// reconcileRoutes replaces the live table's contents with desired, removing
// any route no longer present in the configuration (spec.md §5).
func reconcileRoutes(routes *routing.Table, desired []config.RouteConfig) {
	keep := make(map[string]bool, len(desired))
	for _, r := range desired {
		routes.AddRoute(r.Prefix, r.NextHop, r.Priority)
		keep[r.Prefix] = true
	}
	for _, existing := range routes.GetAllRoutes() {
		if !keep[existing.Prefix] {
			routes.RemoveRoute(existing.Prefix)
		}
	}
}

// buildLedger wires the settlement store and its threshold monitor, if
// enabled. It returns the store's concrete type too (nil when settlement is
// disabled) so the caller can hot-reload its limits via SetLimits.
func buildLedger(cfg *config.Config, sink events.Sink) (ledger.Ledger, *ledger.LevelDBLedger, *ledger.Monitor, func(), error) {
	if !cfg.Settlement.Enabled {
		return ledger.NoopLedger{}, nil, nil, nil, nil
	}
	limits, err := cfg.CreditLimits.Limits()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	shardCount := cfg.Settlement.ShardCount
	if shardCount <= 0 {
		shardCount = 1
	}
	store, err := ledger.OpenLevelDBLedger(cfg.Settlement.LedgerDir, shardCount, limits)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("opening ledger: %w", err)
	}
	thresholdLimits, pairs, err := config.Thresholds(cfg.Thresholds)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, err
	}
	monitor := ledger.NewMonitor(store, thresholdLimits, sink, 0, pairs)
	return store, store, monitor, func() { store.Close() }, nil
}
