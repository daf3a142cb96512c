// Command rgnode is the node process entrypoint, grounded on the teacher's
// cmd/synnergy cobra root (Use: "synnergy" plus one subcommand per area),
// generalised into the three areas this node exposes on the command line:
// running the node itself, inspecting party state against a running
// instance's store, and dumping the loaded configuration.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rg-network/node/internal/conflict"
	"github.com/rg-network/node/internal/mempool"
	"github.com/rg-network/node/internal/metrics"
	"github.com/rg-network/node/internal/observation"
	"github.com/rg-network/node/internal/party"
	"github.com/rg-network/node/internal/relay"
	"github.com/rg-network/node/internal/resolver"
	"github.com/rg-network/node/internal/server"
	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/internal/transport"
	"github.com/rg-network/node/internal/txprocessor"
	"github.com/rg-network/node/pkg/config"
	"github.com/rg-network/node/pkg/crypto"
	"github.com/rg-network/node/pkg/types"

	"github.com/sirupsen/logrus"
)

func main() {
	rootCmd := &cobra.Command{Use: "rgnode"}
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(partyCmd())
	rootCmd.AddCommand(configCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	cmd.AddCommand(configDumpCmd())
	return cmd
}

func configDumpCmd() *cobra.Command {
	var env string
	c := &cobra.Command{
		Use:   "dump",
		Short: "print the fully resolved configuration (defaults plus overlay plus environment) as yaml",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load(env)
			if err != nil {
				logrus.WithError(err).Fatal("rgnode: load config")
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				logrus.WithError(err).Fatal("rgnode: marshal config")
			}
			fmt.Print(string(out))
		},
	}
	c.Flags().StringVar(&env, "env", "", "config environment overlay")
	return c
}

func nodeCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "node"}
	cmd.AddCommand(nodeStartCmd())
	return cmd
}

func nodeStartCmd() *cobra.Command {
	var env string
	c := &cobra.Command{
		Use:   "start",
		Short: "start the node's background services and transport",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runNode(env); err != nil {
				logrus.WithError(err).Fatal("rgnode: fatal startup error")
			}
		},
	}
	c.Flags().StringVar(&env, "env", "", "config environment overlay (e.g. dev, test)")
	return c
}

func partyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "party"}
	cmd.AddCommand(partyStatusCmd())
	return cmd
}

func partyStatusCmd() *cobra.Command {
	var env string
	c := &cobra.Command{
		Use:   "status",
		Short: "print the folded snapshot for each self party key known to this node's store",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runPartyStatus(env); err != nil {
				logrus.WithError(err).Fatal("rgnode: party status failed")
			}
		},
	}
	c.Flags().StringVar(&env, "env", "", "config environment overlay")
	return c
}

func runPartyStatus(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := context.Background()
	parties, err := s.AllPartyInfoWithKey(ctx)
	if err != nil {
		return fmt.Errorf("query party data: %w", err)
	}
	for _, p := range parties {
		fmt.Printf("party %s\n", p.PublicKey.Hex())
		if p.Internal == nil {
			fmt.Println("  no folded snapshot yet")
			continue
		}
		for currency, bal := range p.Internal.Balances {
			fmt.Printf("  balance %s = %d\n", currency, bal)
		}
		fmt.Printf("  unfulfilled deposits: %d, unfulfilled withdrawals: %d, settled: %d\n",
			len(p.Internal.UnfulfilledDeposits), len(p.Internal.UnfulfilledWithdraw), len(p.Internal.FulfillmentHistory))
	}
	return nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "postgres":
		return store.NewPostgresStore(context.Background(), cfg.Storage.PostgresDSN)
	default:
		walPath := cfg.Storage.DataDir + "/rgnode.wal"
		return store.NewMemoryStore(walPath)
	}
}

// runNode wires every component (C1-C11) into one running process: store,
// relay, signer, conflict manager, resolver, transaction processor,
// mempool writer, observation buffer/handler, party watcher, transport
// adapter, metrics collector. The wiring order follows the teacher's
// single-main dependency-construction style (cmd/synnergy/main.go), just
// with far more components than the teacher's mock testnet command needed.
func runNode(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.Logging.Level); err == nil {
		logrus.SetLevel(lvl)
	}

	privKey, err := hex.DecodeString(cfg.Node.PrivateKeyHex)
	if err != nil || len(privKey) != 32 {
		return fmt.Errorf("node.private_key_hex must be a 32-byte hex string")
	}
	signer := crypto.NewSecp256k1Signer(privKey)
	verifier := crypto.Secp256k1Verifier{}

	s, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile store on startup: %w", err)
	}

	r := relay.New(s, cfg)

	self := types.NodeMetadata{
		PublicKey:    signer.PublicKey(),
		ExternalAddr: cfg.Network.ListenAddr,
		Environment:  types.NetworkEnvironment(cfg.Network.Environment),
	}

	conflictMgr := conflict.New(r)
	res := resolver.New(r, verifier)

	writerIn := make(chan mempool.AcceptedTx, cfg.Mempool.Capacity)
	writer := mempool.NewWriter(s, writerIn)
	go writer.Run(ctx)

	obsBuffer := observation.NewBuffer(r, signer, time.Duration(cfg.Observation.FormationMillis)*time.Millisecond)
	go obsBuffer.Run(ctx)
	obsHandler := observation.NewHandler(r, verifier)

	proc := txprocessor.New(r, res, conflictMgr, obsBuffer, writerIn,
		time.Duration(cfg.Mempool.ResolveTimeoutMS)*time.Millisecond,
		time.Duration(cfg.Mempool.FinalizationMS)*time.Millisecond)

	processWorkers := 4
	for i := 0; i < processWorkers; i++ {
		go func() {
			for {
				select {
				case req := <-r.TxProcessIn:
					proc.Process(ctx, req)
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	adapter, err := transport.NewLibP2PAdapter(cfg.Network.ListenAddr, cfg.Network.DiscoveryTag, cfg.Network.BootstrapPeers)
	if err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	defer adapter.Close()

	feed := transport.NewFeed()
	go feed.Run()
	feedSrv := feed.Serve(cfg.Feed.ListenAddr)

	router := server.NewRouter(r, obsHandler, self, feed)
	adapter.SetHandler(router.Handle)

	collector := metrics.New()
	metricsSrv := collector.Serve(cfg.Metrics.ListenAddr)
	go collector.Run(ctx, metrics.NewRelaySource(r), 5*time.Second)

	selfKeys, err := decodePublicKeys(cfg.Party.SelfPartyKeysHex)
	if err != nil {
		return fmt.Errorf("decode self party keys: %w", err)
	}
	if len(selfKeys) > 0 {
		thresholdSigner := buildThresholdSigner(cfg, signer)
		adapters := buildChainAdapters(cfg)
		watcher := party.NewWatcher(r, thresholdSigner, adapters, selfKeys,
			time.Duration(cfg.Party.PollIntervalMS)*time.Millisecond,
			time.Duration(cfg.Party.OrderCutoffMS)*time.Millisecond)
		watcher.SetMetrics(collector)
		go watcher.Run(ctx)
	}

	logrus.WithFields(logrus.Fields{
		"public_key": self.PublicKey.Hex(),
		"listen":     cfg.Network.ListenAddr,
		"metrics":    cfg.Metrics.ListenAddr,
		"feed":       cfg.Feed.ListenAddr,
	}).Info("rgnode: started")

	<-ctx.Done()
	logrus.Info("rgnode: shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Warn("rgnode: metrics server shutdown")
	}
	if err := feedSrv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
		logrus.WithError(err).Warn("rgnode: feed server shutdown")
	}
	feed.Close()
	return nil
}

func decodePublicKeys(hexKeys []string) ([]types.PublicKey, error) {
	out := make([]types.PublicKey, 0, len(hexKeys))
	for _, h := range hexKeys {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, err
		}
		out = append(out, types.PublicKey(b))
	}
	return out, nil
}

// buildThresholdSigner prefers a remote threshold-signing service when
// configured, falling back to a local 1-of-1 signer for single-operator
// deployments and tests.
func buildThresholdSigner(cfg *config.Config, self crypto.Signer) party.ThresholdSigner {
	if cfg.Party.SignerEndpoint != "" {
		remote, err := party.DialGRPCThresholdSigner(cfg.Party.SignerEndpoint)
		if err == nil {
			return remote
		}
		logrus.WithError(err).Warn("rgnode: dial threshold signer failed, falling back to local signer")
	}
	return party.NewLocalThresholdSigner(self)
}

// buildChainAdapters constructs a live party.Adapter per configured foreign
// currency, using party.NewMockAdapter for any currency left unconfigured
// so the watcher always has something to poll in development.
func buildChainAdapters(cfg *config.Config) map[types.Currency]party.Adapter {
	adapters := make(map[types.Currency]party.Adapter)
	mock := party.NewMockAdapter()
	adapters["BTC"] = mock
	adapters["ETH"] = mock

	if cfg.Party.BTC.RPCHost != "" {
		if btc, err := party.NewBTCAdapter(cfg.Party.BTC.RPCHost, cfg.Party.BTC.RPCUser, cfg.Party.BTC.RPCPass, &chaincfg.MainNetParams); err == nil {
			adapters["BTC"] = btc
		} else {
			logrus.WithError(err).Warn("rgnode: bitcoin adapter unavailable, using mock")
		}
	}
	if cfg.Party.ETH.RPCURL != "" {
		if eth, err := party.NewEthAdapter(cfg.Party.ETH.RPCURL, cfg.Party.ETH.ScanDepth); err == nil {
			adapters["ETH"] = eth
		} else {
			logrus.WithError(err).Warn("rgnode: ethereum adapter unavailable, using mock")
		}
	}
	return adapters
}
