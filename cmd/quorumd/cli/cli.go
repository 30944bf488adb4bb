// Package cli wires quorumd's subcommands: genesis (mint a fresh identity
// and config), run (boot the consensus engine and peer dispatcher), and
// chain show (inspect the finalized log of an existing data directory).
package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/quorumchain/quorumchain/internal/consensus"
	"github.com/quorumchain/quorumchain/internal/core"
	"github.com/quorumchain/quorumchain/internal/crypto"
	"github.com/quorumchain/quorumchain/internal/p2p"
	"github.com/quorumchain/quorumchain/internal/state"
)

// NewRootCommand builds the quorumd command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "quorumd",
		Short: "quorumd runs a quorumchain validator or observer node.",
	}
	root.AddCommand(newGenesisCmd())
	root.AddCommand(newRunCmd())
	root.AddCommand(newChainCmd())
	return root
}

func newGenesisCmd() *cobra.Command {
	var out string
	var stake uint64
	var listen string
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Mint a validator identity and write a starter config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("generate validator key: %w", err)
			}
			cfg := defaultConfig()
			cfg.Listen = listen
			cfg.ValidatorKeyHex = kp.PrivateHex()
			cfg.Genesis.Validators = map[string]uint64{kp.Address(): stake}
			if err := cfg.Save(out); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validator address: %s\nconfig written to: %s\n", kp.Address(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "quorumd.json", "path to write the generated config")
	cmd.Flags().Uint64Var(&stake, "stake", 100, "genesis stake assigned to the new validator")
	cmd.Flags().StringVar(&listen, "listen", ":7946", "P2P listen address to record in the config")
	return cmd
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the consensus engine and peer dispatcher.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "quorumd.json", "path to the node's config file")
	return cmd
}

func newChainCmd() *cobra.Command {
	chainCmd := &cobra.Command{
		Use:   "chain",
		Short: "Inspect the finalized chain.",
	}
	var configPath string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print every finalized block in the local chain store.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showChain(cmd, configPath)
		},
	}
	showCmd.Flags().StringVar(&configPath, "config", "quorumd.json", "path to the node's config file")
	chainCmd.AddCommand(showCmd)
	return chainCmd
}

func showChain(cmd *cobra.Command, configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	chain, err := core.OpenBlockchain(cfg.ChainPath(), nil)
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	defer chain.Close()

	height := chain.Height()
	for n := int64(0); n <= height; n++ {
		block, err := chain.GetByNumber(n)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "#%-6d epoch=%-6d proposer=%-20s hash=%s\n",
			block.Number, block.Epoch, block.Proposer, block.Hash)
	}
	return nil
}

func runNode(configPath string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	var selfKey *crypto.KeyPair
	var selfAddr core.Address
	if cfg.ValidatorKeyHex != "" {
		selfKey, err = crypto.KeyPairFromHex(cfg.ValidatorKeyHex)
		if err != nil {
			return fmt.Errorf("parse validator_key_hex: %w", err)
		}
		selfAddr = core.Address(selfKey.Address())
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	genesis := core.NewGenesisBlock(cfg.ValidatorsMap())
	chain, err := core.OpenBlockchain(cfg.ChainPath(), genesis)
	if err != nil {
		return fmt.Errorf("open chain store: %w", err)
	}
	defer chain.Close()

	dispatcher := p2p.New(selfAddr, selfKey, logger)

	engineConfig := consensus.DefaultConfig()
	engineConfig.Mode = consensus.LightweightMode{
		StrictStateProof:    cfg.Mode.StrictStateProof,
		StrictShardingRules: cfg.Mode.StrictShardingRules,
	}

	engine, err := consensus.New(consensus.Params{
		Config:               engineConfig,
		Logger:               logger,
		Genesis:              genesis,
		SelfAddr:             selfAddr,
		SelfKey:              selfKey,
		Chain:                chain,
		Transport:            dispatcher,
		Rules:                state.PermissiveEvaluator{},
		Owners:               state.PermissiveEvaluator{},
		Functions:            state.PermissiveEvaluator{},
		MempoolMaxSize:       10_000,
		MempoolMaxPerAccount: 256,
	})
	if err != nil {
		return fmt.Errorf("build consensus engine: %w", err)
	}
	dispatcher.SetEngine(engine)

	mux := http.NewServeMux()
	mux.HandleFunc("/p2p", func(w http.ResponseWriter, r *http.Request) {
		conn, err := dispatcher.Upgrader().Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		if err := dispatcher.Accept(conn); err != nil {
			logger.Warn("peer handshake failed", zap.Error(err))
		}
	})
	httpServer := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("p2p listener stopped", zap.Error(err))
		}
	}()

	dialCtx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	for _, peer := range cfg.SeedPeers {
		url := peer
		if !strings.Contains(url, "://") {
			url = "ws://" + url + "/p2p"
		}
		if _, err := dispatcher.Dial(dialCtx, url); err != nil {
			logger.Warn("failed to dial seed peer", zap.String("peer", peer), zap.Error(err))
		}
	}
	cancelDial()

	lastBlock, _ := chain.LastBlock()
	if err := engine.Init(lastBlock); err != nil {
		return fmt.Errorf("start consensus engine: %w", err)
	}
	if selfKey != nil {
		engine.SetNodeStatus(consensus.NodeServing)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	engine.Stop()
	_ = httpServer.Close()
	dispatcher.Close()
	return nil
}
