package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"stemrelay/api/server"
	"stemrelay/core/audit"
	"stemrelay/core/auth"
	"stemrelay/core/config"
	"stemrelay/core/dandelion"
	"stemrelay/core/logx"
	"stemrelay/core/mempool"
	"stemrelay/core/networking"
	"stemrelay/core/storage"
	"stemrelay/core/validation"
	"stemrelay/core/wire"
)

type flags struct {
	configPath string
	listen     string
	api        string
	transport  string
	dbPath     string
	peers      []string
	dandelion  bool
	logLevel   string
	logFile    string
	issueToken string
	tokenTTL   time.Duration
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	f := &flags{}
	fs := pflag.NewFlagSet("stemrelayd", pflag.ContinueOnError)
	fs.StringVarP(&f.configPath, "config", "c", "stemrelay.yaml", "YAML config file (optional)")
	fs.StringVar(&f.listen, "listen", "", "p2p listen address")
	fs.StringVar(&f.api, "api", "", "HTTP API listen address")
	fs.StringVar(&f.transport, "transport", "", "p2p transport: tcp or quic")
	fs.StringVar(&f.dbPath, "db", "", "LevelDB directory")
	fs.StringSliceVarP(&f.peers, "peer", "p", nil, "bootstrap peer host:port (repeatable)")
	fs.BoolVar(&f.dandelion, "dandelion", true, "enable the stem phase")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn, error")
	fs.StringVar(&f.logFile, "log-file", "", "also append logs to this file")
	fs.StringVar(&f.issueToken, "issue-token", "", "print an operator token for this subject and exit")
	fs.DurationVar(&f.tokenTTL, "token-ttl", 24*time.Hour, "lifetime of tokens from --issue-token")
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return f, fs, nil
}

// applyFlags overrides cfg with flags the user actually set.
func applyFlags(cfg *config.Config, f *flags, fs *pflag.FlagSet) error {
	if fs.Changed("listen") {
		cfg.Node.Listen = f.listen
	}
	if fs.Changed("api") {
		cfg.Node.APIListen = f.api
	}
	if fs.Changed("transport") {
		cfg.Node.Transport = f.transport
	}
	if fs.Changed("db") {
		cfg.Node.DBPath = f.dbPath
	}
	if fs.Changed("peer") {
		cfg.Node.Peers = append(cfg.Node.Peers, f.peers...)
	}
	if fs.Changed("dandelion") {
		cfg.Dandelion.Enabled = f.dandelion
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	return cfg.Validate()
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "stemrelayd:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, fs, err := parseFlags(args)
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := applyFlags(&cfg, f, fs); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if f.issueToken != "" {
		tok, err := auth.NewTokenVerifier(cfg.API.JWTSecret).Issue(f.issueToken, f.tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	}

	var out io.Writer = os.Stdout
	if f.logFile != "" {
		if err := os.MkdirAll(filepath.Dir(f.logFile), 0o755); err != nil {
			return err
		}
		lf, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer lf.Close()
		out = io.MultiWriter(os.Stdout, lf)
	}
	logx.Setup(cfg.Log.Level, cfg.Log.Format, out)
	log := logx.New("node")

	store, err := storage.NewStorage(cfg.Node.DBPath)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer store.Close()
	nodeID, err := store.NodeID()
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}

	banner(os.Stdout, cfg, nodeID)

	events := audit.NewMemoryAuditLogger(1000)
	auditor := audit.Fanout{audit.NewLogAuditLogger(), events}

	pool := mempool.NewMempool(cfg.Mempool.MaxTxs)
	restored := restoreMempool(store, pool, log)
	gossip := mempool.NewGossipEngine(nil, pool)

	validator, err := validation.NewTxValidator()
	if err != nil {
		return fmt.Errorf("validator: %w", err)
	}

	transport, err := networking.NewTransport(cfg.Node.Transport)
	if err != nil {
		return err
	}
	var services uint64
	if cfg.Dandelion.Enabled {
		services |= wire.ServiceDandelion
	}
	net := networking.NewNetwork(networking.Options{
		ListenAddr: cfg.Node.Listen,
		NodeID:     nodeID,
		UserAgent:  cfg.Node.UserAgent,
		Services:   services,
		Transport:  transport,
		Bans:       store,
		Limits:     cfg.Limits,
		Audit:      auditor,
	})

	relay := dandelion.NewRelay(dandelion.Options{
		Config:    cfg.Dandelion,
		Registry:  net.Peers(),
		Flood:     gossip,
		Pool:      pool,
		Validator: validator,
		Audit:     auditor,
		Seed:      time.Now().UnixNano(),
	})
	relay.SetMessenger(net)
	gossip.SetBroadcaster(net)
	net.SetHandler(relay)

	if err := net.Start(); err != nil {
		return err
	}
	defer net.Close()
	log.Info().Int("restored_txs", restored).Bool("dandelion", cfg.Dandelion.Enabled).Msg("node started")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		housekeeping(ctx, cfg.Mempool, pool, gossip, log)
	}()

	connectBootstrap(ctx, net, cfg.Node.Peers, log)

	api := server.NewServer(cfg.Node.APIListen, cfg.API, server.Deps{
		Relay:   relay,
		Network: net,
		Gossip:  gossip,
		Store:   store,
		Auth:    auth.NewAuthorizer(auth.NewTokenVerifier(cfg.API.JWTSecret), auditor),
		Events:  events,
		NodeID:  nodeID,
		DBPath:  cfg.Node.DBPath,
	})
	apiErr := make(chan error, 1)
	go func() { apiErr <- api.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err = <-apiErr:
		log.Error().Err(err).Msg("api server stopped")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := api.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("api shutdown")
	}
	wg.Wait()

	// Only fluffed txs are persisted; stem-phase state dies with the process.
	if serr := store.SaveMempool(pool.GetAllTxs()); serr != nil {
		log.Warn().Err(serr).Msg("mempool snapshot not saved")
	} else {
		log.Info().Int("txs", pool.Len()).Msg("mempool snapshot saved")
	}
	return err
}

func restoreMempool(store *storage.Storage, pool *mempool.Mempool, log zerolog.Logger) int {
	txs, err := store.LoadMempool()
	if err != nil {
		log.Warn().Err(err).Msg("mempool snapshot unreadable, starting empty")
		return 0
	}
	n := 0
	for _, tx := range txs {
		if pool.AddTx(tx) {
			n++
		}
	}
	return n
}

func housekeeping(ctx context.Context, cfg config.MempoolConfig, pool *mempool.Mempool, gossip *mempool.GossipEngine, log zerolog.Logger) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := pool.PurgeExpired(cfg.MaxAge, now); n > 0 {
				log.Debug().Int("txs", n).Msg("purged expired mempool entries")
			}
			gossip.Forget(cfg.MaxAge, now)
		}
	}
}

func connectBootstrap(ctx context.Context, net *networking.Network, addrs []string, log zerolog.Logger) {
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		id, err := net.Connect(dialCtx, addr)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("bootstrap peer unreachable")
			continue
		}
		log.Info().Str("peer", id.String()).Msg("connected to bootstrap peer")
	}
}
