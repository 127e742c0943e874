package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"swaprelay/adapter"
	evmadapter "swaprelay/adapter/evm"
	suiadapter "swaprelay/adapter/sui"
	"swaprelay/config"
	"swaprelay/control"
	"swaprelay/core/swap"
	"swaprelay/observability/logging"
	telemetry "swaprelay/observability/otel"
	"swaprelay/storage"
)

// Exit codes: 0 clean stop, 1 unrecoverable init failure, 2 invalid
// configuration, 130 signal-initiated shutdown.
const (
	exitOK         = 0
	exitInitFailed = 1
	exitBadConfig  = 2
	exitSignal     = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to coordinator configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SWAPRELAY_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err.Error())
		return exitBadConfig
	}

	var log *slog.Logger
	if cfg.LogFile != "" {
		log = logging.SetupWithRotation("swaprelayd", env, cfg.LogFile)
	} else {
		log = logging.Setup("swaprelayd", env)
	}

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "swaprelayd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Error("init telemetry", "error", err.Error())
		return exitInitFailed
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Error("resolve storage DSN", "error", err.Error())
		return exitInitFailed
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Error("open storage", "error", err.Error())
		return exitInitFailed
	}
	defer store.Close()

	adapters, err := buildAdapters(cfg)
	if err != nil {
		log.Error("build chain adapters", "error", err.Error())
		return exitInitFailed
	}

	coordinator, err := control.New(cfg, store, adapters, log, control.Options{})
	if err != nil {
		log.Error("wire coordinator", "error", err.Error())
		return exitInitFailed
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := coordinator.Start(ctx); err != nil {
		log.Error("start coordinator", "error", err.Error())
		return exitInitFailed
	}

	<-ctx.Done()
	stop()
	coordinator.Stop()
	return exitSignal
}

func buildAdapters(cfg config.Config) (map[swap.Ledger]adapter.Adapter, error) {
	evmClient, err := evmadapter.Dial(cfg.EVM.Endpoint)
	if err != nil {
		return nil, err
	}
	var evmSender evmadapter.TxSender
	if cfg.EVM.SignerEndpoint != "" {
		evmSender = evmadapter.NewSignerClient(cfg.EVM.SignerEndpoint, cfg.EVM.KeyRef)
	}
	evmChain, err := evmadapter.New(evmClient, evmSender, evmadapter.Config{
		Contract:      common.HexToAddress(cfg.EVM.Contract),
		Confirmations: cfg.EVM.FinalityDepth,
	})
	if err != nil {
		return nil, err
	}

	suiChain, err := suiadapter.New(suiadapter.NewClient(cfg.Sui.Endpoint, cfg.Sui.AuthToken), suiadapter.Config{
		RegistryObject:  cfg.Sui.Registry,
		OwnerCapability: cfg.Sui.OwnerCap,
		Confirmations:   cfg.Sui.FinalityDepth,
	})
	if err != nil {
		return nil, err
	}

	return map[swap.Ledger]adapter.Adapter{
		swap.LedgerEVM: evmChain,
		swap.LedgerSui: suiChain,
	}, nil
}
