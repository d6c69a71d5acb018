package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/ruteri/tee-workorder-manager/cmd/flags"
	"github.com/ruteri/tee-workorder-manager/enclave"
	"github.com/ruteri/tee-workorder-manager/handshake"
	"github.com/ruteri/tee-workorder-manager/httpserver"
	"github.com/ruteri/tee-workorder-manager/interfaces"
	"github.com/ruteri/tee-workorder-manager/kmeresolver"
	"github.com/ruteri/tee-workorder-manager/kvstore"
	"github.com/ruteri/tee-workorder-manager/lifecycle"
	"github.com/ruteri/tee-workorder-manager/metrics"
)

var appFlags = append([]cli.Flag{
	flags.HomeFlag,
	flags.StoreURLFlag,
	flags.EnclaveSeedFlag,
	flags.TrustAnchorFlag,
	flags.AttestationTypeFlag,
	flags.KmeURLFlag,
	flags.KmeServiceFlag,
	flags.DNSResolverFlag,
	flags.KmeWorkerIDFlag,
	flags.KmeEncryptionKeyFileFlag,
	flags.KmeVerifyingKeyFlag,
	flags.SyncFlag,
	flags.SleepSecondsFlag,
	flags.ListenAddrFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:   "workermgr",
		Usage:  "Trusted work order manager",
		Flags:  appFlags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	seed, err := parseSeed(cCtx.String(flags.EnclaveSeedFlag.Name))
	if err != nil {
		logger.Error("Invalid enclave seed", "err", err)
		return err
	}

	enc, err := enclave.NewSimpleEnclave(seed, logger)
	if err != nil {
		logger.Error("Failed to create enclave", "err", err)
		return err
	}
	if anchor := cCtx.String(flags.TrustAnchorFlag.Name); anchor != "" {
		enc.WithTrustAnchor(anchor)
	}
	if cCtx.String(flags.AttestationTypeFlag.Name) == "dcap" {
		enc.WithAttestationProvider(enclave.DCAPAttestationProvider{})
	}

	storeURL := cCtx.String(flags.StoreURLFlag.Name)
	if storeURL == "" {
		storeURL = "file://" + filepath.Join(cCtx.String(flags.HomeFlag.Name), "store")
	}
	store, err := kvstore.NewStoreFactory(logger).StoreFor(storeURL)
	if err != nil {
		logger.Error("Failed to create queue store", "err", err)
		return err
	}
	if !store.Available(ctx) {
		logger.Error("Queue store is not available", "store", store.Name())
		return fmt.Errorf("%w: %s", interfaces.ErrStoreUnavailable, store.Name())
	}
	logger.Info("Queue store ready", "store", store.Name())

	syncURI := ""
	if cCtx.Bool(flags.SyncFlag.Name) {
		syncURI = "http://" + cCtx.String(flags.ListenAddrFlag.Name) + "/api/workorder/submit"
	}

	m := metrics.New()
	manager, err := lifecycle.NewManager(lifecycle.Config{
		Store:   store,
		Enclave: enc,
		Metrics: m,
		SyncURI: syncURI,
		Log:     logger,
	})
	if err != nil {
		logger.Error("Failed to create lifecycle manager", "err", err)
		return err
	}
	logger.Info("Worker identity established", "workerId", manager.WorkerID())

	// Provisioning runs before any work order is accepted. A configured
	// authority that cannot be handshaken with is fatal.
	if err := provision(ctx, cCtx, logger, enc, manager); err != nil {
		logger.Error("Provisioning handshake failed", "err", err)
		return err
	}

	if err := manager.Reconcile(ctx); err != nil {
		logger.Error("Boot reconcile failed", "err", err)
		return err
	}

	if cCtx.Bool(flags.SyncFlag.Name) {
		return runSync(ctx, cCtx, logger, manager, m)
	}
	return runPolling(ctx, cCtx, logger, manager, m)
}

func runSync(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, manager *lifecycle.Manager, m *metrics.Metrics) error {
	srv, err := httpserver.New(flags.ConfigureServer(cCtx, logger, m), httpserver.NewHandler(manager, logger))
	if err != nil {
		return err
	}

	logger.Info("Serving work orders synchronously", "listenAddr", cCtx.String(flags.ListenAddrFlag.Name))
	srv.RunInBackground()

	<-ctx.Done()
	srv.Shutdown()
	return nil
}

func runPolling(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, manager *lifecycle.Manager, m *metrics.Metrics) error {
	if metricsAddr := cCtx.String(flags.MetricsAddrFlag.Name); metricsAddr != "" {
		metricsSrv := &http.Server{Addr: metricsAddr, Handler: m.Handler()}
		go func() {
			logger.Info("Starting metrics server", "metricsAddress", metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	interval := time.Duration(cCtx.Int64(flags.SleepSecondsFlag.Name)) * time.Second
	err := manager.RunPolling(ctx, interval)
	if errors.Is(err, context.Canceled) {
		logger.Info("Polling loop stopped")
		return nil
	}
	return err
}

// provision resolves the authority endpoint and runs the handshake. Without
// an authority configured the manager runs standalone.
func provision(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, enc interfaces.Enclave, manager *lifecycle.Manager) error {
	endpoint := cCtx.String(flags.KmeURLFlag.Name)
	serviceName := cCtx.String(flags.KmeServiceFlag.Name)
	if endpoint == "" && serviceName == "" {
		logger.Info("No key management authority configured, running standalone")
		return nil
	}

	if endpoint == "" {
		resolver := kmeresolver.NewResolver(cCtx.String(flags.DNSResolverFlag.Name), logger)
		endpoints, err := resolver.Endpoints(serviceName)
		if err != nil {
			return err
		}
		endpoint = endpoints[0]
		logger.Info("Resolved authority endpoint", "endpoint", endpoint)
	}

	encryptionKeyPEM, err := os.ReadFile(cCtx.String(flags.KmeEncryptionKeyFileFlag.Name))
	if err != nil {
		return fmt.Errorf("could not read authority encryption key: %w", err)
	}

	client := handshake.NewClient(handshake.Config{
		Endpoint:                  endpoint,
		AuthorityWorkerID:         cCtx.String(flags.KmeWorkerIDFlag.Name),
		AuthorityEncryptionKeyPEM: encryptionKeyPEM,
		AuthorityVerifyingKeyHex:  cCtx.String(flags.KmeVerifyingKeyFlag.Name),
		Enclave:                   enc,
		Log:                       logger,
	})

	uniqueKey, err := client.Provision(ctx, manager.Signup())
	if err != nil {
		return err
	}
	logger.Info("Worker provisioned", "uniqueKey", uniqueKey)
	return nil
}

func parseSeed(seedHex string) ([]byte, error) {
	if seedHex == "" {
		return nil, errors.New("enclave-seed is required (64 hex chars)")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil || len(seed) != 32 {
		return nil, fmt.Errorf("enclave-seed must be 64 hex chars (32 bytes): %v", err)
	}
	return seed, nil
}
