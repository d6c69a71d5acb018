// Package flags holds the CLI flag definitions shared by the manager's
// binaries.
package flags

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/ruteri/tee-workorder-manager/common"
	"github.com/ruteri/tee-workorder-manager/httpserver"
	"github.com/ruteri/tee-workorder-manager/metrics"
)

// SetupLogger builds the process logger from the shared log flags.
func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJSONFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUIDFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

// ConfigureServer builds the HTTP server config from the shared server flags.
func ConfigureServer(cCtx *cli.Context, logger *slog.Logger, m *metrics.Metrics) *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               cCtx.String(ListenAddrFlag.Name),
		MetricsAddr:              cCtx.String(MetricsAddrFlag.Name),
		Log:                      logger,
		Metrics:                  m,
		EnablePprof:              cCtx.Bool(PprofFlag.Name),
		DrainDuration:            time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             30 * time.Second,
	}
}

var HomeFlag = &cli.StringFlag{
	Name:    "home",
	Value:   "/var/lib/workorder-manager",
	Usage:   "installation home directory",
	EnvVars: []string{"TWM_HOME"},
}

var StoreURLFlag = &cli.StringFlag{
	Name:    "store-url",
	Usage:   "queue store URI (mem://, file://path, vault://host:port/mount/path, s3://bucket/prefix); defaults to file storage under the home directory",
	EnvVars: []string{"TWM_STORE_URL"},
}

var EnclaveSeedFlag = &cli.StringFlag{
	Name:  "enclave-seed",
	Usage: "hex-encoded 32-byte seed for the simulated enclave's key derivation",
}

var TrustAnchorFlag = &cli.StringFlag{
	Name:  "trust-anchor",
	Usage: "hex verifying key trusted to sign unique verification keys",
}

var AttestationTypeFlag = &cli.StringFlag{
	Name:  "attestation-type",
	Value: "simulated",
	Usage: "attestation provider: 'simulated' or 'dcap'",
}

var KmeURLFlag = &cli.StringFlag{
	Name:  "kme-url",
	Usage: "key management authority HTTP JSON-RPC endpoint",
}

var KmeServiceFlag = &cli.StringFlag{
	Name:  "kme-service",
	Usage: "DNS SRV service name resolving to authority endpoints; used when kme-url is not set",
}

var DNSResolverFlag = &cli.StringFlag{
	Name:  "dns-resolver",
	Usage: "DNS resolver address for SRV discovery; defaults to the local stub resolver",
}

var KmeWorkerIDFlag = &cli.StringFlag{
	Name:  "kme-worker-id",
	Usage: "worker id of the authority's provisioning worker",
}

var KmeEncryptionKeyFileFlag = &cli.StringFlag{
	Name:  "kme-encryption-key-file",
	Usage: "path to the authority's PEM encryption key",
}

var KmeVerifyingKeyFlag = &cli.StringFlag{
	Name:  "kme-verifying-key",
	Usage: "hex verifying key of the authority's provisioning worker",
}

var SyncFlag = &cli.BoolFlag{
	Name:  "sync",
	Value: false,
	Usage: "serve work orders synchronously over HTTP instead of polling the scheduled queue",
}

var SleepSecondsFlag = &cli.Int64Flag{
	Name:  "sleep-seconds",
	Value: 10,
	Usage: "seconds to sleep between scheduled-queue sweeps in polling mode",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8080",
	Usage: "address to listen on for the work order API",
}

var LogJSONFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}

var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}

var LogUIDFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}

var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}

var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}

var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

// CommonFlags are shared by every binary.
var CommonFlags = []cli.Flag{
	LogJSONFlag,
	LogDebugFlag,
	LogUIDFlag,
	LogServiceFlag,
	PprofFlag,
	DrainSecondsFlag,
	MetricsAddrFlag,
}
