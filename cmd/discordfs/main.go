// Command discordfs wires together the crypto engine, chunker, remote
// object store, metadata index, content cache and filesystem adapter,
// then serves the admin HTTP surface and waits for a kernel bridge to
// drive the adapter's callback contract. The bridge itself is an external
// collaborator this binary does not embed.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/discordfs/discordfs/internal/audit"
	"github.com/discordfs/discordfs/internal/cache"
	"github.com/discordfs/discordfs/internal/config"
	"github.com/discordfs/discordfs/internal/cryptoengine"
	"github.com/discordfs/discordfs/internal/debug"
	"github.com/discordfs/discordfs/internal/fsadapter"
	"github.com/discordfs/discordfs/internal/keymanager"
	"github.com/discordfs/discordfs/internal/metaindex"
	"github.com/discordfs/discordfs/internal/ros"
	"github.com/discordfs/discordfs/internal/telemetry"
	"github.com/discordfs/discordfs/internal/throttle"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	var (
		configPath   = flag.String("config", "discordfs.yaml", "path to configuration file")
		dbPath       = flag.String("db", "discordfs.sqlite", "path to the metadata index database file")
		keyPath      = flag.String("key-file", "discordfs.key", "path to the master key (or KMIP envelope) file")
		adminAddr    = flag.String("admin-addr", ":9090", "admin HTTP server listen address")
		auditLogPath = flag.String("audit-log", "discordfs-audit.log", "path to the JSONL audit log")
		jaegerAddr   = flag.String("jaeger-endpoint", "", "Jaeger collector HTTP endpoint; empty exports spans to stdout")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
		debug.InitFromLogLevel("debug")
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	log := logrus.NewEntry(logger)

	shutdownTracing, err := telemetry.InitTracing(context.Background(), telemetry.TracingConfig{
		ServiceName:    "discordfs",
		JaegerEndpoint: *jaegerAddr,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.WithError(err).Warn("tracing shutdown error")
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	var engine *cryptoengine.Engine
	if cfg.Security.EnableEncryption {
		engine, err = buildCryptoEngine(context.Background(), cfg, *keyPath, log)
		if err != nil {
			log.WithError(err).Fatal("failed to initialize crypto engine")
		}
		defer engine.Close()
	}

	index, err := metaindex.Open(*dbPath, log, metrics)
	if err != nil {
		log.WithError(err).Fatal("failed to open metadata index")
	}
	defer index.Close()

	contentCache := cache.New(int64(cfg.FileSystem.CacheSizeMB) * 1024 * 1024)

	th := throttle.New(throttle.DefaultConfig())
	client := ros.NewDiscordClient()
	store := ros.New(client, th, log, metrics)

	connectCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = store.Connect(connectCtx, cfg.Discord.BotToken, cfg.Discord.ChannelID)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("failed to connect to chat service")
	}
	defer store.Close()

	auditLogger := audit.NewLogger(1000, audit.NewBatchSink(audit.NewFileSink(*auditLogPath), 100, 5*time.Second, 3, time.Second))
	defer auditLogger.Close()

	adapter := fsadapter.New(index, contentCache, engine, store, log, metrics, auditLogger)
	_ = adapter // handed to the kernel bridge shim, which is outside this binary's scope

	admin := telemetry.NewAdminServer(*adminAddr, metrics, []telemetry.ReadyCheck{
		func(ctx context.Context) error {
			_, err := index.Exists("/")
			return err
		},
	}, log)

	go func() {
		if err := admin.ListenAndServe(); err != nil {
			log.WithError(err).Error("admin server stopped unexpectedly")
		}
	}()

	log.Info("discordfs engine ready; awaiting kernel bridge mount")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("admin server shutdown error")
	}
}

// buildCryptoEngine resolves the master key from, in order of precedence:
// a KMIP-wrapped envelope (when security.kmip.endpoint is configured), a
// base64-encoded key in security.masterKey, or a plaintext key file
// created on first run.
func buildCryptoEngine(ctx context.Context, cfg config.Config, keyPath string, log *logrus.Entry) (*cryptoengine.Engine, error) {
	if cfg.Security.KMIP.Endpoint != "" {
		key, err := loadOrWrapKMIPKey(ctx, cfg.Security.KMIP, keyPath, log)
		if err != nil {
			return nil, err
		}
		return cryptoengine.New(key, log)
	}

	if cfg.Security.MasterKey != "" {
		key, err := cryptoengine.DecodeMasterKeyBase64(cfg.Security.MasterKey)
		if err != nil {
			return nil, err
		}
		return cryptoengine.New(key, log)
	}

	key, err := cryptoengine.LoadOrCreateMasterKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	return cryptoengine.New(key, log)
}

// loadOrWrapKMIPKey dials the configured KMIP endpoint and either unwraps
// an envelope already persisted at keyPath or generates a fresh master
// key, wraps it, and persists the resulting envelope.
func loadOrWrapKMIPKey(ctx context.Context, cfg config.KMIP, keyPath string, log *logrus.Entry) ([]byte, error) {
	tlsConfig, err := kmipTLSConfig(cfg)
	if err != nil {
		return nil, err
	}

	km, err := keymanager.NewKMIPManager(keymanager.Options{
		Endpoint:  cfg.Endpoint,
		Keys:      []keymanager.KeyReference{{ID: cfg.KeyID, Version: 1}},
		TLSConfig: tlsConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("kmip: connect: %w", err)
	}
	defer km.Close(ctx)

	envelope, err := loadEnvelope(keyPath)
	if err == nil {
		log.WithField("key_id", envelope.KeyID).Info("unwrapping master key via KMIP")
		return km.UnwrapKey(ctx, envelope)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("kmip: read envelope %s: %w", keyPath, err)
	}

	log.Info("no KMIP envelope found, generating and wrapping a new master key")
	key, err := cryptoengine.GenerateMasterKey()
	if err != nil {
		return nil, fmt.Errorf("kmip: generate master key: %w", err)
	}
	wrapped, err := km.WrapKey(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("kmip: wrap master key: %w", err)
	}
	if err := saveEnvelope(keyPath, wrapped); err != nil {
		return nil, err
	}
	return key, nil
}

// kmipTLSConfig builds the mutual-TLS configuration a KMIP endpoint
// typically requires. Any of the three file settings being empty leaves
// the corresponding half disabled: no client cert, or the system root
// pool instead of a pinned CA.
func kmipTLSConfig(cfg config.KMIP) (*tls.Config, error) {
	if cfg.CertFile == "" && cfg.KeyFile == "" && cfg.CACertFile == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("kmip: load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CACertFile != "" {
		caPEM, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("kmip: read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("kmip: no certificates parsed from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func loadEnvelope(path string) (*keymanager.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var envelope keymanager.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("kmip: decode envelope %s: %w", path, err)
	}
	return &envelope, nil
}

func saveEnvelope(path string, envelope *keymanager.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("kmip: encode envelope: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("kmip: write envelope %s: %w", path, err)
	}
	return nil
}
