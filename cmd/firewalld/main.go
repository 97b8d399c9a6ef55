// Command firewalld runs the inline Agent Firewall gateway: an HTTP and
// WebSocket reverse proxy that inspects every request, message, and skill
// before it reaches the downstream agent-hosting backend.
//
// Flag-driven config path, structured JSON logging via slog,
// graceful-degradation telemetry init, TLS setup with an optional
// self-signed dev certificate, and a signal-driven shutdown sequence that
// closes the listener, the key-value store, the relational store, and
// telemetry in that order.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"firewalld/internal/agentctx"
	"firewalld/internal/alert"
	"firewalld/internal/config"
	"firewalld/internal/firewall"
	"firewalld/internal/kvstore"
	"firewalld/internal/loopdetect"
	"firewalld/internal/proxy"
	"firewalld/internal/rules"
	"firewalld/internal/skill"
	"firewalld/internal/store"
	"firewalld/internal/telemetry"
	"firewalld/internal/wsproxy"
)

func main() {
	configPath := flag.String("config", "configs/firewalld.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	slog.Info("starting firewalld",
		"version", "0.1.0",
		"listen", cfg.Listen,
		"backend", cfg.Backend.URL,
	)

	var kv kvstore.Store
	var redisStore *kvstore.RedisStore
	if cfg.Redis.Addr != "" {
		redisStore, err = kvstore.NewRedisStore(kvstore.Config{
			Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB, KeyPrefix: cfg.Redis.KeyPrefix,
		})
		if err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		kv = redisStore
		slog.Info("using redis key-value store", "addr", cfg.Redis.Addr)
	} else {
		kv = kvstore.NewMemoryStore()
		slog.Info("using in-memory key-value store")
	}

	dataDir := filepath.Dir(cfg.Storage.Path)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("failed to create data directory", "error", err, "path", dataDir)
		os.Exit(1)
	}
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		slog.Error("failed to open relational store", "error", err)
		os.Exit(1)
	}
	slog.Info("relational store opened", "path", cfg.Storage.Path, "retention_days", cfg.Storage.RetentionDays)

	var tp *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tp, err = telemetry.NewProvider(telemetry.Config{
			Enabled: cfg.Telemetry.Enabled, Exporter: cfg.Telemetry.Exporter,
			Endpoint: cfg.Telemetry.Endpoint, ServiceName: cfg.Telemetry.ServiceName, Insecure: cfg.Telemetry.Insecure,
		})
		if err != nil {
			slog.Warn("telemetry initialization failed, continuing without tracing", "error", err)
			tp = nil
		} else {
			slog.Info("telemetry enabled", "exporter", cfg.Telemetry.Exporter, "endpoint", cfg.Telemetry.Endpoint)
		}
	}
	if tp == nil {
		tp = telemetry.NoopProvider()
	}

	dbAdapter := firewall.NewStoreAdapter(db)
	if err := skill.LoadSignatures(dbAdapter); err != nil {
		slog.Warn("malware signature load incomplete", "error", err)
	}
	slog.Info("malware signature table loaded", "count", len(skill.Signatures))
	agents := agentctx.New(dbAdapter)
	rulesEngine := rules.NewEngine(rules.NewRelationalStore(db), cfg.Firewall.RuleCacheTTL)
	loopDetect := loopdetect.New(kv)

	var sinks []alert.Sink
	if cfg.Firewall.AlertWebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Firewall.AlertWebhookURL))
	}
	notifier := alert.NewNotifier(sinks...)
	skillAnalyzer := skill.NewAnalyzer()

	orchestrator := firewall.New(agents, kv, rulesEngine, dbAdapter, loopDetect, dbAdapter, notifier,
		skillAnalyzer, dbAdapter, firewall.Config{
			ThreatScoreThreshold: cfg.Firewall.ThreatScoreThreshold,
			RateLimitPerMinute:   cfg.Firewall.DefaultRateLimitPerMinute,
			BlacklistTTL:         cfg.Firewall.BlacklistTTL,
			SkillAnalysisTimeout: cfg.Skill.DefaultTimeout,
			SkillMemoryCapMiB:    cfg.Skill.MemoryCapMiB,
		})

	proxyHandler, err := proxy.New(cfg.Backend.URL, orchestrator, tp)
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	wsHandler, err := wsproxy.NewHandler(cfg.Backend.URL, orchestrator, wsproxy.Config{
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		PingInterval:     cfg.WebSocket.PingInterval,
		PongTimeout:      cfg.WebSocket.PongTimeout,
		MaxMessageSize:   cfg.WebSocket.MaxMessageSize,
		MaxConnsPerIP:    cfg.WebSocket.MaxConnsPerIP,
	})
	if err != nil {
		slog.Error("failed to create websocket proxy", "error", err)
		os.Exit(1)
	}

	server := &http.Server{
		Addr:         cfg.Listen,
		Handler:      gatewayHandler{http: proxyHandler, ws: wsHandler},
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // disabled: streaming responses and long-lived websocket upgrades
		IdleTimeout:  120 * time.Second,
	}

	errChan := make(chan error, 1)

	if cfg.TLS.Enabled {
		tlsConfig, err := setupTLS(cfg.TLS)
		if err != nil {
			slog.Error("failed to setup TLS", "error", err)
			os.Exit(1)
		}
		server.TLSConfig = tlsConfig
		slog.Info("TLS enabled")
	}

	go func() {
		if cfg.TLS.Enabled {
			slog.Info("gateway starting (HTTPS)", "addr", cfg.Listen)
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("server error: %w", err)
			}
		} else {
			slog.Info("gateway starting (HTTP)", "addr", cfg.Listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("server error: %w", err)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("server error", "error", err)
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	}

	slog.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		slog.Error("telemetry shutdown error", "error", err)
	}

	slog.Info("firewalld stopped")
}

// gatewayHandler dispatches to the WebSocket proxy on an upgrade request
// and to the HTTP proxy otherwise.
type gatewayHandler struct {
	http http.Handler
	ws   http.Handler
}

func (g gatewayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isWebSocketRequest(r) {
		g.ws.ServeHTTP(w, r)
		return
	}
	g.http.ServeHTTP(w, r)
}

func isWebSocketRequest(r *http.Request) bool {
	connection := r.Header.Get("Connection")
	upgrade := r.Header.Get("Upgrade")
	return strings.Contains(strings.ToLower(connection), "upgrade") && strings.EqualFold(upgrade, "websocket")
}

// setupTLS configures TLS for the gateway listener.
func setupTLS(cfg config.TLSConfig) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if cfg.AutoCert {
		cert, err = generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generating self-signed cert: %w", err)
		}
		slog.Warn("using auto-generated self-signed certificate (development only)")
	} else if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading TLS certificate: %w", err)
		}
		slog.Info("loaded TLS certificate", "cert", cfg.CertFile, "key", cfg.KeyFile)
	} else {
		return nil, fmt.Errorf("TLS enabled but no certificate configured (set cert_file/key_file or auto_cert)")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// generateSelfSignedCert creates a self-signed certificate for development.
func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"firewalld Development"},
			CommonName:   "localhost",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost", "firewalld", "*.firewalld.local"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	return tls.X509KeyPair(certPEM, keyPEM)
}
