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
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme/autocert"

	"github.com/tariel-x/invitechat/internal/config"
)

const shutdownTimeout = 10 * time.Second

func newServer(addr string, handler http.Handler, logger zerolog.Logger) *http.Server {
	return &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// websocket connections are long lived, so no WriteTimeout
		IdleTimeout: 60 * time.Second,
		ErrorLog:    log.New(newTLSErrorWriter(logger), "", 0),
	}
}

func startServer(ctx context.Context, router *gin.Engine, cfg *config.Config, logger zerolog.Logger) error {
	switch cfg.HTTP.Mode {
	case config.ModeSelfSigned:
		return startSelfSignedHTTPS(ctx, router, cfg, logger)
	case config.ModeAutocert:
		return startAutocert(ctx, router, cfg, logger)
	default:
		return startHTTP(ctx, router, cfg, logger)
	}
}

// serve runs the given listeners until ctx ends or one of them fails, then
// shuts all of them down.
func serve(ctx context.Context, logger zerolog.Logger, servers map[*http.Server]func() error) error {
	errCh := make(chan error, len(servers))
	for srv, listen := range servers {
		go func(srv *http.Server, listen func() error) {
			if err := listen(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", srv.Addr, err)
				return
			}
			errCh <- nil
		}(srv, listen)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Str("addr", srv.Addr).Msg("shutdown")
		}
	}
	return runErr
}

func startHTTP(ctx context.Context, router *gin.Engine, cfg *config.Config, logger zerolog.Logger) error {
	srv := newServer(":"+cfg.HTTP.Port, router, logger)
	logger.Info().Str("port", cfg.HTTP.Port).Msg("HTTP server starting")
	return serve(ctx, logger, map[*http.Server]func() error{srv: srv.ListenAndServe})
}

func startSelfSignedHTTPS(ctx context.Context, router *gin.Engine, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().Msg("self-signed TLS enabled, generating certificate")

	hosts := []string{"localhost"}
	if cfg.HTTP.Domain != "" {
		hosts = []string{cfg.HTTP.Domain}
	}
	certPEM, keyPEM, err := generateSelfSignedCert(hosts)
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("load self-signed certificate: %w", err)
	}

	httpsServer := newServer(":"+cfg.HTTP.HTTPSPort, router, logger)
	httpsServer.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if idx := strings.Index(host, ":"); idx != -1 {
			host = host[:idx]
		}
		target := "https://" + host + ":" + cfg.HTTP.HTTPSPort + r.URL.Path
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		http.Redirect(w, r, target, http.StatusMovedPermanently)
	})
	httpServer := newServer(":"+cfg.HTTP.Port, redirect, logger)

	logger.Info().Str("https_port", cfg.HTTP.HTTPSPort).Str("http_port", cfg.HTTP.Port).Strs("hosts", hosts).Msg("HTTPS server (self-signed) starting")
	return serve(ctx, logger, map[*http.Server]func() error{
		httpServer:  httpServer.ListenAndServe,
		httpsServer: func() error { return httpsServer.ListenAndServeTLS("", "") },
	})
}

func startAutocert(ctx context.Context, router *gin.Engine, cfg *config.Config, logger zerolog.Logger) error {
	if err := os.MkdirAll(cfg.HTTP.CertsDir, 0o700); err != nil {
		return fmt.Errorf("create certs directory: %w", err)
	}

	domain := normalizeDomain(cfg.HTTP.Domain)
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error {
			if normalizeDomain(host) != domain {
				return fmt.Errorf("host %q not configured (expected %q)", host, domain)
			}
			return nil
		},
		Cache: autocert.DirCache(cfg.HTTP.CertsDir),
	}

	// ACME challenges are answered on the plain port; everything else is
	// redirected to HTTPS.
	acme := m.HTTPHandler(nil)
	httpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/.well-known/acme-challenge/") {
			acme.ServeHTTP(w, r)
			return
		}
		http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
	})
	httpServer := newServer(":"+cfg.HTTP.Port, httpHandler, logger)

	httpsServer := newServer(":"+cfg.HTTP.HTTPSPort, router, logger)
	httpsServer.TLSConfig = m.TLSConfig()

	go startCertificateRenewal(ctx, m, domain, logger)

	logger.Info().
		Str("domain", domain).
		Str("https_port", cfg.HTTP.HTTPSPort).
		Str("certs_dir", cfg.HTTP.CertsDir).
		Msg("HTTPS server starting")
	if domain == "localhost" || domain == "127.0.0.1" {
		logger.Warn().Msg("Let's Encrypt will not work for localhost, use http.mode=self-signed")
	}

	return serve(ctx, logger, map[*http.Server]func() error{
		httpServer:  httpServer.ListenAndServe,
		httpsServer: func() error { return httpsServer.ListenAndServeTLS("", "") },
	})
}

// startCertificateRenewal checks the cached certificate once after startup
// and then every 30 days.
func startCertificateRenewal(ctx context.Context, m *autocert.Manager, domain string, logger zerolog.Logger) {
	logger = logger.With().Str("component", "cert").Str("domain", domain).Logger()

	select {
	case <-ctx.Done():
		return
	case <-time.After(30 * time.Second):
	}
	checkAndRenewCertificate(m, domain, logger)

	ticker := time.NewTicker(30 * 24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkAndRenewCertificate(m, domain, logger)
		}
	}
}

func checkAndRenewCertificate(m *autocert.Manager, domain string, logger zerolog.Logger) {
	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain})
	if err != nil {
		logger.Error().Err(err).Msg("no certificate yet, it will be obtained on the next request")
		return
	}
	if cert == nil || len(cert.Certificate) == 0 {
		logger.Error().Msg("no certificate in cache")
		return
	}

	leaf := cert.Leaf
	if leaf == nil {
		leaf, err = x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			logger.Error().Err(err).Msg("parse certificate")
			return
		}
	}

	days := int(time.Until(leaf.NotAfter).Hours() / 24)
	logger.Info().Int("days_left", days).Time("not_after", leaf.NotAfter).Msg("certificate checked")
	if days < 30 {
		// autocert renews inside GetCertificate once the cert is close to expiry
		if _, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
			logger.Error().Err(err).Msg("certificate renewal")
			return
		}
		logger.Info().Msg("certificate renewal triggered")
	}
}

// normalizeDomain lowercases the domain and strips a leading "www.".
func normalizeDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	return strings.TrimPrefix(domain, "www.")
}

const selfSignedValidity = 365 * 24 * time.Hour

// splitHosts sorts hosts into certificate SANs. Ports are dropped and an
// empty result falls back to localhost.
func splitHosts(hosts []string) (dnsNames []string, ips []net.IP) {
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if host, _, err := net.SplitHostPort(h); err == nil {
			h = host
		}
		switch ip := net.ParseIP(h); {
		case h == "":
		case ip != nil:
			ips = append(ips, ip)
		default:
			dnsNames = append(dnsNames, h)
		}
	}
	if len(dnsNames) == 0 && len(ips) == 0 {
		dnsNames = []string{"localhost"}
	}
	return dnsNames, ips
}

// generateSelfSignedCert issues a P-256 certificate for hosts, signed by
// its own key, and returns both halves PEM encoded.
func generateSelfSignedCert(hosts []string) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial := uuid.New()

	dnsNames, ips := splitHosts(hosts)
	subject := pkix.Name{Organization: []string{"invitechat development"}}
	if len(dnsNames) > 0 {
		subject.CommonName = dnsNames[0]
	} else {
		subject.CommonName = ips[0].String()
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(serial[:]),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
