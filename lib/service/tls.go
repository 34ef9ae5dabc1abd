// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/selfsigned"
	"github.com/sirupsen/logrus"
)

// selfSignedHosts returns the names a generated certificate should be
// valid for.
func selfSignedHosts(cfg *config.Config) []string {
	hosts := []string{"localhost"}
	if u, err := url.Parse(cfg.Gateway.Endpoint); err == nil && u.Hostname() != "" {
		hosts = append(hosts, u.Hostname())
	}
	if h, _, err := net.SplitHostPort(cfg.Gateway.Listen); err == nil && h != "" {
		hosts = append(hosts, h)
	}
	return hosts
}

// tlsConfig returns the gateway's TLS config, or nil if TLS is not
// configured.
func tlsConfig(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (*tls.Config, error) {
	switch {
	case cfg.Gateway.TLS.SelfSigned:
		hosts := selfSignedHosts(cfg)
		cert, err := selfsigned.CertGenerator{Hosts: hosts}.Generate()
		if err != nil {
			return nil, fmt.Errorf("error generating self-signed certificate: %w", err)
		}
		logger.WithField("Hosts", hosts).Warn("using a self-signed TLS certificate")
		tc := baseTLSConfig()
		tc.Certificates = []tls.Certificate{cert}
		return tc, nil
	case cfg.Gateway.TLS.Certificate != "":
		return tlsConfigWithCertUpdater(ctx, cfg.Gateway.TLS, logger)
	default:
		return nil, nil
	}
}

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		CurvePreferences: []tls.CurveID{
			tls.CurveP256,
			tls.X25519,
		},
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
}

// tlsConfigWithCertUpdater returns a TLS config that serves the
// configured certificate, reloading it from disk on SIGHUP until ctx
// is done.
func tlsConfigWithCertUpdater(ctx context.Context, cfg config.TLS, logger logrus.FieldLogger) (*tls.Config, error) {
	currentCert := make(chan *tls.Certificate, 1)
	loaded := false

	update := func() error {
		cert, err := tls.LoadX509KeyPair(cfg.Certificate, cfg.Key)
		if err != nil {
			return fmt.Errorf("error loading X509 key pair: %w", err)
		}
		if loaded {
			// Throw away old cert
			<-currentCert
		}
		currentCert <- &cert
		loaded = true
		return nil
	}
	err := update()
	if err != nil {
		return nil, err
	}

	go func() {
		reload := make(chan os.Signal, 1)
		signal.Notify(reload, syscall.SIGHUP)
		defer signal.Stop(reload)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reload:
				err := update()
				if err != nil {
					logger.WithError(err).Warn("error updating TLS certificate")
				} else {
					logger.Info("reloaded TLS certificate")
				}
			}
		}
	}()

	tc := baseTLSConfig()
	tc.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert := <-currentCert
		currentCert <- cert
		return cert, nil
	}
	return tc, nil
}
