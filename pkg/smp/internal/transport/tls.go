// SPDX-FileCopyrightText: 2025 smp-go contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

var (
	selfSignedOnce sync.Once
	selfSignedCert tls.Certificate
	selfSignedErr  error
)

// generateSelfSigned creates a throwaway certificate once per process.
func generateSelfSigned() (tls.Certificate, error) {
	selfSignedOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			selfSignedErr = fmt.Errorf("generating private key failed: %w", err)
			return
		}

		template := x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "smp"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(10 * 365 * 24 * time.Hour),
		}
		certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
		if err != nil {
			selfSignedErr = fmt.Errorf("generating certificate failed: %w", err)
			return
		}

		keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

		selfSignedCert, selfSignedErr = tls.X509KeyPair(certPEM, keyPEM)
	})
	return selfSignedCert, selfSignedErr
}

// ListenerTLSConfig for a server. If ssl is set, the certificate and private key are loaded from the given PEM
// files; otherwise a self-signed certificate is used, which dialers must not verify.
func ListenerTLSConfig(ssl bool, certificateFile, privateKeyFile, alpn string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error

	if ssl {
		cert, err = tls.LoadX509KeyPair(certificateFile, privateKeyFile)
	} else {
		cert, err = generateSelfSigned()
	}
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// DialerTLSConfig for a client. Without ssl, the server's certificate is not verified.
func DialerTLSConfig(ssl bool, serverName, alpn string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: !ssl,
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
	}
}

// QUICConfig derives the QUIC settings. The session's idle timeout is enforced by the connection itself, QUIC's own
// idle timeout only acts as a safety net.
func QUICConfig(idleTimeout time.Duration) *quic.Config {
	quicIdle := 2 * idleTimeout
	if quicIdle < 5*time.Second {
		quicIdle = 5 * time.Second
	}

	return &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       quicIdle,
		KeepAlivePeriod:      quicIdle / 3,
		EnableDatagrams:      false,
		MaxIncomingStreams:   16,
	}
}
