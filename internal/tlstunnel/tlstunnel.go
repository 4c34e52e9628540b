// Package tlstunnel wraps a raw TCP socket as a TLS stream for the
// optional encrypted hop between the client role and a remote proxy, and
// for the server role's optional TLS-wrapped listener.
package tlstunnel

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// handshakeTimeout bounds both Connect and Accept; a handshake that does
// not complete within this window is abandoned.
const handshakeTimeout = 10 * time.Second

// Connect performs a TLS client handshake over an already-dialled TCP
// connection, trusting only the certificates in trustPEMPath and verifying
// the peer against serverName (also sent as SNI).
func Connect(conn net.Conn, trustPEMPath, serverName string) (*tls.Conn, error) {
	pool, err := loadCAPool(trustPEMPath)
	if err != nil {
		return nil, fmt.Errorf("tlstunnel: load trust anchor: %w", err)
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	return handshake(conn, tls.Client(conn, cfg))
}

// Accept performs a TLS server handshake over an already-accepted TCP
// connection, presenting the certificate chain and key at certPEMPath /
// keyPEMPath. No client certificate is required.
func Accept(conn net.Conn, certPEMPath, keyPEMPath string) (*tls.Conn, error) {
	cert, err := tls.LoadX509KeyPair(certPEMPath, keyPEMPath)
	if err != nil {
		return nil, fmt.Errorf("tlstunnel: load server certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		ClientAuth:   tls.NoClientCert,
	}

	return handshake(conn, tls.Server(conn, cfg))
}

func handshake(raw net.Conn, t *tls.Conn) (*tls.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	if err := t.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tlstunnel: handshake: %w", err)
	}
	return t, nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}
