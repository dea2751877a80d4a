// Copyright 2026 Steve Gerbino. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls wraps a corio.Stream with a TLS session. It is a bridge,
// not a TLS implementation: the engine is crypto/tls, and this package
// only adapts the engine's synchronous I/O to the asynchronous stream
// underneath.
package tls

import (
	stdtls "crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
)

// Role selects the handshake side.
type Role int

const (
	// RoleClient performs the handshake as the connecting client.
	RoleClient Role = iota

	// RoleServer performs the handshake as the accepting server.
	RoleServer
)

// VerifyMode controls peer-certificate verification.
type VerifyMode int

const (
	// VerifyNone neither requests nor verifies the peer certificate.
	VerifyNone VerifyMode = iota

	// VerifyPeer requests the peer certificate and verifies it if
	// presented.
	VerifyPeer

	// VerifyRequirePeer requires a peer certificate and verifies it.
	VerifyRequirePeer
)

// Context holds TLS configuration: certificates, trust anchors, the
// verification mode, ALPN protocols, protocol version bounds, and the
// SNI hostname.
//
// Each stream built from a Context captures its settings when the
// stream's handshake starts; later modifications do not reach a stream
// whose handshake has started. Use separate Context objects for
// differing configurations.
type Context struct {
	mu sync.Mutex

	// All fields below GUARDED_BY(mu).
	certificates    []stdtls.Certificate
	roots           *x509.CertPool
	verifyMode      VerifyMode
	verifyDepth     int
	alpn            []string
	minVersion      uint16
	maxVersion      uint16
	hostname        string
	ticketsDisabled bool
}

// NewContext creates an empty configuration.
func NewContext() *Context {
	return &Context{}
}

// UseCertificatePEM installs the certificate chain and private key used
// to identify this side, both PEM encoded.
func (c *Context) UseCertificatePEM(certPEM, keyPEM []byte) error {
	cert, err := stdtls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	c.mu.Lock()
	c.certificates = append(c.certificates, cert)
	c.mu.Unlock()
	return nil
}

// UseCertificateFile is UseCertificatePEM reading from files.
func (c *Context) UseCertificateFile(certFile, keyFile string) error {
	cert, err := stdtls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("load certificate: %w", err)
	}
	c.mu.Lock()
	c.certificates = append(c.certificates, cert)
	c.mu.Unlock()
	return nil
}

// AddCertificateAuthorityPEM adds CA certificates to the trust store
// used for verifying the peer.
func (c *Context) AddCertificateAuthorityPEM(pem []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roots == nil {
		c.roots = x509.NewCertPool()
	}
	if !c.roots.AppendCertsFromPEM(pem) {
		return fmt.Errorf("no certificates found in PEM input")
	}
	return nil
}

// LoadVerifyFile reads a PEM bundle of CA certificates into the trust
// store.
func (c *Context) LoadVerifyFile(path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.AddCertificateAuthorityPEM(pem)
}

// SetDefaultVerifyPaths loads the system trust store.
func (c *Context) SetDefaultVerifyPaths() error {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.roots = pool
	c.mu.Unlock()
	return nil
}

// SetVerifyMode selects how the peer certificate is handled.
func (c *Context) SetVerifyMode(mode VerifyMode) {
	c.mu.Lock()
	c.verifyMode = mode
	c.mu.Unlock()
}

// SetVerifyDepth records a verification chain-length bound. The value is
// stored only: it is not applied to the engine configuration, and the
// chain length is not limited.
func (c *Context) SetVerifyDepth(depth int) {
	c.mu.Lock()
	c.verifyDepth = depth
	c.mu.Unlock()
}

// SetALPN sets the application protocols offered or accepted during the
// handshake, in preference order.
func (c *Context) SetALPN(protocols ...string) {
	c.mu.Lock()
	c.alpn = append([]string(nil), protocols...)
	c.mu.Unlock()
}

// SetHostname sets the SNI hostname sent by clients and checked against
// the server certificate.
func (c *Context) SetHostname(name string) {
	c.mu.Lock()
	c.hostname = name
	c.mu.Unlock()
}

// SetMinimumVersion bounds the protocol version from below, e.g.
// tls.VersionTLS12 from crypto/tls.
func (c *Context) SetMinimumVersion(v uint16) {
	c.mu.Lock()
	c.minVersion = v
	c.mu.Unlock()
}

// SetMaximumVersion bounds the protocol version from above.
func (c *Context) SetMaximumVersion(v uint16) {
	c.mu.Lock()
	c.maxVersion = v
	c.mu.Unlock()
}

// SetSessionTicketsDisabled disables session-ticket resumption on
// servers.
func (c *Context) SetSessionTicketsDisabled(v bool) {
	c.mu.Lock()
	c.ticketsDisabled = v
	c.mu.Unlock()
}

// snapshot renders the engine configuration for a stream being built
// from this context.
func (c *Context) snapshot(role Role) *stdtls.Config {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg := &stdtls.Config{
		Certificates:           append([]stdtls.Certificate(nil), c.certificates...),
		NextProtos:             append([]string(nil), c.alpn...),
		MinVersion:             c.minVersion,
		MaxVersion:             c.maxVersion,
		ServerName:             c.hostname,
		SessionTicketsDisabled: c.ticketsDisabled,
	}

	if role == RoleClient {
		cfg.RootCAs = c.roots
		cfg.InsecureSkipVerify = c.verifyMode == VerifyNone
	} else {
		cfg.ClientCAs = c.roots
		switch c.verifyMode {
		case VerifyNone:
			cfg.ClientAuth = stdtls.NoClientCert
		case VerifyPeer:
			cfg.ClientAuth = stdtls.VerifyClientCertIfGiven
		case VerifyRequirePeer:
			cfg.ClientAuth = stdtls.RequireAndVerifyClientCert
		}
	}
	return cfg
}
