package pipeline

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/rpcguard/pkg/metrics"
	"github.com/cuemby/rpcguard/pkg/rpcerr"
	"google.golang.org/grpc/credentials"
)

// TLSFiles locates the server key pair and, for mutual TLS, the CA that
// signs client certificates.
type TLSFiles struct {
	CertFile     string
	KeyFile      string
	ClientCAFile string
}

// ServerCredentials loads the key pair and returns gRPC transport
// credentials. With a client CA, client certificates are required and their
// common name becomes the call principal. The server certificate's days to
// expiry and every failed handshake are reported on rec, which may be nil.
func ServerCredentials(files TLSFiles, rec *metrics.Recorder, now func() time.Time) (credentials.TransportCredentials, error) {
	pair, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Certificate(files.CertFile, "failed to load key pair"), err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Certificate(files.CertFile, "failed to parse certificate"), err)
	}
	if now == nil {
		now = time.Now
	}
	if rec != nil {
		rec.SetCertificateExpiryDays(certName(leaf, files.CertFile), leaf.NotAfter.Sub(now()).Hours()/24)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}
	if files.ClientCAFile != "" {
		pem, err := os.ReadFile(files.ClientCAFile)
		if err != nil {
			return nil, rpcerr.Wrap(rpcerr.Certificate(files.ClientCAFile, "failed to read client CA"), err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, rpcerr.Certificate(files.ClientCAFile, "no certificates in client CA file")
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return &recordingCreds{TransportCredentials: credentials.NewTLS(cfg), rec: rec}, nil
}

func certName(leaf *x509.Certificate, path string) string {
	if leaf.Subject.CommonName != "" {
		return leaf.Subject.CommonName
	}
	return filepath.Base(path)
}

// recordingCreds counts failed server handshakes.
type recordingCreds struct {
	credentials.TransportCredentials
	rec *metrics.Recorder
}

func (c *recordingCreds) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	out, info, err := c.TransportCredentials.ServerHandshake(conn)
	if err != nil && c.rec != nil {
		c.rec.RecordTLSHandshakeFailure(handshakeReason(err))
	}
	return out, info, err
}

func (c *recordingCreds) Clone() credentials.TransportCredentials {
	return &recordingCreds{TransportCredentials: c.TransportCredentials.Clone(), rec: c.rec}
}

// handshakeReason maps a handshake error to a bounded label value.
func handshakeReason(err error) string {
	var (
		unknownAuthority x509.UnknownAuthorityError
		invalid          x509.CertificateInvalidError
		netErr           net.Error
	)
	switch {
	case errors.As(err, &unknownAuthority):
		return "unknown_authority"
	case errors.As(err, &invalid):
		return "invalid_certificate"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case strings.Contains(err.Error(), "certificate"):
		return "bad_certificate"
	default:
		return "protocol"
	}
}

// ClientCredentials builds transport credentials for outgoing calls. caFile
// verifies the server; certFile and keyFile, when set, present a client
// certificate for mutual TLS.
func ClientCredentials(caFile, certFile, keyFile string) (credentials.TransportCredentials, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	if certFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return credentials.NewTLS(cfg), nil
}
