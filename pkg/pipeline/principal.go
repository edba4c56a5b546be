package pipeline

import (
	"context"
	"errors"
	"net"
	"strings"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
)

// HeaderPrincipal carries a principal asserted by a trusted front proxy.
const HeaderPrincipal = "x-principal"

// ErrNoPrincipal is returned when no identity source yields a principal.
var ErrNoPrincipal = errors.New("no principal in call context")

type principalKey struct{}

// ContextWithPrincipal stores the principal established by an auth layer.
func ContextWithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal stored by ContextWithPrincipal.
func PrincipalFromContext(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(string)
	return p, ok && p != ""
}

// ResolvePrincipal returns an identity the transport vouches for: the
// context value set by an auth layer, then the common name of a verified
// mTLS peer certificate. Caller-supplied metadata is never consulted.
func ResolvePrincipal(ctx context.Context) (string, error) {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p, nil
	}
	if p, ok := peer.FromContext(ctx); ok && p.AuthInfo != nil {
		if tlsInfo, ok := p.AuthInfo.(credentials.TLSInfo); ok {
			if certs := tlsInfo.State.PeerCertificates; len(certs) > 0 && certs[0].Subject.CommonName != "" {
				return certs[0].Subject.CommonName, nil
			}
		}
	}
	return "", ErrNoPrincipal
}

// ResolvePrincipalWithHeader is ResolvePrincipal falling back to the
// x-principal metadata entry. Only install it behind a proxy that strips the
// header from client traffic: any caller can set it.
func ResolvePrincipalWithHeader(ctx context.Context) (string, error) {
	if p, err := ResolvePrincipal(ctx); err == nil {
		return p, nil
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(HeaderPrincipal); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			return strings.TrimSpace(v[0]), nil
		}
	}
	return "", ErrNoPrincipal
}

// peerHost returns the caller's host without the ephemeral source port, so
// reconnecting does not yield a new client id.
func peerHost(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	addr := p.Addr.String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
