package mesh

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"
)

// Handshake describes a client connection being authenticated.
type Handshake struct {
	ClientID   string
	Query      url.Values
	Header     http.Header
	RemoteAddr string
}

// PeerHandshake carries the parameters a dialing node presents.
type PeerHandshake struct {
	NodeID      string
	Publish     string
	Certificate string
	RemoteAddr  string
}

// Delegate is implemented by the embedding application. The forwarding
// hooks let it reroute client-originated deliveries; the defaults hand them
// to the exec router.
type Delegate interface {
	Auth(ctx context.Context, hs Handshake) (UserInfo, error)
	AuthenticatePeer(ctx context.Context, hs PeerHandshake) error
	LocalCertificate() string

	TriggerTo(ctx context.Context, c *Center, clientID, event string, data json.RawMessage, sender string) error
	CallTo(ctx context.Context, c *Center, clientID, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error)
	SendTo(ctx context.Context, c *Center, clientID, method string, data json.RawMessage, sender string) error
}

// BaseDelegate accepts any non-empty client id and, when peers present or
// are required to present a certificate, verifies it.
type BaseDelegate struct {
	// Identity signs this node's certificate. Nil sends no certificate.
	Identity *Identity
	// Trusted restricts peers to these identity keys when non-empty.
	Trusted []ed25519.PublicKey

	nonces nonceGuard
}

func (d *BaseDelegate) Auth(_ context.Context, hs Handshake) (UserInfo, error) {
	if hs.ClientID == "" {
		return nil, fmt.Errorf("client id required: %w", ErrAuthRejected)
	}
	return UserInfo{"id": hs.ClientID}, nil
}

func (d *BaseDelegate) AuthenticatePeer(_ context.Context, hs PeerHandshake) error {
	if hs.NodeID == "" {
		return fmt.Errorf("node id required: %w", ErrAuthRejected)
	}
	if hs.Certificate == "" && len(d.Trusted) == 0 {
		return nil
	}
	now := time.Now()
	cert, err := VerifyCertificate(hs.NodeID, hs.Certificate, now)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrAuthRejected)
	}
	if len(d.Trusted) > 0 && !slices.ContainsFunc(d.Trusted, func(k ed25519.PublicKey) bool { return k.Equal(cert.Key) }) {
		return fmt.Errorf("untrusted identity for node %s: %w", hs.NodeID, ErrAuthRejected)
	}
	if !d.nonces.admit(cert.Key, cert.Nonce, now) {
		return fmt.Errorf("peer certificate for node %s already used: %w", hs.NodeID, ErrAuthRejected)
	}
	return nil
}

func (d *BaseDelegate) LocalCertificate() string {
	if d.Identity == nil {
		return ""
	}
	return d.Identity.Certificate()
}

func (d *BaseDelegate) TriggerTo(ctx context.Context, c *Center, clientID, event string, data json.RawMessage, sender string) error {
	return c.Client(clientID).Trigger(ctx, event, data, sender)
}

func (d *BaseDelegate) CallTo(ctx context.Context, c *Center, clientID, method string, data json.RawMessage, timeout time.Duration, sender string) (json.RawMessage, error) {
	return c.Client(clientID).Call(ctx, method, data, timeout, sender)
}

func (d *BaseDelegate) SendTo(ctx context.Context, c *Center, clientID, method string, data json.RawMessage, sender string) error {
	return c.Client(clientID).Send(ctx, method, data, sender)
}
