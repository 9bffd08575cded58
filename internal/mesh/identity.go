package mesh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/encark/fmtc/internal/keystore"
)

const (
	certificateContext = "fmtc-peer:"
	certificateNonce   = 16
	// CertificateMaxAge bounds both clock skew between peers and how long a
	// certificate nonce is remembered.
	CertificateMaxAge = 30 * time.Second
)

// Identity is the node's long-term signing key.
type Identity struct {
	NodeID     string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// NewIdentity binds priv to nodeID.
func NewIdentity(nodeID string, priv ed25519.PrivateKey) *Identity {
	return &Identity{
		NodeID:     nodeID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}
}

// Certificate returns a fresh "hex(pub).issued.nonce.sig" token. sig signs
// the node id, the issue time in unix milliseconds and a random nonce, so
// every dial presents a different certificate.
func (id *Identity) Certificate() string {
	return id.certificateAt(time.Now())
}

func (id *Identity) certificateAt(now time.Time) string {
	raw := make([]byte, certificateNonce)
	_, _ = rand.Read(raw)
	issued := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := base64.RawURLEncoding.EncodeToString(raw)
	sig := ed25519.Sign(id.PrivateKey, certificatePayload(id.NodeID, issued, nonce))
	return strings.Join([]string{
		hex.EncodeToString(id.PublicKey),
		issued,
		nonce,
		base64.RawURLEncoding.EncodeToString(sig),
	}, ".")
}

func certificatePayload(nodeID, issued, nonce string) []byte {
	return []byte(certificateContext + nodeID + "|" + issued + "|" + nonce)
}

// PeerCertificate is a certificate that passed VerifyCertificate.
type PeerCertificate struct {
	Key    ed25519.PublicKey
	Issued time.Time
	Nonce  string
}

// VerifyCertificate checks that cert was produced for nodeID and issued
// within CertificateMaxAge of now.
func VerifyCertificate(nodeID, cert string, now time.Time) (PeerCertificate, error) {
	parts := strings.Split(cert, ".")
	if len(parts) != 4 {
		return PeerCertificate{}, errors.New("malformed peer certificate")
	}
	key, err := hex.DecodeString(parts[0])
	if err != nil || len(key) != ed25519.PublicKeySize {
		return PeerCertificate{}, errors.New("malformed peer certificate key")
	}
	millis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return PeerCertificate{}, errors.New("malformed peer certificate time")
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || len(nonce) != certificateNonce {
		return PeerCertificate{}, errors.New("malformed peer certificate nonce")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[3])
	if err != nil {
		return PeerCertificate{}, errors.New("malformed peer certificate signature")
	}
	pub := ed25519.PublicKey(key)
	if !ed25519.Verify(pub, certificatePayload(nodeID, parts[1], parts[2]), sig) {
		return PeerCertificate{}, fmt.Errorf("peer certificate does not match node %s", nodeID)
	}
	issued := time.UnixMilli(millis)
	if skew := now.Sub(issued); skew > CertificateMaxAge || skew < -CertificateMaxAge {
		return PeerCertificate{}, fmt.Errorf("peer certificate issued %s outside the accepted window", issued.UTC().Format(time.RFC3339))
	}
	return PeerCertificate{Key: pub, Issued: issued, Nonce: parts[2]}, nil
}

// nonceGuard remembers accepted certificate nonces until they age out.
type nonceGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

// admit records nonce and reports false if it was already seen.
func (g *nonceGuard) admit(key ed25519.PublicKey, nonce string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = make(map[string]time.Time)
	}
	for k, expiry := range g.seen {
		if now.After(expiry) {
			delete(g.seen, k)
		}
	}
	k := hex.EncodeToString(key) + "." + nonce
	if _, ok := g.seen[k]; ok {
		return false
	}
	// a certificate stays valid up to CertificateMaxAge on either side of now
	g.seen[k] = now.Add(2 * CertificateMaxAge)
	return true
}

// ParseTrustedKeys decodes hex encoded ed25519 public keys.
func ParseTrustedKeys(keys []string) ([]ed25519.PublicKey, error) {
	out := make([]ed25519.PublicKey, 0, len(keys))
	for _, k := range keys {
		raw, err := hex.DecodeString(strings.TrimSpace(k))
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid trusted key %q", k)
		}
		out = append(out, ed25519.PublicKey(raw))
	}
	return out, nil
}

// EnsureIdentityKey loads the node identity key from the keystore or generates it.
func EnsureIdentityKey(ctx context.Context, ks keystore.SecretStore, secretID string) (ed25519.PrivateKey, error) {
	if ks == nil {
		return nil, errors.New("keystore is required for mesh identity")
	}
	if secretID == "" {
		secretID = keystore.MeshIdentitySecret
	}

	raw, err := ks.Secret(ctx, secretID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load mesh identity: %w", err)
		}
		_, priv, genErr := ed25519.GenerateKey(nil)
		if genErr != nil {
			return nil, fmt.Errorf("generate mesh identity: %w", genErr)
		}
		if storeErr := ks.PutSecret(ctx, secretID, priv); storeErr != nil {
			return nil, fmt.Errorf("store mesh identity: %w", storeErr)
		}
		return priv, nil
	}
	defer clear(raw)

	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("mesh identity secret has invalid size %d", len(raw))
	}
	return ed25519.PrivateKey(append([]byte(nil), raw...)), nil
}
