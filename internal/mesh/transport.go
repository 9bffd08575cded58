package mesh

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// Peer address schemes.
const (
	SchemePlain  = "fnode"
	SchemeSecure = "fnodes"
)

// TLSConfig holds TLS materials for node links.
type TLSConfig struct {
	CertPath           string
	KeyPath            string
	CAPath             string
	InsecureSkipVerify bool
}

// PeerAddress is a parsed fnode:// or fnodes:// address.
type PeerAddress struct {
	Host   string
	Secure bool
}

// String renders the canonical form used as the peer key.
func (a PeerAddress) String() string {
	scheme := SchemePlain
	if a.Secure {
		scheme = SchemeSecure
	}
	return scheme + "://" + a.Host + "/"
}

// ParsePeerAddress accepts fnode://host:port/, fnodes://host:port/ or a bare
// host:port, which is treated as plaintext.
func ParsePeerAddress(raw string) (PeerAddress, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return PeerAddress{}, errors.New("empty peer address")
	}
	if !strings.Contains(raw, "://") {
		raw = SchemePlain + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return PeerAddress{}, fmt.Errorf("parse peer address %q: %w", raw, err)
	}
	if u.Host == "" || u.Port() == "" {
		return PeerAddress{}, fmt.Errorf("peer address %q needs host:port", raw)
	}
	switch u.Scheme {
	case SchemePlain:
		return PeerAddress{Host: u.Host}, nil
	case SchemeSecure:
		return PeerAddress{Host: u.Host, Secure: true}, nil
	default:
		return PeerAddress{}, fmt.Errorf("unsupported peer scheme %q", u.Scheme)
	}
}

func dialTransportOption(addr PeerAddress, tlsCfg TLSConfig) (grpc.DialOption, error) {
	if !addr.Secure {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	config := &tls.Config{InsecureSkipVerify: tlsCfg.InsecureSkipVerify}
	if tlsCfg.CertPath != "" || tlsCfg.KeyPath != "" {
		cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mesh tls cert: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	if tlsCfg.CAPath != "" {
		pool, err := loadCAPool(tlsCfg.CAPath)
		if err != nil {
			return nil, err
		}
		config.RootCAs = pool
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(config)), nil
}

// ServerTransportOption returns the credentials for the NodeMesh listener.
// Without a certificate the listener is plaintext.
func ServerTransportOption(tlsCfg TLSConfig) (grpc.ServerOption, error) {
	if tlsCfg.CertPath == "" || tlsCfg.KeyPath == "" {
		return grpc.Creds(insecure.NewCredentials()), nil
	}
	cert, err := tls.LoadX509KeyPair(tlsCfg.CertPath, tlsCfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load mesh tls cert: %w", err)
	}
	config := &tls.Config{Certificates: []tls.Certificate{cert}}
	if tlsCfg.CAPath != "" {
		pool, err := loadCAPool(tlsCfg.CAPath)
		if err != nil {
			return nil, err
		}
		config.ClientCAs = pool
		config.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return grpc.Creds(credentials.NewTLS(config)), nil
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	caBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mesh ca: %w", err)
	}
	if ok := pool.AppendCertsFromPEM(caBytes); !ok {
		return nil, errors.New("append mesh ca cert failed")
	}
	return pool, nil
}
