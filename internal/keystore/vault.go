// Package keystore seals node secrets at rest, such as the mesh identity key.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
)

// MeshIdentitySecret is the secret id holding the node's ed25519 key.
const MeshIdentitySecret = "mesh_identity"

const maxSecretBytes = 16 * 1024

var (
	ErrClosed        = errors.New("keystore is closed")
	ErrBadPassphrase = errors.New("invalid keystore passphrase")
	ErrCorrupt       = errors.New("corrupted keystore")
	ErrSecretID      = errors.New("secret id is required")
	ErrSecretSize    = errors.New("secret size out of range")
)

// SecretStore is what the node needs from a keystore. Missing ids yield
// an error matching os.ErrNotExist.
type SecretStore interface {
	Secret(ctx context.Context, id string) ([]byte, error)
	PutSecret(ctx context.Context, id string, secret []byte) error
}

// Vault is a passphrase-sealed secret file. Every mutation rewrites the
// whole file under a fresh nonce.
type Vault struct {
	path string

	mu      sync.RWMutex
	sealer  *sealer
	entries map[string][]byte
}

// Open unlocks the vault at path, creating an empty one when the file does
// not exist yet.
func Open(ctx context.Context, path, passphrase string) (*Vault, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase required: %w", ErrBadPassphrase)
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return create(ctx, path, passphrase)
	case err != nil:
		return nil, fmt.Errorf("read keystore: %w", err)
	}

	file, err := decodeFile(raw)
	if err != nil {
		return nil, err
	}
	s := newSealer(passphrase, file.Salt, file.KDF)
	entries, err := s.open(file)
	if err != nil {
		s.wipe()
		return nil, err
	}
	return &Vault{path: path, sealer: s, entries: entries}, ctx.Err()
}

func create(ctx context.Context, path, passphrase string) (*Vault, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create keystore directory: %w", err)
	}
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	v := &Vault{
		path:    path,
		sealer:  newSealer(passphrase, salt, defaultKDF),
		entries: make(map[string][]byte),
	}
	if err := v.flush(); err != nil {
		return nil, err
	}
	return v, ctx.Err()
}

// Path returns the backing file path.
func (v *Vault) Path() string { return v.path }

// Secret returns a copy of the secret stored under id.
func (v *Vault) Secret(ctx context.Context, id string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.sealer == nil {
		return nil, ErrClosed
	}
	secret, ok := v.entries[id]
	if !ok {
		return nil, fmt.Errorf("secret %q: %w", id, os.ErrNotExist)
	}
	return slices.Clone(secret), ctx.Err()
}

// PutSecret stores secret under id, wiping any previous value.
func (v *Vault) PutSecret(ctx context.Context, id string, secret []byte) error {
	if id == "" {
		return ErrSecretID
	}
	if len(secret) == 0 || len(secret) > maxSecretBytes {
		return fmt.Errorf("secret %q has %d bytes: %w", id, len(secret), ErrSecretSize)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealer == nil {
		return ErrClosed
	}
	clear(v.entries[id])
	v.entries[id] = slices.Clone(secret)
	if err := v.flush(); err != nil {
		return err
	}
	return ctx.Err()
}

// DeleteSecret removes id. Deleting a missing id is not an error.
func (v *Vault) DeleteSecret(ctx context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealer == nil {
		return ErrClosed
	}
	old, ok := v.entries[id]
	if !ok {
		return ctx.Err()
	}
	clear(old)
	delete(v.entries, id)
	if err := v.flush(); err != nil {
		return err
	}
	return ctx.Err()
}

// IDs lists the stored secret ids in sorted order.
func (v *Vault) IDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.entries))
	for id := range v.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close wipes the derived key and every cached secret.
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sealer == nil {
		return
	}
	v.sealer.wipe()
	v.sealer = nil
	for id, secret := range v.entries {
		clear(secret)
		delete(v.entries, id)
	}
}

// flush seals the entries and replaces the file atomically. Callers hold mu.
func (v *Vault) flush() error {
	file, err := v.sealer.seal(v.entries)
	if err != nil {
		return err
	}
	data, err := encodeFile(file)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(v.path), ".keystore-*")
	if err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	if err := os.Rename(tmp.Name(), v.path); err != nil {
		return fmt.Errorf("replace keystore: %w", err)
	}
	return nil
}
