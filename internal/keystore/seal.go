package keystore

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	fileFormat = 2
	saltSize   = 16
	keySize    = chacha20poly1305.KeySize
)

// kdfParams are stored in the file so they can change without breaking
// existing keystores.
type kdfParams struct {
	Time      uint32 `json:"time"`
	MemoryKiB uint32 `json:"memory_kib"`
	Threads   uint8  `json:"threads"`
}

var defaultKDF = kdfParams{Time: 1, MemoryKiB: 64 * 1024, Threads: 4}

type sealedFile struct {
	Format int       `json:"format"`
	KDF    kdfParams `json:"kdf"`
	Salt   []byte    `json:"salt"`
	Nonce  []byte    `json:"nonce"`
	Sealed []byte    `json:"sealed"`
}

func encodeFile(f sealedFile) ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode keystore: %w", err)
	}
	return data, nil
}

func decodeFile(raw []byte) (sealedFile, error) {
	var f sealedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, fmt.Errorf("decode keystore: %w", ErrCorrupt)
	}
	if f.Format != fileFormat {
		return f, fmt.Errorf("unsupported keystore format %d: %w", f.Format, ErrCorrupt)
	}
	if len(f.Salt) != saltSize || len(f.Nonce) != chacha20poly1305.NonceSizeX || f.KDF.Time == 0 || f.KDF.Threads == 0 {
		return f, fmt.Errorf("keystore header: %w", ErrCorrupt)
	}
	return f, nil
}

// sealer holds the passphrase-derived key for one salt.
type sealer struct {
	key  []byte
	salt []byte
	kdf  kdfParams
}

func newSealer(passphrase string, salt []byte, kdf kdfParams) *sealer {
	return &sealer{
		key:  argon2.IDKey([]byte(passphrase), salt, kdf.Time, kdf.MemoryKiB, kdf.Threads, keySize),
		salt: salt,
		kdf:  kdf,
	}
}

// header is authenticated with the payload so the kdf and salt cannot be
// swapped underneath it.
func (s *sealer) header() []byte {
	h := make([]byte, 0, 13+len(s.salt))
	h = binary.BigEndian.AppendUint32(h, fileFormat)
	h = binary.BigEndian.AppendUint32(h, s.kdf.Time)
	h = binary.BigEndian.AppendUint32(h, s.kdf.MemoryKiB)
	h = append(h, s.kdf.Threads)
	return append(h, s.salt...)
}

func (s *sealer) seal(entries map[string][]byte) (sealedFile, error) {
	plain, err := json.Marshal(entries)
	if err != nil {
		return sealedFile{}, fmt.Errorf("encode secrets: %w", err)
	}
	defer clear(plain)
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return sealedFile{}, fmt.Errorf("init cipher: %w", err)
	}
	nonce, err := randomBytes(aead.NonceSize())
	if err != nil {
		return sealedFile{}, err
	}
	return sealedFile{
		Format: fileFormat,
		KDF:    s.kdf,
		Salt:   s.salt,
		Nonce:  nonce,
		Sealed: aead.Seal(nil, nonce, plain, s.header()),
	}, nil
}

func (s *sealer) open(f sealedFile) (map[string][]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plain, err := aead.Open(nil, f.Nonce, f.Sealed, s.header())
	if err != nil {
		// a wrong passphrase and a tampered file are indistinguishable here
		return nil, ErrBadPassphrase
	}
	defer clear(plain)
	entries := make(map[string][]byte)
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", ErrCorrupt)
	}
	return entries, nil
}

func (s *sealer) wipe() {
	clear(s.key)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}
