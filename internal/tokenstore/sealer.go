package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for key derivation (2^15).
	scryptN = 32768

	scryptR = 8
	scryptP = 1

	// sealKeyLen selects AES-256.
	sealKeyLen = 32

	// saltLen is the length of the random per-store salt.
	saltLen = 16
)

// Sealer encrypts stored values with AES-GCM under a passphrase-derived
// key. Sealed values are [12-byte nonce][ciphertext+tag]. A nil *Sealer
// passes values through unchanged.
type Sealer struct {
	gcm cipher.AEAD
}

// NewSealer derives a key from passphrase and salt using scrypt. The
// passphrase is NFKC-normalized so equivalent Unicode input yields the
// same key.
func NewSealer(passphrase string, salt []byte) (*Sealer, error) {
	key, err := scrypt.Key([]byte(norm.NFKC.String(passphrase)), salt, scryptN, scryptR, scryptP, sealKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Sealer{gcm: gcm}, nil
}

// NewSalt returns a random salt for NewSealer.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	return salt, nil
}

// Seal encrypts plaintext with a random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	if s == nil || plaintext == nil {
		return plaintext, nil
	}

	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return s.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if s == nil || data == nil {
		return data, nil
	}

	ns := s.gcm.NonceSize()
	if len(data) < ns+s.gcm.Overhead() {
		return nil, fmt.Errorf("sealed value too short (%d bytes)", len(data))
	}

	plain, err := s.gcm.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}

	return plain, nil
}

// openOrNil treats undecryptable values as missing.
func (s *Sealer) openOrNil(data []byte) []byte {
	plain, err := s.Open(data)
	if err != nil {
		return nil
	}

	return plain
}
