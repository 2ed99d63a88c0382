// Package aead defines the AEAD contract the framing layer consumes.
//
// The core never implements a block cipher itself (out of scope per the
// networking substrate's spec); it consumes the stdlib cipher.AEAD
// interface and picks a concrete family by the single magic byte carried
// on every frame (§3/§4.2 of the spec). Two families are wired: AES-GCM
// (magic 0xA3, stdlib crypto/aes + crypto/cipher) and ChaCha20-Poly1305
// (magic 0xC2, golang.org/x/crypto/chacha20poly1305) — the two families the
// spec names explicitly.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/duskrelay/beacon/internal/errs"
)

// Magic byte values, doubling as the cipher family selector (§3).
const (
	MagicAESGCM      byte = 0xA3
	MagicChaCha20    byte = 0xC2
	NonceSize             = 12 // 96 bits, per §6
	TagSize               = 16 // 128 bits, per §6
)

// Cipher binds a magic byte to a ready-to-use cipher.AEAD instance. A
// session installs exactly one Cipher for its lifetime (§4.2: "do not
// switch cipher mid-session").
type Cipher struct {
	Magic byte
	AEAD  cipher.AEAD
}

// NewAESGCM builds the AES-GCM family from a raw key (16, 24, or 32 bytes).
func NewAESGCM(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "aead.NewAESGCM", "invalid key", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "aead.NewAESGCM", "build GCM", err)
	}
	return &Cipher{Magic: MagicAESGCM, AEAD: gcm}, nil
}

// NewChaCha20Poly1305 builds the ChaCha20-Poly1305 family from a 32-byte key.
func NewChaCha20Poly1305(key []byte) (*Cipher, error) {
	aeadImpl, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "aead.NewChaCha20Poly1305", "invalid key", err)
	}
	return &Cipher{Magic: MagicChaCha20, AEAD: aeadImpl}, nil
}

// ForMagic constructs the cipher family identified by magic from a raw key.
// Returns errs.Protocol for an unrecognized magic byte.
func ForMagic(magic byte, key []byte) (*Cipher, error) {
	switch magic {
	case MagicAESGCM:
		return NewAESGCM(key)
	case MagicChaCha20:
		return NewChaCha20Poly1305(key)
	default:
		return nil, errs.New(errs.Protocol, "aead.ForMagic", fmt.Sprintf("unknown magic byte 0x%02x", magic))
	}
}

// Seal encrypts plaintext under a freshly generated nonce and returns
// (nonce || ciphertext || tag), matching the outbound body layout in §3/§6.
func (c *Cipher) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, "aead.Seal", "nonce generation", err)
	}
	sealed := c.AEAD.Seal(nil, nonce, plaintext, additionalData)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open splits body into (nonce || ciphertext || tag) and decrypts+verifies
// it. Returns errs.Crypto on authentication failure or a malformed body.
func (c *Cipher) Open(body, additionalData []byte) ([]byte, error) {
	if len(body) < NonceSize+TagSize {
		return nil, errs.New(errs.Crypto, "aead.Open", "body shorter than nonce+tag")
	}
	nonce := body[:NonceSize]
	ciphertext := body[NonceSize:]
	plaintext, err := c.AEAD.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "aead.Open", "authentication failed", err)
	}
	return plaintext, nil
}

// Locked wraps a session's installed Cipher and enforces that every frame
// it decrypts carries the same magic byte the session was established
// with (§4.2: "a session locked onto cipher X must reject frames carrying
// a different magic"). It is the only entry point framing code should use
// once a session has completed its handshake.
type Locked struct {
	cipher *Cipher
}

// NewLocked locks in c as the only cipher family this session will accept.
func NewLocked(c *Cipher) *Locked {
	return &Locked{cipher: c}
}

// Magic reports the locked-in magic byte.
func (l *Locked) Magic() byte { return l.cipher.Magic }

// Open decrypts body, rejecting it outright (errs.Protocol) if frameMagic
// does not match the cipher this session locked onto.
func (l *Locked) Open(frameMagic byte, body, additionalData []byte) ([]byte, error) {
	if frameMagic != l.cipher.Magic {
		return nil, errs.New(errs.Protocol, "aead.Locked.Open",
			fmt.Sprintf("frame magic 0x%02x does not match locked cipher 0x%02x", frameMagic, l.cipher.Magic))
	}
	return l.cipher.Open(body, additionalData)
}

// Seal encrypts plaintext under the locked-in cipher family.
func (l *Locked) Seal(plaintext, additionalData []byte) ([]byte, error) {
	return l.cipher.Seal(plaintext, additionalData)
}
