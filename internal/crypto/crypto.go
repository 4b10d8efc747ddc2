// Package crypto implements optional transparent page encryption:
// Argon2id key derivation and an AES-256-GCM page transform.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/argon2"

	serrors "github.com/revred/sharc/errors"
)

// Trailer layout constants. Each encrypted page reserves a trailer at the
// end: nonce, GCM tag, format version.
const (
	// NonceSize is the GCM nonce size.
	NonceSize = 12

	// TagSize is the GCM authentication tag size.
	TagSize = 16

	// VersionSize holds the 4-byte trailer format version.
	VersionSize = 4

	// TrailerSize is the reserved bytes per page for encryption.
	TrailerSize = NonceSize + TagSize + VersionSize

	// TrailerVersion is the current trailer format version.
	TrailerVersion = 1

	// KeySize is the AES-256 key size.
	KeySize = 32

	// plainPrefix is how much of page 1 stays cleartext so the magic
	// string remains readable without the key.
	plainPrefix = 16
)

// KDFParams configures the Argon2id key derivation.
type KDFParams struct {
	// MemoryKiB is the memory cost in KiB.
	MemoryKiB uint32
	// Time is the number of passes.
	Time uint32
	// Parallelism is the lane count.
	Parallelism uint8
}

// DefaultKDFParams returns the default derivation cost: 64 MiB, 3 passes,
// 4 lanes.
func DefaultKDFParams() KDFParams {
	return KDFParams{MemoryKiB: 64 * 1024, Time: 3, Parallelism: 4}
}

// DeriveKey derives a 32-byte AES key from a password and salt.
func DeriveKey(password, salt []byte, params KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, serrors.NewCrypto(0, "derive key: empty password", nil)
	}
	if params.MemoryKiB == 0 || params.Time == 0 || params.Parallelism == 0 {
		return nil, serrors.NewCrypto(0, "derive key: zero cost parameter", nil)
	}
	return argon2.IDKey(password, salt, params.Time, params.MemoryKiB, params.Parallelism, KeySize), nil
}

// PageCipher encrypts and decrypts whole pages in the Sharc trailer
// format. It implements the pageio.PageTransform contract for reads and
// offers EncryptPage for the writer.
type PageCipher struct {
	aead     cipher.AEAD
	pageSize int
	scratch  []byte // reused ciphertext assembly buffer
}

// NewPageCipher builds a page cipher from a 32-byte key.
func NewPageCipher(key []byte, pageSize int) (*PageCipher, error) {
	if len(key) != KeySize {
		return nil, serrors.NewCrypto(0, "invalid key length", nil)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, serrors.NewCrypto(0, "cipher init", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, serrors.NewCrypto(0, "GCM init", err)
	}
	return &PageCipher{aead: aead, pageSize: pageSize}, nil
}

// payloadBounds returns the encrypted byte range of a page. Page 1 keeps
// its first 16 bytes cleartext; every page keeps the trailer.
func (c *PageCipher) payloadBounds(pgno uint32) (start, end int) {
	start = 0
	if pgno == 1 {
		start = plainPrefix
	}
	return start, c.pageSize - TrailerSize
}

// aad returns the additional authenticated data for a page: its number,
// big-endian.
func aad(pgno uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], pgno)
	return b[:]
}

// Transform decrypts a raw page into dst and returns dst. It satisfies
// the pageio.PageTransform interface.
func (c *PageCipher) Transform(pgno uint32, raw, dst []byte) ([]byte, error) {
	if len(raw) != c.pageSize || len(dst) < c.pageSize {
		return nil, serrors.NewCrypto(pgno, "decrypt page: short buffer", nil)
	}
	start, end := c.payloadBounds(pgno)

	nonce := raw[end : end+NonceSize]
	tag := raw[end+NonceSize : end+NonceSize+TagSize]
	version := binary.LittleEndian.Uint32(raw[end+NonceSize+TagSize:])
	if version != TrailerVersion {
		return nil, serrors.NewCrypto(pgno, "decrypt page: unknown trailer version", nil)
	}

	copy(dst[:start], raw[:start])
	// Seal output layout is ciphertext||tag; reassemble for Open in the
	// reusable scratch buffer.
	sealed := append(c.scratch[:0], raw[start:end]...)
	sealed = append(sealed, tag...)
	c.scratch = sealed

	plain, err := c.aead.Open(dst[start:start], nonce, sealed, aad(pgno))
	if err != nil {
		return nil, serrors.NewCrypto(pgno, "decrypt page: tag mismatch", err)
	}
	if len(plain) != end-start {
		return nil, serrors.NewCrypto(pgno, "decrypt page: size mismatch", nil)
	}
	// Clear the trailer in the logical view.
	for i := end; i < c.pageSize; i++ {
		dst[i] = 0
	}
	return dst[:c.pageSize], nil
}

// EncryptPage encrypts a logical page in place, generating a fresh random
// nonce and writing the trailer.
func (c *PageCipher) EncryptPage(pgno uint32, page []byte) error {
	if len(page) != c.pageSize {
		return serrors.NewCrypto(pgno, "encrypt page: short buffer", nil)
	}
	start, end := c.payloadBounds(pgno)

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return serrors.NewCrypto(pgno, "encrypt page: nonce generation", err)
	}

	sealed := c.aead.Seal(nil, nonce[:], page[start:end], aad(pgno))
	copy(page[start:end], sealed[:end-start])
	copy(page[end:end+NonceSize], nonce[:])
	copy(page[end+NonceSize:end+NonceSize+TagSize], sealed[end-start:])
	binary.LittleEndian.PutUint32(page[end+NonceSize+TagSize:], TrailerVersion)
	return nil
}
