// Package codec implements the client side value capabilities selected by the
// store and retrieve options: zstd compression, authenticated encryption with
// XChaCha20-Poly1305 and CRC-32C checksums.
//
// Values are compressed before they are encrypted. The checksum covers the
// encoded payload as it is stored, so the container can verify it without
// knowing the key.
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/crc32"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC-32C of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, castagnoli)
}

// Codec applies the value capabilities. A Codec without key rejects
// encryption requests. It is safe for concurrent use.
type Codec struct {
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	aead cipher.AEAD
}

// New creates a codec. key is optional and must be 32 bytes if given.
func New(key []byte) (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	c := &Codec{enc: enc, dec: dec}
	if len(key) > 0 {
		if c.aead, err = chacha20poly1305.NewX(key); err != nil {
			return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("invalid encryption key: %v", err))
		}
	}
	return c, nil
}

// NewFromHexKey creates a codec from a hex encoded key, an empty string disables encryption.
func NewFromHexKey(hexKey string) (*Codec, error) {
	if hexKey == "" {
		return New(nil)
	}
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("encryption key is not hex: %v", err))
	}
	return New(key)
}

// Close releases the decoder resources.
func (c *Codec) Close() {
	c.dec.Close()
}

// CanEncrypt reports whether the codec has a key.
func (c *Codec) CanEncrypt() bool {
	return c.aead != nil
}

// Encode applies compression and encryption as selected by opt.
func (c *Codec) Encode(opt kv.StoreOption, value []byte) ([]byte, error) {
	out := value
	if opt.Compressed {
		out = c.enc.EncodeAll(out, make([]byte, 0, len(out)))
	}
	if opt.Encrypted {
		sealed, err := c.seal(out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}
	return out, nil
}

// Decode reverses Encode as selected by opt.
func (c *Codec) Decode(opt kv.RetrieveOption, payload []byte) ([]byte, error) {
	out := payload
	if opt.Decrypt {
		plain, err := c.open(out)
		if err != nil {
			return nil, err
		}
		out = plain
	}
	if opt.Decompress {
		plain, err := c.dec.DecodeAll(out, nil)
		if err != nil {
			return nil, kv.NewError(kv.ResultChecksumMismatch, fmt.Sprintf("decompression failed: %v", err))
		}
		out = plain
	}
	return out, nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// seal encrypts plain, the random nonce is prepended to the ciphertext
func (c *Codec) seal(plain []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, kv.NewError(kv.ResultInvalidArgument, "encryption requested but no key configured")
	}
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plain)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *Codec) open(sealed []byte) ([]byte, error) {
	if c.aead == nil {
		return nil, kv.NewError(kv.ResultInvalidArgument, "decryption requested but no key configured")
	}
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, kv.NewError(kv.ResultChecksumMismatch, "encrypted value is too short")
	}
	plain, err := c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, kv.NewError(kv.ResultChecksumMismatch, fmt.Sprintf("decryption failed: %v", err))
	}
	return plain, nil
}
