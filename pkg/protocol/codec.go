package protocol

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"lanxfer/pkg/types"
)

// ErrDecrypt is returned when a payload fails authentication.
var ErrDecrypt = errors.New("payload authentication failed")

var (
	encodersMu sync.Mutex
	encoders   = map[zstd.EncoderLevel]*zstd.Encoder{}

	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// zstd encoders and decoders are safe for concurrent EncodeAll/DecodeAll, so
// one per level is shared by every session.
func sharedEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	encodersMu.Lock()
	defer encodersMu.Unlock()

	if enc, ok := encoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	encoders[level] = enc
	return enc, nil
}

func sharedDecoder() (*zstd.Decoder, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(MaxDataPayload))
	})
	return decoder, decoderErr
}

// CodecOptions selects the payload transforms for one session.
type CodecOptions struct {
	Compression      bool
	CompressionLevel int
	// Key enables encryption when non-nil. It must be 32 bytes.
	Key []byte
}

// Codec compresses then encrypts chunk payloads. Compression is skipped for
// a frame when it does not shrink the data.
type Codec struct {
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	aead cipher.AEAD
}

// NewCodec builds a codec. The zero CodecOptions yields a pass-through codec.
func NewCodec(opts CodecOptions) (*Codec, error) {
	c := &Codec{}

	dec, err := sharedDecoder()
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	c.dec = dec

	if opts.Compression {
		level := zstd.EncoderLevel(opts.CompressionLevel)
		if level < zstd.SpeedFastest || level > zstd.SpeedBestCompression {
			level = zstd.SpeedDefault
		}
		if c.enc, err = sharedEncoder(level); err != nil {
			return nil, err
		}
	}

	if opts.Key != nil {
		aead, err := chacha20poly1305.NewX(opts.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		c.aead = aead
	}

	return c, nil
}

// Seal transforms plain into a payload and returns the frame flags.
func (c *Codec) Seal(plain, aad []byte) ([]byte, byte, error) {
	var flags byte
	payload := plain

	if c.enc != nil && len(plain) > 0 {
		compressed := c.enc.EncodeAll(plain, make([]byte, 0, len(plain)))
		if len(compressed) < len(plain) {
			payload = compressed
			flags |= FlagCompressed
		}
	}

	if c.aead != nil {
		nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(payload)+c.aead.Overhead())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return nil, 0, fmt.Errorf("failed to generate nonce: %w", err)
		}
		payload = c.aead.Seal(nonce, nonce, payload, aad)
		flags |= FlagEncrypted
	}

	return payload, flags, nil
}

// Open reverses Seal. A payload whose flags ask for a transform this codec
// was not configured for is refused.
func (c *Codec) Open(payload []byte, flags byte, plainLen int, aad []byte) ([]byte, error) {
	data := payload

	if flags&FlagEncrypted != 0 {
		if c.aead == nil {
			return nil, fmt.Errorf("encrypted frame on a plaintext session")
		}
		ns := c.aead.NonceSize()
		if len(data) < ns+c.aead.Overhead() {
			return nil, ErrDecrypt
		}
		opened, err := c.aead.Open(nil, data[:ns], data[ns:], aad)
		if err != nil {
			return nil, ErrDecrypt
		}
		data = opened
	} else if c.aead != nil {
		return nil, fmt.Errorf("plaintext frame on an encrypted session")
	}

	if flags&FlagCompressed != 0 {
		out, err := c.dec.DecodeAll(data, make([]byte, 0, plainLen))
		if err != nil {
			return nil, fmt.Errorf("failed to decompress frame: %w", err)
		}
		data = out
	}

	return data, nil
}

// Encrypted reports whether the codec encrypts payloads.
func (c *Codec) Encrypted() bool { return c.aead != nil }

// DeriveSessionKey expands a shared secret into a per-session key with
// HKDF-SHA256, salted by the batch and bound to the session.
func DeriveSessionKey(secret []byte, batchID types.BatchID, sessionID types.SessionID) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("empty shared secret")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, secret, []byte(batchID), []byte(sessionID))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	return key, nil
}
