package protocol

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/curve25519"
)

const (
	SchemeX25519 = "x25519"
	SchemePSK    = "psk"
)

// ErrKeyMismatch means both sides ran the psk scheme with different keys.
var ErrKeyMismatch = errors.New("pre-shared key mismatch")

// KeyAgreement produces the shared secret that session keys are derived from.
// The sender calls Initiate and later completes with the receiver's answer;
// the receiver calls Respond with the sender's parameters.
type KeyAgreement interface {
	Scheme() string
	Initiate() (*KeyAgreementParams, Completer, error)
	Respond(offer *KeyAgreementParams) (*KeyAgreementParams, []byte, error)
}

// Completer finishes an initiated agreement with the responder's parameters.
type Completer func(answer *KeyAgreementParams) ([]byte, error)

// NewKeyAgreement returns the agreement for scheme. psk is only used by the
// psk scheme.
func NewKeyAgreement(scheme, psk string) (KeyAgreement, error) {
	switch scheme {
	case SchemeX25519, "":
		return X25519{}, nil
	case SchemePSK:
		if psk == "" {
			return nil, fmt.Errorf("scheme %s requires a pre-shared key", SchemePSK)
		}
		return PSK{Passphrase: psk}, nil
	default:
		return nil, fmt.Errorf("unknown key agreement scheme %q", scheme)
	}
}

// X25519 is an ephemeral Diffie-Hellman exchange. Each batch gets fresh keys.
type X25519 struct{}

func (X25519) Scheme() string { return SchemeX25519 }

func (X25519) Initiate() (*KeyAgreementParams, Completer, error) {
	priv, pub, err := x25519Keypair()
	if err != nil {
		return nil, nil, err
	}

	complete := func(answer *KeyAgreementParams) ([]byte, error) {
		if answer == nil || answer.Scheme != SchemeX25519 {
			return nil, fmt.Errorf("peer did not answer the %s exchange", SchemeX25519)
		}
		return curve25519.X25519(priv, answer.Public)
	}
	return &KeyAgreementParams{Scheme: SchemeX25519, Public: pub}, complete, nil
}

func (X25519) Respond(offer *KeyAgreementParams) (*KeyAgreementParams, []byte, error) {
	if offer == nil {
		return nil, nil, fmt.Errorf("missing key agreement parameters")
	}
	priv, pub, err := x25519Keypair()
	if err != nil {
		return nil, nil, err
	}
	secret, err := curve25519.X25519(priv, offer.Public)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid peer public key: %w", err)
	}
	return &KeyAgreementParams{Scheme: SchemeX25519, Public: pub}, secret, nil
}

func x25519Keypair() (priv, pub []byte, err error) {
	priv = make([]byte, curve25519.ScalarSize)
	if _, err := io.ReadFull(rand.Reader, priv); err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return priv, pub, nil
}

// PSK stretches a passphrase both sides already know with Argon2id. The
// initiator sends a random salt; the responder proves it holds the same key
// with an HMAC over the salt.
type PSK struct {
	Passphrase string
}

const pskSaltSize = 16

func (PSK) Scheme() string { return SchemePSK }

func (p PSK) Initiate() (*KeyAgreementParams, Completer, error) {
	salt := make([]byte, pskSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	secret := p.stretch(salt)

	complete := func(answer *KeyAgreementParams) ([]byte, error) {
		if answer == nil || answer.Scheme != SchemePSK {
			return nil, fmt.Errorf("peer did not answer the %s exchange", SchemePSK)
		}
		if !hmac.Equal(answer.Public, pskConfirm(secret, salt)) {
			return nil, ErrKeyMismatch
		}
		return secret, nil
	}
	return &KeyAgreementParams{Scheme: SchemePSK, Public: salt}, complete, nil
}

func (p PSK) Respond(offer *KeyAgreementParams) (*KeyAgreementParams, []byte, error) {
	if offer == nil || len(offer.Public) != pskSaltSize {
		return nil, nil, fmt.Errorf("invalid psk salt")
	}
	secret := p.stretch(offer.Public)
	return &KeyAgreementParams{Scheme: SchemePSK, Public: pskConfirm(secret, offer.Public)}, secret, nil
}

func (p PSK) stretch(salt []byte) []byte {
	return argon2.IDKey([]byte(p.Passphrase), salt, 2, 19*1024, 1, 32)
}

func pskConfirm(secret, salt []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("lanxfer psk confirm"))
	mac.Write(salt)
	return mac.Sum(nil)
}
