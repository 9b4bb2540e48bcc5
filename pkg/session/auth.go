package session

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
)

const (
	SecretKeyLength = 32
	PublicKeyLength = 33
	nonceLength     = 32
)

// KeyPair is the coordinator's secp256k1 identity.
type KeyPair struct {
	priv *secp256k1.PrivateKey
	pub  *secp256k1.PublicKey
}

// ParseKeyPair decodes SECRET_KEY and PUBLIC_KEY. An empty public key is
// derived from the secret; a mismatching one is rejected.
func ParseKeyPair(secretHex, publicHex string) (*KeyPair, error) {
	secret, err := hex.DecodeString(strings.TrimSpace(secretHex))
	if err != nil || len(secret) != SecretKeyLength {
		return nil, errs.Fatalf("secret key must be %d bytes of hex", SecretKeyLength)
	}
	priv := secp256k1.PrivKeyFromBytes(secret)
	kp := &KeyPair{priv: priv, pub: priv.PubKey()}

	if publicHex = strings.TrimSpace(publicHex); publicHex != "" {
		pub, err := parsePublicKey(publicHex)
		if err != nil {
			return nil, errs.Fatalf("public key: %v", err)
		}
		if !pub.IsEqual(kp.pub) {
			return nil, errs.Fatalf("public key does not match secret key")
		}
	}
	return kp, nil
}

// GenerateKeyPair returns a fresh random identity.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{priv: priv, pub: priv.PubKey()}, nil
}

// PublicHex is the compressed public key in hex.
func (k *KeyPair) PublicHex() string {
	return hex.EncodeToString(k.pub.SerializeCompressed())
}

// Sign signs sha256(msg) and returns the DER signature in hex.
func (k *KeyPair) Sign(msg []byte) string {
	digest := sha256.Sum256(msg)
	return hex.EncodeToString(ecdsa.Sign(k.priv, digest[:]).Serialize())
}

// Verify checks a hex DER signature over sha256(msg) by a hex public key.
func Verify(publicHex string, msg []byte, sigHex string) error {
	pub, err := parsePublicKey(publicHex)
	if err != nil {
		return errs.New(errs.KindInvalid, "public key", err)
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return errs.New(errs.KindInvalid, "signature encoding", err)
	}
	sig, err := ecdsa.ParseDERSignature(raw)
	if err != nil {
		return errs.New(errs.KindInvalid, "signature", err)
	}
	digest := sha256.Sum256(msg)
	if !sig.Verify(digest[:], pub) {
		return errs.Invalidf("signature does not verify")
	}
	return nil
}

func parsePublicKey(publicHex string) (*secp256k1.PublicKey, error) {
	raw, err := hex.DecodeString(publicHex)
	if err != nil {
		return nil, err
	}
	if len(raw) != PublicKeyLength {
		return nil, fmt.Errorf("want %d bytes, got %d", PublicKeyLength, len(raw))
	}
	return secp256k1.ParsePubKey(raw)
}

// NewNonce returns a random challenge in hex.
func NewNonce() (string, error) {
	buf := make([]byte, nonceLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read nonce: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// AllowList holds the worker keys permitted to take jobs.
type AllowList struct {
	keys map[string]struct{}
}

func NewAllowList(keys ...string) *AllowList {
	a := &AllowList{keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			a.keys[k] = struct{}{}
		}
	}
	return a
}

func (a *AllowList) Allowed(publicHex string) bool {
	_, ok := a.keys[strings.ToLower(publicHex)]
	return ok
}

func (a *AllowList) Len() int { return len(a.keys) }

// NewChallenge signs a fresh nonce with the coordinator key.
func (k *KeyPair) NewChallenge() (Challenge, []byte, error) {
	nonce, err := NewNonce()
	if err != nil {
		return Challenge{}, nil, err
	}
	raw, _ := hex.DecodeString(nonce)
	return Challenge{
		Nonce:     nonce,
		ServerKey: k.PublicHex(),
		ServerSig: k.Sign(raw),
	}, raw, nil
}

// Answer is what a worker holding k replies to a challenge.
func (k *KeyPair) Answer(ch Challenge) (Auth, error) {
	raw, err := hex.DecodeString(ch.Nonce)
	if err != nil {
		return Auth{}, errs.New(errs.KindInvalid, "nonce", err)
	}
	if err := Verify(ch.ServerKey, raw, ch.ServerSig); err != nil {
		return Auth{}, err
	}
	return Auth{PublicKey: k.PublicHex(), Signature: k.Sign(raw)}, nil
}
