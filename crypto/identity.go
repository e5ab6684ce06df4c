package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

var (
	ErrInvalidIdentity  = errors.New("invalid identity public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

// Identity is the secp256k1 key used by a participant to sign operations.
// Its compressed public key in hex is the participant's identity on the mint.
type Identity struct {
	privateKey *secp256k1.PrivateKey
}

// NewNonce returns 16 random bytes in hex, used once per signed request.
func NewNonce() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(nonce[:]), nil
}

func GenerateIdentity() (*Identity, error) {
	privateKey, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return &Identity{privateKey: privateKey}, nil
}

func IdentityFromKey(privateKey *secp256k1.PrivateKey) *Identity {
	return &Identity{privateKey: privateKey}
}

func IdentityFromHex(privateKey string) (*Identity, error) {
	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateKey, "0x"))
	if err != nil || len(keyBytes) != 32 {
		return nil, ErrInvalidIdentity
	}
	return &Identity{privateKey: secp256k1.PrivKeyFromBytes(keyBytes)}, nil
}

func (id *Identity) PublicKey() *secp256k1.PublicKey {
	return id.privateKey.PubKey()
}

// Id returns the hex encoded compressed public key.
func (id *Identity) Id() string {
	return hex.EncodeToString(id.privateKey.PubKey().SerializeCompressed())
}

// Secret returns the 32 byte private key.
func (id *Identity) Secret() []byte {
	return id.privateKey.Serialize()
}

// Sign returns the hex encoded schnorr signature over sha256(msg).
func (id *Identity) Sign(msg []byte) (string, error) {
	hash := sha256.Sum256(msg)
	sig, err := schnorr.Sign(id.privateKey, hash[:])
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig.Serialize()), nil
}

// ParseIdentity parses a hex encoded compressed public key.
func ParseIdentity(identity string) (*secp256k1.PublicKey, error) {
	keyBytes, err := hex.DecodeString(identity)
	if err != nil || len(keyBytes) != secp256k1.PubKeyBytesLenCompressed {
		return nil, ErrInvalidIdentity
	}
	publicKey, err := secp256k1.ParsePubKey(keyBytes)
	if err != nil {
		return nil, ErrInvalidIdentity
	}
	return publicKey, nil
}

// VerifySignature checks a hex encoded schnorr signature of msg by identity.
func VerifySignature(identity, signature string, msg []byte) error {
	publicKey, err := ParseIdentity(identity)
	if err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrInvalidSignature
	}

	hash := sha256.Sum256(msg)
	if !sig.Verify(hash[:], publicKey) {
		return ErrInvalidSignature
	}
	return nil
}

// NormalizeIdentity lowercases a hex identity so lookups are case insensitive.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimPrefix(identity, "0x"))
}
