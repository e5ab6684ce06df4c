package crypto

import (
	crand "crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/elnosh/provablegbp/pgbp"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

const (
	BoxVersion = "x25519-xsalsa20-poly1305"

	KeySize   = 32
	NonceSize = 24
)

// Envelope is the transport form of a payload sealed to a recipient.
// Field layout matches the output of eth-sig-util encrypt.
type Envelope struct {
	Version        string `json:"version"`
	Nonce          string `json:"nonce"`
	EphemPublicKey string `json:"ephemPublicKey"`
	Ciphertext     string `json:"ciphertext"`
}

func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope decodes a JSON envelope and checks its fields are well formed.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", pgbp.DecryptionFailedErr, err)
	}
	if _, _, _, err := envelope.decode(); err != nil {
		return nil, err
	}
	return &envelope, nil
}

func (e Envelope) decode() (*[NonceSize]byte, *[KeySize]byte, []byte, error) {
	if e.Version != BoxVersion {
		return nil, nil, nil, fmt.Errorf("%w: unsupported version '%v'", pgbp.DecryptionFailedErr, e.Version)
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil || len(nonceBytes) != NonceSize {
		return nil, nil, nil, fmt.Errorf("%w: invalid nonce", pgbp.DecryptionFailedErr)
	}
	ephemBytes, err := base64.StdEncoding.DecodeString(e.EphemPublicKey)
	if err != nil || len(ephemBytes) != KeySize {
		return nil, nil, nil, fmt.Errorf("%w: invalid ephemeral public key", pgbp.DecryptionFailedErr)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil || len(ciphertext) < box.Overhead {
		return nil, nil, nil, fmt.Errorf("%w: invalid ciphertext", pgbp.DecryptionFailedErr)
	}

	return (*[NonceSize]byte)(nonceBytes), (*[KeySize]byte)(ephemBytes), ciphertext, nil
}

// ParsePublicKey normalizes an encryption public key given as 32 raw bytes,
// base64 (padded or not) or 0x prefixed hex.
func ParsePublicKey(key string) (*[KeySize]byte, error) {
	if hexKey, ok := strings.CutPrefix(key, "0x"); ok {
		decoded, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, pgbp.InvalidKeyErr
		}
		return ParsePublicKeyBytes(decoded)
	}

	for _, encoding := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		decoded, err := encoding.DecodeString(key)
		if err == nil && len(decoded) == KeySize {
			return ParsePublicKeyBytes(decoded)
		}
	}

	return ParsePublicKeyBytes([]byte(key))
}

func ParsePublicKeyBytes(key []byte) (*[KeySize]byte, error) {
	if len(key) != KeySize {
		return nil, pgbp.InvalidKeyErr
	}
	var publicKey [KeySize]byte
	copy(publicKey[:], key)
	return &publicKey, nil
}

func EncodePublicKey(key *[KeySize]byte) string {
	return base64.StdEncoding.EncodeToString(key[:])
}

// Encrypt serializes payload to JSON and seals it to the recipient's public key.
func Encrypt(recipientPublicKey string, payload any) (*Envelope, error) {
	publicKey, err := ParsePublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}

	msg, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not serialize payload: %v", err)
	}

	return EncryptBytes(publicKey, msg)
}

// EncryptBytes seals msg using a fresh ephemeral keypair and random nonce.
func EncryptBytes(recipientPublicKey *[KeySize]byte, msg []byte) (*Envelope, error) {
	ephemPublicKey, ephemPrivateKey, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, fmt.Errorf("could not generate ephemeral keypair: %v", err)
	}

	var nonce [NonceSize]byte
	if _, err := io.ReadFull(crand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("could not generate nonce: %v", err)
	}

	ciphertext := box.Seal(nil, msg, &nonce, recipientPublicKey, ephemPrivateKey)

	return &Envelope{
		Version:        BoxVersion,
		Nonce:          base64.StdEncoding.EncodeToString(nonce[:]),
		EphemPublicKey: base64.StdEncoding.EncodeToString(ephemPublicKey[:]),
		Ciphertext:     base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// EncryptionKey is an x25519 keypair used to open envelopes.
type EncryptionKey struct {
	private [KeySize]byte
	public  [KeySize]byte
}

func GenerateEncryptionKey() (*EncryptionKey, error) {
	publicKey, privateKey, err := box.GenerateKey(crand.Reader)
	if err != nil {
		return nil, err
	}
	return &EncryptionKey{private: *privateKey, public: *publicKey}, nil
}

// EncryptionKeyFromBytes builds the keypair from a 32 byte secret.
func EncryptionKeyFromBytes(secret []byte) (*EncryptionKey, error) {
	if len(secret) != KeySize {
		return nil, pgbp.InvalidKeyErr
	}

	publicKey, err := curve25519.X25519(secret, curve25519.Basepoint)
	if err != nil {
		return nil, pgbp.InvalidKeyErr
	}

	key := &EncryptionKey{}
	copy(key.private[:], secret)
	copy(key.public[:], publicKey)
	return key, nil
}

// EncryptionKeyFromHex parses a hex encoded secret, with or without 0x prefix.
func EncryptionKeyFromHex(secret string) (*EncryptionKey, error) {
	secretBytes, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, pgbp.InvalidKeyErr
	}
	return EncryptionKeyFromBytes(secretBytes)
}

func (k *EncryptionKey) PublicKey() *[KeySize]byte {
	publicKey := k.public
	return &publicKey
}

// PublicKeyBase64 is the form in which the key is published.
func (k *EncryptionKey) PublicKeyBase64() string {
	return EncodePublicKey(&k.public)
}

func (k *EncryptionKey) SecretHex() string {
	return hex.EncodeToString(k.private[:])
}

// DecryptBytes opens the envelope and returns the plaintext.
func (k *EncryptionKey) DecryptBytes(envelope *Envelope) ([]byte, error) {
	if envelope == nil {
		return nil, pgbp.DecryptionFailedErr
	}
	nonce, ephemPublicKey, ciphertext, err := envelope.decode()
	if err != nil {
		return nil, err
	}

	msg, ok := box.Open(nil, ciphertext, nonce, ephemPublicKey, &k.private)
	if !ok {
		return nil, pgbp.DecryptionFailedErr
	}
	return msg, nil
}

// Decrypt opens the envelope and unmarshals the JSON payload into out.
func (k *EncryptionKey) Decrypt(envelope *Envelope, out any) error {
	msg, err := k.DecryptBytes(envelope)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(msg, out); err != nil {
		return fmt.Errorf("%w: invalid payload: %v", pgbp.DecryptionFailedErr, err)
	}
	return nil
}

// DecryptData parses and opens an envelope in its serialized form,
// as carried on events.
func (k *EncryptionKey) DecryptData(data []byte, out any) error {
	envelope, err := ParseEnvelope(data)
	if err != nil {
		return err
	}
	return k.Decrypt(envelope, out)
}

// EncryptData seals payload and returns the serialized envelope.
func EncryptData(recipientPublicKey string, payload any) ([]byte, error) {
	envelope, err := Encrypt(recipientPublicKey, payload)
	if err != nil {
		return nil, err
	}
	return envelope.Marshal()
}
