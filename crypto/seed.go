package crypto

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"
)

const purpose = 1926

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Keys holds everything a participant derives from its mnemonic.
type Keys struct {
	Identity   *Identity
	Encryption *EncryptionKey
}

func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// KeysFromMnemonic derives the identity key at m/1926'/0'/0'/0
// and the encryption key at m/1926'/0'/1'/0.
func KeysFromMnemonic(mnemonic string) (*Keys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, err
	}

	identityKey, err := deriveKey(masterKey, 0)
	if err != nil {
		return nil, fmt.Errorf("could not derive identity key: %v", err)
	}
	identityPrivKey, err := identityKey.ECPrivKey()
	if err != nil {
		return nil, err
	}

	encryptionKey, err := deriveKey(masterKey, 1)
	if err != nil {
		return nil, fmt.Errorf("could not derive encryption key: %v", err)
	}
	encryptionPrivKey, err := encryptionKey.ECPrivKey()
	if err != nil {
		return nil, err
	}
	encryption, err := EncryptionKeyFromBytes(encryptionPrivKey.Serialize())
	if err != nil {
		return nil, err
	}

	return &Keys{
		Identity:   IdentityFromKey(identityPrivKey),
		Encryption: encryption,
	}, nil
}

func deriveKey(masterKey *hdkeychain.ExtendedKey, account uint32) (*hdkeychain.ExtendedKey, error) {
	// m/1926'
	purposeKey, err := masterKey.Derive(hdkeychain.HardenedKeyStart + purpose)
	if err != nil {
		return nil, err
	}

	// m/1926'/0'
	coinType, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, err
	}

	// m/1926'/0'/account'
	accountKey, err := coinType.Derive(hdkeychain.HardenedKeyStart + account)
	if err != nil {
		return nil, err
	}

	// m/1926'/0'/account'/0
	return accountKey.Derive(0)
}
