// Package signer holds the warden key and signs relay transactions.
// The private key never leaves this package.
package signer

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/config"
)

// Signer signs transactions on behalf of the warden identity.
type Signer interface {
	Address() common.Address
	Sign(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// LocalSigner signs with an in-memory secp256k1 key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

var _ Signer = (*LocalSigner)(nil)

// New loads the key from the hex secret or, when that is empty, from the
// encrypted keystore file. Exactly one source must be configured.
func New(cfg *config.SignerConfig) (*LocalSigner, error) {
	switch {
	case cfg.PrivateKey != "" && cfg.KeystoreFile != "":
		return nil, apperrors.ConfigError(nil, "signer: set either WARDEN_PRIVATE_KEY or signer.keystore_file, not both")
	case cfg.PrivateKey != "":
		return FromHex(cfg.PrivateKey)
	case cfg.KeystoreFile != "":
		data, err := os.ReadFile(cfg.KeystoreFile)
		if err != nil {
			return nil, apperrors.ConfigError(err, "signer: failed to read keystore file")
		}
		return FromKeystore(data, cfg.KeystorePassword)
	default:
		return nil, apperrors.ConfigError(nil, "signer: no key configured (WARDEN_PRIVATE_KEY or signer.keystore_file)")
	}
}

// FromHex parses a hex encoded private key, with or without 0x prefix.
func FromHex(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		// the parse error may echo key material
		return nil, apperrors.ConfigError(nil, "signer: invalid private key")
	}
	return newLocal(key), nil
}

// FromKeystore decrypts a geth keystore JSON document.
func FromKeystore(keyJSON []byte, passphrase string) (*LocalSigner, error) {
	k, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, apperrors.ConfigError(err, "signer: failed to decrypt keystore")
	}
	return newLocal(k.PrivateKey), nil
}

func newLocal(key *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the warden account.
func (s *LocalSigner) Address() common.Address {
	return s.address
}

// Sign returns tx signed for chainID.
func (s *LocalSigner) Sign(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("sign: invalid chain id %v", chainID)
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	return signed, nil
}

// String never prints key material.
func (s *LocalSigner) String() string {
	return fmt.Sprintf("LocalSigner{address: %s, key: [REDACTED]}", s.address.Hex())
}

// GoString keeps %#v redacted too.
func (s *LocalSigner) GoString() string {
	return s.String()
}
