package signer

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
	"github.com/chainsafe/bridge-warden/pkg/config"
)

// well known hardhat account #0
const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testTx() *types.Transaction {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	return types.NewTx(&types.LegacyTx{
		Nonce:    3,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      100_000,
		To:       &to,
		Data:     []byte{0x01, 0x02},
	})
}

func TestFromHex(t *testing.T) {
	for _, in := range []string{testKeyHex, "0x" + testKeyHex, " 0x" + testKeyHex + "\n"} {
		s, err := FromHex(in)
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress(testAddress), s.Address())
	}
}

func TestFromHex_InvalidDoesNotLeak(t *testing.T) {
	_, err := FromHex("zz" + testKeyHex[2:])
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.CategoryConfig))
	assert.NotContains(t, err.Error(), testKeyHex[2:])
}

func TestSign(t *testing.T) {
	s, err := FromHex(testKeyHex)
	require.NoError(t, err)

	chainID := big.NewInt(43113)
	signed, err := s.Sign(context.Background(), testTx(), chainID)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
	assert.Equal(t, uint64(3), signed.Nonce())
	assert.Equal(t, 0, signed.ChainId().Cmp(chainID))
}

func TestSign_Errors(t *testing.T) {
	s, err := FromHex(testKeyHex)
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), testTx(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sign(ctx, testTx(), big.NewInt(1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRedaction(t *testing.T) {
	s, err := FromHex(testKeyHex)
	require.NoError(t, err)

	for _, out := range []string{s.String(), fmt.Sprintf("%v", s), fmt.Sprintf("%+v", s), fmt.Sprintf("%#v", s)} {
		assert.NotContains(t, strings.ToLower(out), testKeyHex)
		assert.Contains(t, out, "REDACTED")
	}
}

func TestFromKeystore(t *testing.T) {
	priv, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	key := &keystore.Key{
		Id:         uuid.New(),
		Address:    crypto.PubkeyToAddress(priv.PublicKey),
		PrivateKey: priv,
	}
	keyJSON, err := keystore.EncryptKey(key, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "warden.json")
	require.NoError(t, os.WriteFile(path, keyJSON, 0o600))

	s, err := New(&config.SignerConfig{KeystoreFile: path, KeystorePassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	_, err = New(&config.SignerConfig{KeystoreFile: path, KeystorePassword: "wrong"})
	assert.True(t, apperrors.Is(err, apperrors.CategoryConfig))
}

func TestNew_KeySources(t *testing.T) {
	_, err := New(&config.SignerConfig{})
	assert.True(t, apperrors.Is(err, apperrors.CategoryConfig))

	_, err = New(&config.SignerConfig{PrivateKey: testKeyHex, KeystoreFile: "warden.json"})
	assert.True(t, apperrors.Is(err, apperrors.CategoryConfig))

	_, err = New(&config.SignerConfig{KeystoreFile: filepath.Join(t.TempDir(), "missing.json")})
	assert.True(t, apperrors.Is(err, apperrors.CategoryConfig))

	s, err := New(&config.SignerConfig{PrivateKey: testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())
}

func TestNew_SignsThroughInterface(t *testing.T) {
	var (
		s   Signer
		err error
	)
	s, err = New(&config.SignerConfig{PrivateKey: testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	chainID := big.NewInt(31337)
	signed, err := s.Sign(context.Background(), testTx(), chainID)
	require.NoError(t, err)
	from, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}
