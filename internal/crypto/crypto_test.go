package crypto

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testOrder(maker string) OrderPayload {
	return OrderPayload{
		Salt:          "123456789",
		Maker:         maker,
		Signer:        maker,
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount:   "17500000",
		TakerAmount:   "50000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          0,
		SignatureType: 0,
	}
}

func recoverSigner(t *testing.T, digest []byte, sigHex string) string {
	t.Helper()
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	require.NoError(t, err)
	require.Len(t, sig, 65)
	require.Contains(t, []byte{27, 28}, sig[64])
	sig[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, sig)
	require.NoError(t, err)
	return ethcrypto.PubkeyToAddress(*pub).Hex()
}

func TestSignOrderRecoversSigner(t *testing.T) {
	s, err := NewSigner(testKey, 137, "")
	require.NoError(t, err)

	order := testOrder(s.Address().Hex())
	sig, err := s.SignOrder(order)
	require.NoError(t, err)

	digest, err := s.orderDigest(order)
	require.NoError(t, err)
	assert.Equal(t, s.Address().Hex(), recoverSigner(t, digest, sig))
}

func TestOrderDigestDependsOnDomain(t *testing.T) {
	mainnet, err := NewSigner(testKey, 137, "")
	require.NoError(t, err)
	amoy, err := NewSigner(testKey, 80002, "")
	require.NoError(t, err)
	other, err := NewSigner(testKey, 137, "0xC5d563A36AE78145C45a50134d48A1215220f80a")
	require.NoError(t, err)

	order := testOrder(mainnet.Address().Hex())
	d1, err := mainnet.orderDigest(order)
	require.NoError(t, err)
	d2, err := amoy.orderDigest(order)
	require.NoError(t, err)
	d3, err := other.orderDigest(order)
	require.NoError(t, err)

	assert.NotEqual(t, d1, d2, "chain id is part of the domain")
	assert.NotEqual(t, d1, d3, "exchange contract is part of the domain")

	order.TakerAmount = "50000001"
	d4, err := mainnet.orderDigest(order)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d4)
}

func TestSignOrderRejectsMalformedFields(t *testing.T) {
	s, err := NewSigner(testKey, 137, "")
	require.NoError(t, err)

	order := testOrder(s.Address().Hex())
	order.MakerAmount = "12.5"
	_, err = s.SignOrder(order)
	assert.True(t, errors.Is(err, domain.ErrSigningFailed))

	order = testOrder("not-an-address")
	_, err = s.SignOrder(order)
	assert.True(t, errors.Is(err, domain.ErrSigningFailed))
}

func TestSignAuthMessageRecoversSigner(t *testing.T) {
	s, err := NewSigner("0x"+testKey, 137, "")
	require.NoError(t, err)

	sig, err := s.SignAuthMessage(1_760_000_000, 0)
	require.NoError(t, err)
	digest := eip712Hash(s.authSep, s.authStructHash(1_760_000_000, 0))
	assert.Equal(t, s.Address().Hex(), recoverSigner(t, digest, sig))
}

func TestNewSignerValidates(t *testing.T) {
	_, err := NewSigner("zz", 137, "")
	assert.Error(t, err)
	_, err = NewSigner(testKey, 137, "0x1234")
	assert.Error(t, err)
}

func TestL2HeadersAreDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key-1", Secret: "c2VjcmV0LXNlY3JldC1zZWNyZXQ=", Passphrase: "pass"}

	a := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1_760_000_000)
	b := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":1}`, 1_760_000_000)
	c := auth.L2HeadersAt("0xabc", "POST", "/order", `{"a":2}`, 1_760_000_000)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a["POLY_SIGNATURE"], c["POLY_SIGNATURE"])
	assert.Equal(t, "1760000000", a["POLY_TIMESTAMP"])
	assert.Equal(t, "key-1", a["POLY_API_KEY"])
	assert.Equal(t, "pass", a["POLY_PASSPHRASE"])
	assert.NotContains(t, auth.String(), "secret-secret")
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, WriteKeyFile(path, "0x"+testKey, "correct horse"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	key, err := LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "correct horse"})
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = LoadKey(KeySource{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.Error(t, err)

	raw, err := LoadKey(KeySource{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: path})
	require.NoError(t, err)
	assert.Equal(t, testKey, raw, "raw key wins")

	_, err = LoadKey(KeySource{})
	assert.Error(t, err)
}

func TestEncryptKeyValidatesInput(t *testing.T) {
	_, err := EncryptKey(testKey, "")
	assert.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
}
