package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// DefaultExchangeAddress is the CTF exchange contract on Polygon mainnet.
const DefaultExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

var (
	authDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	exchangeDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// clobAuthMessage is the fixed attestation text of the L1 auth payload.
const clobAuthMessage = "This message attests that I control the given wallet"

// OrderPayload holds the twelve signed fields of a CLOB order. Large numbers
// travel as decimal strings.
type OrderPayload struct {
	Salt          string `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          int    `json:"side"`          // 0 = BUY, 1 = SELL
	SignatureType int    `json:"signatureType"` // 0 = EOA, 1 = POLY_PROXY, 2 = POLY_GNOSIS_SAFE
}

// Signer produces EIP-712 signatures for CLOB auth and order messages.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	authSep    []byte
	orderSep   []byte
}

// NewSigner creates a Signer from a hex private key for the given chain and
// exchange contract. An empty exchange selects DefaultExchangeAddress.
func NewSigner(privateKeyHex string, chainID int, exchange string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: signer: invalid private key: %w", err)
	}
	if exchange == "" {
		exchange = DefaultExchangeAddress
	}
	if !common.IsHexAddress(exchange) {
		return nil, fmt.Errorf("crypto: signer: invalid exchange address %q", exchange)
	}

	chain := big.NewInt(int64(chainID))
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		authSep: ethcrypto.Keccak256(concatBytes(
			authDomainTypeHash,
			ethcrypto.Keccak256([]byte("ClobAuthDomain")),
			ethcrypto.Keccak256([]byte("1")),
			word(chain),
		)),
		orderSep: ethcrypto.Keccak256(concatBytes(
			exchangeDomainTypeHash,
			ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
			ethcrypto.Keccak256([]byte("1")),
			word(chain),
			common.LeftPadBytes(common.HexToAddress(exchange).Bytes(), 32),
		)),
	}, nil
}

// Address returns the signing wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs the ClobAuth message used to derive L2 API
// credentials.
func (s *Signer) SignAuthMessage(timestamp, nonce int64) (string, error) {
	digest := eip712Hash(s.authSep, s.authStructHash(timestamp, nonce))
	return s.signDigest(digest)
}

func (s *Signer) authStructHash(timestamp, nonce int64) []byte {
	return ethcrypto.Keccak256(concatBytes(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(fmt.Sprintf("%d", timestamp))),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	))
}

// SignOrder signs an order under the exchange domain.
func (s *Signer) SignOrder(order OrderPayload) (string, error) {
	digest, err := s.orderDigest(order)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

func (s *Signer) orderDigest(order OrderPayload) ([]byte, error) {
	structHash, err := orderStructHash(order)
	if err != nil {
		return nil, err
	}
	return eip712Hash(s.orderSep, structHash), nil
}

// eip712Hash computes keccak256("\x19\x01" || domainSeparator || structHash).
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(concatBytes([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest returns the 65-byte r||s||v signature as 0x-prefixed hex with
// v in {27, 28}.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto: signer: %w: %v", domain.ErrSigningFailed, err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func orderStructHash(o OrderPayload) ([]byte, error) {
	fields := []struct {
		name, value string
	}{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	}
	nums := make(map[string]*big.Int, len(fields))
	for _, f := range fields {
		n, ok := new(big.Int).SetString(f.value, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("crypto: signer: %w: invalid %s %q", domain.ErrSigningFailed, f.name, f.value)
		}
		nums[f.name] = n
	}
	for _, addr := range []string{o.Maker, o.Signer, o.Taker} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("crypto: signer: %w: invalid address %q", domain.ErrSigningFailed, addr)
		}
	}

	return ethcrypto.Keccak256(concatBytes(
		orderTypeHash,
		word(nums["salt"]),
		common.LeftPadBytes(common.HexToAddress(o.Maker).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Signer).Bytes(), 32),
		common.LeftPadBytes(common.HexToAddress(o.Taker).Bytes(), 32),
		word(nums["tokenId"]),
		word(nums["makerAmount"]),
		word(nums["takerAmount"]),
		word(nums["expiration"]),
		word(nums["nonce"]),
		word(nums["feeRateBps"]),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	)), nil
}

// word left-pads n to one 32-byte ABI word.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
