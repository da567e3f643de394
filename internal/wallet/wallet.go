// Package wallet derives escrow-specific receiving addresses.
//
// Each escrow gets a fresh deterministic address: key material is derived
// from a master seed, the chain tag, and a per-escrow index, so the same
// (chain, index) pair always yields the same address and no private key is
// ever persisted alongside escrow records.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"
)

var (
	ErrInvalidSeed      = errors.New("wallet: invalid master seed")
	ErrUnsupportedChain = errors.New("wallet: unsupported chain")
)

// Chain identifies a settlement network an escrow can receive on.
type Chain string

const (
	ChainEthereum    Chain = "ethereum"
	ChainPolygon     Chain = "polygon"
	ChainBase        Chain = "base"
	ChainBitcoin     Chain = "bitcoin"
	ChainBitcoinCash Chain = "bitcoin-cash"
	ChainSolana      Chain = "solana"
)

// ValidChain reports whether the chain tag is one the deriver supports.
func ValidChain(c Chain) bool {
	switch c {
	case ChainEthereum, ChainPolygon, ChainBase, ChainBitcoin, ChainBitcoinCash, ChainSolana:
		return true
	}
	return false
}

// IsEVM reports whether the chain uses EVM-style addresses.
func IsEVM(c Chain) bool {
	switch c {
	case ChainEthereum, ChainPolygon, ChainBase:
		return true
	}
	return false
}

// Derived is the result of deriving an escrow receiving address.
type Derived struct {
	Chain   Chain
	Index   uint32
	Address string
}

// Deriver is the address-derivation capability the escrow service calls.
type Deriver interface {
	Derive(ctx context.Context, chain Chain, index uint32) (*Derived, error)
}

// SeedDeriver derives addresses from a single hex-encoded master seed.
type SeedDeriver struct {
	seed []byte
}

// Compile-time assertion that SeedDeriver implements Deriver.
var _ Deriver = (*SeedDeriver)(nil)

// NewSeedDeriver creates a deriver from a hex-encoded seed of at least
// 32 bytes.
func NewSeedDeriver(hexSeed string) (*SeedDeriver, error) {
	seed, err := hex.DecodeString(hexSeed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	if len(seed) < 32 {
		return nil, fmt.Errorf("%w: need at least 32 bytes, got %d", ErrInvalidSeed, len(seed))
	}
	return &SeedDeriver{seed: seed}, nil
}

// Derive returns the deterministic receiving address for (chain, index).
func (d *SeedDeriver) Derive(ctx context.Context, chain Chain, index uint32) (*Derived, error) {
	if !ValidChain(chain) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, chain)
	}

	var addr string
	var err error
	switch chain {
	case ChainEthereum, ChainPolygon, ChainBase:
		addr, err = d.evmAddress(chain, index)
	case ChainBitcoin, ChainBitcoinCash:
		addr, err = d.p2pkhAddress(chain, index)
	case ChainSolana:
		addr, err = d.solanaAddress(chain, index)
	}
	if err != nil {
		return nil, err
	}

	return &Derived{Chain: chain, Index: index, Address: addr}, nil
}

// keyMaterial expands the master seed into 64 bytes of chain- and
// index-scoped material via HMAC-SHA512. The attempt counter bumps the
// derivation on the (astronomically rare) invalid secp256k1 scalar.
func (d *SeedDeriver) keyMaterial(chain Chain, index uint32, attempt uint8) []byte {
	mac := hmac.New(sha512.New, d.seed)
	mac.Write([]byte("coinpayportal/escrow/"))
	mac.Write([]byte(chain))
	var buf [5]byte
	binary.BigEndian.PutUint32(buf[:4], index)
	buf[4] = attempt
	mac.Write(buf[:])
	return mac.Sum(nil)
}

func (d *SeedDeriver) evmAddress(chain Chain, index uint32) (string, error) {
	for attempt := uint8(0); attempt < 8; attempt++ {
		material := d.keyMaterial(chain, index, attempt)
		key, err := crypto.ToECDSA(material[:32])
		if err != nil {
			continue
		}
		return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
	}
	return "", fmt.Errorf("wallet: derive evm key for %s/%d: exhausted attempts", chain, index)
}

func (d *SeedDeriver) p2pkhAddress(chain Chain, index uint32) (string, error) {
	for attempt := uint8(0); attempt < 8; attempt++ {
		material := d.keyMaterial(chain, index, attempt)
		key, err := crypto.ToECDSA(material[:32])
		if err != nil {
			continue
		}

		pub := crypto.CompressPubkey(&key.PublicKey)
		shaDigest := sha256.Sum256(pub)
		ripe := ripemd160.New()
		ripe.Write(shaDigest[:])
		hash160 := ripe.Sum(nil)

		// Version byte 0x00 (mainnet P2PKH) + hash160 + 4-byte checksum.
		payload := append([]byte{0x00}, hash160...)
		check1 := sha256.Sum256(payload)
		check2 := sha256.Sum256(check1[:])
		full := append(payload, check2[:4]...)

		return base58.Encode(full), nil
	}
	return "", fmt.Errorf("wallet: derive utxo key for %s/%d: exhausted attempts", chain, index)
}

func (d *SeedDeriver) solanaAddress(chain Chain, index uint32) (string, error) {
	material := d.keyMaterial(chain, index, 0)
	priv := ed25519.NewKeyFromSeed(material[:ed25519.SeedSize])
	pub := solana.PublicKeyFromBytes(priv.Public().(ed25519.PublicKey))
	return pub.String(), nil
}
