package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// SignatureLen is the length of an r || s || v signature.
const SignatureLen = 65

// Identity is a node's secp256k1 key. Its trader id is the address derived
// from the public key.
type Identity struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewIdentity loads a hex-encoded secp256k1 private key (0x prefix
// optional).
func NewIdentity(privateKeyHex string) (*Identity, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/identity: invalid private key: %w", err)
	}
	return &Identity{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateIdentity creates a fresh random key.
func GenerateIdentity() (*Identity, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto/identity: generate key: %w", err)
	}
	return &Identity{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address is the Ethereum-style address of the key.
func (id *Identity) Address() common.Address { return id.address }

// TraderID is the address as a trader id.
func (id *Identity) TraderID() domain.TraderID {
	return domain.TraderID(id.address)
}

// PrivateKeyHex returns the key without 0x prefix, for writing key files.
func (id *Identity) PrivateKeyHex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(id.privateKey))
}

// Sign signs keccak256 of the concatenated parts.
func (id *Identity) Sign(parts ...[]byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(Digest(parts...), id.privateKey)
	if err != nil {
		return nil, fmt.Errorf("crypto/identity: sign: %w", err)
	}
	return sig, nil
}

// Recover returns the trader id whose key produced sig over parts.
func Recover(sig []byte, parts ...[]byte) (domain.TraderID, error) {
	if len(sig) != SignatureLen {
		return domain.TraderID{}, fmt.Errorf("%w: signature is %d bytes", domain.ErrBadSignature, len(sig))
	}
	pub, err := ethcrypto.SigToPub(Digest(parts...), sig)
	if err != nil {
		return domain.TraderID{}, fmt.Errorf("%w: %v", domain.ErrBadSignature, err)
	}
	return domain.TraderID(ethcrypto.PubkeyToAddress(*pub)), nil
}

// Verify checks that sig over parts was made by signer.
func Verify(signer domain.TraderID, sig []byte, parts ...[]byte) error {
	got, err := Recover(sig, parts...)
	if err != nil {
		return err
	}
	if got != signer {
		return fmt.Errorf("%w: signed by %s, claimed %s", domain.ErrBadSignature, got, signer)
	}
	return nil
}

// Digest is keccak256 over the concatenated parts.
func Digest(parts ...[]byte) []byte {
	return ethcrypto.Keccak256(parts...)
}

// TransactionIDFor derives the id both sides of a trade use for its
// transaction.
func TransactionIDFor(trade domain.TradeID) domain.TransactionID {
	return domain.TransactionID(ethcrypto.Keccak256Hash([]byte(trade)))
}
