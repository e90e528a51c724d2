package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the human-readable prefix of rendered addresses.
type AddressPrefix string

// JobPrefix is the bech32 prefix for marketplace accounts.
const JobPrefix AddressPrefix = "job"

// Address represents a 20-byte marketplace account with a bech32 prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != 20 {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: b}
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return a.bytes
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseAccount decodes a bech32 account string under the job prefix into the
// fixed-size form the engine works with.
func ParseAccount(addr string) ([20]byte, error) {
	var out [20]byte
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return out, fmt.Errorf("decode bech32 account: %w", err)
	}
	if hrp != string(JobPrefix) {
		return out, fmt.Errorf("decode bech32 account: unsupported hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return out, fmt.Errorf("decode bech32 account: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("decode bech32 account: invalid address length %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}

// MustParseAccount is ParseAccount for fixtures and defaults known to be valid.
func MustParseAccount(addr string) [20]byte {
	out, err := ParseAccount(addr)
	if err != nil {
		panic(err)
	}
	return out
}

// FormatAccount renders a fixed-size account as a bech32 string under the job
// prefix, the inverse of ParseAccount.
func FormatAccount(addr [20]byte) string {
	return NewAddress(JobPrefix, addr[:]).String()
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return NewAddress(JobPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}
