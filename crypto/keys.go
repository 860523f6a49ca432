package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// AddressPrefix defines the human-readable part used when rendering addresses.
type AddressPrefix string

const (
	// AccountPrefix is used for user and contract accounts.
	AccountPrefix AddressPrefix = "clp"
	// ModulePrefix is used for accounts derived from a module identifier.
	ModulePrefix AddressPrefix = "clpmod"
)

// AddressLength is the number of raw bytes backing an address.
const AddressLength = 20

var moduleAccountSeed = []byte("modl")

var errInvalidAddressLength = errors.New("crypto: address must be 20 bytes long")

// Address represents a 20-byte account identifier with a display prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) Address {
	if len(b) != AddressLength {
		panic("address must be 20 bytes long")
	}
	return Address{prefix: prefix, bytes: append([]byte(nil), b...)}
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
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

// IsZero reports whether the address carries no bytes or only zero bytes.
func (a Address) IsZero() bool {
	if len(a.bytes) == 0 {
		return true
	}
	for _, b := range a.bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Equal compares the raw bytes of two addresses. Prefixes are display-only.
func (a Address) Equal(other Address) bool {
	return bytes.Equal(a.bytes, other.bytes)
}

// Key returns a comparable representation suitable for map keys.
func (a Address) Key() [AddressLength]byte {
	var out [AddressLength]byte
	copy(out[:], a.bytes)
	return out
}

type rlpAddress struct {
	Prefix string
	Bytes  []byte
}

// EncodeRLP implements rlp.Encoder so addresses can be embedded in stored records.
func (a Address) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, rlpAddress{Prefix: string(a.prefix), Bytes: a.bytes})
}

// DecodeRLP implements rlp.Decoder.
func (a *Address) DecodeRLP(s *rlp.Stream) error {
	var raw rlpAddress
	if err := s.Decode(&raw); err != nil {
		return err
	}
	if len(raw.Bytes) == 0 {
		*a = Address{prefix: AddressPrefix(raw.Prefix)}
		return nil
	}
	if len(raw.Bytes) != AddressLength {
		return errInvalidAddressLength
	}
	*a = Address{prefix: AddressPrefix(raw.Prefix), bytes: raw.Bytes}
	return nil
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
	if len(conv) != AddressLength {
		return Address{}, errInvalidAddressLength
	}
	return NewAddress(AddressPrefix(prefix), conv), nil
}

// ParseAccount resolves either a bech32 address or a 0x-prefixed hex address.
func ParseAccount(ref string) (Address, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Address{}, errors.New("crypto: empty account reference")
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return Address{}, fmt.Errorf("crypto: invalid hex address %q", trimmed)
		}
		return NewAddress(AccountPrefix, common.HexToAddress(trimmed).Bytes()), nil
	}
	return DecodeAddress(trimmed)
}

// ModuleAddress derives the sovereign account of a module from its identifier.
// The layout is "modl" followed by the identifier bytes, zero padded or
// truncated to the address length, so the result is stable across restarts.
func ModuleAddress(id string) Address {
	raw := make([]byte, AddressLength)
	n := copy(raw, moduleAccountSeed)
	copy(raw[n:], []byte(id))
	return NewAddress(ModulePrefix, raw)
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
	return NewAddress(AccountPrefix, addrBytes)
}
