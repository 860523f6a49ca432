package loanpool

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"

	"lukechampine.com/blake3"

	"communityloans/crypto"
)

// CreateLoanSelector prefixes every disbursement payload.
var CreateLoanSelector = [4]byte{0x0E, 0xA6, 0xBD, 0x42}

// CreateLoanPayloadLength is the selector followed by admin, borrower,
// collection id, item id, collateral price and funded amount.
const CreateLoanPayloadLength = 4 + crypto.AddressLength*2 + 4 + 4 + 16 + 16

// CreateLoanPayload is the decoded form of the disbursement call data.
type CreateLoanPayload struct {
	Admin           crypto.Address
	Borrower        crypto.Address
	CollectionID    uint32
	ItemID          uint32
	CollateralPrice *big.Int
	Amount          *big.Int
}

// Encode renders the payload. Amounts that do not fit 128 bits are rejected.
func (p CreateLoanPayload) Encode() ([]byte, error) {
	if len(p.Admin.Bytes()) != crypto.AddressLength || len(p.Borrower.Bytes()) != crypto.AddressLength {
		return nil, fmt.Errorf("%w: payload addresses must be set", ErrInvalidApproval)
	}
	price, err := u128LE(p.CollateralPrice)
	if err != nil {
		return nil, fmt.Errorf("collateral price: %w", err)
	}
	amount, err := u128LE(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	buf := make([]byte, 0, CreateLoanPayloadLength)
	buf = append(buf, CreateLoanSelector[:]...)
	buf = append(buf, p.Admin.Bytes()...)
	buf = append(buf, p.Borrower.Bytes()...)
	buf = binary.LittleEndian.AppendUint32(buf, p.CollectionID)
	buf = binary.LittleEndian.AppendUint32(buf, p.ItemID)
	buf = append(buf, price...)
	buf = append(buf, amount...)
	return buf, nil
}

// DecodeCreateLoanPayload parses call data produced by Encode.
func DecodeCreateLoanPayload(data []byte) (*CreateLoanPayload, error) {
	if len(data) != CreateLoanPayloadLength {
		return nil, fmt.Errorf("loanpool: payload length %d, want %d", len(data), CreateLoanPayloadLength)
	}
	if !bytes.Equal(data[:4], CreateLoanSelector[:]) {
		return nil, fmt.Errorf("loanpool: unknown selector %x", data[:4])
	}
	off := 4
	admin := crypto.NewAddress(crypto.AccountPrefix, data[off:off+crypto.AddressLength])
	off += crypto.AddressLength
	borrower := crypto.NewAddress(crypto.AccountPrefix, data[off:off+crypto.AddressLength])
	off += crypto.AddressLength
	collection := binary.LittleEndian.Uint32(data[off:])
	off += 4
	item := binary.LittleEndian.Uint32(data[off:])
	off += 4
	price := fromU128LE(data[off : off+16])
	off += 16
	amount := fromU128LE(data[off : off+16])
	return &CreateLoanPayload{
		Admin:           admin,
		Borrower:        borrower,
		CollectionID:    collection,
		ItemID:          item,
		CollateralPrice: price,
		Amount:          amount,
	}, nil
}

// PayloadDigest returns the hex blake3 digest of the call data.
func PayloadDigest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func u128LE(v *big.Int) ([]byte, error) {
	if v == nil {
		v = new(big.Int)
	}
	if v.Sign() < 0 || v.BitLen() > 128 {
		return nil, errPayloadFieldTooWide
	}
	out := make([]byte, 16)
	v.FillBytes(out)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func fromU128LE(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i := range b {
		be[len(b)-1-i] = b[i]
	}
	return new(big.Int).SetBytes(be)
}
