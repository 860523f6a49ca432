package loanpool

import (
	"errors"
	"math/big"
	"testing"
)

func TestCreateLoanPayloadRoundTrip(t *testing.T) {
	price, _ := new(big.Int).SetString("340282366920938463463374607431768211455", 10)
	in := CreateLoanPayload{
		Admin:           admin,
		Borrower:        beneficiary,
		CollectionID:    0xdeadbeef,
		ItemID:          1,
		CollateralPrice: price,
		Amount:          big.NewInt(123456789),
	}
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(data) != 84 {
		t.Fatalf("expected 84 bytes, got %d", len(data))
	}
	if data[44] != 0xef || data[47] != 0xde {
		t.Fatalf("collection id not little endian: %x", data[44:48])
	}
	out, err := DecodeCreateLoanPayload(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Admin.Equal(in.Admin) || !out.Borrower.Equal(in.Borrower) {
		t.Fatalf("address mismatch")
	}
	if out.CollectionID != in.CollectionID || out.ItemID != in.ItemID {
		t.Fatalf("id mismatch: %+v", out)
	}
	if out.CollateralPrice.Cmp(price) != 0 || out.Amount.Cmp(in.Amount) != 0 {
		t.Fatalf("amount mismatch: %s %s", out.CollateralPrice, out.Amount)
	}
}

func TestCreateLoanPayloadRejectsWideAmounts(t *testing.T) {
	wide := new(big.Int).Lsh(big.NewInt(1), 128)
	_, err := CreateLoanPayload{Admin: admin, Borrower: beneficiary, CollateralPrice: big.NewInt(1), Amount: wide}.Encode()
	if !errors.Is(err, errPayloadFieldTooWide) {
		t.Fatalf("expected errPayloadFieldTooWide, got %v", err)
	}
	_, err = CreateLoanPayload{Admin: admin, Borrower: beneficiary, CollateralPrice: big.NewInt(-1), Amount: big.NewInt(1)}.Encode()
	if !errors.Is(err, errPayloadFieldTooWide) {
		t.Fatalf("expected negative price to be rejected, got %v", err)
	}
}

func TestDecodeCreateLoanPayloadValidatesFraming(t *testing.T) {
	data, err := CreateLoanPayload{Admin: admin, Borrower: beneficiary, CollateralPrice: big.NewInt(1), Amount: big.NewInt(1)}.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := DecodeCreateLoanPayload(data[:83]); err == nil {
		t.Fatalf("expected short payload to fail")
	}
	data[0] = 0x00
	if _, err := DecodeCreateLoanPayload(data); err == nil {
		t.Fatalf("expected unknown selector to fail")
	}
}
