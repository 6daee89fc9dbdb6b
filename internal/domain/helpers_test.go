package domain

import (
	"bytes"
	"math/big"
)

var (
	urnBTC = MustUrn("urn:test:btc")
	urnMB  = MustUrn("urn:test:mb")
	urnMC  = MustUrn("urn:test:mc")
)

func traderOf(c byte) TraderID {
	id, err := NewTraderID(bytes.Repeat([]byte{c}, TraderIDLen))
	if err != nil {
		panic(err)
	}
	return id
}

func orderIDOf(c byte, n OrderNumber) OrderID {
	return OrderID{TraderID: traderOf(c), OrderNumber: n}
}

func txIDOf(c byte) TransactionID {
	id, err := NewTransactionID(bytes.Repeat([]byte{c}, TransactionIDLen))
	if err != nil {
		panic(err)
	}
	return id
}

func bi(n int64) *big.Int { return big.NewInt(n) }
