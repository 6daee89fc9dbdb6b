package postgres

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// numeric encodes an unbounded integer for a NUMERIC column.
func numeric(n *big.Int) pgtype.Numeric {
	if n == nil {
		n = new(big.Int)
	}
	return pgtype.Numeric{Int: new(big.Int).Set(n), Valid: true}
}

// integer decodes a NUMERIC column that must hold a whole number.
func integer(n pgtype.Numeric) (*big.Int, error) {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil, fmt.Errorf("postgres: numeric is not a finite value")
	}
	v := new(big.Int)
	if n.Int != nil {
		v.Set(n.Int)
	}
	switch {
	case n.Exp > 0:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n.Exp)), nil))
	case n.Exp < 0:
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(-n.Exp)), nil)
		q, r := new(big.Int).QuoRem(v, scale, new(big.Int))
		if r.Sign() != 0 {
			return nil, fmt.Errorf("postgres: numeric %s has a fraction", n.Int)
		}
		v = q
	}
	return v, nil
}

// amountCols is the (amount, urn) column pair of one ProductAmount.
type amountCols struct {
	Amount pgtype.Numeric
	Urn    string
}

func (c amountCols) product() (domain.ProductAmount, error) {
	n, err := integer(c.Amount)
	if err != nil {
		return domain.ProductAmount{}, err
	}
	urn, err := domain.ParseUrn(c.Urn)
	if err != nil {
		return domain.ProductAmount{}, err
	}
	return domain.NewProductAmountBig(n, urn)
}

func pairOf(first, second amountCols) (domain.AssetPair, error) {
	a, err := first.product()
	if err != nil {
		return domain.AssetPair{}, err
	}
	b, err := second.product()
	if err != nil {
		return domain.AssetPair{}, err
	}
	return domain.NewAssetPair(a, b)
}

func orderIDOf(trader []byte, number int64) (domain.OrderID, error) {
	tid, err := domain.NewTraderID(trader)
	if err != nil {
		return domain.OrderID{}, err
	}
	n, err := domain.NewOrderNumber(number)
	if err != nil {
		return domain.OrderID{}, err
	}
	return domain.OrderID{TraderID: tid, OrderNumber: n}, nil
}

// notFound maps pgx.ErrNoRows to domain.ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}
