// Package inventory owns the per-product stock counter. Every change goes
// through a row lock taken inside the caller's transaction.
package inventory

import (
	"context"
	"errors"

	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

var (
	ErrInsufficientStock = apperror.Conflict("insufficient stock")
	ErrInvalidQuantity   = apperror.Validation("quantity must be positive")
	ErrProductNotFound   = apperror.NotFound("product not found")
)

type Ledger struct{}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Reserve locks the product row and decrements its stock. The locked
// product is returned so the caller can snapshot its price.
func (l *Ledger) Reserve(ctx context.Context, tx store.Tx, productID string, quantity int) (*model.Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	p, err := l.lock(ctx, tx, productID)
	if err != nil {
		return nil, err
	}

	if p.Stock < quantity {
		return nil, apperror.Wrap(ErrInsufficientStock, "product %s has %d, requested %d", productID, p.Stock, quantity)
	}

	p.Stock -= quantity
	if err := tx.UpdateProductStock(ctx, productID, p.Stock); err != nil {
		return nil, err
	}
	return p, nil
}

// Restore gives stock back, e.g. when an order is cancelled.
func (l *Ledger) Restore(ctx context.Context, tx store.Tx, productID string, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	p, err := l.lock(ctx, tx, productID)
	if err != nil {
		return err
	}
	return tx.UpdateProductStock(ctx, productID, p.Stock+quantity)
}

func (l *Ledger) lock(ctx context.Context, tx store.Tx, productID string) (*model.Product, error) {
	p, err := tx.LockProduct(ctx, productID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Wrap(ErrProductNotFound, "%s", productID)
	}
	return p, err
}
