package repository

import (
	"context"

	"gorm.io/gorm"
)

type txKeyType struct{}

var txKey txKeyType

// TransactionManager scopes a function to a single database transaction.
// Repositories resolve the transactional handle through GetDB, so a
// service can compose multi-repository work (an allocation writes the
// payment record, ledger entries and order aggregates together) without
// passing *gorm.DB through its API.
type TransactionManager interface {
	RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error
}

type gormTxManager struct {
	db *gorm.DB
}

func NewTransactionManager(db *gorm.DB) TransactionManager {
	return &gormTxManager{db: db}
}

// RunInTx runs fn inside a transaction. If the context already carries
// one, fn joins it rather than opening a nested transaction, so service
// methods can call each other under a single commit.
func (m *gormTxManager) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*gorm.DB); ok {
		return fn(ctx)
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey, tx))
	})
}

// GetDB returns the transaction bound to ctx, or rootDB outside one.
func GetDB(ctx context.Context, rootDB *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey).(*gorm.DB); ok {
		return tx
	}
	return rootDB.WithContext(ctx)
}
