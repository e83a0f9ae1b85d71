package store

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Txn is a view of the store inside one transaction. Reads lock the rows they return, so a
// value read through a Txn cannot change before the transaction ends.
type Txn struct {
	store *DocumentStore
	tx    *gorm.DB
}

// Transact runs fn in a single transaction. Returning an error from fn rolls back every write
// made through the Txn; the error is returned unchanged.
func (s *DocumentStore) Transact(ctx context.Context, fn func(tx *Txn) error) error {
	s.transactMu.Lock()
	defer s.transactMu.Unlock()

	var callbackErr error
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		callbackErr = fn(&Txn{store: s, tx: tx})
		return callbackErr
	})
	if callbackErr != nil {
		return callbackErr
	}
	if err != nil {
		return writeError("transaction", err)
	}
	return nil
}

// Read returns the node at path and locks it for the rest of the transaction.
func (t *Txn) Read(path Path) (Snapshot, error) {
	document, found, err := t.take(path)
	if err != nil {
		return Snapshot{}, readError(path.String(), err)
	}
	if !found {
		return Snapshot{Path: path}, nil
	}
	return snapshotOf(document), nil
}

// List returns every child of collection ordered by key.
func (t *Txn) List(collection string) ([]Snapshot, error) {
	var documents []Document
	if err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("collection = ?", collection).
		Order("doc_key ASC").
		Find(&documents).Error; err != nil {
		return nil, readError(collection, err)
	}
	snapshots := make([]Snapshot, 0, len(documents))
	for _, document := range documents {
		snapshots = append(snapshots, snapshotOf(document))
	}
	return snapshots, nil
}

// Update merges fields into the node at path inside the transaction. A missing node is a no-op.
func (t *Txn) Update(path Path, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	document, found, err := t.take(path)
	if err != nil {
		return writeError(path.String(), err)
	}
	if !found {
		t.store.logger.Debug("update skipped for missing node", zap.String("path", path.String()))
		return nil
	}
	merged, err := mergeFields(document.PayloadJSON, fields)
	if err != nil {
		return writeError(path.String(), err)
	}
	if err := t.store.upsert(t.tx, path, merged); err != nil {
		return writeError(path.String(), err)
	}
	return nil
}

// Remove deletes the node at path inside the transaction. Removing a missing node succeeds.
func (t *Txn) Remove(path Path) error {
	if err := t.tx.Where("collection = ? AND doc_key = ?", path.Collection, path.Key).
		Delete(&Document{}).Error; err != nil {
		return writeError(path.String(), err)
	}
	return nil
}

func (t *Txn) take(path Path) (Document, bool, error) {
	var document Document
	err := t.tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("collection = ? AND doc_key = ?", path.Collection, path.Key).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("lock %s: %w", path, err)
	}
	return document, true, nil
}
