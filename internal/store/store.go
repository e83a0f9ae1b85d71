package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase    = errors.New("database handle is required")
	errMissingKeyProvider = errors.New("key provider is required")
	noOpLogger            = zap.NewNop()
)

// Config describes the dependencies required by the document store.
type Config struct {
	Database    *gorm.DB
	Clock       func() time.Time
	KeyProvider KeyProvider
	Logger      *zap.Logger
}

// DocumentStore is a hierarchical key-value store of JSON nodes laid out as `<collection>/<key>`.
// Every call addresses a single node except Commit and Transact, which span several.
type DocumentStore struct {
	// transactMu serializes read-modify-write transactions within the process.
	transactMu  sync.Mutex
	db          *gorm.DB
	clock       func() time.Time
	keyProvider KeyProvider
	logger      *zap.Logger
}

// New constructs a DocumentStore over an already migrated database.
func New(cfg Config) (*DocumentStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.KeyProvider == nil {
		return nil, errMissingKeyProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &DocumentStore{
		db:          cfg.Database,
		clock:       clock,
		keyProvider: cfg.KeyProvider,
		logger:      logger,
	}, nil
}

// Read returns the node stored at path. A missing node yields a snapshot with Exists false.
func (s *DocumentStore) Read(ctx context.Context, path Path) (Snapshot, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", path.Collection, path.Key).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{Path: path}, nil
	}
	if err != nil {
		return Snapshot{}, readError(path.String(), err)
	}
	return snapshotOf(document), nil
}

// List returns every child of collection ordered by key.
func (s *DocumentStore) List(ctx context.Context, collection string) ([]Snapshot, error) {
	var documents []Document
	if err := s.db.WithContext(ctx).
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

// Push reserves a new unique child key under collection. Nothing is written until Set.
func (s *DocumentStore) Push(collection string) (Path, error) {
	key, err := s.keyProvider.NewKey()
	if err != nil {
		return Path{}, fmt.Errorf("%w: key generation: %v", ErrWrite, err)
	}
	return NewPath(collection, key)
}

// Set replaces the node at path with value.
func (s *DocumentStore) Set(ctx context.Context, path Path, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrWrite, path, err)
	}
	if err := s.upsert(s.db.WithContext(ctx), path, payload); err != nil {
		return writeError(path.String(), err)
	}
	return nil
}

// Update merges fields into the node at path. A nil field value removes that child.
// Updating a missing node is a no-op.
func (s *DocumentStore) Update(ctx context.Context, path Path, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	return s.Transact(ctx, func(tx *Txn) error {
		return tx.Update(path, fields)
	})
}

// Remove deletes the node at path. Removing a missing node succeeds.
func (s *DocumentStore) Remove(ctx context.Context, path Path) error {
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", path.Collection, path.Key).
		Delete(&Document{}).Error; err != nil {
		return writeError(path.String(), err)
	}
	return nil
}

// Commit applies every mutation in one transaction: either all land or none do.
func (s *DocumentStore) Commit(ctx context.Context, mutations []Mutation) error {
	if len(mutations) == 0 {
		return nil
	}
	encoded := make([][]byte, len(mutations))
	for index, mutation := range mutations {
		if mutation.Value == nil {
			continue
		}
		payload, err := json.Marshal(mutation.Value)
		if err != nil {
			return fmt.Errorf("%w: encode %s: %v", ErrWrite, mutation.Path, err)
		}
		encoded[index] = payload
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for index, mutation := range mutations {
			if encoded[index] == nil {
				if err := tx.Where("collection = ? AND doc_key = ?", mutation.Path.Collection, mutation.Path.Key).
					Delete(&Document{}).Error; err != nil {
					return err
				}
				continue
			}
			if err := s.upsert(tx, mutation.Path, encoded[index]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return writeError(describeMutations(mutations), err)
	}
	return nil
}

func (s *DocumentStore) upsert(tx *gorm.DB, path Path, payload []byte) error {
	document := Document{
		Collection:       path.Collection,
		Key:              path.Key,
		PayloadJSON:      string(payload),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload_json", "updated_at_s"}),
	}).Create(&document).Error
}

func mergeFields(payloadJSON string, fields map[string]any) ([]byte, error) {
	current := map[string]json.RawMessage{}
	if strings.TrimSpace(payloadJSON) != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &current); err != nil {
			return nil, fmt.Errorf("decode stored node: %w", err)
		}
	}
	for name, value := range fields {
		if value == nil {
			delete(current, name)
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", name, err)
		}
		current[name] = encoded
	}
	return json.Marshal(current)
}

func snapshotOf(document Document) Snapshot {
	return Snapshot{
		Path:    Path{Collection: document.Collection, Key: document.Key},
		Exists:  true,
		Payload: json.RawMessage(document.PayloadJSON),
	}
}

func describeMutations(mutations []Mutation) string {
	paths := make([]string, 0, len(mutations))
	for _, mutation := range mutations {
		paths = append(paths, mutation.Path.String())
	}
	return strings.Join(paths, ",")
}

func readError(target string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrRead, target, cause)
}

func writeError(target string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrWrite, target, cause)
}
