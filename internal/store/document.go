package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxSegmentLength = 190

var (
	// ErrInvalidPath indicates that a document path is empty, malformed, or exceeds storage bounds.
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrRead indicates that the backing database failed to serve a read.
	ErrRead = errors.New("store: read failed")
	// ErrWrite indicates that the backing database failed to apply a write.
	ErrWrite = errors.New("store: write failed")
)

// Document is the persisted row backing a single `<collection>/<key>` node.
type Document struct {
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null"`
	Key              string `gorm:"column:doc_key;primaryKey;size:190;not null"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Path addresses one child node of a top-level collection.
type Path struct {
	Collection string
	Key        string
}

// NewPath validates both segments and returns a Path.
func NewPath(collection, key string) (Path, error) {
	collection = strings.TrimSpace(collection)
	key = strings.TrimSpace(key)
	if err := validateSegment(collection); err != nil {
		return Path{}, fmt.Errorf("%w: collection %v", ErrInvalidPath, err)
	}
	if err := validateSegment(key); err != nil {
		return Path{}, fmt.Errorf("%w: key %v", ErrInvalidPath, err)
	}
	return Path{Collection: collection, Key: key}, nil
}

// String renders the path in `collection/key` form.
func (p Path) String() string {
	return p.Collection + "/" + p.Key
}

func validateSegment(segment string) error {
	if segment == "" {
		return errors.New("empty")
	}
	if len(segment) > maxSegmentLength {
		return fmt.Errorf("exceeds %d characters", maxSegmentLength)
	}
	if strings.ContainsAny(segment, "/.#$[]") {
		return errors.New("contains reserved characters")
	}
	return nil
}

// Snapshot is the result of reading a node. Exists is false when nothing is stored at Path.
type Snapshot struct {
	Path    Path
	Exists  bool
	Payload json.RawMessage
}

// Key returns the child key of the snapshot.
func (s Snapshot) Key() string {
	return s.Path.Key
}

// Decode unmarshals the payload into target. Decoding a missing node is an error.
func (s Snapshot) Decode(target any) error {
	if !s.Exists {
		return fmt.Errorf("store: decode %s: node does not exist", s.Path)
	}
	return json.Unmarshal(s.Payload, target)
}

// Mutation is one leg of an atomic multi-path commit. A nil Value removes the node.
type Mutation struct {
	Path  Path
	Value any
}

// Delete builds a removal mutation for path.
func Delete(path Path) Mutation {
	return Mutation{Path: path, Value: nil}
}
