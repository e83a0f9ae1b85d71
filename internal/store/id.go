package store

import "github.com/google/uuid"

// KeyProvider issues child keys for Push.
type KeyProvider interface {
	NewKey() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs a KeyProvider that issues UUIDv7 keys, which sort by creation time.
func NewUUIDProvider() KeyProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewKey() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
