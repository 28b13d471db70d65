// Package secrets resolves secret references in controller configuration.
//
// A configuration value of the form op://<vault>/<item>/<field> is looked up
// in 1Password Connect; any other value is used as is. This lets operators
// pass --database op://infra/pingrelay-db/url instead of a plaintext DSN.
package secrets

import (
	"errors"
	"fmt"
	"strings"
)

const referenceScheme = "op://"

var (
	// ErrInvalidReference is returned for a malformed op:// value.
	ErrInvalidReference = errors.New("invalid secret reference")
	// ErrSecretNotFound is returned when the item or field does not exist.
	ErrSecretNotFound = errors.New("secret not found")
	// ErrNoBackend is returned when a reference is given but no secret
	// backend is configured.
	ErrNoBackend = errors.New("no secrets backend configured")
)

// Reference identifies one field of a 1Password item.
type Reference struct {
	Vault string
	Item  string
	Field string
}

func (r Reference) String() string {
	return referenceScheme + r.Vault + "/" + r.Item + "/" + r.Field
}

// IsReference reports whether value should be resolved.
func IsReference(value string) bool {
	return strings.HasPrefix(value, referenceScheme)
}

// ParseReference parses op://vault/item/field.
func ParseReference(value string) (Reference, error) {
	if !IsReference(value) {
		return Reference{}, fmt.Errorf("%w: %q lacks the %s prefix", ErrInvalidReference, value, referenceScheme)
	}
	parts := strings.Split(strings.TrimPrefix(value, referenceScheme), "/")
	if len(parts) != 3 {
		return Reference{}, fmt.Errorf("%w: %q (expected op://vault/item/field)", ErrInvalidReference, value)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Reference{}, fmt.Errorf("%w: %q has an empty segment", ErrInvalidReference, value)
		}
	}
	return Reference{Vault: parts[0], Item: parts[1], Field: parts[2]}, nil
}
