// Package secrets resolves secret references in configuration values.
//
// A reference has the form op://<vault>/<item>/<field> and is resolved
// through 1Password Connect. Values without the op:// prefix are literal
// and returned unchanged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const referencePrefix = "op://"

// ErrNotFound is returned when the referenced item or field does not exist.
var ErrNotFound = errors.New("secret not found")

// Resolver turns a reference into its secret value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Reference is a parsed op:// reference.
type Reference struct {
	Vault string
	Item  string
	Field string
}

func (r Reference) String() string {
	return referencePrefix + r.Vault + "/" + r.Item + "/" + r.Field
}

// IsReference reports whether s is an op:// reference.
func IsReference(s string) bool {
	return strings.HasPrefix(strings.TrimSpace(s), referencePrefix)
}

// ParseReference parses op://vault/item/field.
func ParseReference(s string) (Reference, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, referencePrefix) {
		return Reference{}, fmt.Errorf("secret reference %q must start with %s", s, referencePrefix)
	}
	parts := strings.Split(strings.TrimPrefix(s, referencePrefix), "/")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Reference{}, fmt.Errorf("secret reference %q must have the form op://vault/item/field", s)
	}
	return Reference{Vault: parts[0], Item: parts[1], Field: parts[2]}, nil
}

// ResolveAll replaces every reference among values in place. Literal
// values are left alone, so a nil resolver is fine when none are present.
func ResolveAll(ctx context.Context, r Resolver, values ...*string) error {
	for _, v := range values {
		if v == nil || !IsReference(*v) {
			continue
		}
		if r == nil {
			return fmt.Errorf("%s: no secrets backend configured (set OP_CONNECT_HOST and OP_CONNECT_TOKEN)", *v)
		}
		resolved, err := r.Resolve(ctx, *v)
		if err != nil {
			return err
		}
		*v = resolved
	}
	return nil
}
