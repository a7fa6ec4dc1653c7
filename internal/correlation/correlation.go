// Package correlation carries the operation id of a lifecycle call through
// its context so every log entry of the call can be tied together.
package correlation

import (
	"context"
	"strings"

	"github.com/rs/xid"
)

// MaxIDLength defines the maximum number of characters accepted for operation identifiers.
const MaxIDLength = 64

type contextKey struct{}

// Generate produces a new operation identifier.
func Generate() string {
	return xid.New().String()
}

// Ensure returns ctx carrying an operation id, generating one when ctx has
// none, together with the id.
func Ensure(ctx context.Context) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	if id := ID(ctx); id != "" {
		return ctx, id
	}
	id := Generate()
	return context.WithValue(ctx, contextKey{}, id), id
}

// Set records id on ctx. Invalid ids are ignored.
func Set(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID retrieves the operation id stored on ctx, if any.
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Normalize validates and canonicalizes an external identifier. It returns
// the normalized id and true if the input is acceptable.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}
