package identity

import (
	"context"

	dErrors "anchorid/pkg/domain-errors"
	"anchorid/pkg/requestcontext"
)

// Caller returns the authenticated caller of the request, if any.
func Caller(ctx context.Context) (Address, bool) {
	return Normalize(requestcontext.Caller(ctx))
}

// RequireSelf parses raw and checks that the authenticated caller is that account.
func RequireSelf(ctx context.Context, raw string) (Address, error) {
	subject, err := Parse(raw)
	if err != nil {
		return "", err
	}
	caller, ok := Caller(ctx)
	if !ok {
		return "", dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	if caller != subject {
		return "", dErrors.New(dErrors.CodeForbidden, "caller may only act on its own records")
	}
	return subject, nil
}
