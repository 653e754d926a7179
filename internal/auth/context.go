package auth

import (
	"context"
	"errors"
)

type ctxKey int

const ctxSlug ctxKey = iota

func WithSlug(ctx context.Context, slug string) context.Context {
	return context.WithValue(ctx, ctxSlug, slug)
}

func Slug(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxSlug).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("tenant slug not in context")
}
