package globals

import (
	"context"
	"omoharvest-backend/internal/harvest"
)

type key struct{}

type Value struct {
	Config    harvest.Config
	Harvester harvest.Harvester
	// Store is nil unless --db was given.
	Store *harvest.Store
}

func Set(ctx context.Context, value *Value) context.Context {
	return context.WithValue(ctx, key{}, value)
}

func Get(ctx context.Context) *Value {
	return ctx.Value(key{}).(*Value)
}
