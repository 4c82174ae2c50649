package lifecycle

import (
	"context"
	"fmt"

	"github.com/aretw0/keel/pkg/domain"
	"github.com/bytedance/sonic"
)

// JSONCodec passivates instances of type *T as JSON.
type JSONCodec[T any] struct {
	// Init builds the instance of a new session. Nil yields new(T).
	Init func(ctx context.Context, key domain.SessionKey) (*T, error)
}

// New implements ports.InstanceCodec.
func (c JSONCodec[T]) New(ctx context.Context, key domain.SessionKey) (any, error) {
	if c.Init != nil {
		return c.Init(ctx, key)
	}
	return new(T), nil
}

// Marshal implements ports.InstanceCodec.
func (c JSONCodec[T]) Marshal(instance any) ([]byte, error) {
	v, ok := instance.(*T)
	if !ok {
		return nil, fmt.Errorf("unexpected instance type %T", instance)
	}
	return sonic.Marshal(v)
}

// Unmarshal implements ports.InstanceCodec.
func (c JSONCodec[T]) Unmarshal(key domain.SessionKey, state []byte) (any, error) {
	v := new(T)
	if len(state) == 0 {
		return v, nil
	}
	if err := sonic.Unmarshal(state, v); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", key, err)
	}
	return v, nil
}
