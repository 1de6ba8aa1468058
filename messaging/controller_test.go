package messaging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type createOrder struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

func echo(ctx context.Context, content any) (any, error) {
	return content, nil
}

func TestController(t *testing.T) {
	t.Run("Register and lookup", func(t *testing.T) {
		c := NewController()
		require.NoError(t, c.Register("echo", echo))

		op, ok := c.Operation("echo")
		require.True(t, ok)
		out, err := op(context.Background(), "hi")
		require.NoError(t, err)
		assert.Equal(t, "hi", out)

		_, ok = c.Operation("missing")
		assert.False(t, ok)
	})

	t.Run("Register rejects duplicates", func(t *testing.T) {
		c := NewController()
		require.NoError(t, c.Register("echo", echo))

		err := c.Register("echo", echo)
		assert.ErrorIs(t, err, ErrDuplicateOperation)
	})

	t.Run("Register rejects empty names and nil operations", func(t *testing.T) {
		c := NewController()
		assert.ErrorIs(t, c.Register("", echo), ErrInvalidHandler)
		assert.ErrorIs(t, c.Register("nil", nil), ErrInvalidHandler)
		assert.Empty(t, c.Names())
	})

	t.Run("Names are sorted", func(t *testing.T) {
		c := NewController()
		for _, name := range []string{"update", "create", "delete"} {
			require.NoError(t, c.Register(name, echo))
		}
		assert.Equal(t, []string{"create", "delete", "update"}, c.Names())
	})
}

func TestTyped(t *testing.T) {
	op := Typed(func(ctx context.Context, in createOrder) (any, error) {
		return in.Quantity * 2, nil
	})

	t.Run("reshapes decoded content", func(t *testing.T) {
		out, err := op(context.Background(), Decode([]byte(`{"sku":"A-1","quantity":3}`)))
		require.NoError(t, err)
		assert.Equal(t, 6, out)
	})

	t.Run("passes matching values through", func(t *testing.T) {
		out, err := op(context.Background(), createOrder{SKU: "A-1", Quantity: 5})
		require.NoError(t, err)
		assert.Equal(t, 10, out)
	})

	t.Run("rejects mismatching content", func(t *testing.T) {
		_, err := op(context.Background(), "plain text")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "content does not match")
	})
}
