package collector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourceRegistry(t *testing.T) {
	t.Run("register and create", func(t *testing.T) {
		r := NewSourceRegistry()
		factory := func() (Connector, error) {
			return newFakeConnector("a", time.Millisecond, time.Millisecond), nil
		}

		require.NoError(t, r.Register("a", factory, time.Millisecond, time.Millisecond))
		assert.True(t, r.IsRegistered("a"))

		conn, err := r.Create("a")
		require.NoError(t, err)
		assert.Equal(t, "a", conn.Name())
	})

	t.Run("duplicate registration fails", func(t *testing.T) {
		r := NewSourceRegistry()
		factory := func() (Connector, error) { return nil, nil }

		require.NoError(t, r.Register("a", factory, time.Second, time.Second))
		err := r.Register("a", factory, time.Second, time.Second)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("unknown source not found", func(t *testing.T) {
		r := NewSourceRegistry()
		_, err := r.Create("missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list preserves insertion order", func(t *testing.T) {
		r := NewSourceRegistry()
		factory := func() (Connector, error) { return nil, nil }

		require.NoError(t, r.Register("zeta", factory, time.Second, time.Second))
		require.NoError(t, r.Register("alpha", factory, time.Second, time.Second))
		require.NoError(t, r.Register("mid", factory, time.Second, time.Second))

		assert.Equal(t, []string{"zeta", "alpha", "mid"}, r.List())
	})

	t.Run("zero sources yields empty list", func(t *testing.T) {
		r := NewSourceRegistry()
		assert.Empty(t, r.List())
	})

	t.Run("default periods round-trip", func(t *testing.T) {
		r := NewSourceRegistry()
		factory := func() (Connector, error) { return nil, nil }
		require.NoError(t, r.Register("a", factory, 5*time.Millisecond, 50*time.Millisecond))

		sampling, push, err := r.DefaultPeriods("a")
		require.NoError(t, err)
		assert.Equal(t, 5*time.Millisecond, sampling)
		assert.Equal(t, 50*time.Millisecond, push)
	})
}
