package hydration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/doqm/doqm/pkg/storage"
)

func TestHydrate(t *testing.T) {
	ctx := context.Background()

	t.Run("missing_identifier", func(t *testing.T) {
		uow := NewUnitOfWork()

		_, err := uow.Hydrate(ctx, storage.Document{"name": "a"}, Hints{})
		require.ErrorIs(t, err, ErrMissingIdentifier)

		_, err = uow.Hydrate(ctx, storage.Document{"_id": nil}, Hints{})
		require.ErrorIs(t, err, ErrMissingIdentifier)
	})

	t.Run("one_identifier_one_instance", func(t *testing.T) {
		uow := NewUnitOfWork()

		first, err := uow.Hydrate(ctx, storage.Document{"_id": "u1", "v": 1}, Hints{})
		require.NoError(t, err)

		second, err := uow.Hydrate(ctx, storage.Document{"_id": "u1", "v": 2}, Hints{})
		require.NoError(t, err)

		require.Same(t, first, second)
		// without Refresh the stale read does not clobber the instance
		require.Equal(t, 1, second.Get("v"))
		require.Equal(t, 1, uow.Size())
	})

	t.Run("refresh_replaces_data_in_place", func(t *testing.T) {
		uow := NewUnitOfWork()

		first, err := uow.Hydrate(ctx, storage.Document{"_id": "u1", "v": 1}, Hints{})
		require.NoError(t, err)

		second, err := uow.Hydrate(ctx, storage.Document{"_id": "u1", "v": 2}, Hints{Refresh: true})
		require.NoError(t, err)

		require.Same(t, first, second)
		require.Equal(t, 2, first.Get("v"))
	})

	t.Run("read_only_skips_registration", func(t *testing.T) {
		uow := NewUnitOfWork()

		e, err := uow.Hydrate(ctx, storage.Document{"_id": "u1"}, Hints{ReadOnly: true})
		require.NoError(t, err)
		require.NotNil(t, e)
		require.Zero(t, uow.Size())

		_, ok := uow.Get("u1")
		require.False(t, ok)
	})

	t.Run("read_only_still_reuses_registered_instance", func(t *testing.T) {
		uow := NewUnitOfWork()

		registered, err := uow.Hydrate(ctx, storage.Document{"_id": "u1"}, Hints{})
		require.NoError(t, err)

		again, err := uow.Hydrate(ctx, storage.Document{"_id": "u1"}, Hints{ReadOnly: true})
		require.NoError(t, err)
		require.Same(t, registered, again)
	})

	t.Run("canceled_context", func(t *testing.T) {
		uow := NewUnitOfWork()

		canceled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := uow.Hydrate(canceled, storage.Document{"_id": "u1"}, Hints{})
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestIdentityKey(t *testing.T) {
	require.Equal(t, IdentityKey("u1"), IdentityKey("u1"))
	require.NotEqual(t, IdentityKey("u1"), IdentityKey("u2"))
	// type participates in the key
	require.NotEqual(t, IdentityKey("1"), IdentityKey(1))
}

func TestRegisterAndClear(t *testing.T) {
	uow := NewUnitOfWork()

	e := NewEntity("u1", storage.Document{"_id": "u1", "name": "a"})
	uow.Register(e)

	got, ok := uow.Get("u1")
	require.True(t, ok)
	require.Same(t, e, got)
	require.Equal(t, "u1", got.ID())
	require.Equal(t, "a", got.Get("name"))

	got.Set("name", "b")
	require.Equal(t, "b", e.Data()["name"])

	uow.Clear()
	require.Zero(t, uow.Size())
}
