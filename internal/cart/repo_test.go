package cart

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/storefront-backend/pkg/db/dbtest"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
)

func TestBumpVersionFromZeroRejectsExistingRow(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	user := dbtest.MustCreateUser(t, conn, enums.UserRoleCustomer)
	ctx := context.Background()

	// another writer created the row first
	v, err := repo.BumpVersion(ctx, user.ID, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	zero := int64(0)
	_, err = repo.BumpVersion(ctx, user.ID, &zero)
	require.ErrorIs(t, err, ErrVersionConflict)

	current, err := repo.CurrentVersion(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), current)
}

func TestBumpVersionFromZeroCreatesRow(t *testing.T) {
	conn := dbtest.Open(t)
	repo := NewRepository(conn)
	user := dbtest.MustCreateUser(t, conn, enums.UserRoleCustomer)
	ctx := context.Background()

	zero := int64(0)
	v, err := repo.BumpVersion(ctx, user.ID, &zero)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)

	v, err = repo.BumpVersion(ctx, user.ID, &v)
	require.NoError(t, err)
	require.Equal(t, int64(2), v)
}
