package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullLedger_GetSlotMonotonic(t *testing.T) {
	n := NewNullLedger()
	ctx := context.Background()

	a, err := n.GetSlot(ctx)
	require.NoError(t, err)
	b, err := n.GetSlot(ctx)
	require.NoError(t, err)
	assert.Less(t, a, b)
}

func TestNullLedger_TransferProducesDistinctIDs(t *testing.T) {
	n := NewNullLedger()
	ctx := context.Background()

	id1, err := n.Transfer(ctx, "energy-token", "addr-a", "addr-b", nil, 10.0, 6)
	require.NoError(t, err)
	id2, err := n.Transfer(ctx, "energy-token", "addr-a", "addr-b", nil, 10.0, 6)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestNullLedger_EnsureReceiveAccountMarksExistence(t *testing.T) {
	n := NewNullLedger()
	ctx := context.Background()

	exists, err := n.AccountExists(ctx, "wallet-1")
	require.NoError(t, err)
	assert.False(t, exists)

	addr, err := n.EnsureReceiveAccount(ctx, nil, "wallet-1", "energy-token")
	require.NoError(t, err)
	assert.Equal(t, "wallet-1", addr)

	exists, err = n.AccountExists(ctx, "wallet-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestNullLedger_AlwaysConfirms(t *testing.T) {
	n := NewNullLedger()
	ctx := context.Background()

	status, err := n.SignatureStatus(ctx, "synthetic-tx-1")
	require.NoError(t, err)
	assert.Equal(t, Confirmed, status)

	status, err = n.WaitForConfirmation(ctx, "synthetic-tx-1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, Confirmed, status)
}
