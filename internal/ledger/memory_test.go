package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomexpenses/internal/backend"
	"roomexpenses/internal/core"
	"roomexpenses/internal/local"
	"roomexpenses/internal/memory"
)

func memoryClient(t *testing.T, p *local.Provider, email string) backend.Client {
	t.Helper()
	c := p.NewClient()
	_, err := c.Auth.SignUp(context.Background(), email, "secret123")
	require.NoError(t, err)
	return c
}

func eventually(t *testing.T, v *View, cond func(Snapshot) bool) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(v.Snapshot()) }, 2*time.Second, 10*time.Millisecond)
}

func TestMemoryBackend_MutationsResync(t *testing.T) {
	ctx := context.Background()
	p := local.New(memory.New("expenses"), local.Options{JWTSecret: "0123456789abcdef", TokenTTL: time.Hour})
	defer p.Close()

	alice := New(memoryClient(t, p, "alice@example.com").Data, "expenses", nil)
	require.NoError(t, alice.Mount(ctx))
	defer alice.Unmount()
	require.True(t, alice.Live())

	bob := New(memoryClient(t, p, "bob@example.com").Data, "expenses", nil)
	require.NoError(t, bob.Mount(ctx))
	defer bob.Unmount()

	_, err := alice.AddRecord(ctx, EntryForm{Description: "Groceries", Amount: "50", Person: "Alice"})
	require.NoError(t, err)
	_, err = bob.AddRecord(ctx, EntryForm{Description: "Internet", Amount: "30", Person: "Bob"})
	require.NoError(t, err)

	// Both views converge through the change feed
	for _, v := range []*View{alice, bob} {
		eventually(t, v, func(s Snapshot) bool { return len(s.All) == 2 })
		snap := v.Snapshot()
		assert.Equal(t, "Internet", snap.All[0].Description, "newest first")
		assert.False(t, snap.All[0].CreatedAt.Before(snap.All[1].CreatedAt))
	}

	alice.ApplyFilter(core.Filter{Person: "ali"})
	require.Len(t, alice.Visible(), 1)

	target := alice.Visible()[0]
	require.NoError(t, bob.UpdateRecord(ctx, target.ID, EntryForm{Description: "Groceries", Amount: "55.20", Person: "Alice"}))
	eventually(t, alice, func(s Snapshot) bool {
		r, ok := alice.Find(target.ID)
		return ok && r.Amount.String() == "55.2"
	})

	updated, _ := alice.Find(target.ID)
	assert.Equal(t, target.ID, updated.ID)
	assert.True(t, target.CreatedAt.Equal(updated.CreatedAt), "edits never move created_at")

	require.NoError(t, bob.DeleteRecord(ctx, target.ID, always(true)))
	eventually(t, alice, func(s Snapshot) bool { return len(s.All) == 1 })

	snap := alice.Snapshot()
	assert.Empty(t, snap.Visible, "filter still applied after re-sync")
	assert.Equal(t, core.ApplyFilter(snap.All, snap.Filter), snap.Visible)
}

func TestMemoryBackend_UnmountReleasesSubscription(t *testing.T) {
	ctx := context.Background()
	p := local.New(memory.New("expenses"), local.Options{JWTSecret: "0123456789abcdef", TokenTTL: time.Hour})
	defer p.Close()

	v := New(memoryClient(t, p, "carol@example.com").Data, "expenses", nil)
	require.NoError(t, v.Mount(ctx))
	assert.Equal(t, 1, p.Hub().Len())

	v.Unmount()
	assert.Equal(t, 0, p.Hub().Len())
}

func TestMemoryBackend_ClosedHubStopsLiveUpdates(t *testing.T) {
	ctx := context.Background()
	p := local.New(memory.New("expenses"), local.Options{JWTSecret: "0123456789abcdef", TokenTTL: time.Hour})
	defer p.Close()

	v := New(memoryClient(t, p, "dave@example.com").Data, "expenses", nil)
	require.NoError(t, v.Mount(ctx))
	defer v.Unmount()
	require.True(t, v.Live())

	p.Hub().Close()
	require.Eventually(t, func() bool { return !v.Live() }, 2*time.Second, 10*time.Millisecond)

	_, err := v.AddRecord(ctx, EntryForm{Description: "Soap", Amount: "4", Person: "Dave"})
	require.NoError(t, err)
	assert.Len(t, v.Snapshot().All, 1, "mutation refreshed without a feed")
}
