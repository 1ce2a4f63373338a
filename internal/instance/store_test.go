package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crosslogic/gpu-control-plane/pkg/cache"
)

func newTestStore(t *testing.T) (*Store, cache.Cache) {
	t.Helper()
	details := cache.NewMemoryCache("instance-details", cache.Options{}, zap.NewNop())
	t.Cleanup(func() { details.Destroy() })
	return NewStore(details, zap.NewNop()), details
}

func TestStoreGetReturnsCopies(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Name: "a", Status: StatusCreating})

	first := store.Get("inst_1")
	require.NotNil(t, first)
	first.Name = "mutated"
	first.Status = StatusFailed

	second := store.Get("inst_1")
	assert.Equal(t, "a", second.Name)
	assert.Equal(t, StatusCreating, second.Status)
}

func TestStoreUpdateIsAtomic(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Status: StatusCreating})

	updated, err := store.Update(ctx, "inst_1", func(st *State) error {
		st.Status = StatusStarting
		st.NovitaID = "novita_1"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusStarting, updated.Status)
	assert.Equal(t, "novita_1", store.Get("inst_1").NovitaID)
}

func TestStoreUpdateMutationErrorLeavesStateUntouched(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Status: StatusReady})

	_, err := store.Update(ctx, "inst_1", func(st *State) error {
		st.Status = StatusFailed
		return errors.New("rejected")
	})
	require.Error(t, err)
	assert.Equal(t, StatusReady, store.Get("inst_1").Status)
}

func TestStoreUpdateUnknownInstance(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.Update(context.Background(), "nope", func(*State) error { return nil })
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestStoreFindByNameAndNovitaID(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Name: "worker-a", NovitaID: "novita_1", Status: StatusReady})
	store.Put(ctx, &State{ID: "inst_2", Name: "worker-b", NovitaID: "novita_2", Status: StatusExited})

	require.NotNil(t, store.FindByName("worker-b"))
	assert.Equal(t, "inst_2", store.FindByName("worker-b").ID)
	require.NotNil(t, store.FindByNovitaID("novita_1"))
	assert.Equal(t, "inst_1", store.FindByNovitaID("novita_1").ID)
	assert.Nil(t, store.FindByName("worker-c"))
	assert.Nil(t, store.FindByNovitaID("novita_3"))
}

func TestStoreListFiltersByStatus(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Status: StatusReady})
	store.Put(ctx, &State{ID: "inst_2", Status: StatusExited})
	store.Put(ctx, &State{ID: "inst_3", Status: StatusExited})

	assert.Len(t, store.List(""), 3)
	assert.Len(t, store.List(StatusExited), 2)
	assert.Len(t, store.List(StatusFailed), 0)
}

func TestStoreStatusChangeInvalidatesDetailsCache(t *testing.T) {
	store, details := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Status: StatusRunning})
	require.NoError(t, details.Set(ctx, detailsKey("inst_1"), &State{ID: "inst_1", Status: StatusRunning}, time.Minute))

	// A mutation that keeps the status leaves the cached details alone.
	_, err := store.Update(ctx, "inst_1", func(st *State) error {
		st.LastError = ""
		return nil
	})
	require.NoError(t, err)
	var cached State
	hit, err := details.Get(ctx, detailsKey("inst_1"), &cached)
	require.NoError(t, err)
	assert.True(t, hit)

	_, err = store.Update(ctx, "inst_1", func(st *State) error {
		st.Status = StatusReady
		return nil
	})
	require.NoError(t, err)
	hit, err = details.Get(ctx, detailsKey("inst_1"), &cached)
	require.NoError(t, err)
	assert.False(t, hit, "status change drops the cached details")
}

func TestStoreRemove(t *testing.T) {
	store, details := newTestStore(t)
	ctx := context.Background()

	store.Put(ctx, &State{ID: "inst_1", Status: StatusReady})
	require.NoError(t, details.Set(ctx, detailsKey("inst_1"), &State{ID: "inst_1"}, time.Minute))

	removed := store.Remove(ctx, "inst_1")
	require.NotNil(t, removed)
	assert.Equal(t, StatusReady, removed.Status)
	assert.Nil(t, store.Get("inst_1"))
	assert.Equal(t, 0, store.Count())

	var cached State
	hit, err := details.Get(ctx, detailsKey("inst_1"), &cached)
	require.NoError(t, err)
	assert.False(t, hit)

	assert.Nil(t, store.Remove(ctx, "inst_1"))
}
