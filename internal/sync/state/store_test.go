package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digdir/erproxy-sync/internal/sink"
)

func TestSinkStore_RoundTrip(t *testing.T) {
	t.Parallel()

	mem := sink.NewMemory()
	store := NewSinkStore(mem)
	ctx := context.Background()

	checkpoint := time.Date(2024, 5, 1, 7, 1, 13, 166987000, time.FixedZone("CEST", 2*3600))
	require.NoError(t, store.Save(ctx, "state/enheter.json", checkpoint))

	data, err := mem.Get(ctx, "state/enheter.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastUpdated":"2024-05-01T05:01:13.166Z"}`, string(data))
	assert.Equal(t, "application/json", mem.ContentType("state/enheter.json"))

	got, err := store.Load(ctx, "state/enheter.json")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 5, 1, 13, 166000000, time.UTC), got)
	assert.Equal(t, time.UTC, got.Location())
}

func TestSinkStore_SaveIsIdempotent(t *testing.T) {
	t.Parallel()

	mem := sink.NewMemory()
	store := NewSinkStore(mem)
	ctx := context.Background()
	checkpoint := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, store.Save(ctx, "k.json", checkpoint))
	first, err := mem.Get(ctx, "k.json")
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "k.json", checkpoint))
	second, err := mem.Get(ctx, "k.json")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSinkStore_ZeroSentinelRoundTrips(t *testing.T) {
	t.Parallel()

	store := NewSinkStore(sink.NewMemory())
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "k.json", time.Time{}))
	got, err := store.Load(ctx, "k.json")
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestSinkStore_LoadErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stored  string
		wantErr error
	}{
		{name: "missing", wantErr: ErrNotFound},
		{name: "not JSON", stored: `lastUpdated=yesterday`, wantErr: ErrCorrupt},
		{name: "empty value", stored: `{"lastUpdated":""}`, wantErr: ErrCorrupt},
		{name: "missing field", stored: `{}`, wantErr: ErrCorrupt},
		{name: "default library format", stored: `{"lastUpdated":"2024-05-01T05:01:13+02:00"}`, wantErr: ErrCorrupt},
		{name: "wrong type", stored: `{"lastUpdated":12}`, wantErr: ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem := sink.NewMemory()
			ctx := context.Background()
			if tt.stored != "" {
				require.NoError(t, mem.Put(ctx, "state/enheter.json", []byte(tt.stored), ""))
			}

			_, err := NewSinkStore(mem).Load(ctx, "state/enheter.json")
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

// failingSink fails every Get with a storage error
type failingSink struct {
	sink.Sink
}

func (failingSink) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingSink) Put(context.Context, string, []byte, string) error {
	return errors.New("connection refused")
}

func TestSinkStore_StorageFailure(t *testing.T) {
	t.Parallel()

	store := NewSinkStore(failingSink{})
	ctx := context.Background()

	_, err := store.Load(ctx, "state/enheter.json")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrCorrupt)
	assert.Contains(t, err.Error(), "failed to load checkpoint state/enheter.json")

	err = store.Save(ctx, "state/enheter.json", time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save checkpoint")
}

func TestSinkStore_ConcurrentSaves(t *testing.T) {
	t.Parallel()

	store := NewSinkStore(sink.NewMemory())
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Go(func() {
			key := fmt.Sprintf("state/%d.json", i%2)
			assert.NoError(t, store.Save(ctx, key, base.Add(time.Duration(i)*time.Second)))
		})
	}
	wg.Wait()

	for _, key := range []string{"state/0.json", "state/1.json"} {
		got, err := store.Load(ctx, key)
		require.NoError(t, err)
		assert.False(t, got.Before(base))
	}
}

func TestFormatParse(t *testing.T) {
	t.Parallel()

	ts := time.Date(2023, 12, 31, 23, 59, 59, 999999999, time.UTC)
	assert.Equal(t, "2023-12-31T23:59:59.999Z", Format(ts))

	parsed, err := Parse("2023-12-31T23:59:59.999Z")
	require.NoError(t, err)
	assert.Equal(t, ts.Truncate(time.Millisecond), parsed)
}
