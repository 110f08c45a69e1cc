package changelog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/digdir/erproxy-sync/internal/httpclient"
	"github.com/digdir/erproxy-sync/internal/registry"
	"github.com/digdir/erproxy-sync/internal/registry/mocks"
	"github.com/digdir/erproxy-sync/internal/sink"
	pkgsync "github.com/digdir/erproxy-sync/internal/sync"
	"github.com/digdir/erproxy-sync/internal/sync/state"
	statemocks "github.com/digdir/erproxy-sync/internal/sync/state/mocks"
)

var (
	units = registry.Partition{
		Name:          "units",
		Tag:           registry.TagUnits,
		ChangesURL:    "https://reg.test/oppdateringer/enheter",
		EntityURL:     "https://reg.test/enheter",
		EmbeddedKey:   "oppdaterteEnheter",
		LinkRel:       "enhet",
		CheckpointKey: "state/enheter.json",
	}

	base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func event(id string, minutes int) registry.ChangeEvent {
	return registry.ChangeEvent{OrganizationNumber: id, Date: at(minutes), ChangeType: registry.ChangeTypeChange}
}

func changePage(number, size int64, next string, events ...registry.ChangeEvent) *registry.ChangePage {
	p := pageAt(number, size, next)
	if events != nil {
		p.Embedded = map[string][]registry.ChangeEvent{units.EmbeddedKey: events}
	}
	return p
}

func changesURL(t *testing.T, cursor time.Time, size int) string {
	t.Helper()
	u, err := registry.ChangesURL(units, DefaultCursorParam, cursor, size, 0)
	require.NoError(t, err)
	return u
}

// entities answers entity fetches with the given status per id, 200 otherwise
func entities(statuses map[string]int) func(context.Context, string) (*registry.EntityResponse, error) {
	return func(_ context.Context, url string) (*registry.EntityResponse, error) {
		id := path.Base(url)
		if status, ok := statuses[id]; ok && status != http.StatusOK {
			return &registry.EntityResponse{StatusCode: status}, nil
		}
		body := fmt.Sprintf(`{ "organisasjonsnummer": "%s", "navn": "Org %s" }`, id, id)
		return &registry.EntityResponse{StatusCode: http.StatusOK, Body: []byte(body)}, nil
	}
}

func compacted(id string) string {
	return fmt.Sprintf(`{"organisasjonsnummer":"%s","navn":"Org %s"}`, id, id)
}

type fixture struct {
	client *mocks.MockClient
	mem    *sink.Memory
	store  state.Store
}

func newFixture(t *testing.T, start time.Time) *fixture {
	t.Helper()

	ctrl := gomock.NewController(t)
	mem := sink.NewMemory()
	store := state.NewSinkStore(mem)
	if !start.IsZero() {
		require.NoError(t, store.Save(context.Background(), units.CheckpointKey, start))
	}
	return &fixture{client: mocks.NewMockClient(ctrl), mem: mem, store: store}
}

func (f *fixture) syncer(opts ...Option) *Syncer {
	return New(f.client, f.mem, f.store, opts...)
}

func (f *fixture) checkpoint(t *testing.T) time.Time {
	t.Helper()
	got, err := f.store.Load(context.Background(), units.CheckpointKey)
	require.NoError(t, err)
	return got
}

func TestSyncPartition_InvalidCheckpoint(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prepare func(t *testing.T, f *fixture)
		wantErr error
	}{
		{name: "missing", prepare: func(*testing.T, *fixture) {}, wantErr: state.ErrNotFound},
		{
			name: "corrupt",
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, f.mem.Put(context.Background(), units.CheckpointKey, []byte("{"), "application/json"))
			},
			wantErr: state.ErrCorrupt,
		},
		{
			name: "zero sentinel",
			prepare: func(t *testing.T, f *fixture) {
				require.NoError(t, f.store.Save(context.Background(), units.CheckpointKey, time.Time{}))
			},
			wantErr: errZeroCheckpoint,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			// No expectations on the client: any feed call fails the test
			f := newFixture(t, time.Time{})
			tt.prepare(t, f)

			result, err := f.syncer().SyncPartition(context.Background(), units)
			assert.Nil(t, result)

			var checkpointErr *pkgsync.InvalidCheckpointError
			require.ErrorAs(t, err, &checkpointErr)
			assert.Equal(t, "units", checkpointErr.Partition)
			assert.Equal(t, units.CheckpointKey, checkpointErr.Key)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSyncPartition_LoadFailure(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	store := statemocks.NewMockStore(ctrl)
	store.EXPECT().Load(gomock.Any(), units.CheckpointKey).Return(time.Time{}, errors.New("connection refused"))

	_, err := New(mocks.NewMockClient(ctrl), sink.NewMemory(), store).SyncPartition(context.Background(), units)

	var transportErr *pkgsync.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "load checkpoint", transportErr.Op)

	var checkpointErr *pkgsync.InvalidCheckpointError
	assert.False(t, errors.As(err, &checkpointErr))
}

func TestSyncPartition_AppliesPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	require.NoError(t, f.mem.Put(context.Background(), "enheter/222222222", []byte(`{}`), "application/json"))

	f.client.EXPECT().FetchChanges(gomock.Any(), changesURL(t, at(0), DefaultPageSize)).
		Return(changePage(0, 30, "",
			event("111111111", 1),
			event("222222222", 3),
			event("333333333", 2),
		), nil)
	f.client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).
		DoAndReturn(entities(map[string]int{"222222222": http.StatusNotFound, "333333333": http.StatusGone})).
		Times(3)

	result, err := f.syncer().SyncPartition(context.Background(), units)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Pages)
	assert.Equal(t, 3, result.Events)
	assert.Equal(t, 1, result.Written)
	assert.Equal(t, 2, result.Deleted)
	assert.True(t, result.StartCheckpoint.Equal(at(0)))
	assert.True(t, result.Checkpoint.Equal(at(3)))
	assert.True(t, f.checkpoint(t).Equal(at(3)))

	got, err := f.mem.Get(context.Background(), "enheter/111111111")
	require.NoError(t, err)
	assert.Equal(t, compacted("111111111"), string(got))

	_, err = f.mem.Get(context.Background(), "enheter/222222222")
	assert.ErrorIs(t, err, sink.ErrNotFound)
}

func TestSyncPartition_Idempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	f.client.EXPECT().FetchChanges(gomock.Any(), gomock.Any()).
		Return(changePage(0, 30, "", event("111111111", 1), event("222222222", 1)), nil).
		Times(2)
	f.client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).
		DoAndReturn(entities(map[string]int{"222222222": http.StatusGone})).
		Times(4)

	_, err := f.syncer().SyncPartition(context.Background(), units)
	require.NoError(t, err)
	first := f.mem.Keys()
	firstBody, err := f.mem.Get(context.Background(), "enheter/111111111")
	require.NoError(t, err)

	_, err = f.syncer().SyncPartition(context.Background(), units)
	require.NoError(t, err)
	secondBody, err := f.mem.Get(context.Background(), "enheter/111111111")
	require.NoError(t, err)

	assert.Equal(t, first, f.mem.Keys())
	assert.Equal(t, firstBody, secondBody)
	assert.True(t, f.checkpoint(t).Equal(at(1)))
}

func TestSyncPartition_FailureDoesNotAdvance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		entity func(context.Context, string) (*registry.EntityResponse, error)
		check  func(t *testing.T, err error)
	}{
		{
			name:   "server error",
			entity: entities(map[string]int{"222222222": http.StatusInternalServerError}),
			check: func(t *testing.T, err error) {
				var transportErr *pkgsync.TransportError
				require.ErrorAs(t, err, &transportErr)
				assert.Equal(t, http.StatusInternalServerError, transportErr.StatusCode)
			},
		},
		{
			name:   "forbidden is not a deletion",
			entity: entities(map[string]int{"222222222": http.StatusForbidden}),
			check: func(t *testing.T, err error) {
				var transportErr *pkgsync.TransportError
				require.ErrorAs(t, err, &transportErr)
				assert.Equal(t, http.StatusForbidden, transportErr.StatusCode)
			},
		},
		{
			name: "transport failure",
			entity: func(ctx context.Context, url string) (*registry.EntityResponse, error) {
				if path.Base(url) == "222222222" {
					return nil, errors.New("connection reset")
				}
				return entities(nil)(ctx, url)
			},
			check: func(t *testing.T, err error) {
				var transportErr *pkgsync.TransportError
				require.ErrorAs(t, err, &transportErr)
				assert.Equal(t, "fetch entity", transportErr.Op)
			},
		},
		{
			name: "body is not an object",
			entity: func(ctx context.Context, url string) (*registry.EntityResponse, error) {
				if path.Base(url) == "222222222" {
					return &registry.EntityResponse{StatusCode: http.StatusOK, Body: []byte(`["x"]`)}, nil
				}
				return entities(nil)(ctx, url)
			},
			check: func(t *testing.T, err error) {
				var decodeErr *pkgsync.DecodeError
				require.ErrorAs(t, err, &decodeErr)
				assert.Equal(t, 1, decodeErr.Index)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, at(0))
			f.client.EXPECT().FetchChanges(gomock.Any(), gomock.Any()).
				Return(changePage(4, 30, "https://reg.test/next", event("111111111", 1), event("222222222", 2)), nil)
			f.client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).DoAndReturn(tt.entity).Times(2)

			result, err := f.syncer().SyncPartition(context.Background(), units)
			require.Error(t, err)

			var batchErr *pkgsync.PartialBatchFailure
			require.ErrorAs(t, err, &batchErr)
			assert.Equal(t, int64(4), batchErr.Page)
			assert.Equal(t, 1, batchErr.Failed)
			assert.Equal(t, 2, batchErr.Total)
			tt.check(t, err)

			require.NotNil(t, result)
			assert.Equal(t, 1, result.Written)
			assert.True(t, result.Checkpoint.Equal(at(0)))
			assert.True(t, f.checkpoint(t).Equal(at(0)))
		})
	}
}

func TestSyncPartition_MonotonicCheckpoint(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	store := statemocks.NewMockStore(ctrl)

	// No Save expectation: a stale page must not move the checkpoint
	store.EXPECT().Load(gomock.Any(), units.CheckpointKey).Return(at(10), nil)
	client.EXPECT().FetchChanges(gomock.Any(), gomock.Any()).
		Return(changePage(0, 30, "", event("111111111", 5), event("222222222", 10)), nil)
	client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).DoAndReturn(entities(nil)).Times(2)

	result, err := New(client, sink.NewMemory(), store).SyncPartition(context.Background(), units)
	require.NoError(t, err)
	assert.True(t, result.Checkpoint.Equal(at(10)))
	assert.Equal(t, 2, result.Written)
}

func TestSyncPartition_EmptyPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	f.client.EXPECT().FetchChanges(gomock.Any(), changesURL(t, at(0), DefaultPageSize)).
		Return(changePage(0, 30, "https://reg.test/next"), nil).
		Times(1)

	result, err := f.syncer().SyncPartition(context.Background(), units)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Pages)
	assert.Zero(t, result.Events)
	assert.Equal(t, []string{units.CheckpointKey}, f.mem.Keys())
	assert.Equal(t, 1, f.mem.Stats().Puts)
	assert.True(t, f.checkpoint(t).Equal(at(0)))
}

func TestSyncPartition_FollowsNextLinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	gomock.InOrder(
		f.client.EXPECT().FetchChanges(gomock.Any(), changesURL(t, at(0), DefaultPageSize)).
			Return(changePage(0, 30, "https://reg.test/oppdateringer/enheter?page=1", event("111111111", 1)), nil),
		f.client.EXPECT().FetchChanges(gomock.Any(), "https://reg.test/oppdateringer/enheter?page=1").
			Return(changePage(1, 30, "", event("222222222", 2)), nil),
	)
	f.client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).DoAndReturn(entities(nil)).Times(2)

	result, err := f.syncer(WithStrategy(LinkPagination{})).SyncPartition(context.Background(), units)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Pages)
	assert.Zero(t, result.Restarts)
	assert.Equal(t, []string{"enheter/111111111", "enheter/222222222", units.CheckpointKey}, f.mem.Keys())
	assert.True(t, f.checkpoint(t).Equal(at(2)))
}

func TestSyncPartition_CursorRestart(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	gomock.InOrder(
		f.client.EXPECT().FetchChanges(gomock.Any(), changesURL(t, at(0), 2)).
			Return(changePage(0, 2, "https://reg.test/p1", event("000000001", 1), event("000000002", 2)), nil),
		f.client.EXPECT().FetchChanges(gomock.Any(), "https://reg.test/p1").
			Return(changePage(1, 2, "https://reg.test/p2", event("000000003", 3), event("000000004", 4)), nil),
		// Restarted from the advanced checkpoint, the boundary event is served again
		f.client.EXPECT().FetchChanges(gomock.Any(), changesURL(t, at(4), 2)).
			Return(changePage(0, 2, "", event("000000004", 4), event("000000005", 5)), nil),
	)

	var fetched []string
	entity := entities(nil)
	f.client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).
		DoAndReturn(func(ctx context.Context, url string) (*registry.EntityResponse, error) {
			fetched = append(fetched, path.Base(url))
			return entity(ctx, url)
		}).
		Times(6)

	result, err := f.syncer(
		WithPageSize(2),
		WithConcurrency(1),
		WithStrategy(OffsetCapRestart{MaxOffset: 4}),
	).SyncPartition(context.Background(), units)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Pages)
	assert.Equal(t, 1, result.Restarts)
	assert.True(t, result.Checkpoint.Equal(at(5)))
	assert.Equal(t, []string{"000000001", "000000002", "000000003", "000000004", "000000004", "000000005"}, fetched)
	for _, id := range []string{"000000001", "000000002", "000000003", "000000004", "000000005"} {
		_, err := f.mem.Get(context.Background(), "enheter/"+id)
		assert.NoError(t, err, id)
	}
}

func TestSyncPartition_CursorStalled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	f.client.EXPECT().FetchChanges(gomock.Any(), changesURL(t, at(0), 2)).
		Return(changePage(0, 2, "https://reg.test/p1", event("000000001", 0), event("000000002", 0)), nil)
	f.client.EXPECT().FetchEntity(gomock.Any(), gomock.Any()).DoAndReturn(entities(nil)).Times(2)

	result, err := f.syncer(WithPageSize(2), WithStrategy(OffsetCapRestart{MaxOffset: 2})).
		SyncPartition(context.Background(), units)
	require.ErrorIs(t, err, pkgsync.ErrCursorStalled)
	assert.Zero(t, result.Restarts)
}

func TestSyncPartition_PageFetchFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	f.client.EXPECT().FetchChanges(gomock.Any(), gomock.Any()).
		Return(nil, fmt.Errorf("failed to fetch change page: %w",
			httpclient.NewHTTPError(http.StatusServiceUnavailable, "https://reg.test", "unavailable")))

	result, err := f.syncer().SyncPartition(context.Background(), units)

	var transportErr *pkgsync.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "fetch change page", transportErr.Op)
	assert.Equal(t, http.StatusServiceUnavailable, transportErr.StatusCode)
	assert.Zero(t, result.Pages)
}

func TestSyncPartition_EventLinks(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	linked := event("111111111", 1)
	linked.Links = map[string]registry.Link{"enhet": {Href: "https://mirror.test/enheter/111111111"}}

	f.client.EXPECT().FetchChanges(gomock.Any(), gomock.Any()).
		Return(changePage(0, 30, "", linked, event("222222222", 1)), nil)
	f.client.EXPECT().FetchEntity(gomock.Any(), "https://mirror.test/enheter/111111111").DoAndReturn(entities(nil))
	f.client.EXPECT().FetchEntity(gomock.Any(), "https://reg.test/enheter/222222222").DoAndReturn(entities(nil))

	_, err := f.syncer().SyncPartition(context.Background(), units)
	require.NoError(t, err)
}

func TestSyncPartition_EventWithoutID(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(0))
	f.client.EXPECT().FetchChanges(gomock.Any(), gomock.Any()).
		Return(changePage(0, 30, "", event("", 1)), nil)

	_, err := f.syncer().SyncPartition(context.Background(), units)

	var decodeErr *pkgsync.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.True(t, f.checkpoint(t).Equal(at(0)))
}
