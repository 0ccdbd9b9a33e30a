package audit

import (
	"context"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/roach88/reconcile/internal/collab"
	"github.com/roach88/reconcile/internal/entity"
	"github.com/roach88/reconcile/internal/metrics"
	"github.com/roach88/reconcile/internal/testutil"
)

type fixture struct {
	trail   *Trail
	clock   *testutil.ManualClock
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
	closeDB func() error
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := testutil.OpenStore(t)
	core, logs := observer.New(zapcore.DebugLevel)
	clock := testutil.NewManualClock()
	m := metrics.New(nil)
	trail := New(Options{
		Store:   s,
		Clock:   clock,
		Scope:   collab.StaticScope(42),
		IDs:     testutil.NewSequentialIDs("op"),
		Logger:  zap.New(core),
		Metrics: m,
	})
	return fixture{trail: trail, clock: clock, metrics: m, logs: logs, closeDB: s.Close}
}

var (
	alice   = collab.ActorOf("user:alice")
	bob     = collab.ActorOf("user:bob")
	account = &entity.Entity{Kind: testutil.KindAccount, ID: 1, Scope: 7}
	contact = &entity.Entity{Kind: testutil.KindContact, ID: 2}
)

func TestRecordChangeDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.True(t, f.trail.RecordUpdated(ctx, account, alice, "name", ""))
	require.True(t, f.trail.RecordAccess(ctx, contact, bob))

	got, err := f.trail.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, testutil.KindAccount, got[0].Kind)
	assert.Equal(t, EventUpdated, got[0].Event)
	assert.Equal(t, CodeGeneral, got[0].Code)
	assert.Equal(t, "name", got[0].Detail)
	assert.Equal(t, int64(7), got[0].Scope, "entity scope wins")
	assert.Equal(t, "user:alice", got[0].Actor)
	assert.Equal(t, testutil.Epoch, got[0].At)

	assert.Equal(t, EventAccessed, got[1].Event)
	assert.Equal(t, int64(42), got[1].Scope, "unscoped entity takes the default scope")
	assert.NotEqual(t, got[0].OperationID, got[1].OperationID)
}

func TestWithOperationCorrelates(t *testing.T) {
	f := newFixture(t)
	ctx, op := f.trail.WithOperation(context.Background())
	assert.Equal(t, "op-0001", op)

	same, again := f.trail.WithOperation(ctx)
	assert.Equal(t, op, again, "a bound operation id is kept")

	f.trail.RecordCreated(same, account, alice, "", "")
	f.trail.RecordDeleted(ctx, contact, alice, "", "DUP_CLEAR")

	got, err := f.trail.History(context.Background(), HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, op, got[0].OperationID)
	assert.Equal(t, op, got[1].OperationID)
	assert.Equal(t, "DUP_CLEAR", got[1].Code)
}

func TestHistoryFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	day := func(d, h int) time.Time { return time.Date(2024, 3, d, h, 0, 0, 0, time.UTC) }

	f.clock.Set(day(1, 23))
	f.trail.RecordCreated(ctx, account, alice, "", "")
	f.clock.Set(day(2, 8))
	f.trail.RecordUpdated(ctx, account, bob, "", "")
	f.clock.Set(day(3, 0))
	f.trail.RecordUpdated(ctx, contact, alice, "", "")
	f.clock.Set(day(4, 12))
	f.trail.RecordDeleted(ctx, account, alice, "", "")

	tests := []struct {
		name string
		q    HistoryQuery
		want int
	}{
		{"everything", HistoryQuery{}, 4},
		{"one entity", HistoryQuery{Targets: []Target{{Kind: testutil.KindAccount, ID: 1}}}, 3},
		{"targets or", HistoryQuery{Targets: []Target{{Kind: testutil.KindAccount, ID: 1}, {Kind: testutil.KindContact}}}, 4},
		{"whole days", HistoryQuery{Start: day(2, 23), End: day(3, 1)}, 2},
		{"start alone ignored", HistoryQuery{Start: day(4, 0)}, 4},
		{"event", HistoryQuery{Event: EventUpdated}, 2},
		{"actor not restricted", HistoryQuery{Actor: bob}, 4},
		{"actor restricted", HistoryQuery{Actor: bob, RestrictToActor: true}, 1},
		{"scope", HistoryQuery{Scopes: []int64{42}}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.trail.History(ctx, tt.q)
			require.NoError(t, err)
			assert.Len(t, got, tt.want)
		})
	}
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.trail.RecordCreated(ctx, account, alice, "", "")
	f.trail.RecordUpdated(ctx, account, alice, "", "")
	f.trail.RecordCreated(ctx, contact, alice, "", "")

	n, err := f.trail.Purge(ctx, account)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := f.trail.EntityHistory(ctx, testutil.KindAccount, 1)
	require.NoError(t, err)
	assert.Empty(t, left)

	require.NoError(t, f.trail.PurgeEntity(ctx, testutil.KindContact, 2))
	all, err := f.trail.History(ctx, HistoryQuery{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestFailedWriteIsDroppedNotReturned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.closeDB())

	ok := f.trail.RecordCreated(context.Background(), account, alice, "", "")

	assert.False(t, ok)
	assert.Equal(t, float64(1), promtest.ToFloat64(f.metrics.AuditDropped))
	assert.Equal(t, 1, f.logs.FilterMessage("audit record dropped").Len())
}
