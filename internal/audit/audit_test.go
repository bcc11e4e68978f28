package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/audit"
)

func TestMemoryLogByOrderOldestFirst(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, log.Append(ctx, audit.Record{OrderID: "O2", Kind: audit.KindEscrowTransition, From: "held", To: "released", At: t0.Add(time.Minute)}))
	require.NoError(t, log.Append(ctx, audit.Record{OrderID: "O2", Kind: audit.KindEscrowTransition, From: "pending", To: "held", At: t0}))
	require.NoError(t, log.Append(ctx, audit.Record{OrderID: "O3", Kind: audit.KindDispatchDecision}))

	recs, err := log.ByOrder(ctx, "O2")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "held", recs[0].To)
	require.Equal(t, "released", recs[1].To)
	require.NotEqual(t, recs[0].ID, recs[1].ID)

	none, err := log.ByOrder(ctx, "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestMemoryLogDoesNotAliasDetail(t *testing.T) {
	ctx := context.Background()
	log := audit.NewMemoryLog()
	detail := map[string]any{"notified": 3}
	require.NoError(t, log.Append(ctx, audit.Record{OrderID: "O1", Kind: audit.KindDispatchDecision, Detail: detail}))
	detail["notified"] = 99

	recs, err := log.ByOrder(ctx, "O1")
	require.NoError(t, err)
	require.EqualValues(t, 3, recs[0].Detail["notified"])
}
