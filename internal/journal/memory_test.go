package journal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryAt(eventType, requestID string, ts time.Time) Entry {
	return Entry{
		EventType: eventType,
		Timestamp: ts,
		Actor:     "test",
		Related:   RelatedIDs{RequestID: requestID},
		Severity:  SeverityInfo,
	}
}

func TestMemory_WriteQuery(t *testing.T) {
	j := NewMemory(100, 0)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Write(ctx, entryAt("rfq.received", "REQ-1", now)))
	require.NoError(t, j.Write(ctx, entryAt("quote.generated", "REQ-1", now)))
	require.NoError(t, j.Write(ctx, entryAt("rfq.received", "REQ-2", now)))

	got, err := j.Query(ctx, Filter{RequestID: "REQ-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "rfq.received", got[0].EventType)
	assert.Equal(t, "quote.generated", got[1].EventType)
}

func TestMemory_MaxEntriesBound(t *testing.T) {
	j := NewMemory(3, 0)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 5; i++ {
		require.NoError(t, j.Write(ctx, entryAt("e", "r", now)))
	}
	assert.Equal(t, 3, j.Len(), "journal must stay within max entries")
}

func TestMemory_AgePruning(t *testing.T) {
	j := NewMemory(100, time.Hour)
	ctx := context.Background()

	require.NoError(t, j.Write(ctx, entryAt("old", "r", time.Now().Add(-2*time.Hour))))
	require.NoError(t, j.Write(ctx, entryAt("new", "r", time.Now())))

	got, err := j.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].EventType)
}

func TestMemory_FilterFields(t *testing.T) {
	j := NewMemory(100, 0)
	ctx := context.Background()
	now := time.Now()

	e := entryAt("trade.executed", "REQ-9", now)
	e.Related.TradeID = "T-1"
	e.Severity = SeverityWarning
	require.NoError(t, j.Write(ctx, e))

	got, err := j.Query(ctx, Filter{TradeID: "T-1", Severity: SeverityWarning})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = j.Query(ctx, Filter{TradeID: "T-1", Severity: SeverityError})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_Limit(t *testing.T) {
	j := NewMemory(100, 0)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, j.Write(ctx, entryAt("e", "r", time.Now())))
	}
	got, err := j.Query(ctx, Filter{Limit: 4})
	require.NoError(t, err)
	assert.Len(t, got, 4)
}
