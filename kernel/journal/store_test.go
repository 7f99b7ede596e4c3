package journal

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreAppendAssignsSequentialHeights(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	h0, err := s.Append(ctx, Record{Kind: KindDomainEvent})
	require.NoError(t, err)
	require.Equal(t, uint64(0), h0)

	h1, err := s.Append(ctx, Record{Kind: KindEffectIntent})
	require.NoError(t, err)
	require.Equal(t, uint64(1), h1)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), head)

	recs, err := s.Read(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, KindEffectIntent, recs[0].Kind)
	require.Equal(t, uint64(1), recs[0].Height)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := Record{
		Kind:  KindPlanStep,
		Stamp: Stamp{NowNs: 100, LogicalNowNs: 1},
		PlanStep: &PlanStepBody{
			InstanceID: "inst-1",
			StepID:     "step-1",
			NextPC:     "step-2",
		},
	}
	b, err := Encode(rec)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	require.Equal(t, rec.Kind, got.Kind)
	require.NotNil(t, got.PlanStep)
	require.Equal(t, "inst-1", got.PlanStep.InstanceID)
}
