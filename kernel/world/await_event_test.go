package world

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/codec"
	"agentos.dev/kernel/kernel/expr"
	"agentos.dev/kernel/kernel/schema"
)

// correlatedAwaitManifest builds a genesis manifest exercising §4.5's
// correlated await_event: an OrderPlaced trigger spawns one waitPayment
// instance per order_id, and the instance's await_event step filters on
// that order_id via Where so an unrelated PaymentResult never binds.
func correlatedAwaitManifest(t *testing.T) (*air.Manifest, schema.Name, schema.Name, schema.Name) {
	t.Helper()
	m := air.NewManifest()

	orderPlaced := mustName(t, "app/order_placed@1")
	m.Schemas[orderPlaced] = air.DefSchema{Name: orderPlaced, Schema: schema.RecordSchema(
		schema.Field{Name: "order_id", Schema: schema.TextSchema()},
	)}

	paymentResult := mustName(t, "app/payment_result@1")
	m.Schemas[paymentResult] = air.DefSchema{Name: paymentResult, Schema: schema.RecordSchema(
		schema.Field{Name: "order_id", Schema: schema.TextSchema()},
		schema.Field{Name: "status", Schema: schema.TextSchema()},
	)}

	waitPayment := mustName(t, "app/wait_payment@1")
	m.Plans[waitPayment] = air.DefPlan{
		Name:        waitPayment,
		InputSchema: orderPlaced,
		Entry:       "bind_order_id",
		Steps: map[string]air.Step{
			"bind_order_id": {
				ID:   "bind_order_id",
				Kind: air.StepAssign,
				Next: "wait",
				Assign: &air.AssignStep{
					Var:   "order_id",
					Value: expr.Ref{Path: "input.order_id"},
				},
			},
			"wait": {
				ID:   "wait",
				Kind: air.StepAwaitEvent,
				Next: "done",
				AwaitEvent: &air.AwaitEventStep{
					EventFamily:    paymentResult,
					ResultVar:      "result",
					CorrelationVar: "order_id",
					Where: expr.BinOp{
						Op:    "==",
						Left:  expr.Ref{Path: "correlation_id"},
						Right: expr.Ref{Path: "event.order_id"},
					},
				},
			},
			"done": {ID: "done", Kind: air.StepEnd},
		},
	}

	m.Triggers = append(m.Triggers, air.Trigger{
		Event:       orderPlaced,
		Plan:        waitPayment,
		CorrelateBy: "order_id",
	})

	return m, orderPlaced, paymentResult, waitPayment
}

func TestAwaitEvent_CorrelatedMatchIgnoresUnrelatedInstance(t *testing.T) {
	m, orderPlaced, paymentResult, waitPayment := correlatedAwaitManifest(t)
	ctx := context.Background()
	w, err := New(ctx, m, Config{})
	require.NoError(t, err)

	ra := w.ManifestGet()
	orderSchema, err := ra.SchemaIndex.Resolve(schema.RefSchema(orderPlaced))
	require.NoError(t, err)
	paymentSchema, err := ra.SchemaIndex.Resolve(schema.RefSchema(paymentResult))
	require.NoError(t, err)

	encodeOrderPlaced := func(orderID string) []byte {
		b, err := codec.Encode(orderSchema, ra.SchemaIndex, map[string]any{"order_id": orderID})
		require.NoError(t, err)
		return b
	}
	encodePaymentResult := func(orderID, status string) []byte {
		b, err := codec.Encode(paymentSchema, ra.SchemaIndex, map[string]any{"order_id": orderID, "status": status})
		require.NoError(t, err)
		return b
	}

	// Spawn two instances, keyed X and Y, each waiting on its own order_id.
	require.NoError(t, w.SubmitDomainEvent(ctx, orderPlaced, encodeOrderPlaced("X"), schema.Name{}))
	require.NoError(t, w.SubmitDomainEvent(ctx, orderPlaced, encodeOrderPlaced("Y"), schema.Name{}))

	w.instMu.Lock()
	var instX, instY string
	for id, inst := range w.instances {
		require.Equal(t, waitPayment, inst.Plan)
		switch inst.CorrelationKey {
		case "X":
			instX = id
		case "Y":
			instY = id
		}
	}
	w.instMu.Unlock()
	require.NotEmpty(t, instX, "instance keyed X")
	require.NotEmpty(t, instY, "instance keyed Y")

	// A PaymentResult for order X must only bind instance X, never Y.
	require.NoError(t, w.SubmitDomainEvent(ctx, paymentResult, encodePaymentResult("X", "settled"), schema.Name{}))

	resX, ok := w.planEngine.Instance(instX)
	require.True(t, ok)
	require.Equal(t, "done", resX.PC)
	require.NotNil(t, resX.Scope["result"])

	resY, ok := w.planEngine.Instance(instY)
	require.True(t, ok)
	require.Equal(t, "wait", resY.PC, "instance Y must still be waiting, unmatched by order X's payment")
	require.Nil(t, resY.Scope["result"])
}

func TestAssembly_CorrelatedAwaitEventWithoutWhereIsRejected(t *testing.T) {
	m, _, _, waitPayment := correlatedAwaitManifest(t)
	step := m.Plans[waitPayment].Steps["wait"]
	step.AwaitEvent.Where = nil
	m.Plans[waitPayment].Steps["wait"] = step

	_, err := New(context.Background(), m, Config{})
	require.Error(t, err)
}
