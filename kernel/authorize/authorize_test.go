package authorize

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/air"
	"agentos.dev/kernel/kernel/assembly"
	"agentos.dev/kernel/kernel/policy"
	"agentos.dev/kernel/kernel/schema"
	"agentos.dev/kernel/kernel/store/ledgermem"
)

func nm(s string) schema.Name {
	n, err := schema.ParseName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func testAssembly(t *testing.T, policyDecision air.PolicyDecision) *assembly.RuntimeAssembly {
	t.Helper()
	m := air.NewManifest()
	m.Schemas[nm("app/Params@1")] = air.DefSchema{Name: nm("app/Params@1"), Schema: schema.RecordSchema(
		schema.Field{Name: "url", Schema: schema.TextSchema()},
	)}
	m.Schemas[nm("app/Receipt@1")] = air.DefSchema{Name: nm("app/Receipt@1"), Schema: schema.RecordSchema(
		schema.Field{Name: "status", Schema: schema.NatSchema()},
	)}
	m.Schemas[nm("app/CapParams@1")] = air.DefSchema{Name: nm("app/CapParams@1"), Schema: schema.RecordSchema()}

	m.Caps[nm("app/HttpCap@1")] = air.DefCap{Name: nm("app/HttpCap@1"), ParamSchema: nm("app/CapParams@1")}
	m.Effects[nm("app/HttpCall@1")] = air.DefEffect{
		Name: nm("app/HttpCall@1"), ParamSchema: nm("app/Params@1"),
		ReceiptSchema: nm("app/Receipt@1"), RequiredCap: nm("app/HttpCap@1"), Origin: air.OriginAny,
	}
	m.Grants["http-grant"] = air.CapGrant{
		DefCap: nm("app/HttpCap@1"), Params: map[string]any{}, Budget: map[string]uint64{"calls": 10},
	}
	if policyDecision != "" {
		m.Policies[nm("app/Gate@1")] = air.DefPolicy{
			Name: nm("app/Gate@1"),
			Rules: []air.PolicyRule{
				{EffectKind: nm("app/HttpCall@1"), Decision: policyDecision},
			},
			Default: air.PolicyDeny,
		}
	}

	ra, err := assembly.Build(m)
	require.NoError(t, err)
	return ra
}

func TestAuthorizeUnknownEffect(t *testing.T) {
	ra := testAssembly(t, air.PolicyAllow)
	_, err := Authorize(context.Background(), ra, nil, ledgermem.New(), 0, Candidate{
		Kind: nm("app/NoSuchEffect@1"), GrantName: "http-grant", Origin: policy.Origin{Kind: "plan"},
	})
	require.Error(t, err)
}

func TestAuthorizeDeniedByPolicy(t *testing.T) {
	ra := testAssembly(t, air.PolicyDeny)
	dec, err := Authorize(context.Background(), ra, nil, ledgermem.New(), 0, Candidate{
		Kind: nm("app/HttpCall@1"), Params: map[string]any{"url": "https://example.com"},
		GrantName: "http-grant", Origin: policy.Origin{Kind: "plan"},
	})
	require.NoError(t, err)
	require.False(t, dec.Allowed)
}

func TestAuthorizeAllowedReservesLedger(t *testing.T) {
	ra := testAssembly(t, air.PolicyAllow)
	ld := ledgermem.New()
	dec, err := Authorize(context.Background(), ra, nil, ld, 0, Candidate{
		Kind: nm("app/HttpCall@1"), Params: map[string]any{"url": "https://example.com"},
		GrantName: "http-grant", Origin: policy.Origin{Kind: "plan"},
	})
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.NotEmpty(t, dec.CanonicalParams)

	res, err := ld.Get(context.Background(), "http-grant", dec.IntentHash)
	require.NoError(t, err)
	require.Equal(t, dec.IntentHash, res.IntentHash)
}

func TestAuthorizeWrongCapType(t *testing.T) {
	ra := testAssembly(t, air.PolicyAllow)
	ra.Caps[nm("app/OtherCap@1")] = air.DefCap{Name: nm("app/OtherCap@1"), ParamSchema: nm("app/CapParams@1")}
	ra.CapResolver["other-grant"] = assembly.CapResolverEntry{DefCap: nm("app/OtherCap@1")}

	_, err := Authorize(context.Background(), ra, nil, ledgermem.New(), 0, Candidate{
		Kind: nm("app/HttpCall@1"), Params: map[string]any{"url": "https://example.com"},
		GrantName: "other-grant", Origin: policy.Origin{Kind: "plan"},
	})
	require.Error(t, err)
}

func TestSettleWithoutEnforcerChargesEstimate(t *testing.T) {
	ra := testAssembly(t, air.PolicyAllow)
	ld := ledgermem.New()
	dec, err := Authorize(context.Background(), ra, nil, ld, 0, Candidate{
		Kind: nm("app/HttpCall@1"), Params: map[string]any{"url": "https://example.com"},
		GrantName: "http-grant", Origin: policy.Origin{Kind: "plan"},
	})
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	res, err := Settle(context.Background(), ra, nil, ld, SettleCandidate{
		Kind: nm("app/HttpCall@1"), GrantName: "http-grant", IntentHash: dec.IntentHash,
		Receipt: map[string]any{"status": uint64(200)},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.CanonicalReceipt)
	require.Empty(t, res.Violation)
}
