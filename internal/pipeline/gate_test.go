package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"bundlegate/internal/bundle"
	"bundlegate/internal/bundle/bundletest"
	"bundlegate/internal/classify"
	"bundlegate/internal/decision"
	"bundlegate/internal/oracle"
	"bundlegate/internal/policy"
	"bundlegate/internal/state"
)

var evalTime = time.Unix(1_700_000_000, 0)

type fixture struct {
	gate     *Gate
	clock    *clock.Mock
	resolver *oracle.StaticResolver
}

func newFixture(t *testing.T, mutate func(p *policy.Policy)) fixture {
	t.Helper()
	p := policy.Default()
	if mutate != nil {
		mutate(&p)
	}
	mock := clock.NewMock()
	mock.Set(evalTime)
	res := oracle.NewStaticResolver(nil)
	g, err := New(p, Options{Resolver: res, Clock: mock}, zerolog.Nop())
	require.NoError(t, err)
	return fixture{gate: g, clock: mock, resolver: res}
}

func withOracle(p *policy.Policy)        { p.Features.Oracle = true }
func withInstitutional(p *policy.Policy) { p.Features.Institutional = true }
func withAllTiers(p *policy.Policy)      { withOracle(p); withInstitutional(p) }

func priceUpdate(account uint8) bundle.CompiledInstruction {
	return bundletest.Instruction(bundletest.Payload(classify.UpdatePriceDiscriminator, 0xaa), account)
}

func swapIx() bundle.CompiledInstruction {
	return bundletest.Instruction(bundletest.Payload(classify.SwapDiscriminator), 2)
}

// price returns a 2.0 price with a 0.05% interval published age ago.
func price(age time.Duration) oracle.PriceData {
	return oracle.PriceData{Price: 2_000_000, Conf: 1000, Expo: -6, PublishTime: evalTime.Add(-age).Unix()}
}

// feedAt is the feed read by priceUpdate(account).
func feedAt(account uint8) oracle.FeedID {
	return oracle.FeedIDFromKey(bundletest.Key(account + 1))
}

func oracleBundle(offered uint64) *bundle.Bundle {
	return bundletest.New(evalTime, offered, bundletest.Tx(5000, 200_000, priceUpdate(2)))
}

func TestScenarioAcceptBaseTier(t *testing.T) {
	f := newFixture(t, nil)
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 15_000, bundletest.Tx(5000, 200_000)))
	require.Equal(t, decision.Success, d.Code)
	require.True(t, d.Admitted())
	require.EqualValues(t, 5000, d.RequiredFee)
	require.EqualValues(t, 5000, d.Fees.Floor)
	require.EqualValues(t, 5, d.Fees.Proportional)
	require.EqualValues(t, 200, d.Fees.Compute)
	require.Equal(t, policy.TierBase, d.Tier)
	require.NotNil(t, d.Advice.Analysis)
	require.NotNil(t, d.Advice.Value)
	require.EqualValues(t, 500, d.Advice.Value.EstimatedMEV)
}

func TestScenarioInsufficientFee(t *testing.T) {
	f := newFixture(t, nil)
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 100, bundletest.Tx(5000, 200_000)))
	require.Equal(t, decision.InsufficientFee, d.Code)
	require.Equal(t, decision.ReasonInsufficientFee, d.Reason)
	require.True(t, d.Code.Retriable())
}

func TestScenarioComputeLimitOverMax(t *testing.T) {
	f := newFixture(t, withAllTiers)
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 1<<40, bundletest.Tx(5000, 2_000_000)))
	require.Equal(t, decision.InvalidBundle, d.Code)
	require.Equal(t, decision.ReasonInvalidComputeLimit, d.Reason)
}

func TestScenarioOracleFreshPrice(t *testing.T) {
	f := newFixture(t, withOracle)
	f.resolver.Set(feedAt(2), price(5*time.Second))

	d := f.gate.Evaluate(context.Background(), oracleBundle(15_000))
	require.Equal(t, decision.Success, d.Code, d.Detail)
	require.Equal(t, policy.TierOracle, d.Tier)
	require.EqualValues(t, 15_000, d.RequiredFee)
	require.EqualValues(t, 10_000, d.Fees.Oracle)
	require.NotNil(t, d.Advice.Oracle)
	require.Len(t, d.Advice.Oracle.Prices, 1)
	require.Equal(t, 100, d.Advice.Oracle.Prices[0].Score)
	require.Equal(t, []int{0}, d.Advice.Oracle.Plan.Dependent)

	d = f.gate.Evaluate(context.Background(), oracleBundle(14_999))
	require.Equal(t, decision.InsufficientFee, d.Code)
}

func TestScenarioOracleOldPrice(t *testing.T) {
	f := newFixture(t, withOracle)
	f.resolver.Set(feedAt(2), price(300*time.Second))

	d := f.gate.Evaluate(context.Background(), oracleBundle(1_000_000))
	require.Equal(t, decision.OracleStalePrice, d.Code)
	require.True(t, d.Code.Retriable())
}

func TestOracleMissingPrice(t *testing.T) {
	f := newFixture(t, withOracle)
	d := f.gate.Evaluate(context.Background(), oracleBundle(1_000_000))
	require.Equal(t, decision.OracleMissingPrice, d.Code)
}

type failingResolver struct{}

func (failingResolver) Resolve(context.Context, oracle.FeedID) (oracle.PriceData, error) {
	return oracle.PriceData{}, errors.New("connection refused")
}

func TestOracleNetworkFailure(t *testing.T) {
	p := policy.Default()
	withOracle(&p)
	mock := clock.NewMock()
	mock.Set(evalTime)
	g, err := New(p, Options{Resolver: failingResolver{}, Clock: mock}, zerolog.Nop())
	require.NoError(t, err)

	d := g.Evaluate(context.Background(), oracleBundle(1_000_000))
	require.Equal(t, decision.OracleNetworkFailure, d.Code)
}

func TestOracleTierWithoutInjectionPoints(t *testing.T) {
	f := newFixture(t, withOracle)
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 5000, bundletest.Tx(5000, 200_000)))
	require.Equal(t, decision.Success, d.Code)
	require.EqualValues(t, 5000, d.RequiredFee)
	require.Nil(t, d.Advice.Oracle)
}

func TestOracleDensityRejects(t *testing.T) {
	f := newFixture(t, withOracle)
	ixs := make([]bundle.CompiledInstruction, 11)
	for i := range ixs {
		ixs[i] = priceUpdate(2)
	}
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 1_000_000, bundletest.Tx(0, 1_400_000, ixs...)))
	require.Equal(t, decision.InvalidBundle, d.Code)
	require.Equal(t, decision.ReasonOracleDensity, d.Reason)
}

func TestScenarioInstitutionalComplianceLimit(t *testing.T) {
	f := newFixture(t, withInstitutional)
	b := bundletest.New(evalTime, 10_000_000, bundletest.Repeat(60, bundletest.Tx(0, 1000))...)
	d := f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.InstitutionalComplianceViolation, d.Code)
	require.Equal(t, policy.TierInstitutional, d.Tier)
}

func TestInstitutionalFeeFloor(t *testing.T) {
	f := newFixture(t, withInstitutional)
	// passes tier 1 at 5000 but the institutional floor is 20000
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 19_999, bundletest.Tx(0, 1000)))
	require.Equal(t, decision.InsufficientFee, d.Code)
	require.Equal(t, decision.ReasonInstitutionalFeeFloor, d.Reason)
}

func TestInstitutionalRiskLimit(t *testing.T) {
	f := newFixture(t, withInstitutional)
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 1<<62, bundletest.Tx(1_000_000_001, 1000)))
	require.Equal(t, decision.InstitutionalRiskLimitExceeded, d.Code)
}

func TestInstitutionalSurcharge(t *testing.T) {
	f := newFixture(t, withInstitutional)
	b := bundletest.New(evalTime, 25_000, bundletest.Tx(200_000, 1000, bundletest.Instruction([]byte{2, 0, 0, 0}, 0), swapIx()))

	d := f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.Success, d.Code, d.Detail)
	require.EqualValues(t, 25_000, d.RequiredFee)
	require.EqualValues(t, 20_000, d.Fees.Institutional)
	require.Len(t, d.Advice.Opportunities, 1)
	require.Equal(t, []int{0}, d.Advice.Sequencing.MarketMakerTxs)

	b.Metadata.PluginFees--
	d = f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.InsufficientFee, d.Code)
	require.Equal(t, decision.ReasonInsufficientFee, d.Reason)
}

func TestAllTiersCumulative(t *testing.T) {
	f := newFixture(t, withAllTiers)
	f.resolver.Set(feedAt(2), price(time.Second))
	// base 5000 + oracle 10000 + institutional 15000
	d := f.gate.Evaluate(context.Background(), oracleBundle(30_000))
	require.Equal(t, decision.Success, d.Code, d.Detail)
	require.EqualValues(t, 30_000, d.RequiredFee)
	require.NotNil(t, d.Advice.Oracle)
	require.NotNil(t, d.Advice.Sequencing)

	d = f.gate.Evaluate(context.Background(), oracleBundle(29_999))
	require.Equal(t, decision.InsufficientFee, d.Code)
}

func TestEmptyAndNilBundles(t *testing.T) {
	f := newFixture(t, withAllTiers)
	d := f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 1_000_000))
	require.Equal(t, decision.InvalidBundle, d.Code)
	require.Equal(t, decision.ReasonEmptyBundle, d.Reason)

	d = f.gate.Evaluate(context.Background(), nil)
	require.Equal(t, decision.NullInput, d.Code)
}

func TestBundleTooLarge(t *testing.T) {
	f := newFixture(t, nil)
	b := bundletest.New(evalTime, 1<<40, bundletest.Repeat(101, bundletest.Tx(0, 1000))...)
	d := f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.InvalidBundle, d.Code)
	require.Equal(t, decision.ReasonBundleTooLarge, d.Reason)
}

func TestFeeBoundaryInclusive(t *testing.T) {
	f := newFixture(t, withAllTiers)
	f.resolver.Set(feedAt(2), price(time.Second))
	b := oracleBundle(0)
	required := f.gate.RequiredFee(b, policy.TierInstitutional)

	b.Metadata.PluginFees = required
	require.Equal(t, decision.Success, f.gate.Evaluate(context.Background(), b).Code)
	b.Metadata.PluginFees = required - 1
	require.Equal(t, decision.InsufficientFee, f.gate.Evaluate(context.Background(), b).Code)
}

func TestInstitutionalQuoteWithoutOracleTier(t *testing.T) {
	f := newFixture(t, withInstitutional)
	b := oracleBundle(0)
	required := f.gate.RequiredFee(b, policy.TierInstitutional)
	require.EqualValues(t, 20_000, required)
	require.Zero(t, f.gate.Quote(b)[2].Fees.Oracle)

	b.Metadata.PluginFees = required
	d := f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.Success, d.Code, d.Detail)
	require.Equal(t, required, d.RequiredFee)

	b.Metadata.PluginFees = required - 1
	require.Equal(t, decision.InsufficientFee, f.gate.Evaluate(context.Background(), b).Code)
}

type panickingResolver struct{}

func (panickingResolver) Resolve(context.Context, oracle.FeedID) (oracle.PriceData, error) {
	panic("decoder overrun")
}

func TestPanicBecomesRejection(t *testing.T) {
	p := policy.Default()
	withOracle(&p)
	mock := clock.NewMock()
	mock.Set(evalTime)
	g, err := New(p, Options{Resolver: panickingResolver{}, Clock: mock}, zerolog.Nop())
	require.NoError(t, err)

	d := g.Evaluate(context.Background(), oracleBundle(1_000_000))
	require.Equal(t, decision.InvalidBundle, d.Code)
	require.Equal(t, decision.ReasonInternalPanic, d.Reason)
	require.EqualValues(t, 1, g.State().Snapshot().BundlesRejected)

	// the cache stays usable for later evaluations
	g.Admitter().Cache().Put(feedAt(2), price(time.Second))
	d = g.Evaluate(context.Background(), oracleBundle(1_000_000))
	require.Equal(t, decision.Success, d.Code, d.Detail)
}

func TestEvaluateDoesNotMutateBundle(t *testing.T) {
	f := newFixture(t, withAllTiers)
	f.resolver.Set(feedAt(2), price(time.Second))
	b := bundletest.New(evalTime, 1_000_000,
		bundletest.Tx(1, 1000),
		bundletest.Tx(500_000, 200_000, priceUpdate(2), swapIx()),
	)
	before := *b
	before.Transactions = append([]bundle.Transaction(nil), b.Transactions...)

	d := f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.Success, d.Code, d.Detail)
	require.Equal(t, before, *b)
	require.Equal(t, []int{1, 0}, d.Advice.Sequencing.PriorityOrder)
}

func TestEvaluateRecordsState(t *testing.T) {
	f := newFixture(t, nil)
	f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 15_000, bundletest.Tx(5000, 200_000)))
	f.gate.Evaluate(context.Background(), bundletest.New(evalTime, 100, bundletest.Tx(5000, 200_000)))

	snap := f.gate.State().Snapshot()
	require.EqualValues(t, 2, snap.BundlesProcessed)
	require.EqualValues(t, 15_000, snap.TotalFeesCollected)
	require.Contains(t, snap.LastError, string(decision.ReasonInsufficientFee))
}

func TestQuote(t *testing.T) {
	f := newFixture(t, withOracle)
	b := oracleBundle(0)
	quotes := f.gate.Quote(b)
	require.Len(t, quotes, 3)
	require.True(t, quotes[0].Enabled)
	require.True(t, quotes[1].Enabled)
	require.False(t, quotes[2].Enabled)
	require.EqualValues(t, 5000, quotes[0].Fees.Total)
	require.EqualValues(t, 15_000, quotes[1].Fees.Total)
	require.EqualValues(t, 30_000, quotes[2].Fees.Total)

	require.Equal(t, quotes, f.gate.Quote(b), "quotes are idempotent")
	require.GreaterOrEqual(t, f.gate.RequiredFee(b, policy.TierOracle), f.gate.RequiredFee(b, policy.TierBase))
	require.Zero(t, f.gate.State().Snapshot().BundlesProcessed, "quotes do not touch state")
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t, nil)
	b := oracleBundle(5000)
	require.Equal(t, decision.Success, f.gate.Evaluate(context.Background(), b).Code)

	p := f.gate.Policy()
	p.Features.Oracle = true
	require.NoError(t, f.gate.Reconfigure(p))
	require.True(t, f.gate.Tiers().Has(policy.TierOracle))
	require.Equal(t, decision.OracleMissingPrice, f.gate.Evaluate(context.Background(), b).Code)

	bad := p
	bad.MaxBundleSize = 0
	require.Equal(t, decision.InvalidState, decision.CodeOf(f.gate.Reconfigure(bad)))
	require.EqualValues(t, 100, f.gate.Policy().MaxBundleSize)
}

func TestRestoreAdoptsPolicy(t *testing.T) {
	src := newFixture(t, withInstitutional)
	src.gate.Evaluate(context.Background(), bundletest.New(evalTime, 20_000, bundletest.Tx(0, 1000)))
	data, err := src.gate.State().Export()
	require.NoError(t, err)

	dst := newFixture(t, nil)
	require.NoError(t, dst.gate.Restore(data))
	require.True(t, dst.gate.Tiers().Has(policy.TierInstitutional))
	require.EqualValues(t, 1, dst.gate.State().Snapshot().BundlesProcessed)
}

func TestSharedStateAcrossGates(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(evalTime)
	agg := state.New(policy.Default(), mock, zerolog.Nop())
	p := policy.Default()
	p.Fees.MinFeePerTx = 1
	g, err := New(p, Options{State: agg, Clock: mock}, zerolog.Nop())
	require.NoError(t, err)
	require.EqualValues(t, 1, agg.Policy().Fees.MinFeePerTx)

	g.Evaluate(context.Background(), bundletest.New(evalTime, 200, bundletest.Tx(0, 1000)))
	require.EqualValues(t, 1, agg.Snapshot().BundlesAccepted)
}

func TestConcurrentEvaluationsAgree(t *testing.T) {
	f := newFixture(t, withAllTiers)
	f.resolver.Set(feedAt(2), price(time.Second))
	b := bundletest.New(evalTime, 1_000_000,
		bundletest.Tx(5000, 200_000, priceUpdate(2)),
		bundletest.Tx(300_000, 200_000, bundletest.Instruction([]byte{2, 0, 0, 0}, 0), swapIx()),
	)
	want := f.gate.Evaluate(context.Background(), b)
	require.Equal(t, decision.Success, want.Code, want.Detail)

	const workers, rounds = 8, 50
	var wg sync.WaitGroup
	results := make(chan Decision, workers*rounds)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				results <- f.gate.Evaluate(context.Background(), b)
			}
		}()
	}
	wg.Wait()
	close(results)

	for d := range results {
		require.Equal(t, want.Code, d.Code)
		require.Equal(t, want.RequiredFee, d.RequiredFee)
	}
	require.EqualValues(t, workers*rounds+1, f.gate.State().Snapshot().BundlesProcessed)
}

func TestNewRejectsInvalidPolicy(t *testing.T) {
	p := policy.Default()
	p.Oracle.CacheSize = 0
	_, err := New(p, Options{}, zerolog.Nop())
	require.Error(t, err)
}
