package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tmakela/flowsift/internal/conf"
	"github.com/tmakela/flowsift/internal/errors"
	"github.com/tmakela/flowsift/internal/flowapi"
	"github.com/tmakela/flowsift/internal/geoid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*T).Run"),
		goleak.IgnoreTopFunction("runtime.gopark"),
		goleak.IgnoreTopFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	)
}

// fakeQuerier scripts per-anchor responses and tracks call counts and the
// peak number of concurrent calls.
type fakeQuerier struct {
	mu      sync.Mutex
	calls   map[string]int
	active  int
	peak    int
	respond func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error)
}

func newFakeQuerier(respond func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error)) *fakeQuerier {
	return &fakeQuerier{calls: make(map[string]int), respond: respond}
}

func (f *fakeQuerier) Query(ctx context.Context, anchorID string, role geoid.Role, year int) ([]flowapi.FlowRow, error) {
	f.mu.Lock()
	key := anchorID + "/" + string(role)
	attempt := f.calls[key]
	f.calls[key]++
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()

	// Keep the call in flight long enough for overlap to be observable.
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	f.active--
	f.mu.Unlock()

	return f.respond(anchorID, role, attempt)
}

func (f *fakeQuerier) callCount(anchorID string, role geoid.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[anchorID+"/"+string(role)]
}

func valid(v float64) flowapi.Magnitude   { return flowapi.Magnitude{Value: v, Valid: true} }
func invalidMagnitude() flowapi.Magnitude { return flowapi.Magnitude{} }

func testSettings() conf.IngestSettings {
	return conf.IngestSettings{
		Concurrency: 2,
		MaxRetries:  2,
		BackoffMS:   1,
	}
}

func TestRun_RelabelsRowsByAnchorRole(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		if role == geoid.RoleDestination {
			return []flowapi.FlowRow{
				{CounterpartID: "6037", CounterpartName: "Los Angeles County", MagnitudeIn: valid(120)},
			}, nil
		}
		return []flowapi.FlowRow{
			{CounterpartID: "6037", CounterpartName: "Los Angeles County", MagnitudeOut: valid(95)},
		}, nil
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
		{AnchorID: "48201", Role: geoid.RoleOrigin},
	})
	require.NoError(t, err)
	require.Len(t, result.Edges, 2)

	byRole := map[geoid.Role]int{}
	for i := range result.Edges {
		byRole[result.Edges[i].AnchorRole] = i
	}

	// Destination-anchored rows describe counterpart->anchor flow.
	in := result.Edges[byRole[geoid.RoleDestination]]
	assert.Equal(t, "06037", in.OriginID)
	assert.Equal(t, "48201", in.DestinationID)
	assert.Equal(t, 120.0, in.Magnitude)
	assert.Equal(t, "2020/48201/destination", in.SourceTag)

	// Origin-anchored rows describe anchor->counterpart flow.
	out := result.Edges[byRole[geoid.RoleOrigin]]
	assert.Equal(t, "48201", out.OriginID)
	assert.Equal(t, "06037", out.DestinationID)
	assert.Equal(t, 95.0, out.Magnitude)
	assert.Equal(t, "2020/48201/origin", out.SourceTag)
}

func TestRun_EmptyAnchorIsNotAFailure(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		if anchorID == "31041" {
			return nil, nil
		}
		return []flowapi.FlowRow{
			{CounterpartID: "48201", CounterpartName: "Harris County", MagnitudeIn: valid(10)},
		}, nil
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "31041", Role: geoid.RoleDestination},
		{AnchorID: "06037", Role: geoid.RoleDestination},
	})
	require.NoError(t, err)

	statuses := map[string]Status{}
	reasons := map[string]string{}
	for _, o := range result.Manifest.Outcomes {
		statuses[o.AnchorID] = o.Status
		reasons[o.AnchorID] = o.Reason
	}
	assert.Equal(t, StatusEmpty, statuses["31041"])
	assert.Equal(t, "source returned no rows", reasons["31041"])
	assert.Equal(t, StatusOK, statuses["06037"])
	assert.Equal(t, 1, result.Manifest.Succeeded())
	// An empty result is a successful query, so no retry happens.
	assert.Equal(t, 1, client.callCount("31041", geoid.RoleDestination))
}

func TestRun_FailedAnchorDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		if anchorID == "bad" {
			return nil, errors.Newf("connection reset").Category(errors.CategoryNetwork).Build()
		}
		return []flowapi.FlowRow{
			{CounterpartID: "6037", CounterpartName: "Los Angeles County", MagnitudeIn: valid(50)},
		}, nil
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "bad", Role: geoid.RoleDestination},
		{AnchorID: "48201", Role: geoid.RoleDestination},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Manifest.Succeeded())
	assert.Equal(t, 1, result.Manifest.Failed())
	assert.Len(t, result.Edges, 1)
	// Transient failure exhausts the configured retries.
	assert.Equal(t, 3, client.callCount("bad", geoid.RoleDestination))
}

func TestRun_AllAnchorsFailedIsAnError(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		return nil, errors.Newf("server unavailable").Category(errors.CategoryNetwork).Build()
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
	})
	require.Error(t, err)

	var enhanced *errors.EnhancedError
	require.ErrorAs(t, err, &enhanced)
	assert.Equal(t, errors.CategoryIngest, enhanced.Category)

	// The manifest survives the error so the failure is inspectable.
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Manifest.Failed())
}

func TestRun_EmptyRequestListIsValidationError(t *testing.T) {
	t.Parallel()

	ing := New(newFakeQuerier(nil), geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	_, err := ing.Run(context.Background(), nil)
	require.Error(t, err)

	var enhanced *errors.EnhancedError
	require.ErrorAs(t, err, &enhanced)
	assert.Equal(t, errors.CategoryValidation, enhanced.Category)
}

func TestRun_DropTallies(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		return []flowapi.FlowRow{
			{CounterpartID: "6037", MagnitudeIn: valid(40)},
			{CounterpartID: "4013", MagnitudeIn: invalidMagnitude()},
			{CounterpartID: "8031", MagnitudeIn: valid(0)},
			{CounterpartID: "112", MagnitudeIn: valid(25)}, // Europe, not a primary entity
		}, nil
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
	})
	require.NoError(t, err)

	require.Len(t, result.Edges, 1)
	assert.Equal(t, "06037", result.Edges[0].OriginID)

	outcome := result.Manifest.Outcomes[0]
	assert.Equal(t, StatusOK, outcome.Status)
	assert.Equal(t, 1, outcome.Rows)
	assert.Equal(t, 3, outcome.Dropped)

	assert.Equal(t, 1, result.Manifest.DroppedRows["malformed magnitude"])
	assert.Equal(t, 1, result.Manifest.DroppedRows["non-positive magnitude"])
	assert.Equal(t, 1, result.Manifest.DroppedRows["non-primary counterpart"])
}

func TestRun_AllRowsDroppedMarksAnchorEmpty(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		if anchorID == "48201" {
			return []flowapi.FlowRow{
				{CounterpartID: "4013", MagnitudeIn: invalidMagnitude()},
			}, nil
		}
		return []flowapi.FlowRow{
			{CounterpartID: "6037", MagnitudeIn: valid(10)},
		}, nil
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
		{AnchorID: "08031", Role: geoid.RoleDestination},
	})
	require.NoError(t, err)

	for _, o := range result.Manifest.Outcomes {
		if o.AnchorID != "48201" {
			continue
		}
		assert.Equal(t, StatusEmpty, o.Status)
		assert.Equal(t, "all rows dropped during normalization", o.Reason)
	}
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		return []flowapi.FlowRow{
			{CounterpartID: "6037", MagnitudeIn: valid(10)},
		}, nil
	})

	settings := testSettings()
	settings.Concurrency = 2

	requests := make([]Request, 8)
	for i := range requests {
		requests[i] = Request{AnchorID: "48201", Role: geoid.RoleDestination}
	}

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), settings, 2020)
	_, err := ing.Run(context.Background(), requests)
	require.NoError(t, err)

	client.mu.Lock()
	peak := client.peak
	client.mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		if attempt < 2 {
			return nil, errors.Newf("timeout").Category(errors.CategoryNetwork).Build()
		}
		return []flowapi.FlowRow{
			{CounterpartID: "6037", MagnitudeIn: valid(30)},
		}, nil
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(context.Background(), []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Manifest.Succeeded())
	assert.Equal(t, 3, client.callCount("48201", geoid.RoleDestination))
}

func TestRun_NonTransientErrorIsNotRetried(t *testing.T) {
	t.Parallel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		return nil, errors.Newf("bad api key").Category(errors.CategoryConfiguration).Build()
	})

	settings := testSettings()
	settings.MaxRetries = 5

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), settings, 2020)
	_, err := ing.Run(context.Background(), []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
	})
	require.Error(t, err)
	assert.Equal(t, 1, client.callCount("48201", geoid.RoleDestination))
}

func TestRun_CancelledContextMarksOutstandingAnchorsFailed(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := newFakeQuerier(func(anchorID string, role geoid.Role, attempt int) ([]flowapi.FlowRow, error) {
		return nil, ctx.Err()
	})

	ing := New(client, geoid.NewNormalizer(geoid.NewClassifier()), testSettings(), 2020)
	result, err := ing.Run(ctx, []Request{
		{AnchorID: "48201", Role: geoid.RoleDestination},
	})
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 1, result.Manifest.Failed())
	// A cancelled context short-circuits the retry loop.
	assert.Equal(t, 1, client.callCount("48201", geoid.RoleDestination))
}
