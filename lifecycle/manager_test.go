package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/tee-workorder-manager/enclave"
	"github.com/ruteri/tee-workorder-manager/envelope"
	"github.com/ruteri/tee-workorder-manager/interfaces"
	"github.com/ruteri/tee-workorder-manager/kvstore"
	"github.com/ruteri/tee-workorder-manager/metrics"
)

// countingEnclave counts executions so crash-recovery tests can assert an
// order is never executed twice. Setting failOn makes one work order fail
// with an infrastructure error.
type countingEnclave struct {
	interfaces.Enclave
	executions int
	failOn     string
}

func (c *countingEnclave) Execute(ctx context.Context, req *interfaces.WorkOrderRequest) (*interfaces.ExecutionResponse, error) {
	c.executions++
	if c.failOn != "" && req.WorkOrderID == c.failOn {
		return nil, errors.New("enclave unavailable")
	}
	return c.Enclave.Execute(ctx, req)
}

type testHarness struct {
	manager *Manager
	store   *kvstore.MemoryStore
	enclave *countingEnclave
	codec   *envelope.Codec
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 9
	}
	inner, err := enclave.NewSimpleEnclave(seed, log)
	require.NoError(t, err)
	counting := &countingEnclave{Enclave: inner}

	store := kvstore.NewMemoryStore()
	manager, err := NewManager(Config{
		Store:   store,
		Enclave: counting,
		Metrics: metrics.New(),
		Log:     log,
	})
	require.NoError(t, err)

	signup := manager.Signup()
	codec := envelope.NewCodec([]byte(signup.EncryptionKey), signup.VerifyingKey, log)

	return &testHarness{manager: manager, store: store, enclave: counting, codec: codec}
}

// schedule seals a request and writes it into the requests and scheduled
// tables the way an external requester would.
func (h *testHarness) schedule(t *testing.T, workOrderID string, input string) *envelope.SealedRequest {
	t.Helper()
	ctx := context.Background()

	sealed, err := h.codec.Seal(envelope.RequestParams{
		WorkOrderID: workOrderID,
		WorkerID:    h.manager.WorkerID(),
		Workload:    "echo",
		RequesterID: "requester-1",
		Inputs:      [][]byte{[]byte(input)},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(sealed.Request)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, interfaces.RequestsTable, workOrderID, string(raw)))
	require.NoError(t, h.store.Set(ctx, interfaces.ScheduledTable, workOrderID, string(interfaces.StatusScheduled)))
	return sealed
}

func (h *testHarness) assertFinalized(t *testing.T, workOrderID string, status interfaces.WorkOrderStatus) {
	t.Helper()
	ctx := context.Background()

	marker, err := h.store.Get(ctx, interfaces.ProcessedTable, workOrderID)
	require.NoError(t, err)
	assert.Equal(t, string(status), marker)

	_, err = h.store.Get(ctx, interfaces.ScheduledTable, workOrderID)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = h.store.Get(ctx, interfaces.ProcessingTable, workOrderID)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestProcessOneHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sealed := h.schedule(t, "wo-1", "payload")
	require.NoError(t, h.manager.ProcessOne(ctx, "wo-1"))

	h.assertFinalized(t, "wo-1", interfaces.StatusSuccess)
	assert.Equal(t, 1, h.enclave.executions)

	raw, err := h.store.Get(ctx, interfaces.ResponsesTable, "wo-1")
	require.NoError(t, err)
	_, outputs, err := h.codec.Open(sealed, []byte(raw))
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "payload", string(outputs[0]))
}

func TestProcessOneUnknownWorkload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sealed, err := h.codec.Seal(envelope.RequestParams{
		WorkOrderID: "wo-bad",
		WorkerID:    h.manager.WorkerID(),
		Workload:    "no-such-workload",
		Inputs:      [][]byte{[]byte("x")},
	})
	require.NoError(t, err)
	raw, err := json.Marshal(sealed.Request)
	require.NoError(t, err)
	require.NoError(t, h.store.Set(ctx, interfaces.RequestsTable, "wo-bad", string(raw)))
	require.NoError(t, h.store.Set(ctx, interfaces.ScheduledTable, "wo-bad", string(interfaces.StatusScheduled)))

	require.NoError(t, h.manager.ProcessOne(ctx, "wo-bad"))
	h.assertFinalized(t, "wo-bad", interfaces.StatusFailed)
}

func TestProcessOneMissingRequest(t *testing.T) {
	// A scheduled id without a stored request is left for a later sweep:
	// nothing executes and no terminal state is recorded.
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, interfaces.ScheduledTable, "wo-ghost", string(interfaces.StatusScheduled)))

	require.NoError(t, h.manager.ProcessOne(ctx, "wo-ghost"))
	assert.Equal(t, 0, h.enclave.executions)

	marker, err := h.store.Get(ctx, interfaces.ScheduledTable, "wo-ghost")
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.StatusScheduled), marker)

	_, err = h.store.Get(ctx, interfaces.ProcessingTable, "wo-ghost")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = h.store.Get(ctx, interfaces.ProcessedTable, "wo-ghost")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = h.store.Get(ctx, interfaces.ResponsesTable, "wo-ghost")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestProcessOneMalformedRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, interfaces.RequestsTable, "wo-malformed", "{not json"))
	require.NoError(t, h.store.Set(ctx, interfaces.ScheduledTable, "wo-malformed", string(interfaces.StatusScheduled)))
	require.NoError(t, h.store.Set(ctx, interfaces.ReceiptsTable, "wo-malformed", "{}"))

	require.NoError(t, h.manager.ProcessOne(ctx, "wo-malformed"))
	h.assertFinalized(t, "wo-malformed", interfaces.StatusFailed)
	assert.Equal(t, 0, h.enclave.executions)

	raw, err := h.store.Get(ctx, interfaces.ResponsesTable, "wo-malformed")
	require.NoError(t, err)
	resp, err := interfaces.ParseExecutionResponse(raw)
	require.NoError(t, err)
	assert.True(t, resp.Failed())

	// The synthesized response never went through the enclave, so even an
	// existing receipt gets no update.
	_, err = h.store.Get(ctx, interfaces.ReceiptUpdatesTable, "wo-malformed")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestProcessScheduledIsolatesFailingOrder(t *testing.T) {
	// One order's enclave failure must not starve the rest of the sweep.
	h := newHarness(t)
	ctx := context.Background()

	h.schedule(t, "wo-fail", "doomed")
	h.schedule(t, "wo-ok", "fine")
	h.enclave.failOn = "wo-fail"

	require.NoError(t, h.manager.ProcessScheduled(ctx))

	h.assertFinalized(t, "wo-ok", interfaces.StatusSuccess)

	// The failed order is left unresolved with its in-flight marker cleared.
	_, err := h.store.Get(ctx, interfaces.ProcessingTable, "wo-fail")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = h.store.Get(ctx, interfaces.ProcessedTable, "wo-fail")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	_, err = h.store.Get(ctx, interfaces.ResponsesTable, "wo-fail")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
}

func TestProcessScheduledSweepsBacklog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.schedule(t, "wo-a", "a")
	h.schedule(t, "wo-b", "b")

	require.NoError(t, h.manager.ProcessScheduled(ctx))
	h.assertFinalized(t, "wo-a", interfaces.StatusSuccess)
	h.assertFinalized(t, "wo-b", interfaces.StatusSuccess)
	assert.Equal(t, 2, h.enclave.executions)
}

func TestReconcileRequeuesInterruptedOrder(t *testing.T) {
	// Crash mid-flight: the processing marker exists but no response does.
	// The boot sweep hands the order back to the scheduled queue.
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, interfaces.ProcessingTable, "wo-3", string(interfaces.StatusProcessing)))

	require.NoError(t, h.manager.Reconcile(ctx))

	marker, err := h.store.Get(ctx, interfaces.ScheduledTable, "wo-3")
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.StatusScheduled), marker)
	_, err = h.store.Get(ctx, interfaces.ProcessingTable, "wo-3")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.Equal(t, 0, h.enclave.executions)
}

func TestReconcileRecoversDoubleMarkedOrder(t *testing.T) {
	// Crash between the processing insert and the scheduled removal leaves
	// the order in both sets. Recovery plus one sweep processes it once.
	h := newHarness(t)
	ctx := context.Background()

	h.schedule(t, "wo-crashed", "data")
	require.NoError(t, h.store.Set(ctx, interfaces.ProcessingTable, "wo-crashed", string(interfaces.StatusProcessing)))

	require.NoError(t, h.manager.Reconcile(ctx))
	require.NoError(t, h.manager.ProcessScheduled(ctx))
	h.assertFinalized(t, "wo-crashed", interfaces.StatusSuccess)
	assert.Equal(t, 1, h.enclave.executions)
}

func TestReconcileFinalizesWithoutReExecuting(t *testing.T) {
	// Crash after the response write but before cleanup: the persisted
	// response is authoritative and the order is never executed again.
	h := newHarness(t)
	ctx := context.Background()

	h.schedule(t, "wo-late-crash", "data")
	require.NoError(t, h.manager.ProcessOne(ctx, "wo-late-crash"))
	require.Equal(t, 1, h.enclave.executions)

	// Simulate the crash by restoring the in-flight markers.
	require.NoError(t, h.store.Set(ctx, interfaces.ProcessingTable, "wo-late-crash", string(interfaces.StatusProcessing)))
	require.NoError(t, h.store.Remove(ctx, interfaces.ProcessedTable, "wo-late-crash"))

	require.NoError(t, h.manager.Reconcile(ctx))
	h.assertFinalized(t, "wo-late-crash", interfaces.StatusSuccess)
	assert.Equal(t, 1, h.enclave.executions)
}

func TestReconcileHandlesMalformedRecoveredResponse(t *testing.T) {
	// A persisted response that no longer parses cannot be finalized from;
	// the order is recorded as failed instead of re-queued.
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, interfaces.ProcessingTable, "wo-garbled", string(interfaces.StatusProcessing)))
	require.NoError(t, h.store.Set(ctx, interfaces.ResponsesTable, "wo-garbled", "{not json"))

	require.NoError(t, h.manager.Reconcile(ctx))

	marker, err := h.store.Get(ctx, interfaces.ProcessedTable, "wo-garbled")
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.StatusFailed), marker)
	_, err = h.store.Get(ctx, interfaces.ProcessingTable, "wo-garbled")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	assert.Equal(t, 0, h.enclave.executions)
}

func TestReconcileIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, interfaces.ProcessingTable, "wo-again", string(interfaces.StatusProcessing)))

	require.NoError(t, h.manager.Reconcile(ctx))
	require.NoError(t, h.manager.Reconcile(ctx))

	marker, err := h.store.Get(ctx, interfaces.ScheduledTable, "wo-again")
	require.NoError(t, err)
	assert.Equal(t, string(interfaces.StatusScheduled), marker)

	keys, err := h.store.Lookup(ctx, interfaces.ProcessingTable)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestReconcileEvictsStaleWorkerEntries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.store.Set(ctx, interfaces.WorkersTable, "stale-worker", "{}"))

	require.NoError(t, h.manager.Reconcile(ctx))

	keys, err := h.store.Lookup(ctx, interfaces.WorkersTable)
	require.NoError(t, err)
	require.Equal(t, []string{h.manager.WorkerID()}, keys)
}

func TestSubmitAndProcessSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	sealed, err := h.codec.Seal(envelope.RequestParams{
		WorkOrderID: "wo-sync",
		WorkerID:    h.manager.WorkerID(),
		Workload:    "echo",
		Inputs:      [][]byte{[]byte("sync payload")},
	})
	require.NoError(t, err)
	raw, err := json.Marshal(sealed.Request)
	require.NoError(t, err)

	workOrderID, err := h.manager.Submit(ctx, string(raw))
	require.NoError(t, err)
	require.Equal(t, "wo-sync", workOrderID)

	resp, err := h.manager.ProcessSync(ctx, workOrderID)
	require.NoError(t, err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, interfaces.StatusSuccess, resp.Result.Status)
	h.assertFinalized(t, "wo-sync", interfaces.StatusSuccess)
}

func TestSubmitRejectsMissingID(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Submit(context.Background(), `{"workerId":"w"}`)
	require.Error(t, err)
}

func TestPublishIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.manager.PublishIdentity(ctx))

	raw, err := h.store.Get(ctx, interfaces.WorkersTable, h.manager.WorkerID())
	require.NoError(t, err)

	descriptor, err := ParseWorkerDescriptor(raw)
	require.NoError(t, err)
	assert.Equal(t, h.manager.WorkerID(), descriptor.WorkerID)
	assert.Equal(t, WorkerStatusActive, descriptor.Status)
	assert.Equal(t, h.manager.Signup().VerifyingKey, descriptor.Details.WorkerTypeData.VerificationKey)
	assert.NotEmpty(t, descriptor.Details.WorkerTypeData.EncryptionKey)
	assert.NotEmpty(t, descriptor.Details.WorkerTypeData.ExtendedMeasurements)
}
