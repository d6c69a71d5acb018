package receipt

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/tee-workorder-manager/enclave"
	"github.com/ruteri/tee-workorder-manager/interfaces"
	"github.com/ruteri/tee-workorder-manager/kvstore"
)

func newTestLedger(t *testing.T) (*Ledger, interfaces.QueueStore, *interfaces.SignupData) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = 7
	}
	enc, err := enclave.NewSimpleEnclave(seed, log)
	require.NoError(t, err)
	signup, err := enc.CreateSignupData()
	require.NoError(t, err)

	store := kvstore.NewMemoryStore()
	return NewLedger(store, enc, "worker-1", log), store, signup
}

func createReceipt(t *testing.T, store interfaces.QueueStore, workOrderID string) {
	t.Helper()
	err := store.Set(context.Background(), interfaces.ReceiptsTable, workOrderID, `{"workOrderId":"`+workOrderID+`"}`)
	require.NoError(t, err)
}

func TestRecordResponseSkipsWithoutReceipt(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	resp := &interfaces.ExecutionResponse{
		Result: &interfaces.ExecutionResult{WorkOrderID: "wo-1", Status: interfaces.StatusSuccess},
	}
	require.NoError(t, ledger.RecordResponse(ctx, "wo-1", resp))

	updates, err := ledger.Updates(ctx, "wo-1")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestRecordResponseClassification(t *testing.T) {
	for _, tc := range []struct {
		name string
		resp *interfaces.ExecutionResponse
		want interfaces.ReceiptUpdateType
	}{
		{
			name: "success result",
			resp: &interfaces.ExecutionResponse{
				Result: &interfaces.ExecutionResult{WorkOrderID: "wo-1", Status: interfaces.StatusSuccess},
			},
			want: interfaces.ReceiptProcessed,
		},
		{
			name: "pending error code stays processed",
			resp: &interfaces.ExecutionResponse{
				Error: &interfaces.RPCError{Code: interfaces.RPCCodePending, Message: "still computing"},
			},
			want: interfaces.ReceiptProcessed,
		},
		{
			name: "terminal error code",
			resp: &interfaces.ExecutionResponse{
				Error: &interfaces.RPCError{Code: 9, Message: "execution rejected"},
			},
			want: interfaces.ReceiptFailed,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			ledger, store, _ := newTestLedger(t)
			ctx := context.Background()
			createReceipt(t, store, "wo-1")

			require.NoError(t, ledger.RecordResponse(ctx, "wo-1", tc.resp))

			updates, err := ledger.Updates(ctx, "wo-1")
			require.NoError(t, err)
			require.Len(t, updates, 1)
			assert.Equal(t, tc.want, updates[0].UpdateType)
			assert.Equal(t, "worker-1", updates[0].UpdaterID)
			assert.NotEmpty(t, updates[0].UpdateSignature)
		})
	}
}

func TestAppendOrderingAndSignatures(t *testing.T) {
	ledger, store, signup := newTestLedger(t)
	ctx := context.Background()
	createReceipt(t, store, "wo-1")

	require.NoError(t, ledger.Append(ctx, "wo-1", interfaces.ReceiptProcessed, "first"))
	require.NoError(t, ledger.Append(ctx, "wo-1", interfaces.ReceiptFailed, "second"))

	updates, err := ledger.Updates(ctx, "wo-1")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, "first", updates[0].UpdateData)
	assert.Equal(t, "second", updates[1].UpdateData)

	require.NoError(t, ledger.Verify(ctx, "wo-1", signup.VerifyingKey))

	// Tampering with an update breaks verification.
	updates[0].UpdateData = "forged"
	err = ledger.enclave.Verify([]byte(signup.VerifyingKey),
		updateSigningBytes(&updates[0]), []byte(updates[0].UpdateSignature))
	require.ErrorIs(t, err, interfaces.ErrSignatureVerification)
}

func TestCompletedFreezesReceipt(t *testing.T) {
	ledger, store, _ := newTestLedger(t)
	ctx := context.Background()
	createReceipt(t, store, "wo-1")

	require.NoError(t, ledger.Append(ctx, "wo-1", interfaces.ReceiptProcessed, "done"))
	require.NoError(t, ledger.Append(ctx, "wo-1", interfaces.ReceiptCompleted, "final"))

	err := ledger.Append(ctx, "wo-1", interfaces.ReceiptProcessed, "late")
	require.ErrorIs(t, err, interfaces.ErrReceiptFrozen)

	resp := &interfaces.ExecutionResponse{
		Result: &interfaces.ExecutionResult{WorkOrderID: "wo-1", Status: interfaces.StatusSuccess},
	}
	err = ledger.RecordResponse(ctx, "wo-1", resp)
	require.ErrorIs(t, err, interfaces.ErrReceiptFrozen)

	updates, err := ledger.Updates(ctx, "wo-1")
	require.NoError(t, err)
	require.Len(t, updates, 2)
	assert.Equal(t, interfaces.ReceiptCompleted, updates[1].UpdateType)
}
