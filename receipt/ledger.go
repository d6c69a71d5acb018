package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/ruteri/tee-workorder-manager/interfaces"
)

// Ledger maintains the append-only update log of work order receipts. A
// receipt is created by the requester; the worker only appends signed updates
// for receipts that exist. Once a COMPLETED update lands, the log is frozen.
type Ledger struct {
	store     interfaces.QueueStore
	enclave   interfaces.Enclave
	updaterID string
	log       *slog.Logger
}

// NewLedger creates a ledger appending updates on behalf of updaterID, signed
// by the given enclave.
func NewLedger(store interfaces.QueueStore, enc interfaces.Enclave, updaterID string, log *slog.Logger) *Ledger {
	return &Ledger{
		store:     store,
		enclave:   enc,
		updaterID: updaterID,
		log:       log,
	}
}

// RecordResponse classifies an execution response and appends the matching
// receipt update. Responses carrying a terminal error code map to FAILED,
// everything else to PROCESSED.
//
// Work orders without a receipt are skipped silently; receipts are optional
// and the requester decides whether to create one.
func (l *Ledger) RecordResponse(ctx context.Context, workOrderID string, resp *interfaces.ExecutionResponse) error {
	if _, err := l.store.Get(ctx, interfaces.ReceiptsTable, workOrderID); err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			l.log.Debug("No receipt for work order, skipping update", slog.String("workOrderId", workOrderID))
			return nil
		}
		return fmt.Errorf("could not look up receipt: %w", err)
	}

	updateType := interfaces.ReceiptProcessed
	if resp.Error != nil && resp.Error.Code != interfaces.RPCCodePending {
		updateType = interfaces.ReceiptFailed
	}

	return l.Append(ctx, workOrderID, updateType, responseDigest(resp))
}

// Append adds one signed update to the work order's receipt log. It returns
// interfaces.ErrReceiptFrozen when the log already ends in COMPLETED.
func (l *Ledger) Append(ctx context.Context, workOrderID string, updateType interfaces.ReceiptUpdateType, updateData string) error {
	updates, err := l.Updates(ctx, workOrderID)
	if err != nil {
		return err
	}

	if len(updates) > 0 && updates[len(updates)-1].UpdateType == interfaces.ReceiptCompleted {
		return interfaces.ErrReceiptFrozen
	}

	update := interfaces.ReceiptUpdate{
		WorkOrderID: workOrderID,
		UpdaterID:   l.updaterID,
		UpdateType:  updateType,
		UpdateData:  updateData,
	}

	sig, err := l.enclave.Sign(updateSigningBytes(&update))
	if err != nil {
		return fmt.Errorf("could not sign receipt update: %w", err)
	}
	update.UpdateSignature = string(sig)

	updates = append(updates, update)
	serialized, err := json.Marshal(updates)
	if err != nil {
		return fmt.Errorf("could not serialize receipt updates: %w", err)
	}

	if err := l.store.Set(ctx, interfaces.ReceiptUpdatesTable, workOrderID, string(serialized)); err != nil {
		return fmt.Errorf("could not persist receipt update: %w", err)
	}

	l.log.Info("Appended receipt update",
		slog.String("workOrderId", workOrderID),
		slog.String("updateType", updateType.String()),
		slog.Int("updateIndex", len(updates)-1))
	return nil
}

// Updates returns the work order's update log in append order. A missing log
// is an empty log, not an error.
func (l *Ledger) Updates(ctx context.Context, workOrderID string) ([]interfaces.ReceiptUpdate, error) {
	raw, err := l.store.Get(ctx, interfaces.ReceiptUpdatesTable, workOrderID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read receipt updates: %w", err)
	}

	var updates []interfaces.ReceiptUpdate
	if err := json.Unmarshal([]byte(raw), &updates); err != nil {
		return nil, fmt.Errorf("malformed receipt update log: %w", err)
	}
	return updates, nil
}

// Verify checks every update signature in the work order's log against the
// given hex verifying key.
func (l *Ledger) Verify(ctx context.Context, workOrderID string, verifyingKeyHex string) error {
	updates, err := l.Updates(ctx, workOrderID)
	if err != nil {
		return err
	}

	for i, update := range updates {
		err := l.enclave.Verify([]byte(verifyingKeyHex), updateSigningBytes(&update), []byte(update.UpdateSignature))
		if err != nil {
			return fmt.Errorf("receipt update %d: %w", i, err)
		}
	}
	return nil
}

func updateSigningBytes(update *interfaces.ReceiptUpdate) []byte {
	return []byte(update.WorkOrderID + strconv.Itoa(int(update.UpdateType)) + update.UpdateData + update.UpdaterID)
}

func responseDigest(resp *interfaces.ExecutionResponse) string {
	raw, err := resp.Serialize()
	if err != nil {
		return ""
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
