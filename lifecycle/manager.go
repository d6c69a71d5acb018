package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/tee-workorder-manager/interfaces"
	"github.com/ruteri/tee-workorder-manager/metrics"
	"github.com/ruteri/tee-workorder-manager/receipt"
)

// DefaultPollInterval is the sleep between scheduled-queue sweeps when no
// interval is configured.
const DefaultPollInterval = 10 * time.Second

// RPCCodeInvalidRequest is the terminal error code written when a stored
// work order request cannot be parsed.
const RPCCodeInvalidRequest = 9

// Manager drives work orders through their lifecycle: it picks up scheduled
// orders, executes them in the enclave, persists responses and receipt
// updates, and recovers in-flight orders after a crash.
//
// State lives entirely in the queue store, so a restarted manager resumes
// from whatever its predecessor left behind. The write ordering is the one
// crash recovery depends on: an order is marked processing before it leaves
// the scheduled queue, and its response is persisted before the processing
// marker is cleared.
type Manager struct {
	store    interfaces.QueueStore
	enclave  interfaces.Enclave
	ledger   *receipt.Ledger
	metrics  *metrics.Metrics
	workerID string
	signup   *interfaces.SignupData
	syncURI  string
	log      *slog.Logger
}

// Config collects the manager's dependencies.
type Config struct {
	Store          interfaces.QueueStore
	Enclave        interfaces.Enclave
	Metrics        *metrics.Metrics
	OrganizationID string

	// SyncURI, when set, is advertised in the worker descriptor as the
	// synchronous submission endpoint.
	SyncURI string

	Log *slog.Logger
}

// NewManager creates a manager around an enclave that has not signed up yet.
// Signup runs here once; the identity material is fixed for the process
// lifetime.
func NewManager(cfg Config) (*Manager, error) {
	signup, err := cfg.Enclave.CreateSignupData()
	if err != nil {
		return nil, fmt.Errorf("enclave signup failed: %w", err)
	}

	measurement, err := cfg.Enclave.Measurement()
	if err != nil {
		return nil, fmt.Errorf("could not read enclave measurement: %w", err)
	}

	descriptor := NewWorkerDescriptor(signup, measurement, cfg.OrganizationID)

	m := &Manager{
		store:    cfg.Store,
		enclave:  cfg.Enclave,
		metrics:  cfg.Metrics,
		workerID: descriptor.WorkerID,
		signup:   signup,
		syncURI:  cfg.SyncURI,
		log:      cfg.Log.With(slog.String("workerId", descriptor.WorkerID)),
	}
	m.ledger = receipt.NewLedger(cfg.Store, cfg.Enclave, descriptor.WorkerID, m.log)
	return m, nil
}

// WorkerID returns the identity-hash worker id.
func (m *Manager) WorkerID() string { return m.workerID }

// Signup returns the enclave's signup material.
func (m *Manager) Signup() *interfaces.SignupData { return m.signup }

// Descriptor builds the current worker descriptor.
func (m *Manager) Descriptor() (*WorkerDescriptor, error) {
	measurement, err := m.enclave.Measurement()
	if err != nil {
		return nil, err
	}
	descriptor := NewWorkerDescriptor(m.signup, measurement, "")
	if m.syncURI != "" {
		descriptor.WithSyncURI(m.syncURI)
	}
	return descriptor, nil
}

// PublishIdentity clears every entry of the workers table and publishes the
// current worker descriptor. Clearing first keeps stale identities from a
// previous crash out of the table; with several managers sharing one store
// this would also evict live peers, so the manager assumes it is the table's
// only writer.
func (m *Manager) PublishIdentity(ctx context.Context) error {
	stale, err := m.store.Lookup(ctx, interfaces.WorkersTable)
	if err != nil {
		return fmt.Errorf("could not list published workers: %w", err)
	}
	for _, workerID := range stale {
		if err := m.store.Remove(ctx, interfaces.WorkersTable, workerID); err != nil {
			return fmt.Errorf("could not clear stale worker %s: %w", workerID, err)
		}
	}

	descriptor, err := m.Descriptor()
	if err != nil {
		return err
	}
	serialized, err := descriptor.Serialize()
	if err != nil {
		return err
	}

	if err := m.store.Set(ctx, interfaces.WorkersTable, m.workerID, serialized); err != nil {
		return fmt.Errorf("could not publish worker descriptor: %w", err)
	}
	m.log.Info("Published worker descriptor")
	return nil
}

// Reconcile is the boot sweep: it republishes the worker identity and
// recovers orders left in flight by a previous run. Orders in the processing
// set whose response was already persisted are finalized from it; the rest go
// back to the scheduled queue for the next sweep to execute. Reconcile is
// idempotent: running it again, or crashing halfway through and running it at
// next boot, converges to the same state.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.metrics.ReconcileSweeps.Inc()

	if err := m.PublishIdentity(ctx); err != nil {
		return err
	}

	inFlight, err := m.store.Lookup(ctx, interfaces.ProcessingTable)
	if err != nil {
		return fmt.Errorf("could not list in-flight work orders: %w", err)
	}

	for _, workOrderID := range inFlight {
		log := m.log.With(slog.String("workOrderId", workOrderID))
		m.metrics.RecoveredOrders.Inc()

		raw, err := m.store.Get(ctx, interfaces.ResponsesTable, workOrderID)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			// Crashed before a response was written: hand the order back to
			// the scheduled queue and let the next sweep execute it.
			log.Info("Re-queueing interrupted work order")
			if err := m.store.Set(ctx, interfaces.ScheduledTable, workOrderID, string(interfaces.StatusScheduled)); err != nil {
				return fmt.Errorf("could not re-queue work order %s: %w", workOrderID, err)
			}
			if err := m.store.Remove(ctx, interfaces.ProcessingTable, workOrderID); err != nil {
				return fmt.Errorf("could not clear the processing marker of %s: %w", workOrderID, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("could not check recovered work order %s: %w", workOrderID, err)
		}

		resp, perr := interfaces.ParseExecutionResponse(raw)
		if perr != nil {
			log.Error("Recovered response is malformed, recording failure", "err", perr)
			if err := m.markProcessedIfUnset(ctx, workOrderID, interfaces.StatusFailed); err != nil {
				return err
			}
			if err := m.store.Remove(ctx, interfaces.ProcessingTable, workOrderID); err != nil {
				return fmt.Errorf("could not clear the processing marker of %s: %w", workOrderID, err)
			}
			continue
		}

		if !resp.Failed() {
			if err := m.ledger.RecordResponse(ctx, workOrderID, resp); err != nil && !errors.Is(err, interfaces.ErrReceiptFrozen) {
				return err
			}
		}

		log.Info("Recovered work order already has a response, finalizing")
		if err := m.finalize(ctx, workOrderID); err != nil {
			return fmt.Errorf("could not finalize recovered work order %s: %w", workOrderID, err)
		}
	}

	return nil
}

// markProcessedIfUnset records the terminal status unless a previous run
// already recorded one.
func (m *Manager) markProcessedIfUnset(ctx context.Context, workOrderID string, status interfaces.WorkOrderStatus) error {
	_, err := m.store.Get(ctx, interfaces.ProcessedTable, workOrderID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return fmt.Errorf("could not check the processed marker of %s: %w", workOrderID, err)
	}
	return m.store.Set(ctx, interfaces.ProcessedTable, workOrderID, string(status))
}

// ProcessScheduled sweeps the scheduled queue once, processing every waiting
// order. A single order's failure is logged and does not stop the sweep;
// only a failure to read the scheduled list itself aborts.
func (m *Manager) ProcessScheduled(ctx context.Context) error {
	scheduled, err := m.store.Lookup(ctx, interfaces.ScheduledTable)
	if err != nil {
		return fmt.Errorf("could not list scheduled work orders: %w", err)
	}
	m.metrics.ScheduledBacklog.Set(float64(len(scheduled)))

	for _, workOrderID := range scheduled {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.ProcessOne(ctx, workOrderID); err != nil {
			m.log.Error("Could not process work order, continuing sweep",
				slog.String("workOrderId", workOrderID), "err", err)
		}
	}
	return nil
}

// ProcessOne drives a single work order to its terminal state. Orders whose
// response already exists are finalized without re-executing, which makes the
// call safe to repeat after a crash at any point.
func (m *Manager) ProcessOne(ctx context.Context, workOrderID string) error {
	log := m.log.With(slog.String("workOrderId", workOrderID))

	if _, err := m.store.Get(ctx, interfaces.ResponsesTable, workOrderID); err == nil {
		log.Info("Response already persisted, finalizing without re-execution")
		return m.finalize(ctx, workOrderID)
	} else if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return fmt.Errorf("could not check for an existing response: %w", err)
	}

	// Mark processing before leaving the scheduled queue. A crash between
	// the two writes leaves the order in both sets, and recovery handles
	// that; the reverse ordering could lose the order entirely.
	if err := m.store.Set(ctx, interfaces.ProcessingTable, workOrderID, string(interfaces.StatusProcessing)); err != nil {
		return fmt.Errorf("could not mark work order processing: %w", err)
	}

	raw, err := m.store.Get(ctx, interfaces.RequestsTable, workOrderID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		// Nothing to execute. The scheduled entry stays so a later sweep
		// picks the order up once the requester has written its request.
		log.Warn("Scheduled work order has no stored request, skipping")
		return m.store.Remove(ctx, interfaces.ProcessingTable, workOrderID)
	}
	if err != nil {
		return fmt.Errorf("could not load work order request: %w", err)
	}

	if err := m.store.Remove(ctx, interfaces.ScheduledTable, workOrderID); err != nil {
		return fmt.Errorf("could not remove work order from the scheduled queue: %w", err)
	}

	var resp *interfaces.ExecutionResponse
	req, parseErr := interfaces.ParseWorkOrderRequest(raw)
	if parseErr != nil {
		log.Error("Stored work order request is malformed", "err", parseErr)
		resp = &interfaces.ExecutionResponse{
			JSONRPC: "2.0",
			Error: &interfaces.RPCError{
				Code:    RPCCodeInvalidRequest,
				Message: fmt.Sprintf("work order request %s is malformed", workOrderID),
			},
		}
	} else {
		started := time.Now()
		resp, err = m.enclave.Execute(ctx, req)
		if err != nil {
			// Fail only this order: drop its in-flight marker and leave it
			// unresolved rather than stalling the sweep.
			if rmErr := m.store.Remove(ctx, interfaces.ProcessingTable, workOrderID); rmErr != nil {
				log.Error("Could not clear the processing marker after an execution failure", "err", rmErr)
			}
			return err
		}
		m.metrics.ProcessingTime.Observe(time.Since(started).Seconds())
	}

	serialized, err := resp.Serialize()
	if err != nil {
		return err
	}
	if err := m.store.Set(ctx, interfaces.ResponsesTable, workOrderID, serialized); err != nil {
		return fmt.Errorf("could not persist work order response: %w", err)
	}

	// Receipts attest to executions; a synthesized validation-failure
	// response does not earn a receipt update.
	if parseErr == nil {
		if err := m.ledger.RecordResponse(ctx, workOrderID, resp); err != nil {
			if !errors.Is(err, interfaces.ErrReceiptFrozen) {
				return err
			}
			log.Warn("Receipt already completed, skipping update")
		} else {
			m.metrics.ReceiptUpdates.Inc()
		}
	}

	m.metrics.OrdersProcessed.Inc()
	if resp.Failed() {
		m.metrics.OrdersFailed.Inc()
	}

	return m.finalize(ctx, workOrderID)
}

// finalize records the terminal status marker and clears the in-flight
// markers. Status derives from the persisted response, so repeating finalize
// is harmless.
func (m *Manager) finalize(ctx context.Context, workOrderID string) error {
	raw, err := m.store.Get(ctx, interfaces.ResponsesTable, workOrderID)
	if err != nil {
		return fmt.Errorf("could not load persisted response: %w", err)
	}
	resp, err := interfaces.ParseExecutionResponse(raw)
	if err != nil {
		return err
	}

	status := interfaces.StatusSuccess
	if resp.Failed() {
		status = interfaces.StatusFailed
	}

	if err := m.store.Set(ctx, interfaces.ProcessedTable, workOrderID, string(status)); err != nil {
		return fmt.Errorf("could not mark work order processed: %w", err)
	}
	if err := m.store.Remove(ctx, interfaces.ProcessingTable, workOrderID); err != nil {
		return fmt.Errorf("could not clear the processing marker: %w", err)
	}
	if err := m.store.Remove(ctx, interfaces.ScheduledTable, workOrderID); err != nil {
		return fmt.Errorf("could not clear the scheduled marker: %w", err)
	}

	m.log.Info("Work order finalized",
		slog.String("workOrderId", workOrderID),
		slog.String("status", string(status)))
	return nil
}

// Submit stores a raw work order request and schedules it. Used by the
// synchronous front end; polling deployments expect requesters to write the
// tables themselves.
func (m *Manager) Submit(ctx context.Context, rawRequest string) (string, error) {
	req, err := interfaces.ParseWorkOrderRequest(rawRequest)
	if err != nil {
		return "", err
	}
	if req.WorkOrderID == "" {
		return "", errors.New("work order request is missing workOrderId")
	}

	if err := m.store.Set(ctx, interfaces.RequestsTable, req.WorkOrderID, rawRequest); err != nil {
		return "", fmt.Errorf("could not store work order request: %w", err)
	}
	if err := m.store.Set(ctx, interfaces.ScheduledTable, req.WorkOrderID, string(interfaces.StatusScheduled)); err != nil {
		return "", fmt.Errorf("could not schedule work order: %w", err)
	}
	return req.WorkOrderID, nil
}

// HasRequest reports whether a request is stored under the id.
func (m *Manager) HasRequest(ctx context.Context, workOrderID string) (bool, error) {
	_, err := m.store.Get(ctx, interfaces.RequestsTable, workOrderID)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("could not look up work order request: %w", err)
	}
	return true, nil
}

// Response returns the persisted response of a work order. Responses of
// unprocessed orders report interfaces.ErrKeyNotFound.
func (m *Manager) Response(ctx context.Context, workOrderID string) (*interfaces.ExecutionResponse, error) {
	raw, err := m.store.Get(ctx, interfaces.ResponsesTable, workOrderID)
	if err != nil {
		return nil, err
	}
	return interfaces.ParseExecutionResponse(raw)
}

// ProcessSync processes one order immediately and returns its response.
// The order is addressed by id, so concurrent submissions cannot hand back
// someone else's response.
func (m *Manager) ProcessSync(ctx context.Context, workOrderID string) (*interfaces.ExecutionResponse, error) {
	if err := m.ProcessOne(ctx, workOrderID); err != nil {
		return nil, err
	}

	raw, err := m.store.Get(ctx, interfaces.ResponsesTable, workOrderID)
	if err != nil {
		return nil, fmt.Errorf("could not load the response just produced: %w", err)
	}
	return interfaces.ParseExecutionResponse(raw)
}

// RunPolling sweeps the scheduled queue until the context is canceled.
// Store outages are logged and retried on the next tick rather than
// terminating the loop.
func (m *Manager) RunPolling(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	m.log.Info("Starting work order polling loop", slog.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.ProcessScheduled(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.log.Error("Scheduled sweep failed, retrying next tick", "err", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
