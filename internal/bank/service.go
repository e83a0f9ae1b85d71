package bank

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/store"
	"go.uber.org/zap"
)

const driftTolerance = 1e-9

var (
	errMissingStore = errors.New("document store is required")
	noOpLogger      = zap.NewNop()
)

// ServiceError reports an operational failure talking to the document store.
// Code has the form `bank.<operation>.<reason>`.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew             = "bank.service.new"
	opCreateCustomer         = "bank.create_customer"
	opListCustomers          = "bank.list_customers"
	opGetCustomer            = "bank.get_customer"
	opUpdateCustomer         = "bank.update_customer"
	opDeleteCustomer         = "bank.delete_customer"
	opCreateDeposit          = "bank.create_deposit"
	opCreateDeposits         = "bank.create_deposits"
	opListDeposits           = "bank.list_deposits"
	opUpdateDeposit          = "bank.update_deposit"
	opDeleteDeposit          = "bank.delete_deposit"
	opAdjustCustomerTotal    = "bank.adjust_customer_total"
	opReconcileCustomerTotal = "bank.reconcile_customer_total"
	opReconcileAll           = "bank.reconcile_all"
)

const (
	reasonStoreRead     = "store_read_failed"
	reasonStoreWrite    = "store_write_failed"
	reasonKeyGeneration = "key_generation_failed"
	reasonDecode        = "decode_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// DocumentStore is the subset of the document store contract the service depends on.
type DocumentStore interface {
	Read(ctx context.Context, path store.Path) (store.Snapshot, error)
	List(ctx context.Context, collection string) ([]store.Snapshot, error)
	Push(collection string) (store.Path, error)
	Set(ctx context.Context, path store.Path, value any) error
	Update(ctx context.Context, path store.Path, fields map[string]any) error
	Remove(ctx context.Context, path store.Path) error
	Commit(ctx context.Context, mutations []store.Mutation) error
	Transact(ctx context.Context, fn func(tx *store.Txn) error) error
}

// ChangeNotifier is told which records of a collection changed after each successful write.
type ChangeNotifier interface {
	NotifyChange(collection string, ids []string)
}

type ServiceConfig struct {
	Store    DocumentStore
	Clock    func() time.Time
	Notifier ChangeNotifier
	Logger   *zap.Logger
}

// Service records customers and deposits and keeps each customer's running total in step
// with its deposits by applying deltas on every deposit write.
type Service struct {
	// totalsMu is held shared from a deposit write until its delta lands, and exclusively
	// by reconciliation.
	totalsMu sync.RWMutex

	store    DocumentStore
	clock    func() time.Time
	notifier ChangeNotifier
	logger   *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		store:    cfg.Store,
		clock:    clock,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// TotalAdjustment reports the outcome of applying a delta to a customer's running total.
// Found is false when the customer record does not exist and nothing was written.
type TotalAdjustment struct {
	Found    bool
	Previous float64
	Current  float64
}

// DepositChange reports the outcome of a deposit write.
// Found is false when an update or delete addressed a deposit that does not exist.
type DepositChange struct {
	Found   bool
	Deposit Deposit
	Delta   float64
	Total   TotalAdjustment
}

// CustomerDeletion lists every record removed by a cascading customer delete.
type CustomerDeletion struct {
	CustomerID string
	DepositIDs []string
}

// Reconciliation compares a stored running total with the sum recomputed from live deposits.
type Reconciliation struct {
	Found      bool
	CustomerID string
	Previous   float64
	Recomputed float64
}

// Drifted reports whether the stored total disagreed with the recomputed one.
func (r Reconciliation) Drifted() bool {
	return r.Found && math.Abs(r.Previous-r.Recomputed) > driftTolerance
}

// CreateCustomer registers a customer with a zero running total and returns it with its new key.
func (s *Service) CreateCustomer(ctx context.Context, fields CustomerFields) (Customer, error) {
	path, err := s.store.Push(CollectionCustomer)
	if err != nil {
		s.logError(opCreateCustomer, reasonKeyGeneration, err)
		return Customer{}, newServiceError(opCreateCustomer, reasonKeyGeneration, err)
	}
	record := customerRecord{
		Name:           fields.Name,
		Phone:          fields.Phone,
		Address:        fields.Address,
		TotalDeposited: 0.0,
		NasabahID:      path.Key,
	}
	if err := s.store.Set(ctx, path, record); err != nil {
		s.logError(opCreateCustomer, reasonStoreWrite, err, zap.String("customer_id", path.Key))
		return Customer{}, newServiceError(opCreateCustomer, reasonStoreWrite, err)
	}
	s.notify(CollectionCustomer, path.Key)
	return Customer{
		ID:      path.Key,
		Name:    fields.Name,
		Phone:   fields.Phone,
		Address: fields.Address,
	}, nil
}

// ListCustomers returns every customer. An empty store yields an empty slice.
func (s *Service) ListCustomers(ctx context.Context) ([]Customer, error) {
	snapshots, err := s.store.List(ctx, CollectionCustomer)
	if err != nil {
		s.logError(opListCustomers, reasonStoreRead, err)
		return nil, newServiceError(opListCustomers, reasonStoreRead, err)
	}
	customers := make([]Customer, 0, len(snapshots))
	for _, snapshot := range snapshots {
		customer, err := s.decodeCustomer(opListCustomers, snapshot)
		if err != nil {
			continue
		}
		customers = append(customers, customer)
	}
	return customers, nil
}

// GetCustomer reads one customer. The boolean is false when no such customer exists.
func (s *Service) GetCustomer(ctx context.Context, id CustomerID) (Customer, bool, error) {
	path, err := store.NewPath(CollectionCustomer, id.String())
	if err != nil {
		return Customer{}, false, fmt.Errorf("%w: %v", ErrInvalidCustomerID, err)
	}
	snapshot, err := s.store.Read(ctx, path)
	if err != nil {
		s.logError(opGetCustomer, reasonStoreRead, err, zap.String("customer_id", id.String()))
		return Customer{}, false, newServiceError(opGetCustomer, reasonStoreRead, err)
	}
	if !snapshot.Exists {
		return Customer{}, false, nil
	}
	customer, err := s.decodeCustomer(opGetCustomer, snapshot)
	if err != nil {
		return Customer{}, false, newServiceError(opGetCustomer, reasonDecode, err)
	}
	return customer, true, nil
}

// UpdateCustomer merges the supplied identity fields into the customer record.
// The running total is never touched here, and a missing customer is a store-level no-op.
func (s *Service) UpdateCustomer(ctx context.Context, id CustomerID, update CustomerUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	if update.IsEmpty() {
		return nil
	}
	path, err := store.NewPath(CollectionCustomer, id.String())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCustomerID, err)
	}
	if err := s.store.Update(ctx, path, update.fields()); err != nil {
		s.logError(opUpdateCustomer, reasonStoreWrite, err, zap.String("customer_id", id.String()))
		return newServiceError(opUpdateCustomer, reasonStoreWrite, err)
	}
	s.notify(CollectionCustomer, id.String())
	return nil
}

// DeleteCustomer removes the customer and every deposit that references it in one atomic commit,
// so a failure leaves both the customer and its deposits in place.
func (s *Service) DeleteCustomer(ctx context.Context, id CustomerID) (CustomerDeletion, error) {
	customerPath, err := store.NewPath(CollectionCustomer, id.String())
	if err != nil {
		return CustomerDeletion{}, fmt.Errorf("%w: %v", ErrInvalidCustomerID, err)
	}
	snapshots, err := s.store.List(ctx, CollectionDeposit)
	if err != nil {
		s.logError(opDeleteCustomer, reasonStoreRead, err, zap.String("customer_id", id.String()))
		return CustomerDeletion{}, newServiceError(opDeleteCustomer, reasonStoreRead, err)
	}

	deletion := CustomerDeletion{CustomerID: id.String(), DepositIDs: []string{}}
	mutations := make([]store.Mutation, 0, len(snapshots)+1)
	for _, snapshot := range snapshots {
		var record depositRecord
		if err := snapshot.Decode(&record); err != nil {
			s.logWarn(opDeleteCustomer, reasonDecode, zap.String("deposit_id", snapshot.Key()), zap.Error(err))
			continue
		}
		if record.CustomerID != id.String() {
			continue
		}
		mutations = append(mutations, store.Delete(snapshot.Path))
		deletion.DepositIDs = append(deletion.DepositIDs, snapshot.Key())
	}
	mutations = append(mutations, store.Delete(customerPath))

	if err := s.store.Commit(ctx, mutations); err != nil {
		s.logError(opDeleteCustomer, reasonStoreWrite, err,
			zap.String("customer_id", id.String()),
			zap.Int("deposit_count", len(deletion.DepositIDs)))
		return CustomerDeletion{}, newServiceError(opDeleteCustomer, reasonStoreWrite, err)
	}

	s.loggerOrDefault().Info("customer deleted",
		zap.String("customer_id", id.String()),
		zap.Int("deposit_count", len(deletion.DepositIDs)))
	s.notify(CollectionDeposit, deletion.DepositIDs...)
	s.notify(CollectionCustomer, id.String())
	return deletion, nil
}

// CreateDeposit records one line item with a server timestamp, then adds its weight to the
// customer's running total. A failed total adjustment is logged and does not undo the deposit.
func (s *Service) CreateDeposit(ctx context.Context, fields DepositFields) (DepositChange, error) {
	path, err := s.store.Push(CollectionDeposit)
	if err != nil {
		s.logError(opCreateDeposit, reasonKeyGeneration, err)
		return DepositChange{}, newServiceError(opCreateDeposit, reasonKeyGeneration, err)
	}

	s.totalsMu.RLock()
	defer s.totalsMu.RUnlock()

	record := depositRecord{
		CustomerID:   fields.CustomerID.String(),
		CustomerName: fields.CustomerName,
		WasteType:    fields.WasteType,
		Weight:       fields.Weight.Float64(),
		Timestamp:    formatTimestamp(s.clock()),
	}
	if err := s.store.Set(ctx, path, record); err != nil {
		s.logError(opCreateDeposit, reasonStoreWrite, err,
			zap.String("deposit_id", path.Key),
			zap.String("customer_id", record.CustomerID))
		return DepositChange{}, newServiceError(opCreateDeposit, reasonStoreWrite, err)
	}
	s.notify(CollectionDeposit, path.Key)

	delta := fields.Weight.Float64()
	return DepositChange{
		Found:   true,
		Deposit: depositOf(path.Key, record, delta),
		Delta:   delta,
		Total:   s.applyDelta(ctx, opCreateDeposit, record.CustomerID, delta),
	}, nil
}

// CreateDeposits records a multi-item submission for one customer. Every item is validated
// before anything is written; items are then recorded in order and the first failure stops
// the submission, returning the changes already applied.
func (s *Service) CreateDeposits(ctx context.Context, customerID CustomerID, items []LineItem) ([]DepositChange, error) {
	if len(items) == 0 {
		return nil, ErrEmptySubmission
	}
	customer, found, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return nil, newServiceError(opCreateDeposits, reasonStoreRead, serviceErr.Unwrap())
		}
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCustomer, customerID)
	}

	fieldsList := make([]DepositFields, 0, len(items))
	for index, item := range items {
		fields, err := NewDepositFields(customerID, customer.Name, item.WasteType, item.Weight)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", index, err)
		}
		fieldsList = append(fieldsList, fields)
	}

	changes := make([]DepositChange, 0, len(fieldsList))
	for _, fields := range fieldsList {
		change, err := s.CreateDeposit(ctx, fields)
		if err != nil {
			return changes, err
		}
		changes = append(changes, change)
	}
	return changes, nil
}

// ListDeposits returns every deposit. An empty store yields an empty slice.
func (s *Service) ListDeposits(ctx context.Context) ([]Deposit, error) {
	return s.listDeposits(ctx, func(depositRecord) bool { return true })
}

// ListCustomerDeposits returns the deposits that reference customerID.
func (s *Service) ListCustomerDeposits(ctx context.Context, customerID CustomerID) ([]Deposit, error) {
	return s.listDeposits(ctx, func(record depositRecord) bool {
		return record.CustomerID == customerID.String()
	})
}

func (s *Service) listDeposits(ctx context.Context, keep func(depositRecord) bool) ([]Deposit, error) {
	snapshots, err := s.store.List(ctx, CollectionDeposit)
	if err != nil {
		s.logError(opListDeposits, reasonStoreRead, err)
		return nil, newServiceError(opListDeposits, reasonStoreRead, err)
	}
	deposits := make([]Deposit, 0, len(snapshots))
	for _, snapshot := range snapshots {
		var record depositRecord
		if err := snapshot.Decode(&record); err != nil {
			s.logWarn(opListDeposits, reasonDecode, zap.String("deposit_id", snapshot.Key()), zap.Error(err))
			continue
		}
		if !keep(record) {
			continue
		}
		deposits = append(deposits, depositOf(snapshot.Key(), record, s.storedWeight(opListDeposits, snapshot.Key(), record)))
	}
	return deposits, nil
}

// UpdateDeposit merges the edit into the deposit and moves the customer's running total by
// the weight difference. A weight left unset keeps the stored weight. A missing deposit is
// reported through DepositChange.Found and is not an error.
func (s *Service) UpdateDeposit(ctx context.Context, id DepositID, update DepositUpdate) (DepositChange, error) {
	if err := update.Validate(); err != nil {
		return DepositChange{}, err
	}
	path, err := depositPath(id)
	if err != nil {
		return DepositChange{}, err
	}

	s.totalsMu.RLock()
	defer s.totalsMu.RUnlock()

	var (
		record depositRecord
		found  bool
	)
	err = s.store.Transact(ctx, func(tx *store.Txn) error {
		var readErr error
		record, found, readErr = s.readDeposit(opUpdateDeposit, tx, path)
		if readErr != nil || !found || update.IsEmpty() {
			return readErr
		}
		if err := tx.Update(path, update.fields()); err != nil {
			s.logError(opUpdateDeposit, reasonStoreWrite, err,
				zap.String("deposit_id", id.String()),
				zap.String("customer_id", record.CustomerID))
			return newServiceError(opUpdateDeposit, reasonStoreWrite, err)
		}
		return nil
	})
	if err != nil {
		return DepositChange{}, s.transactError(opUpdateDeposit, err, zap.String("deposit_id", id.String()))
	}
	if !found {
		return DepositChange{}, nil
	}
	if !update.IsEmpty() {
		s.notify(CollectionDeposit, id.String())
	}

	oldWeight := s.storedWeight(opUpdateDeposit, id.String(), record)
	newWeight := oldWeight
	if update.Weight != nil {
		newWeight = update.Weight.Float64()
	}
	if update.WasteType != nil {
		record.WasteType = *update.WasteType
	}
	if update.Timestamp != nil {
		record.Timestamp = *update.Timestamp
	}

	delta := newWeight - oldWeight
	s.loggerOrDefault().Debug("deposit updated",
		zap.String("deposit_id", id.String()),
		zap.String("customer_id", record.CustomerID),
		zap.Float64("old_weight", oldWeight),
		zap.Float64("new_weight", newWeight))
	return DepositChange{
		Found:   true,
		Deposit: depositOf(id.String(), record, newWeight),
		Delta:   delta,
		Total:   s.applyDelta(ctx, opUpdateDeposit, record.CustomerID, delta),
	}, nil
}

// DeleteDeposit removes the deposit and subtracts its weight from the customer's running total.
// A missing deposit is reported through DepositChange.Found and is not an error.
func (s *Service) DeleteDeposit(ctx context.Context, id DepositID) (DepositChange, error) {
	path, err := depositPath(id)
	if err != nil {
		return DepositChange{}, err
	}

	s.totalsMu.RLock()
	defer s.totalsMu.RUnlock()

	var (
		record depositRecord
		found  bool
	)
	err = s.store.Transact(ctx, func(tx *store.Txn) error {
		var readErr error
		record, found, readErr = s.readDeposit(opDeleteDeposit, tx, path)
		if readErr != nil || !found {
			return readErr
		}
		if err := tx.Remove(path); err != nil {
			s.logError(opDeleteDeposit, reasonStoreWrite, err,
				zap.String("deposit_id", id.String()),
				zap.String("customer_id", record.CustomerID))
			return newServiceError(opDeleteDeposit, reasonStoreWrite, err)
		}
		return nil
	})
	if err != nil {
		return DepositChange{}, s.transactError(opDeleteDeposit, err, zap.String("deposit_id", id.String()))
	}
	if !found {
		return DepositChange{}, nil
	}
	s.notify(CollectionDeposit, id.String())

	weight := s.storedWeight(opDeleteDeposit, id.String(), record)
	return DepositChange{
		Found:   true,
		Deposit: depositOf(id.String(), record, weight),
		Delta:   -weight,
		Total:   s.applyDelta(ctx, opDeleteDeposit, record.CustomerID, -weight),
	}, nil
}

// ReconcileCustomerTotal recomputes the running total from the live deposits and stores it.
// Deposit writes wait until the reconciliation has committed.
func (s *Service) ReconcileCustomerTotal(ctx context.Context, id CustomerID) (Reconciliation, error) {
	path, err := store.NewPath(CollectionCustomer, id.String())
	if err != nil {
		return Reconciliation{}, fmt.Errorf("%w: %v", ErrInvalidCustomerID, err)
	}

	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()

	var result Reconciliation
	err = s.store.Transact(ctx, func(tx *store.Txn) error {
		snapshot, err := tx.Read(path)
		if err != nil {
			return newServiceError(opReconcileCustomerTotal, reasonStoreRead, err)
		}
		if !snapshot.Exists {
			return nil
		}
		customer, err := s.decodeCustomer(opReconcileCustomerTotal, snapshot)
		if err != nil {
			return newServiceError(opReconcileCustomerTotal, reasonDecode, err)
		}
		sums, err := s.depositSums(opReconcileCustomerTotal, tx)
		if err != nil {
			return err
		}
		result, err = s.storeReconciledTotal(opReconcileCustomerTotal, tx, customer, sums[customer.ID])
		return err
	})
	if err != nil {
		return Reconciliation{}, s.transactError(opReconcileCustomerTotal, err, zap.String("customer_id", id.String()))
	}
	if !result.Found {
		s.logWarn(opReconcileCustomerTotal, "customer_not_found", zap.String("customer_id", id.String()))
		return Reconciliation{CustomerID: id.String()}, nil
	}
	s.reportRepairs(result)
	return result, nil
}

// ReconcileAll recomputes the running total of every customer in one transaction, so every
// stored total matches the deposits as they stood at a single point in time.
func (s *Service) ReconcileAll(ctx context.Context) ([]Reconciliation, error) {
	s.totalsMu.Lock()
	defer s.totalsMu.Unlock()

	var results []Reconciliation
	err := s.store.Transact(ctx, func(tx *store.Txn) error {
		snapshots, err := tx.List(CollectionCustomer)
		if err != nil {
			return newServiceError(opReconcileAll, reasonStoreRead, err)
		}
		sums, err := s.depositSums(opReconcileAll, tx)
		if err != nil {
			return err
		}
		results = make([]Reconciliation, 0, len(snapshots))
		for _, snapshot := range snapshots {
			customer, err := s.decodeCustomer(opReconcileAll, snapshot)
			if err != nil {
				continue
			}
			result, err := s.storeReconciledTotal(opReconcileAll, tx, customer, sums[customer.ID])
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, s.transactError(opReconcileAll, err)
	}
	s.reportRepairs(results...)
	return results, nil
}

// depositSums totals the live deposit weights per customer.
func (s *Service) depositSums(operation string, tx *store.Txn) (map[string]float64, error) {
	snapshots, err := tx.List(CollectionDeposit)
	if err != nil {
		return nil, newServiceError(operation, reasonStoreRead, err)
	}
	sums := make(map[string]float64)
	for _, snapshot := range snapshots {
		var record depositRecord
		if err := snapshot.Decode(&record); err != nil {
			s.logWarn(operation, reasonDecode, zap.String("deposit_id", snapshot.Key()), zap.Error(err))
			continue
		}
		sums[record.CustomerID] += s.storedWeight(operation, snapshot.Key(), record)
	}
	return sums, nil
}

func (s *Service) storeReconciledTotal(operation string, tx *store.Txn, customer Customer, recomputed float64) (Reconciliation, error) {
	result := Reconciliation{
		Found:      true,
		CustomerID: customer.ID,
		Previous:   customer.TotalDeposited,
		Recomputed: recomputed,
	}
	if !result.Drifted() {
		return result, nil
	}
	path, err := store.NewPath(CollectionCustomer, customer.ID)
	if err != nil {
		return Reconciliation{}, fmt.Errorf("%w: %v", ErrInvalidCustomerID, err)
	}
	if err := tx.Update(path, map[string]any{"totalDeposited": recomputed}); err != nil {
		s.logError(operation, reasonStoreWrite, err, zap.String("customer_id", customer.ID))
		return Reconciliation{}, newServiceError(operation, reasonStoreWrite, err)
	}
	return result, nil
}

// reportRepairs logs and announces the totals a committed reconciliation rewrote.
func (s *Service) reportRepairs(results ...Reconciliation) {
	for _, result := range results {
		if !result.Drifted() {
			continue
		}
		s.loggerOrDefault().Warn("customer total drift repaired",
			zap.String("customer_id", result.CustomerID),
			zap.Float64("previous", result.Previous),
			zap.Float64("recomputed", result.Recomputed))
		s.notify(CollectionCustomer, result.CustomerID)
	}
}

// applyDelta runs the total adjustment for a deposit write. Failures are logged, never returned.
func (s *Service) applyDelta(ctx context.Context, operation, customerID string, delta float64) TotalAdjustment {
	adjustment, err := s.adjustCustomerTotal(ctx, customerID, delta)
	if err != nil {
		s.logError(operation, "total_adjustment_failed", err,
			zap.String("customer_id", customerID),
			zap.Float64("delta", delta))
		return TotalAdjustment{}
	}
	return adjustment
}

// adjustCustomerTotal adds delta to the stored running total, clamping the result at zero.
// The read and the write share one locked transaction, so concurrent deltas all land.
func (s *Service) adjustCustomerTotal(ctx context.Context, customerID string, delta float64) (TotalAdjustment, error) {
	path, err := store.NewPath(CollectionCustomer, customerID)
	if err != nil {
		s.logWarn(opAdjustCustomerTotal, "invalid_customer_id", zap.String("customer_id", customerID))
		return TotalAdjustment{}, nil
	}

	var adjustment TotalAdjustment
	err = s.store.Transact(ctx, func(tx *store.Txn) error {
		snapshot, err := tx.Read(path)
		if err != nil {
			return newServiceError(opAdjustCustomerTotal, reasonStoreRead, err)
		}
		if !snapshot.Exists {
			return nil
		}
		var record customerRecord
		if err := snapshot.Decode(&record); err != nil {
			return newServiceError(opAdjustCustomerTotal, reasonDecode, err)
		}
		previous, _ := coerceNumber(record.TotalDeposited)
		current := math.Max(previous+delta, 0)
		if err := tx.Update(path, map[string]any{"totalDeposited": current}); err != nil {
			return newServiceError(opAdjustCustomerTotal, reasonStoreWrite, err)
		}
		adjustment = TotalAdjustment{Found: true, Previous: previous, Current: current}
		return nil
	})
	if err != nil {
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return TotalAdjustment{}, err
		}
		return TotalAdjustment{}, newServiceError(opAdjustCustomerTotal, reasonStoreWrite, err)
	}
	if !adjustment.Found {
		s.logWarn(opAdjustCustomerTotal, "customer_not_found",
			zap.String("customer_id", customerID),
			zap.Float64("delta", delta))
		return TotalAdjustment{}, nil
	}
	s.notify(CollectionCustomer, customerID)
	return adjustment, nil
}

// transactError passes through errors raised inside a transaction callback and wraps a failed
// commit as a store write failure.
func (s *Service) transactError(operation string, err error, fields ...zap.Field) error {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) || errors.Is(err, ErrInvalidCustomerID) {
		return err
	}
	s.logError(operation, reasonStoreWrite, err, fields...)
	return newServiceError(operation, reasonStoreWrite, err)
}

func depositPath(id DepositID) (store.Path, error) {
	path, err := store.NewPath(CollectionDeposit, id.String())
	if err != nil {
		return store.Path{}, fmt.Errorf("%w: %v", ErrInvalidDepositID, err)
	}
	return path, nil
}

func (s *Service) readDeposit(operation string, tx *store.Txn, path store.Path) (depositRecord, bool, error) {
	snapshot, err := tx.Read(path)
	if err != nil {
		s.logError(operation, reasonStoreRead, err, zap.String("deposit_id", path.Key))
		return depositRecord{}, false, newServiceError(operation, reasonStoreRead, err)
	}
	if !snapshot.Exists {
		s.logWarn(operation, "deposit_not_found", zap.String("deposit_id", path.Key))
		return depositRecord{}, false, nil
	}
	var record depositRecord
	if err := snapshot.Decode(&record); err != nil {
		s.logError(operation, reasonDecode, err, zap.String("deposit_id", path.Key))
		return depositRecord{}, false, newServiceError(operation, reasonDecode, err)
	}
	return record, true, nil
}

func (s *Service) decodeCustomer(operation string, snapshot store.Snapshot) (Customer, error) {
	var record customerRecord
	if err := snapshot.Decode(&record); err != nil {
		s.logWarn(operation, reasonDecode, zap.String("customer_id", snapshot.Key()), zap.Error(err))
		return Customer{}, err
	}
	total, ok := coerceNumber(record.TotalDeposited)
	if !ok && record.TotalDeposited != nil {
		s.logWarn(operation, "invalid_total", zap.String("customer_id", snapshot.Key()))
	}
	return Customer{
		ID:             snapshot.Key(),
		Name:           record.Name,
		Phone:          record.Phone,
		Address:        record.Address,
		TotalDeposited: total,
	}, nil
}

// storedWeight coerces a persisted weight, treating absent or non-numeric values as zero.
func (s *Service) storedWeight(operation, depositID string, record depositRecord) float64 {
	weight, ok := coerceNumber(record.Weight)
	if !ok {
		s.logWarn(operation, "invalid_weight", zap.String("deposit_id", depositID), zap.Any("weight", record.Weight))
		return 0
	}
	return weight
}

func depositOf(id string, record depositRecord, weight float64) Deposit {
	return Deposit{
		ID:           id,
		CustomerID:   record.CustomerID,
		CustomerName: record.CustomerName,
		WasteType:    record.WasteType,
		Weight:       weight,
		Timestamp:    record.Timestamp,
	}
}

func (s *Service) notify(collection string, ids ...string) {
	if s.notifier == nil || len(ids) == 0 {
		return
	}
	s.notifier.NotifyChange(collection, ids)
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("bank service error", attrs...)
}

func (s *Service) logWarn(operation, reason string, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Warn("bank service warning", attrs...)
}
