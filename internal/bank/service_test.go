package bank

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MarcoPoloResearchLab/sibisa/backend/internal/store"
)

type faultyStore struct {
	*store.DocumentStore
	failSet      bool
	failUpdate   bool
	failCommit   bool
	failList     bool
	failTransact bool
}

func (f *faultyStore) Set(ctx context.Context, path store.Path, value any) error {
	if f.failSet {
		return fmt.Errorf("%w: injected", store.ErrWrite)
	}
	return f.DocumentStore.Set(ctx, path, value)
}

func (f *faultyStore) Update(ctx context.Context, path store.Path, fields map[string]any) error {
	if f.failUpdate {
		return fmt.Errorf("%w: injected", store.ErrWrite)
	}
	return f.DocumentStore.Update(ctx, path, fields)
}

func (f *faultyStore) Commit(ctx context.Context, mutations []store.Mutation) error {
	if f.failCommit {
		return fmt.Errorf("%w: injected", store.ErrWrite)
	}
	return f.DocumentStore.Commit(ctx, mutations)
}

func (f *faultyStore) List(ctx context.Context, collection string) ([]store.Snapshot, error) {
	if f.failList {
		return nil, fmt.Errorf("%w: injected", store.ErrRead)
	}
	return f.DocumentStore.List(ctx, collection)
}

func (f *faultyStore) Transact(ctx context.Context, fn func(tx *store.Txn) error) error {
	if f.failTransact {
		return fmt.Errorf("%w: injected", store.ErrWrite)
	}
	return f.DocumentStore.Transact(ctx, fn)
}

func newFaultyService(t *testing.T) (*Service, *faultyStore) {
	t.Helper()
	faulty := &faultyStore{DocumentStore: newTestDocumentStore(t)}
	service, err := NewService(ServiceConfig{Store: faulty, Clock: steppingClock()})
	if err != nil {
		t.Fatalf("failed to construct bank service: %v", err)
	}
	return service, faulty
}

func assertServiceErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %v", err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %s, got %s", code, serviceErr.Code())
	}
}

func TestNewServiceRequiresStore(t *testing.T) {
	_, err := NewService(ServiceConfig{})
	assertServiceErrorCode(t, err, "bank.service.new.missing_store")
}

func TestRunningTotalFollowsDepositLifecycle(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	customer := mustCreateCustomer(t, service, "Budi")
	if total := mustCustomerTotal(t, service, customer.ID); total != 0 {
		t.Fatalf("expected initial total 0, got %v", total)
	}

	plastic := mustCreateDeposit(t, service, customer, "Plastik", 2.5)
	if total := mustCustomerTotal(t, service, customer.ID); total != 2.5 {
		t.Fatalf("expected total 2.5, got %v", total)
	}
	paper := mustCreateDeposit(t, service, customer, "Kertas", 1.5)
	if total := mustCustomerTotal(t, service, customer.ID); total != 4.0 {
		t.Fatalf("expected total 4.0, got %v", total)
	}

	updated, err := service.UpdateDeposit(ctx, DepositID(plastic.Deposit.ID), DepositUpdate{Weight: weightPointer(t, 3.0)})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !updated.Found || updated.Delta != 0.5 {
		t.Fatalf("unexpected update outcome %#v", updated)
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 4.5 {
		t.Fatalf("expected total 4.5, got %v", total)
	}

	deleted, err := service.DeleteDeposit(ctx, DepositID(paper.Deposit.ID))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if !deleted.Found || deleted.Delta != -1.5 || deleted.Total.Current != 3.0 {
		t.Fatalf("unexpected delete outcome %#v", deleted)
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 3.0 {
		t.Fatalf("expected total 3.0, got %v", total)
	}

	deletion, err := service.DeleteCustomer(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("delete customer failed: %v", err)
	}
	if len(deletion.DepositIDs) != 1 || deletion.DepositIDs[0] != plastic.Deposit.ID {
		t.Fatalf("unexpected cascade %#v", deletion)
	}

	deposits, err := service.ListDeposits(ctx)
	if err != nil {
		t.Fatalf("list deposits failed: %v", err)
	}
	for _, deposit := range deposits {
		if deposit.CustomerID == customer.ID {
			t.Fatalf("deposit %s still references deleted customer", deposit.ID)
		}
	}
	_, found, err := service.GetCustomer(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("get customer failed: %v", err)
	}
	if found {
		t.Fatalf("expected customer to be deleted")
	}
}

func TestIncrementalTotalMatchesRecomputation(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Ani")

	weights := []float64{0.25, 1.75, 3, 0, 12.5, 0.5}
	expected := 0.0
	for _, weight := range weights {
		mustCreateDeposit(t, service, customer, "Organik", weight)
		expected += weight
	}

	if total := mustCustomerTotal(t, service, customer.ID); total != expected {
		t.Fatalf("expected total %v, got %v", expected, total)
	}
	reconciliation, err := service.ReconcileCustomerTotal(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if reconciliation.Drifted() {
		t.Fatalf("incremental total drifted from recomputation: %#v", reconciliation)
	}
}

func TestDeleteThenRecreateRestoresTotal(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Sari")
	mustCreateDeposit(t, service, customer, "Logam", 4)
	glass := mustCreateDeposit(t, service, customer, "Kaca", 1.25)
	before := mustCustomerTotal(t, service, customer.ID)

	if _, err := service.DeleteDeposit(ctx, DepositID(glass.Deposit.ID)); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	mustCreateDeposit(t, service, customer, "Kaca", 1.25)

	if after := mustCustomerTotal(t, service, customer.ID); after != before {
		t.Fatalf("expected total %v after recreate, got %v", before, after)
	}
}

func TestAdjustCustomerTotalClampsAtZero(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Joko")

	deltas := []float64{1, -3, 2, -0.5, -10}
	for _, delta := range deltas {
		adjustment, err := service.adjustCustomerTotal(ctx, customer.ID, delta)
		if err != nil {
			t.Fatalf("adjust failed: %v", err)
		}
		if adjustment.Current < 0 {
			t.Fatalf("total went negative: %v", adjustment.Current)
		}
		if total := mustCustomerTotal(t, service, customer.ID); total < 0 {
			t.Fatalf("stored total went negative: %v", total)
		}
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 0 {
		t.Fatalf("expected clamped total 0, got %v", total)
	}
}

func TestAdjustCustomerTotalMissingCustomerIsNoOp(t *testing.T) {
	service, documentStore, _ := newTestService(t)
	ctx := context.Background()

	adjustment, err := service.adjustCustomerTotal(ctx, "ghost", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if adjustment.Found {
		t.Fatalf("expected missing customer to be reported")
	}
	customers, err := documentStore.List(ctx, CollectionCustomer)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(customers) != 0 {
		t.Fatalf("adjustment must not create a customer record")
	}
}

func TestUpdateAndDeleteMissingDepositReportNotFound(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	updated, err := service.UpdateDeposit(ctx, DepositID("missing"), DepositUpdate{Weight: weightPointer(t, 1)})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Found {
		t.Fatalf("expected update of missing deposit to report not found")
	}

	deleted, err := service.DeleteDeposit(ctx, DepositID("missing"))
	if err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if deleted.Found {
		t.Fatalf("expected delete of missing deposit to report not found")
	}
}

func TestUpdateDepositWithoutWeightKeepsTotal(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Rina")
	deposit := mustCreateDeposit(t, service, customer, "Plastik", 2)

	updated, err := service.UpdateDeposit(ctx, DepositID(deposit.Deposit.ID), DepositUpdate{WasteType: stringPointer(" Kardus ")})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Delta != 0 || updated.Deposit.WasteType != "Kardus" || updated.Deposit.Weight != 2 {
		t.Fatalf("unexpected update outcome %#v", updated)
	}
	if updated.Deposit.Timestamp != deposit.Deposit.Timestamp {
		t.Fatalf("timestamp must not change unless supplied")
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 2 {
		t.Fatalf("expected total 2, got %v", total)
	}

	_, err = service.UpdateDeposit(ctx, DepositID(deposit.Deposit.ID), DepositUpdate{WasteType: stringPointer("  ")})
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected blank waste type to be rejected, got %v", err)
	}
}

func TestUpdateDepositToZeroWeight(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Wati")
	deposit := mustCreateDeposit(t, service, customer, "Besi", 2)

	if _, err := service.UpdateDeposit(ctx, DepositID(deposit.Deposit.ID), DepositUpdate{Weight: weightPointer(t, 0)}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 0 {
		t.Fatalf("expected explicit zero weight to apply, got total %v", total)
	}
}

func TestCreateDepositsRecordsEveryItem(t *testing.T) {
	service, _, notifier := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Budi")

	changes, err := service.CreateDeposits(ctx, CustomerID(customer.ID), []LineItem{
		{WasteType: "Plastik", Weight: mustWeight(t, 2.5)},
		{WasteType: "Kertas", Weight: mustWeight(t, 1.5)},
	})
	if err != nil {
		t.Fatalf("create deposits failed: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 changes, got %d", len(changes))
	}
	for _, change := range changes {
		if change.Deposit.CustomerName != "Budi" {
			t.Fatalf("expected customer name to be denormalized, got %q", change.Deposit.CustomerName)
		}
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 4 {
		t.Fatalf("expected total 4, got %v", total)
	}

	deposits, err := service.ListCustomerDeposits(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(deposits) != 2 {
		t.Fatalf("expected 2 deposits, got %d", len(deposits))
	}
	if len(notifier.idsFor(CollectionDeposit)) != 2 {
		t.Fatalf("expected deposit notifications, got %v", notifier.idsFor(CollectionDeposit))
	}
}

func TestCreateDepositsValidatesBeforeWriting(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Budi")

	_, err := service.CreateDeposits(ctx, CustomerID(customer.ID), []LineItem{
		{WasteType: "Plastik", Weight: mustWeight(t, 2.5)},
		{WasteType: "", Weight: mustWeight(t, 1)},
	})
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected invalid field error, got %v", err)
	}
	deposits, err := service.ListDeposits(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(deposits) != 0 {
		t.Fatalf("expected no deposits after rejected submission, got %d", len(deposits))
	}

	if _, err := service.CreateDeposits(ctx, CustomerID("ghost"), []LineItem{{WasteType: "Kaca", Weight: 1}}); !errors.Is(err, ErrUnknownCustomer) {
		t.Fatalf("expected unknown customer error, got %v", err)
	}
	if _, err := service.CreateDeposits(ctx, CustomerID(customer.ID), nil); !errors.Is(err, ErrEmptySubmission) {
		t.Fatalf("expected empty submission error, got %v", err)
	}
}

func TestStoredMalformedWeightCountsAsZero(t *testing.T) {
	service, documentStore, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Dewi")
	mustCreateDeposit(t, service, customer, "Plastik", 2)

	path, err := store.NewPath(CollectionDeposit, "legacy-1")
	if err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
	if err := documentStore.Set(ctx, path, map[string]any{
		"customerId":   customer.ID,
		"customerName": customer.Name,
		"wasteType":    "Kertas",
		"weight":       "abc",
		"timestamp":    "2024-01-01T00:00:00.000Z",
	}); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	deposits, err := service.ListCustomerDeposits(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	groups := GroupByCustomer(deposits)
	if len(groups) != 1 || groups[0].TotalWeight != 2 || groups[0].ItemCount != 2 {
		t.Fatalf("unexpected groups %#v", groups)
	}

	deleted, err := service.DeleteDeposit(ctx, DepositID("legacy-1"))
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if deleted.Delta != 0 {
		t.Fatalf("expected zero delta for malformed weight, got %v", deleted.Delta)
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 2 {
		t.Fatalf("expected total 2, got %v", total)
	}
}

func TestReconcileRepairsDrift(t *testing.T) {
	service, documentStore, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Eko")
	other := mustCreateCustomer(t, service, "Fajar")
	mustCreateDeposit(t, service, customer, "Plastik", 2.5)
	mustCreateDeposit(t, service, customer, "Kertas", 1.5)
	mustCreateDeposit(t, service, other, "Kaca", 1)

	path, err := store.NewPath(CollectionCustomer, customer.ID)
	if err != nil {
		t.Fatalf("unexpected path error: %v", err)
	}
	if err := documentStore.Update(ctx, path, map[string]any{"totalDeposited": 99}); err != nil {
		t.Fatalf("seed drift failed: %v", err)
	}

	results, err := service.ReconcileAll(ctx)
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 reconciliations, got %d", len(results))
	}
	drifted := 0
	for _, result := range results {
		if result.Drifted() {
			drifted++
			if result.CustomerID != customer.ID || result.Previous != 99 || result.Recomputed != 4 {
				t.Fatalf("unexpected reconciliation %#v", result)
			}
		}
	}
	if drifted != 1 {
		t.Fatalf("expected one drifted customer, got %d", drifted)
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 4 {
		t.Fatalf("expected repaired total 4, got %v", total)
	}

	missing, err := service.ReconcileCustomerTotal(ctx, CustomerID("ghost"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing.Found {
		t.Fatalf("expected missing customer to be reported")
	}
}

func TestUpdateCustomerMergesIdentityOnly(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Budi")
	mustCreateDeposit(t, service, customer, "Plastik", 2)

	if err := service.UpdateCustomer(ctx, CustomerID(customer.ID), CustomerUpdate{Phone: stringPointer("0899")}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	stored, _, err := service.GetCustomer(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Phone != "0899" || stored.Name != "Budi" || stored.Address != "Jl. A" || stored.TotalDeposited != 2 {
		t.Fatalf("unexpected customer after update %#v", stored)
	}

	if err := service.UpdateCustomer(ctx, CustomerID(customer.ID), CustomerUpdate{Name: stringPointer("")}); !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected blank name to be rejected, got %v", err)
	}
	if err := service.UpdateCustomer(ctx, CustomerID("ghost"), CustomerUpdate{Name: stringPointer("Nobody")}); err != nil {
		t.Fatalf("update of missing customer should be a no-op, got %v", err)
	}
	customers, err := service.ListCustomers(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(customers) != 1 {
		t.Fatalf("expected update of missing customer not to create one, got %d", len(customers))
	}
}

func TestListsAreEmptyNotNil(t *testing.T) {
	service, _, _ := newTestService(t)
	ctx := context.Background()

	customers, err := service.ListCustomers(ctx)
	if err != nil {
		t.Fatalf("list customers failed: %v", err)
	}
	if customers == nil || len(customers) != 0 {
		t.Fatalf("expected empty customer slice, got %#v", customers)
	}
	deposits, err := service.ListDeposits(ctx)
	if err != nil {
		t.Fatalf("list deposits failed: %v", err)
	}
	if deposits == nil || len(deposits) != 0 {
		t.Fatalf("expected empty deposit slice, got %#v", deposits)
	}
}

func TestDeleteCustomerFailureLeavesRecordsInPlace(t *testing.T) {
	service, faulty := newFaultyService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Budi")
	mustCreateDeposit(t, service, customer, "Plastik", 2.5)
	mustCreateDeposit(t, service, customer, "Kertas", 1.5)

	faulty.failCommit = true
	_, err := service.DeleteCustomer(ctx, CustomerID(customer.ID))
	assertServiceErrorCode(t, err, "bank.delete_customer.store_write_failed")
	if !errors.Is(err, store.ErrWrite) {
		t.Fatalf("expected store write error to be wrapped, got %v", err)
	}

	deposits, err := service.ListCustomerDeposits(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(deposits) != 2 {
		t.Fatalf("expected deposits to survive failed cascade, got %d", len(deposits))
	}
	if _, found, _ := service.GetCustomer(ctx, CustomerID(customer.ID)); !found {
		t.Fatalf("expected customer to survive failed cascade")
	}

	faulty.failCommit = false
	if _, err := service.DeleteCustomer(ctx, CustomerID(customer.ID)); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	remaining, err := service.ListDeposits(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected retry to complete the cascade, got %d deposits", len(remaining))
	}
}

func TestCreateDepositSurvivesTotalAdjustmentFailure(t *testing.T) {
	service, faulty := newFaultyService(t)
	ctx := context.Background()
	customer := mustCreateCustomer(t, service, "Budi")

	faulty.failTransact = true
	change := mustCreateDeposit(t, service, customer, "Plastik", 2.5)
	if change.Total.Found {
		t.Fatalf("expected total adjustment to be reported as not applied")
	}
	faulty.failTransact = false

	deposits, err := service.ListDeposits(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(deposits) != 1 {
		t.Fatalf("expected deposit to persist despite total failure")
	}
	if total := mustCustomerTotal(t, service, customer.ID); total != 0 {
		t.Fatalf("expected stale total 0, got %v", total)
	}

	reconciliation, err := service.ReconcileCustomerTotal(ctx, CustomerID(customer.ID))
	if err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if !reconciliation.Drifted() || reconciliation.Recomputed != 2.5 {
		t.Fatalf("expected reconciliation to repair stale total, got %#v", reconciliation)
	}
}

func TestStoreFailuresSurfaceAsServiceErrors(t *testing.T) {
	service, faulty := newFaultyService(t)
	ctx := context.Background()

	faulty.failSet = true
	_, err := service.CreateCustomer(ctx, mustCustomerFields(t, "Budi", "08123", "Jl. A"))
	assertServiceErrorCode(t, err, "bank.create_customer.store_write_failed")
	faulty.failSet = false

	faulty.failList = true
	_, err = service.ListDeposits(ctx)
	assertServiceErrorCode(t, err, "bank.list_deposits.store_read_failed")
	_, err = service.ListCustomers(ctx)
	assertServiceErrorCode(t, err, "bank.list_customers.store_read_failed")
	if !errors.Is(err, store.ErrRead) {
		t.Fatalf("expected store read error to be wrapped, got %v", err)
	}
	faulty.failList = false

	customer := mustCreateCustomer(t, service, "Budi")
	faulty.failUpdate = true
	err = service.UpdateCustomer(ctx, CustomerID(customer.ID), CustomerUpdate{Phone: stringPointer("0899")})
	assertServiceErrorCode(t, err, "bank.update_customer.store_write_failed")
	faulty.failUpdate = false

	deposit := mustCreateDeposit(t, service, customer, "Plastik", 1)
	faulty.failTransact = true
	_, err = service.UpdateDeposit(ctx, DepositID(deposit.Deposit.ID), DepositUpdate{Weight: weightPointer(t, 2)})
	assertServiceErrorCode(t, err, "bank.update_deposit.store_write_failed")
	_, err = service.DeleteDeposit(ctx, DepositID(deposit.Deposit.ID))
	assertServiceErrorCode(t, err, "bank.delete_deposit.store_write_failed")
	_, err = service.ReconcileAll(ctx)
	assertServiceErrorCode(t, err, "bank.reconcile_all.store_write_failed")
	_, err = service.ReconcileCustomerTotal(ctx, CustomerID(customer.ID))
	assertServiceErrorCode(t, err, "bank.reconcile_customer_total.store_write_failed")
	faulty.failTransact = false

	if total := mustCustomerTotal(t, service, customer.ID); total != 1 {
		t.Fatalf("expected failed writes to leave total 1, got %v", total)
	}
}
