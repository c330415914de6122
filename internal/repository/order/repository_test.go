package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"marketplace-checkout/internal/db/dbtest"
	"marketplace-checkout/internal/domain"
	"marketplace-checkout/internal/outbox"
)

func newOrder(number string, created time.Time) domain.Order {
	return domain.Order{
		ID:     uuid.NewString(),
		Number: number,
		Lines: []domain.LineItem{
			{ProductID: "p1", Title: "Mug", UnitPriceCents: 50, Quantity: 2, SubtotalCents: 100},
			{ProductID: "p2", Title: "Tea", UnitPriceCents: 100, Quantity: 1, SubtotalCents: 100},
		},
		TotalCents:      200,
		Currency:        "USD",
		Status:          domain.StatusAwaitingPayment,
		PaymentStatus:   domain.PaymentUnpaid,
		ShippingAddress: domain.Address{Country: "NP", City: "Kathmandu", StreetName: "Thamel 1"},
		Buyer:           domain.BuyerRef{GuestName: "Sita", GuestEmail: "sita@example.com"},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func testContract(t *testing.T, repo Repository) {
	ctx := context.Background()
	base := time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC)

	o := newOrder("ORD-20261019-AAAAAAAA", base)
	if err := repo.Create(ctx, o); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := newOrder(o.Number, base)
	if err := repo.Create(ctx, dup); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists on number collision, got %v", err)
	}

	got, err := repo.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Number != o.Number || got.Version != 0 || len(got.Lines) != 2 || got.Lines[0].ProductID != "p1" {
		t.Fatalf("unexpected order %+v", got)
	}
	if got.ShippingAddress.City != "Kathmandu" || got.Buyer.GuestEmail != "sita@example.com" {
		t.Fatalf("unexpected address or buyer %+v %+v", got.ShippingAddress, got.Buyer)
	}

	byNumber, err := repo.GetByNumber(ctx, o.Number)
	if err != nil || byNumber.ID != o.ID {
		t.Fatalf("GetByNumber: %v %+v", err, byNumber)
	}

	if _, err := repo.GetByID(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	next := got.Clone()
	next.Status = domain.StatusProcessing
	next.PaymentStatus = domain.PaymentPaid
	next.CapturedCents = 200
	next.Version = 1
	next.UpdatedAt = base.Add(time.Minute)
	audit := domain.AuditEntry{
		OrderID: o.ID, Version: 1, Event: "payment_captured", Actor: "system",
		OldStatus: domain.StatusAwaitingPayment, NewStatus: domain.StatusProcessing,
		OldPaymentStatus: domain.PaymentUnpaid, NewPaymentStatus: domain.PaymentPaid,
		At: next.UpdatedAt,
	}
	if err := repo.Update(ctx, next, 0, audit); err != nil {
		t.Fatalf("Update: %v", err)
	}

	stale := next.Clone()
	stale.Status = domain.StatusCancelled
	stale.Version = 1
	if err := repo.Update(ctx, stale, 0, audit); !errors.Is(err, domain.ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion, got %v", err)
	}

	got, err = repo.GetByID(ctx, o.ID)
	if err != nil {
		t.Fatalf("GetByID after update: %v", err)
	}
	if got.Status != domain.StatusProcessing || got.Version != 1 || got.CapturedCents != 200 {
		t.Fatalf("unexpected order after update %+v", got)
	}

	entries, err := repo.Audit(ctx, o.ID)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Version != 1 || entries[0].Event != "payment_captured" {
		t.Fatalf("unexpected audit %+v", entries)
	}

	second := newOrder("ORD-20261019-BBBBBBBB", base.Add(time.Hour))
	second.ReviewReason = domain.ReviewOvercapture
	if err := repo.Create(ctx, second); err != nil {
		t.Fatalf("Create second: %v", err)
	}

	list, total, err := repo.List(ctx, domain.OrderFilter{}, domain.Page{Number: 1, Size: 1})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if total != 2 || len(list) != 1 || list[0].ID != second.ID {
		t.Fatalf("expected newest order first, total=%d list=%+v", total, list)
	}

	list, total, err = repo.List(ctx, domain.OrderFilter{Status: domain.StatusProcessing}, domain.Page{})
	if err != nil || total != 1 || list[0].ID != o.ID {
		t.Fatalf("status filter: err=%v total=%d", err, total)
	}

	list, total, err = repo.List(ctx, domain.OrderFilter{ReviewOnly: true}, domain.Page{})
	if err != nil || total != 1 || list[0].ID != second.ID {
		t.Fatalf("review filter: err=%v total=%d", err, total)
	}

	_, total, err = repo.List(ctx, domain.OrderFilter{Query: "bbbb"}, domain.Page{})
	if err != nil || total != 1 {
		t.Fatalf("query filter: err=%v total=%d", err, total)
	}
}

func TestMemory_Contract(t *testing.T) {
	events := outbox.NewMemory()
	testContract(t, NewMemory(events))

	got := events.Events()
	if len(got) != 3 {
		t.Fatalf("expected 3 outbox events, got %d", len(got))
	}
	if got[0].Type != outbox.TypeOrderCreated || got[1].Type != outbox.TypeOrderStatusChanged {
		t.Fatalf("unexpected event types %s %s", got[0].Type, got[1].Type)
	}
}

func TestPostgres_Contract(t *testing.T) {
	pool := dbtest.Pool(t)
	testContract(t, NewPostgres(pool, nil))

	var pending int
	if err := pool.QueryRow(context.Background(), `SELECT count(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if pending != 3 {
		t.Fatalf("expected 3 pending outbox rows, got %d", pending)
	}
}

func TestPostgres_GetByIDMalformed(t *testing.T) {
	repo := NewPostgres(nil, nil)
	if _, err := repo.GetByID(context.Background(), "not-a-uuid"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
