//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"course-payments/internal/domain"
	"course-payments/internal/domain/model"
	"course-payments/internal/domain/ports/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func newIntent(t *testing.T, orderID string) *model.PaymentIntent {
	t.Helper()
	p, err := model.NewPaymentIntent(nil, decimal.RequireFromString("297.00"), "USD", orderID,
		model.BuyerInfo{Name: "Buyer", Email: "buyer@example.com"}, map[string]any{"order_id": orderID})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestPaymentRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}
	ctx := context.Background()
	repo := NewPaymentRepo(testPool)
	userRepo := NewPostgresUserRepo(testPool)
	txm := NewTxManager(testPool)

	t.Run("should create and find an intent", func(t *testing.T) {
		cleanup(t)
		p := newIntent(t, "ORD-"+uuid.NewString())
		if err := repo.Create(ctx, nil, p); err != nil {
			t.Fatalf("Create: %v", err)
		}

		byID, err := repo.FindByID(ctx, nil, p.ID)
		if err != nil {
			t.Fatalf("FindByID: %v", err)
		}
		if !byID.Amount.Equal(p.Amount) || byID.Status != model.PaymentStatusPending || byID.Version != 1 {
			t.Fatalf("unexpected row: %+v", byID)
		}
		if b, ok := byID.Buyer(); !ok || b.Email != "buyer@example.com" {
			t.Errorf("buyer metadata not round-tripped: %v", byID.ProviderMetadata)
		}

		byOrder, err := repo.FindByOrderID(ctx, nil, p.ProviderOrderID)
		if err != nil || byOrder.ID != p.ID {
			t.Fatalf("FindByOrderID: %v %+v", err, byOrder)
		}
	})

	t.Run("duplicate order id is rejected", func(t *testing.T) {
		cleanup(t)
		p := newIntent(t, "ORD-dup")
		if err := repo.Create(ctx, nil, p); err != nil {
			t.Fatal(err)
		}
		if err := repo.Create(ctx, nil, newIntent(t, "ORD-dup")); !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("missing intent", func(t *testing.T) {
		cleanup(t)
		if _, err := repo.FindByOrderID(ctx, nil, "nope"); !errors.Is(err, domain.ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
	})

	t.Run("update is version checked", func(t *testing.T) {
		cleanup(t)
		p := newIntent(t, "ORD-ver")
		if err := repo.Create(ctx, nil, p); err != nil {
			t.Fatal(err)
		}
		u, _ := model.NewUser("", "owner@example.com", "Owner", "", "hash")
		if err := userRepo.Create(ctx, nil, u); err != nil {
			t.Fatal(err)
		}

		stale, _ := repo.FindByID(ctx, nil, p.ID)

		p.Transition(model.PaymentStatusSucceeded, time.Now().UTC())
		_ = p.BindOwner(u.ID)
		p.MergeMetadata("webhook", map[string]any{"status": "1"}, time.Now())
		if err := repo.Update(ctx, nil, p, p.Version); err != nil {
			t.Fatalf("Update: %v", err)
		}
		if p.Version != 2 {
			t.Errorf("version not advanced: %d", p.Version)
		}

		stale.Transition(model.PaymentStatusFailed, time.Now().UTC())
		if err := repo.Update(ctx, nil, stale, stale.Version); !errors.Is(err, domain.ErrConcurrentModification) {
			t.Fatalf("expected ErrConcurrentModification, got %v", err)
		}

		got, _ := repo.FindByID(ctx, nil, p.ID)
		if got.Status != model.PaymentStatusSucceeded || got.ProcessedAt == nil || got.OwnerUserID == nil || *got.OwnerUserID != u.ID {
			t.Errorf("unexpected persisted state: %+v", got)
		}
		if got.ProviderMetadata["status"] != "1" {
			t.Errorf("metadata not merged: %v", got.ProviderMetadata)
		}
	})

	t.Run("row lock serializes transactions", func(t *testing.T) {
		cleanup(t)
		p := newIntent(t, "ORD-lock")
		if err := repo.Create(ctx, nil, p); err != nil {
			t.Fatal(err)
		}

		var (
			wg          sync.WaitGroup
			mu          sync.Mutex
			transitions int
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := txm.WithTx(ctx, func(ctx context.Context, tx repository.Tx) error {
					cur, err := repo.FindByOrderID(ctx, tx, "ORD-lock")
					if err != nil {
						return err
					}
					if !cur.Transition(model.PaymentStatusSucceeded, time.Now().UTC()) {
						return nil
					}
					if err := repo.Update(ctx, tx, cur, cur.Version); err != nil {
						return err
					}
					mu.Lock()
					transitions++
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Errorf("tx: %v", err)
				}
			}()
		}
		wg.Wait()
		if transitions != 1 {
			t.Fatalf("expected exactly one transition, got %d", transitions)
		}
	})

	t.Run("list pending older than", func(t *testing.T) {
		cleanup(t)
		old := newIntent(t, "ORD-old")
		old.CreatedAt = time.Now().Add(-time.Hour)
		fresh := newIntent(t, "ORD-fresh")
		for _, p := range []*model.PaymentIntent{old, fresh} {
			if err := repo.Create(ctx, nil, p); err != nil {
				t.Fatal(err)
			}
		}
		got, err := repo.ListPendingOlderThan(ctx, nil, time.Now().Add(-10*time.Minute), repository.PendingCursor{}, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 1 || got[0].ID != old.ID {
			t.Fatalf("unexpected pending list: %+v", got)
		}

		next, err := repo.ListPendingOlderThan(ctx, nil, time.Now().Add(-10*time.Minute), repository.CursorOf(got[0]), 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(next) != 0 {
			t.Fatalf("expected empty page after cursor, got %+v", next)
		}
	})
}
