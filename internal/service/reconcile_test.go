package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"demosplus/internal/metrics"
	"demosplus/internal/model"
	"demosplus/internal/provider"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestReconcileAppliesApprovedPayment(t *testing.T) {
	f := newFixture(t)
	ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
	id := f.pending(ngo, 500, "pref-1", "ref-1", 10*time.Minute)
	f.provider.AddPayment("APP_USR-a", approved("P1", "ref-1"))

	r := f.reconciler()
	res, err := r.Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceRedirect})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.Points != 500 || res.DonationID != id {
		t.Fatalf("unexpected result %+v", res)
	}

	d := f.donation(t, id)
	if d.Status != model.DonationApproved {
		t.Errorf("Expected approved, got %s", d.Status)
	}
	if d.PointsAwarded == nil || *d.PointsAwarded != 500 {
		t.Errorf("Expected 500 points awarded, got %v", d.PointsAwarded)
	}
	if d.EvaluatedAt == nil {
		t.Error("Expected evaluated_at to be set")
	}
	if got := f.store.Points(f.donor); got != 500 {
		t.Errorf("Expected donor balance 500, got %d", got)
	}
	if got := f.store.Points(ngo); got != 500 {
		t.Errorf("Expected NGO balance 500, got %d", got)
	}

	t.Run("second confirmation is a no-op", func(t *testing.T) {
		calls, _ := f.provider.Calls()
		res, err := r.Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceWebhook})
		if err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		if res.Outcome != OutcomeAlreadyApplied {
			t.Errorf("Expected already_applied, got %s", res.Outcome)
		}
		if got := f.store.Points(f.donor); got != 500 {
			t.Errorf("Expected donor balance to stay 500, got %d", got)
		}
		if after, _ := f.provider.Calls(); after != calls {
			t.Errorf("Expected no provider call for a settled payment, got %d", after-calls)
		}
	})
}

func TestReconcileConcurrentConfirmations(t *testing.T) {
	f := newFixture(t)
	ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
	f.pending(ngo, 250, "pref-1", "ref-1", time.Minute)
	f.provider.AddPayment("APP_USR-a", approved("P1", "ref-1"))
	r := f.reconciler()

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := SourceRedirect
			if i%2 == 0 {
				src = SourceWebhook
			}
			res, err := r.Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: src})
			if err != nil {
				t.Errorf("Reconcile() error: %v", err)
				return
			}
			if res.Outcome == OutcomeApplied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if applied != 1 {
		t.Errorf("Expected exactly one applied outcome, got %d", applied)
	}
	if got := f.store.Points(f.donor); got != 250 {
		t.Errorf("Expected donor balance 250, got %d", got)
	}
	if got := f.store.Points(ngo); got != 250 {
		t.Errorf("Expected NGO balance 250, got %d", got)
	}
}

func TestReconcileSkipsBrokenCredentials(t *testing.T) {
	f := newFixture(t)
	ngoA := f.addNGO(t, "ngo-a", "APP_USR-a")
	ngoB := f.addNGO(t, "ngo-b", "APP_USR-b")
	ngoC := f.store.AddUser("ngo-c", model.AccountNGO)

	// B's tag no longer verifies, C was saved without an IV
	credB, _ := f.store.GetCredential(context.Background(), ngoB)
	credB.AuthTag[0] ^= 0xff
	f.store.SetCredential(*credB)
	f.store.SetCredential(model.NgoPaymentCredential{UserID: ngoC, Enabled: true, CipherText: []byte{1}, AuthTag: []byte{2}})

	idA := f.pending(ngoA, 100, "pref-a", "ref-a", 30*time.Minute)
	f.pending(ngoB, 100, "pref-b", "ref-b", 5*time.Minute)
	f.pending(ngoC, 100, "pref-c", "ref-c", time.Minute)
	f.provider.AddPayment("APP_USR-a", approved("P1", "ref-a"))

	res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceWebhook})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.DonationID != idA {
		t.Fatalf("Expected NGO A's donation applied, got %+v", res)
	}
	if got := f.store.Points(ngoB); got != 0 {
		t.Errorf("Expected NGO B balance 0, got %d", got)
	}
}

func TestReconcileProviderStatus(t *testing.T) {
	tests := []struct {
		name    string
		status  provider.Status
		outcome Outcome
	}{
		{"pending", provider.StatusPending, OutcomeProviderPending},
		{"rejected", provider.StatusRejected, OutcomeProviderRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
			id := f.pending(ngo, 500, "pref-1", "ref-1", time.Minute)
			f.provider.AddPayment("APP_USR-a", provider.Payment{ID: "P1", Status: tt.status, ExternalReference: "ref-1"})

			res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceRedirect})
			if err != nil {
				t.Fatalf("Reconcile() error: %v", err)
			}
			if res.Outcome != tt.outcome {
				t.Errorf("Expected %s, got %s", tt.outcome, res.Outcome)
			}
			if d := f.donation(t, id); d.Status != model.DonationPending {
				t.Errorf("Expected row to stay pending, got %s", d.Status)
			}
			if got := f.store.Points(f.donor); got != 0 {
				t.Errorf("Expected no points, got %d", got)
			}
		})
	}
}

func TestReconcileUnmatched(t *testing.T) {
	t.Run("no credential sees the payment", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		f.pending(ngo, 500, "pref-1", "ref-1", time.Minute)

		res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P404", Source: SourceWebhook})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if res.Outcome != OutcomeUnmatched {
			t.Errorf("Expected unmatched, got %s", res.Outcome)
		}
	})

	t.Run("transient provider failure is reported", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		id := f.pending(ngo, 500, "pref-1", "ref-1", time.Minute)
		f.provider.Fail("APP_USR-a", &provider.Error{Op: "get payment", Err: context.DeadlineExceeded})

		res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceRedirect})
		if !errors.Is(err, ErrProvider) {
			t.Fatalf("Expected ErrProvider, got %v", err)
		}
		if res.Outcome != OutcomeUnmatched {
			t.Errorf("Expected unmatched, got %s", res.Outcome)
		}
		if d := f.donation(t, id); d.Status != model.DonationPending {
			t.Errorf("Expected timeout to leave row pending, got %s", d.Status)
		}
	})

	t.Run("rows outside the window are not candidates", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		f.pending(ngo, 500, "pref-1", "ref-1", 3*time.Hour)
		f.provider.AddPayment("APP_USR-a", approved("P1", "ref-1"))

		res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceWebhook})
		if err != nil {
			t.Fatalf("Reconcile() error: %v", err)
		}
		if res.Outcome != OutcomeUnmatched {
			t.Errorf("Expected unmatched, got %s", res.Outcome)
		}
	})

	t.Run("missing payment id", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.reconciler().Reconcile(context.Background(), Confirmation{Source: SourceRedirect})
		if !errors.Is(err, ErrValidation) {
			t.Errorf("Expected ErrValidation, got %v", err)
		}
	})
}

func TestReconcileResolvesRowByExternalReference(t *testing.T) {
	f := newFixture(t)
	ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
	older := f.pending(ngo, 100, "pref-1", "ref-1", 20*time.Minute)
	newer := f.pending(ngo, 300, "pref-2", "ref-2", time.Minute)
	f.provider.AddPayment("APP_USR-a", approved("P1", "ref-1"))

	res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P1", Source: SourceWebhook})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.DonationID != older || res.Points != 100 {
		t.Fatalf("Expected the older donation credited with 100, got %+v", res)
	}
	if d := f.donation(t, newer); d.Status != model.DonationPending {
		t.Errorf("Expected the newer donation to stay pending, got %s", d.Status)
	}
}

func TestReconcileUsesPreferenceID(t *testing.T) {
	f := newFixture(t)
	ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
	id := f.pending(ngo, 40, "pref-9", "ref-9", 5*time.Hour)
	f.provider.AddPayment("APP_USR-a", approved("P9", "ref-9"))

	res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P9", PreferenceID: "pref-9", Source: SourceRedirect})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.Outcome != OutcomeApplied || res.DonationID != id {
		t.Errorf("Expected donation %d applied, got %+v", id, res)
	}
}

func TestReconcilePaymentAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
	id := f.pending(ngo, 500, "pref-1", "ref-1", 80*time.Hour)
	if ok, err := f.store.MarkRejected(context.Background(), id, "no payment received", time.Now()); err != nil || !ok {
		t.Fatalf("MarkRejected() = %v, %v", ok, err)
	}
	f.provider.AddPayment("APP_USR-a", approved("P1", "ref-1"))
	orphans := metrics.OrphanPaymentsTotal.WithLabelValues(string(model.DonationRejected))
	before := promtest.ToFloat64(orphans)

	res, err := f.reconciler().Reconcile(context.Background(), Confirmation{PaymentID: "P1", PreferenceID: "pref-1", Source: SourceRedirect})
	if err != nil {
		t.Fatalf("Reconcile() error: %v", err)
	}
	if res.Outcome != OutcomeExpired || res.DonationID != id {
		t.Errorf("Expected the expired donation to be reported, got %+v", res)
	}
	if got := promtest.ToFloat64(orphans) - before; got != 1 {
		t.Errorf("Expected one orphan payment counted, got %v", got)
	}
	if got := f.store.Points(f.donor); got != 0 {
		t.Errorf("Expected no points for an expired donation, got %d", got)
	}
	if d := f.donation(t, id); d.Status != model.DonationRejected {
		t.Errorf("Expected the donation to stay rejected, got %s", d.Status)
	}
}

func TestBackfill(t *testing.T) {
	expire := time.Now().Add(-72 * time.Hour)

	stale := func(t *testing.T, f *fixture, ngo int64, age time.Duration) (int64, model.Candidate) {
		t.Helper()
		id := f.pending(ngo, 75, "pref-s", "ref-s", age)
		cands, err := f.store.StalePending(context.Background(), time.Now(), 10)
		if err != nil || len(cands) != 1 {
			t.Fatalf("StalePending() = %d candidates, %v", len(cands), err)
		}
		return id, cands[0]
	}

	t.Run("approved payment found by reference", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		id, cand := stale(t, f, ngo, 4*time.Hour)
		f.provider.AddPayment("APP_USR-a", approved("P7", "ref-s"))

		res, err := f.reconciler().Backfill(context.Background(), cand, expire)
		if err != nil {
			t.Fatalf("Backfill() error: %v", err)
		}
		if res.Outcome != OutcomeApplied || res.DonationID != id || res.Points != 75 {
			t.Errorf("unexpected result %+v", res)
		}
	})

	t.Run("abandoned donation expires", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		id, cand := stale(t, f, ngo, 100*time.Hour)

		res, err := f.reconciler().Backfill(context.Background(), cand, expire)
		if err != nil {
			t.Fatalf("Backfill() error: %v", err)
		}
		if res.Outcome != OutcomeExpired {
			t.Errorf("Expected expired, got %s", res.Outcome)
		}
		d := f.donation(t, id)
		if d.Status != model.DonationRejected || d.RejectReason == "" {
			t.Errorf("Expected rejected with reason, got %s %q", d.Status, d.RejectReason)
		}
	})

	t.Run("young donation is left alone", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		id, cand := stale(t, f, ngo, 4*time.Hour)

		res, err := f.reconciler().Backfill(context.Background(), cand, expire)
		if err != nil {
			t.Fatalf("Backfill() error: %v", err)
		}
		if res.Outcome != OutcomeUnmatched {
			t.Errorf("Expected unmatched, got %s", res.Outcome)
		}
		if d := f.donation(t, id); d.Status != model.DonationPending {
			t.Errorf("Expected pending, got %s", d.Status)
		}
	})

	t.Run("pending payment keeps the donation open", func(t *testing.T) {
		f := newFixture(t)
		ngo := f.addNGO(t, "ngo-a", "APP_USR-a")
		id, cand := stale(t, f, ngo, 100*time.Hour)
		f.provider.AddPayment("APP_USR-a", provider.Payment{ID: "P8", Status: provider.StatusPending, ExternalReference: "ref-s"})

		res, err := f.reconciler().Backfill(context.Background(), cand, expire)
		if err != nil {
			t.Fatalf("Backfill() error: %v", err)
		}
		if res.Outcome != OutcomeProviderPending {
			t.Errorf("Expected provider_pending, got %s", res.Outcome)
		}
		if d := f.donation(t, id); d.Status != model.DonationPending {
			t.Errorf("Expected pending, got %s", d.Status)
		}
	})
}
