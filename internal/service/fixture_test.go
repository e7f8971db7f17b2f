package service

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"demosplus/internal/model"
	"demosplus/internal/provider"
	"demosplus/internal/testutil"
	"demosplus/internal/vault"

	"github.com/shopspring/decimal"
)

type fixture struct {
	store    *testutil.MemStore
	provider *testutil.FakeProvider
	vault    *vault.Vault
	log      *slog.Logger
	donor    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	v, err := vault.New("test-master-key")
	if err != nil {
		t.Fatalf("vault.New() error: %v", err)
	}
	f := &fixture{
		store:    testutil.NewMemStore(),
		provider: testutil.NewFakeProvider(),
		vault:    v,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	f.donor = f.store.AddUser("donor", model.AccountPerson)
	return f
}

// addNGO registers an NGO whose credential seals token.
func (f *fixture) addNGO(t *testing.T, login, token string) int64 {
	t.Helper()
	id := f.store.AddUser(login, model.AccountNGO)
	sealed, err := f.vault.Encrypt(token)
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	f.store.SetCredential(model.NgoPaymentCredential{
		UserID: id, Enabled: true,
		CipherText: sealed.CipherText, IV: sealed.IV, AuthTag: sealed.AuthTag,
	})
	return id
}

func (f *fixture) pending(ngoID int64, amount int64, pref, ref string, age time.Duration) int64 {
	return f.store.AddDonation(model.PendingDonation{
		DonorID:           f.donor,
		NgoID:             ngoID,
		Quantity:          decimal.NewFromInt(amount),
		PreferenceID:      pref,
		ExternalReference: ref,
		CreatedAt:         time.Now().Add(-age),
	})
}

func (f *fixture) reconciler() *Reconciler {
	return NewReconciler(f.store, f.store, f.vault, f.provider, ReconcilerConfig{}, f.log)
}

func (f *fixture) preferences() *PreferenceCreator {
	return NewPreferenceCreator(f.store, f.store, f.store, f.vault, f.provider, PreferenceConfig{
		Currency:        "ARS",
		ReturnURL:       "https://api.example/api/payments/return",
		NotificationURL: "https://api.example/api/payments/webhook",
	}, f.log)
}

func approved(id, ref string) provider.Payment {
	return provider.Payment{ID: id, Status: provider.StatusApproved, RawStatus: "approved", ExternalReference: ref}
}

func (f *fixture) donation(t *testing.T, id int64) model.PendingDonation {
	t.Helper()
	for _, d := range f.store.Donations() {
		if d.ID == id {
			return d
		}
	}
	t.Fatalf("donation %d not found", id)
	return model.PendingDonation{}
}
