package testutil

import (
	"context"
	"fmt"
	"sync"

	"demosplus/internal/provider"
)

// FakeProvider answers payment lookups from per-token tables. A payment is
// visible only to the token it was added under.
type FakeProvider struct {
	mu sync.Mutex

	payments map[string]map[string]provider.Payment
	failures map[string]error

	// PreferenceErr is returned by CreatePreference when set.
	PreferenceErr error
	Preferences   []provider.PreferenceRequest
	Tokens        []string

	GetCalls    int
	SearchCalls int
}

func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		payments: make(map[string]map[string]provider.Payment),
		failures: make(map[string]error),
	}
}

func (f *FakeProvider) AddPayment(token string, p provider.Payment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.payments[token] == nil {
		f.payments[token] = make(map[string]provider.Payment)
	}
	f.payments[token][p.ID] = p
}

// Fail makes every call made with token return err.
func (f *FakeProvider) Fail(token string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[token] = err
}

func (f *FakeProvider) CreatePreference(_ context.Context, token string, req provider.PreferenceRequest) (*provider.Preference, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Tokens = append(f.Tokens, token)
	if f.PreferenceErr != nil {
		return nil, f.PreferenceErr
	}
	f.Preferences = append(f.Preferences, req)
	id := fmt.Sprintf("pref-%d", len(f.Preferences))
	return &provider.Preference{ID: id, InitPoint: "https://checkout.example/" + id}, nil
}

func (f *FakeProvider) GetPayment(_ context.Context, token, paymentID string) (*provider.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls++
	if err := f.failures[token]; err != nil {
		return nil, err
	}
	p, ok := f.payments[token][paymentID]
	if !ok {
		return nil, &provider.Error{Op: "get_payment", StatusCode: 404, Err: provider.ErrNotVisible}
	}
	return &p, nil
}

func (f *FakeProvider) SearchPayments(_ context.Context, token, ref string) ([]provider.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SearchCalls++
	if err := f.failures[token]; err != nil {
		return nil, err
	}
	var out []provider.Payment
	for _, p := range f.payments[token] {
		if p.ExternalReference == ref {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *FakeProvider) Calls() (get, search int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.GetCalls, f.SearchCalls
}
