// Package testutil holds in-memory stand-ins for the PostgreSQL store and the
// payment provider.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"demosplus/internal/model"
	"demosplus/internal/store"

	"github.com/shopspring/decimal"
)

// MemStore mirrors store.Database in memory, including the conditional
// status update that guards ApplyApproval.
type MemStore struct {
	mu sync.Mutex

	nextID    int64
	users     map[int64]*model.User
	creds     map[int64]*model.NgoPaymentCredential
	types     map[string]*model.DonationType
	posts     map[int64]int64
	donations map[int64]*model.PendingDonation
	balances  map[int64]*model.PointsBalance
	swept     map[int64]time.Time

	// Err, when set, is returned by every ledger read and write.
	Err error
	// FailCreatePending makes CreatePendingDonation fail.
	FailCreatePending bool
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:     make(map[int64]*model.User),
		creds:     make(map[int64]*model.NgoPaymentCredential),
		posts:     make(map[int64]int64),
		donations: make(map[int64]*model.PendingDonation),
		balances:  make(map[int64]*model.PointsBalance),
		swept:     make(map[int64]time.Time),
		types: map[string]*model.DonationType{
			model.DonationTypeMoney: {ID: 1, Name: model.DonationTypeMoney, PointsPerUnit: decimal.NewFromInt(1), Monetary: true},
			"food":                  {ID: 2, Name: "food", PointsPerUnit: decimal.NewFromInt(10)},
		},
	}
}

func (m *MemStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MemStore) AddUser(login string, t model.AccountType) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.users[id] = &model.User{ID: id, Login: login, AccountType: t, CreatedAt: time.Now()}
	return id
}

// SetCredential stores a raw credential row, bypassing validation.
func (m *MemStore) SetCredential(c model.NgoPaymentCredential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.UserID] = &c
}

// AddDonation inserts a ledger row as-is and returns its id.
func (m *MemStore) AddDonation(d model.PendingDonation) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id()
	if d.Status == "" {
		d.Status = model.DonationPending
	}
	if d.DonationTypeID == 0 {
		d.DonationTypeID = m.types[model.DonationTypeMoney].ID
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	m.donations[d.ID] = &d
	return d.ID
}

// Donations returns copies of every ledger row ordered by id.
func (m *MemStore) Donations() []model.PendingDonation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingDonation, 0, len(m.donations))
	for _, d := range m.donations {
		out = append(out, m.joined(d))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MemStore) Points(userID int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.balances[userID]; ok {
		return b.Points
	}
	return 0
}

func (m *MemStore) CreateUser(_ context.Context, login, passwordHash string, t model.AccountType) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Login == login {
			return 0, store.ErrDuplicate
		}
	}
	id := m.id()
	m.users[id] = &model.User{ID: id, Login: login, PasswordHash: passwordHash, AccountType: t, CreatedAt: time.Now()}
	return id, nil
}

func (m *MemStore) GetUser(_ context.Context, id int64) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemStore) GetUserByLogin(_ context.Context, login string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Login == login {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (m *MemStore) GetCredential(_ context.Context, ngoID int64) (*model.NgoPaymentCredential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[ngoID]
	if !ok {
		return nil, store.ErrCredentialNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemStore) SaveCredential(_ context.Context, ngoID int64, cipherText, iv, authTag []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[ngoID] = &model.NgoPaymentCredential{UserID: ngoID, Enabled: true, CipherText: cipherText, IV: iv, AuthTag: authTag}
	return nil
}

func (m *MemStore) DisableCredential(_ context.Context, ngoID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[ngoID] = &model.NgoPaymentCredential{UserID: ngoID}
	return nil
}

func (m *MemStore) DonationTypeByName(_ context.Context, name string) (*model.DonationType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	t, ok := m.types[name]
	if !ok {
		return nil, store.ErrTypeNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemStore) EnsureContainerPost(_ context.Context, ngoID int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	if id, ok := m.posts[ngoID]; ok {
		return id, nil
	}
	id := m.id()
	m.posts[ngoID] = id
	return id, nil
}

func (m *MemStore) CreatePendingDonation(_ context.Context, d *model.PendingDonation) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	if m.FailCreatePending {
		return 0, fmt.Errorf("insert pending donation: connection refused")
	}
	row := *d
	row.ID = m.id()
	row.CreatedAt = time.Now()
	row.Status = model.DonationPending
	m.donations[row.ID] = &row
	return row.ID, nil
}

// joined fills the donation type columns the SQL store joins in.
func (m *MemStore) joined(d *model.PendingDonation) model.PendingDonation {
	cp := *d
	for _, t := range m.types {
		if t.ID == d.DonationTypeID {
			cp.PointsPerUnit = t.PointsPerUnit
			cp.Monetary = t.Monetary
		}
	}
	return cp
}

func (m *MemStore) find(match func(*model.PendingDonation) bool) (*model.PendingDonation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, d := range m.donations {
		if match(d) {
			cp := m.joined(d)
			return &cp, nil
		}
	}
	return nil, store.ErrDonationNotFound
}

func (m *MemStore) GetDonation(_ context.Context, id int64) (*model.PendingDonation, error) {
	return m.find(func(d *model.PendingDonation) bool { return d.ID == id })
}

func (m *MemStore) FindDonationByPreference(_ context.Context, preferenceID string) (*model.PendingDonation, error) {
	return m.find(func(d *model.PendingDonation) bool { return preferenceID != "" && d.PreferenceID == preferenceID })
}

func (m *MemStore) FindDonationByReference(_ context.Context, ref string) (*model.PendingDonation, error) {
	return m.find(func(d *model.PendingDonation) bool { return ref != "" && d.ExternalReference == ref })
}

func (m *MemStore) FindDonationByPayment(_ context.Context, paymentID string) (*model.PendingDonation, error) {
	return m.find(func(d *model.PendingDonation) bool {
		return d.ProviderPaymentID != nil && *d.ProviderPaymentID == paymentID
	})
}

func (m *MemStore) candidates(match func(*model.PendingDonation) bool, newestFirst bool, limit int) ([]model.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	return m.pendingLocked(match, newestFirst, limit), nil
}

func (m *MemStore) pendingLocked(match func(*model.PendingDonation) bool, newestFirst bool, limit int) []model.Candidate {
	var out []model.Candidate
	for _, d := range m.donations {
		row := m.joined(d)
		ngo, ok := m.users[row.NgoID]
		if row.Status != model.DonationPending || !row.Monetary || !ok || ngo.AccountType != model.AccountNGO || !match(&row) {
			continue
		}
		c := model.Candidate{Donation: row}
		if cred, ok := m.creds[row.NgoID]; ok {
			cp := *cred
			c.Credential = &cp
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Donation, out[j].Donation
		if !newestFirst {
			sa, aSwept := m.swept[a.ID]
			sb, bSwept := m.swept[b.ID]
			if aSwept != bSwept {
				return !aSwept
			}
			if !sa.Equal(sb) {
				return sa.Before(sb)
			}
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if newestFirst {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if newestFirst {
			return a.ID > b.ID
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemStore) RecentPendingCandidates(_ context.Context, since time.Time, limit int) ([]model.Candidate, error) {
	return m.candidates(func(d *model.PendingDonation) bool { return !d.CreatedAt.Before(since) }, true, limit)
}

// StalePending orders like the SQL store: never swept first, then least
// recently swept, then oldest. Returned rows are stamped as swept.
func (m *MemStore) StalePending(_ context.Context, before time.Time, limit int) ([]model.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	out := m.pendingLocked(func(d *model.PendingDonation) bool { return d.CreatedAt.Before(before) }, false, limit)
	now := time.Now()
	for i, c := range out {
		// distinct stamps keep the rotation order deterministic
		m.swept[c.Donation.ID] = now.Add(time.Duration(i))
	}
	return out, nil
}

func (m *MemStore) ApplyApproval(_ context.Context, a model.Approval) (model.ApprovalResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return model.ApprovalResult{}, m.Err
	}
	for _, d := range m.donations {
		if d.ProviderPaymentID != nil && *d.ProviderPaymentID == a.PaymentID && d.ID != a.DonationID {
			return model.ApprovalResult{}, store.ErrPaymentApplied
		}
	}
	d, ok := m.donations[a.DonationID]
	if !ok || d.Status != model.DonationPending {
		return model.ApprovalResult{}, nil
	}

	at, points, payment := a.At, a.Points, a.PaymentID
	d.Status = model.DonationApproved
	d.EvaluatedAt = &at
	d.PointsAwarded = &points
	d.ProviderPaymentID = &payment

	return model.ApprovalResult{
		Applied:      true,
		DonorBalance: m.credit(a.DonorID, points, at),
		NgoBalance:   m.credit(a.NgoID, points, at),
	}, nil
}

func (m *MemStore) credit(userID, points int64, at time.Time) int64 {
	b, ok := m.balances[userID]
	if !ok {
		b = &model.PointsBalance{UserID: userID}
		m.balances[userID] = b
	}
	b.Points += points
	b.UpdatedAt = &at
	return b.Points
}

func (m *MemStore) MarkRejected(_ context.Context, id int64, reason string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	d, ok := m.donations[id]
	if !ok || d.Status != model.DonationPending {
		return false, nil
	}
	d.Status = model.DonationRejected
	d.RejectReason = reason
	d.EvaluatedAt = &at
	return true, nil
}

func (m *MemStore) GetBalance(_ context.Context, userID int64) (*model.PointsBalance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if b, ok := m.balances[userID]; ok {
		cp := *b
		return &cp, nil
	}
	return &model.PointsBalance{UserID: userID}, nil
}
