package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brojonat/tokenpay/service/db"
	"github.com/brojonat/tokenpay/service/payment"
	"github.com/brojonat/tokenpay/service/settlement"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	buyerWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	otherWallet = "So11111111111111111111111111111111111111112"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// memSettlements is an in-memory settlements table with the same state
// transitions as db.Store.
type memSettlements struct {
	mu    sync.Mutex
	rows  map[string]*db.Settlement
	next  int64
	calls []string
}

func newMemSettlements() *memSettlements {
	return &memSettlements{rows: make(map[string]*db.Settlement)}
}

func settlementKey(method, reference string) string { return method + "/" + reference }

func (m *memSettlements) record(call string) { m.calls = append(m.calls, call) }

func (m *memSettlements) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *memSettlements) ClaimSettlement(ctx context.Context, p db.ClaimSettlementParams) (*db.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("claim")

	key := settlementKey(p.Method, p.PaymentReference)
	now := time.Now().UTC()
	if row, ok := m.rows[key]; ok {
		if row.Status != db.StatusFailed {
			return nil, fmt.Errorf("%w: %s", db.ErrAlreadyClaimed, key)
		}
		row.Status = db.StatusPending
		row.BuyerWallet = p.BuyerWallet
		row.ExpectedUSD = p.ExpectedUSD
		row.Signature = nil
		row.Error = nil
		row.Attempts++
		row.ClaimedAt = now
		cp := *row
		return &cp, nil
	}
	m.next++
	row := &db.Settlement{
		ID:               m.next,
		Method:           p.Method,
		PaymentReference: p.PaymentReference,
		BuyerWallet:      p.BuyerWallet,
		ExpectedUSD:      p.ExpectedUSD,
		Status:           db.StatusPending,
		Attempts:         1,
		ClaimedAt:        now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	m.rows[key] = row
	cp := *row
	return &cp, nil
}

func (m *memSettlements) transition(op string, to db.SettlementStatus, out db.SettlementOutcome, from ...db.SettlementStatus) (*db.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record(op)

	row, ok := m.rows[settlementKey(out.Method, out.PaymentReference)]
	if !ok {
		return nil, db.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if row.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return nil, db.ErrNotFound
	}
	row.Status = to
	if !out.AmountUSD.IsZero() {
		v := out.AmountUSD
		row.AmountUSD = &v
	}
	if !out.Quantity.IsZero() {
		v := out.Quantity
		row.Quantity = &v
	}
	if out.Signature != "" {
		v := out.Signature
		row.Signature = &v
	}
	row.Error = nil
	if out.Error != "" {
		v := out.Error
		row.Error = &v
	}
	row.UpdatedAt = time.Now().UTC()
	cp := *row
	return &cp, nil
}

func (m *memSettlements) CompleteSettlement(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error) {
	return m.transition("complete", db.StatusCompleted, out, db.StatusPending, db.StatusUnknown)
}

func (m *memSettlements) FailSettlement(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error) {
	return m.transition("fail", db.StatusFailed, out, db.StatusPending, db.StatusUnknown)
}

func (m *memSettlements) MarkSettlementUnknown(ctx context.Context, out db.SettlementOutcome) (*db.Settlement, error) {
	return m.transition("mark_unknown", db.StatusUnknown, out, db.StatusPending)
}

func (m *memSettlements) AttachSettlementSignature(ctx context.Context, method, reference, signature string) (*db.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("attach_signature")

	row, ok := m.rows[settlementKey(method, reference)]
	if !ok || row.Signature != nil || (row.Status != db.StatusPending && row.Status != db.StatusUnknown) {
		return nil, db.ErrNotFound
	}
	row.Signature = &signature
	cp := *row
	return &cp, nil
}

func (m *memSettlements) ReleaseSettlement(ctx context.Context, method, reference, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("release")

	key := settlementKey(method, reference)
	row, ok := m.rows[key]
	if !ok || row.Status != db.StatusPending {
		return nil
	}
	if row.Attempts == 1 {
		delete(m.rows, key)
		return nil
	}
	row.Status = db.StatusFailed
	row.Error = &reason
	return nil
}

func (m *memSettlements) GetSettlement(ctx context.Context, method, reference string) (*db.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[settlementKey(method, reference)]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memSettlements) ListSettlements(ctx context.Context, status db.SettlementStatus, limit int32) ([]*db.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*db.Settlement
	for _, row := range m.rows {
		if status != "" && row.Status != status {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if int32(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// stubProcessor confirms or rejects every payment for one method.
type stubProcessor struct {
	method payment.Method
	amount decimal.Decimal // zero means echo the expected amount
	err    error

	mu    sync.Mutex
	calls int
}

func (p *stubProcessor) Method() payment.Method { return p.method }

func (p *stubProcessor) VerifyPayment(ctx context.Context, req payment.VerificationRequest) (*payment.Confirmation, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	amount := p.amount
	if amount.IsZero() {
		amount = req.ExpectedUSD
	}
	return &payment.Confirmation{
		AmountUSD:       amount,
		PayerWallet:     req.BuyerWallet,
		SourceReference: req.Reference,
		Method:          p.method,
	}, nil
}

func (p *stubProcessor) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type settleCall struct {
	recipient string
	quantity  decimal.Decimal
	reference settlement.Reference
}

// stubSettler records transfers and returns a fixed result.
type stubSettler struct {
	err error

	mu    sync.Mutex
	calls []settleCall
}

func (s *stubSettler) Settle(ctx context.Context, recipient string, quantity decimal.Decimal) (*settlement.Receipt, error) {
	ref, _ := settlement.ReferenceFrom(ctx)
	s.mu.Lock()
	s.calls = append(s.calls, settleCall{recipient: recipient, quantity: quantity, reference: ref})
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return &settlement.Receipt{
		Signature: "5sig" + ref.Reference,
		Recipient: recipient,
		Quantity:  quantity,
	}, nil
}

func (s *stubSettler) Calls() []settleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]settleCall(nil), s.calls...)
}

// memUsers backs users.Service and GalleryStore.
type memUsers struct {
	mu      sync.Mutex
	users   map[string]*db.User
	gallery []*db.GalleryItem
}

func newMemUsers() *memUsers {
	return &memUsers{users: make(map[string]*db.User)}
}

func (m *memUsers) CreateUser(ctx context.Context, p db.CreateUserParams) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[p.Email]; ok {
		return nil, db.ErrDuplicate
	}
	u := &db.User{ID: p.ID, Name: p.Name, Email: p.Email, PasswordHash: p.PasswordHash, CreatedAt: time.Now().UTC()}
	m.users[p.Email] = u
	return u, nil
}

func (m *memUsers) GetUserByEmail(ctx context.Context, email string) (*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (m *memUsers) ListUsers(ctx context.Context) ([]*db.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*db.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (m *memUsers) UpdateUserPassword(ctx context.Context, email, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return db.ErrNotFound
	}
	u.PasswordHash = hash
	return nil
}

func (m *memUsers) CreateGalleryItem(ctx context.Context, p db.CreateGalleryItemParams) (*db.GalleryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var owner *db.User
	for _, u := range m.users {
		if u.ID == p.UserID {
			owner = u
		}
	}
	if owner == nil {
		return nil, errors.New("unknown user")
	}
	item := &db.GalleryItem{
		ID:          p.ID,
		UserID:      p.UserID,
		Title:       p.Title,
		Description: p.Description,
		ImageURL:    p.ImageURL,
		CreatedAt:   time.Now().UTC(),
		UserName:    owner.Name,
		UserEmail:   owner.Email,
	}
	m.gallery = append([]*db.GalleryItem{item}, m.gallery...)
	return item, nil
}

func (m *memUsers) ListGalleryItems(ctx context.Context) ([]*db.GalleryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*db.GalleryItem{}, m.gallery...), nil
}

func (m *memUsers) ListGalleryItemsByUser(ctx context.Context, userID uuid.UUID) ([]*db.GalleryItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*db.GalleryItem{}
	for _, item := range m.gallery {
		if item.UserID == userID {
			out = append(out, item)
		}
	}
	return out, nil
}
