package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ec-checkout/internal/model"
)

const defaultLockTimeout = 5 * time.Second

// MemoryStore is an in-process Store with the same visible semantics as the
// Postgres one: row locks are held until commit or rollback, writes of a
// transaction are invisible to others until commit, and a failed transaction
// leaves nothing behind.
type MemoryStore struct {
	mu        sync.Mutex
	products  map[string]*model.Product
	orders    map[int64]*model.Order
	payments  map[string]*model.PaymentRecord
	sessions  map[string]*model.CheckoutSession
	addresses map[string]*model.ShippingAddress
	users     map[string]string
	orderSeq  int64
	itemSeq   int64

	locks       *lockTable
	lockTimeout time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products:    make(map[string]*model.Product),
		orders:      make(map[int64]*model.Order),
		payments:    make(map[string]*model.PaymentRecord),
		sessions:    make(map[string]*model.CheckoutSession),
		addresses:   make(map[string]*model.ShippingAddress),
		users:       make(map[string]string),
		locks:       &lockTable{locks: make(map[string]chan struct{})},
		lockTimeout: defaultLockTimeout,
	}
}

// SetLockTimeout bounds how long a transaction waits for a row lock.
func (m *MemoryStore) SetLockTimeout(d time.Duration) {
	m.lockTimeout = d
}

// PutProduct seeds or replaces a catalog product.
func (m *MemoryStore) PutProduct(p model.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = &p
}

// PutUser seeds the user directory.
func (m *MemoryStore) PutUser(id, email string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = email
}

func (m *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx := m.begin()
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

func (m *MemoryStore) begin() *memTx {
	return &memTx{
		s:         m,
		held:      make(map[string]struct{}),
		products:  make(map[string]*model.Product),
		orders:    make(map[int64]*model.Order),
		payments:  make(map[string]*model.PaymentRecord),
		sessions:  make(map[string]*model.CheckoutSession),
		addresses: make(map[string]*model.ShippingAddress),
	}
}

func (m *MemoryStore) read(fn func(tx *memTx) error) error {
	tx := m.begin()
	defer tx.rollback()
	return fn(tx)
}

func (m *MemoryStore) write(fn func(tx *memTx) error) error {
	tx := m.begin()
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return tx.commit()
}

// Autocommit wrappers: each call is its own single-statement transaction.

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (p *model.Product, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.GetProduct(ctx, id); return err })
	return p, err
}

func (m *MemoryStore) LockProduct(ctx context.Context, id string) (p *model.Product, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.LockProduct(ctx, id); return err })
	return p, err
}

func (m *MemoryStore) UpdateProductStock(ctx context.Context, id string, stock int) error {
	return m.write(func(tx *memTx) error { return tx.UpdateProductStock(ctx, id, stock) })
}

func (m *MemoryStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return m.write(func(tx *memTx) error { return tx.InsertOrder(ctx, o) })
}

func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (o *model.Order, err error) {
	err = m.read(func(tx *memTx) error { o, err = tx.GetOrder(ctx, id); return err })
	return o, err
}

func (m *MemoryStore) GetOrderByUUID(ctx context.Context, uuid string) (o *model.Order, err error) {
	err = m.read(func(tx *memTx) error { o, err = tx.GetOrderByUUID(ctx, uuid); return err })
	return o, err
}

func (m *MemoryStore) LockOrder(ctx context.Context, id int64) (o *model.Order, err error) {
	err = m.read(func(tx *memTx) error { o, err = tx.LockOrder(ctx, id); return err })
	return o, err
}

func (m *MemoryStore) UpdateOrderStatus(ctx context.Context, id int64, status model.OrderStatus, at time.Time) error {
	return m.write(func(tx *memTx) error { return tx.UpdateOrderStatus(ctx, id, status, at) })
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID string) (out []*model.Order, err error) {
	err = m.read(func(tx *memTx) error { out, err = tx.ListOrdersByUser(ctx, userID); return err })
	return out, err
}

func (m *MemoryStore) ListExpiredOrderIDs(ctx context.Context, createdBefore time.Time, limit int) (ids []int64, err error) {
	err = m.read(func(tx *memTx) error { ids, err = tx.ListExpiredOrderIDs(ctx, createdBefore, limit); return err })
	return ids, err
}

func (m *MemoryStore) InsertPayment(ctx context.Context, p *model.PaymentRecord) error {
	return m.write(func(tx *memTx) error { return tx.InsertPayment(ctx, p) })
}

func (m *MemoryStore) GetPayment(ctx context.Context, id string) (p *model.PaymentRecord, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.GetPayment(ctx, id); return err })
	return p, err
}

func (m *MemoryStore) GetPaymentByOrder(ctx context.Context, orderID int64) (p *model.PaymentRecord, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.GetPaymentByOrder(ctx, orderID); return err })
	return p, err
}

func (m *MemoryStore) GetPaymentByIntent(ctx context.Context, intentID string) (p *model.PaymentRecord, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.GetPaymentByIntent(ctx, intentID); return err })
	return p, err
}

func (m *MemoryStore) LockPaymentByIntent(ctx context.Context, intentID string) (p *model.PaymentRecord, err error) {
	err = m.read(func(tx *memTx) error { p, err = tx.LockPaymentByIntent(ctx, intentID); return err })
	return p, err
}

func (m *MemoryStore) UpdatePayment(ctx context.Context, p *model.PaymentRecord) error {
	return m.write(func(tx *memTx) error { return tx.UpdatePayment(ctx, p) })
}

func (m *MemoryStore) DeletePayment(ctx context.Context, id string) error {
	return m.write(func(tx *memTx) error { return tx.DeletePayment(ctx, id) })
}

func (m *MemoryStore) InsertSession(ctx context.Context, s *model.CheckoutSession) error {
	return m.write(func(tx *memTx) error { return tx.InsertSession(ctx, s) })
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (s *model.CheckoutSession, err error) {
	err = m.read(func(tx *memTx) error { s, err = tx.GetSession(ctx, id); return err })
	return s, err
}

func (m *MemoryStore) LockSession(ctx context.Context, id string) (s *model.CheckoutSession, err error) {
	err = m.read(func(tx *memTx) error { s, err = tx.LockSession(ctx, id); return err })
	return s, err
}

func (m *MemoryStore) UpdateSession(ctx context.Context, s *model.CheckoutSession) error {
	return m.write(func(tx *memTx) error { return tx.UpdateSession(ctx, s) })
}

func (m *MemoryStore) InsertAddress(ctx context.Context, a *model.ShippingAddress) error {
	return m.write(func(tx *memTx) error { return tx.InsertAddress(ctx, a) })
}

func (m *MemoryStore) GetAddress(ctx context.Context, id string) (a *model.ShippingAddress, err error) {
	err = m.read(func(tx *memTx) error { a, err = tx.GetAddress(ctx, id); return err })
	return a, err
}

func (m *MemoryStore) GetUserEmail(ctx context.Context, userID string) (email string, err error) {
	err = m.read(func(tx *memTx) error { email, err = tx.GetUserEmail(ctx, userID); return err })
	return email, err
}

// lockTable hands out one exclusive lock per row key.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func (lt *lockTable) slot(key string) chan struct{} {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	ch, ok := lt.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		lt.locks[key] = ch
	}
	return ch
}

func (lt *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case lt.slot(key) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrLockTimeout, key)
	}
}

func (lt *lockTable) release(key string) {
	<-lt.slot(key)
}

// memTx stages writes until commit. A nil entry in payments marks a delete.
type memTx struct {
	s    *MemoryStore
	held map[string]struct{}
	done bool

	products  map[string]*model.Product
	orders    map[int64]*model.Order
	payments  map[string]*model.PaymentRecord
	sessions  map[string]*model.CheckoutSession
	addresses map[string]*model.ShippingAddress
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	if err := tx.s.locks.acquire(ctx, key, tx.s.lockTimeout); err != nil {
		return err
	}
	tx.held[key] = struct{}{}
	return nil
}

func (tx *memTx) releaseAll() {
	for key := range tx.held {
		tx.s.locks.release(key)
	}
	tx.held = nil
	tx.done = true
}

func (tx *memTx) rollback() {
	if tx.done {
		return
	}
	tx.releaseAll()
}

func (tx *memTx) commit() error {
	if tx.done {
		return nil
	}
	s := tx.s
	s.mu.Lock()
	for _, p := range tx.payments {
		if p == nil {
			continue
		}
		if err := s.checkPaymentUnique(p, tx.payments); err != nil {
			s.mu.Unlock()
			tx.releaseAll()
			return err
		}
	}
	for id, p := range tx.products {
		s.products[id] = p
	}
	for id, o := range tx.orders {
		s.orders[id] = o
	}
	for id, p := range tx.payments {
		if p == nil {
			delete(s.payments, id)
			continue
		}
		s.payments[id] = p
	}
	for id, sess := range tx.sessions {
		s.sessions[id] = sess
	}
	for id, a := range tx.addresses {
		s.addresses[id] = a
	}
	s.mu.Unlock()

	tx.releaseAll()
	return nil
}

// checkPaymentUnique must be called with s.mu held. Staged rows shadow the
// committed ones; a nil staged row is a pending delete.
func (s *MemoryStore) checkPaymentUnique(p *model.PaymentRecord, staged map[string]*model.PaymentRecord) error {
	clash := func(other *model.PaymentRecord) error {
		if other == nil || other.ID == p.ID {
			return nil
		}
		if p.OrderID != nil && other.OrderID != nil && *p.OrderID == *other.OrderID {
			return fmt.Errorf("%w: payment for order %d", ErrDuplicate, *p.OrderID)
		}
		if p.IntentID != nil && other.IntentID != nil && *p.IntentID == *other.IntentID {
			return fmt.Errorf("%w: payment for intent %s", ErrDuplicate, *p.IntentID)
		}
		return nil
	}
	for id, other := range s.payments {
		if st, ok := staged[id]; ok {
			other = st
		}
		if err := clash(other); err != nil {
			return err
		}
	}
	for id, other := range staged {
		if _, ok := s.payments[id]; ok {
			continue
		}
		if err := clash(other); err != nil {
			return err
		}
	}
	return nil
}

// --- products ---

func (tx *memTx) product(id string) (*model.Product, error) {
	if p, ok := tx.products[id]; ok {
		c := *p
		return &c, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	p, ok := tx.s.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (tx *memTx) GetProduct(ctx context.Context, id string) (*model.Product, error) {
	return tx.product(id)
}

func (tx *memTx) LockProduct(ctx context.Context, id string) (*model.Product, error) {
	if err := tx.lock(ctx, "product:"+id); err != nil {
		return nil, err
	}
	return tx.product(id)
}

func (tx *memTx) UpdateProductStock(ctx context.Context, id string, stock int) error {
	p, err := tx.product(id)
	if err != nil {
		return err
	}
	p.Stock = stock
	p.UpdatedAt = time.Now()
	tx.products[id] = p
	return nil
}

// --- orders ---

func (tx *memTx) order(id int64) (*model.Order, error) {
	if o, ok := tx.orders[id]; ok {
		return o.Clone(), nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

// allOrders merges committed and staged orders.
func (tx *memTx) allOrders() map[int64]*model.Order {
	tx.s.mu.Lock()
	out := make(map[int64]*model.Order, len(tx.s.orders)+len(tx.orders))
	for id, o := range tx.s.orders {
		out[id] = o
	}
	tx.s.mu.Unlock()
	for id, o := range tx.orders {
		out[id] = o
	}
	return out
}

func (tx *memTx) InsertOrder(ctx context.Context, o *model.Order) error {
	tx.s.mu.Lock()
	tx.s.orderSeq++
	o.ID = tx.s.orderSeq
	for i := range o.Items {
		tx.s.itemSeq++
		o.Items[i].ID = tx.s.itemSeq
		o.Items[i].OrderID = o.ID
	}
	tx.s.mu.Unlock()

	tx.orders[o.ID] = o.Clone()
	return nil
}

func (tx *memTx) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return tx.order(id)
}

func (tx *memTx) GetOrderByUUID(ctx context.Context, uuid string) (*model.Order, error) {
	for _, o := range tx.allOrders() {
		if o.UUID == uuid {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	if err := tx.lock(ctx, fmt.Sprintf("order:%d", id)); err != nil {
		return nil, err
	}
	return tx.order(id)
}

func (tx *memTx) UpdateOrderStatus(ctx context.Context, id int64, status model.OrderStatus, at time.Time) error {
	o, err := tx.order(id)
	if err != nil {
		return err
	}
	o.Status = status
	o.UpdatedAt = at
	tx.orders[id] = o
	return nil
}

func (tx *memTx) ListOrdersByUser(ctx context.Context, userID string) ([]*model.Order, error) {
	var out []*model.Order
	for _, o := range tx.allOrders() {
		if o.UserID == userID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (tx *memTx) ListExpiredOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error) {
	var ids []int64
	for id, o := range tx.allOrders() {
		if o.Status == model.OrderPending && o.CreatedAt.Before(createdBefore) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// --- payments ---

func (tx *memTx) payment(id string) (*model.PaymentRecord, error) {
	if p, ok := tx.payments[id]; ok {
		if p == nil {
			return nil, ErrNotFound
		}
		return p.Clone(), nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	p, ok := tx.s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (tx *memTx) findPayment(match func(p *model.PaymentRecord) bool) (*model.PaymentRecord, error) {
	tx.s.mu.Lock()
	all := make(map[string]*model.PaymentRecord, len(tx.s.payments))
	for id, p := range tx.s.payments {
		all[id] = p
	}
	tx.s.mu.Unlock()
	for id, p := range tx.payments {
		all[id] = p
	}
	for _, p := range all {
		if p != nil && match(p) {
			return p.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memTx) InsertPayment(ctx context.Context, p *model.PaymentRecord) error {
	tx.s.mu.Lock()
	err := tx.s.checkPaymentUnique(p, tx.payments)
	tx.s.mu.Unlock()
	if err != nil {
		return err
	}
	tx.payments[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error) {
	return tx.payment(id)
}

func (tx *memTx) GetPaymentByOrder(ctx context.Context, orderID int64) (*model.PaymentRecord, error) {
	return tx.findPayment(func(p *model.PaymentRecord) bool {
		return p.OrderID != nil && *p.OrderID == orderID
	})
}

func (tx *memTx) GetPaymentByIntent(ctx context.Context, intentID string) (*model.PaymentRecord, error) {
	return tx.findPayment(func(p *model.PaymentRecord) bool {
		return p.IntentID != nil && *p.IntentID == intentID
	})
}

func (tx *memTx) LockPaymentByIntent(ctx context.Context, intentID string) (*model.PaymentRecord, error) {
	p, err := tx.GetPaymentByIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if err := tx.lock(ctx, "payment:"+p.ID); err != nil {
		return nil, err
	}
	return tx.payment(p.ID)
}

func (tx *memTx) UpdatePayment(ctx context.Context, p *model.PaymentRecord) error {
	if _, err := tx.payment(p.ID); err != nil {
		return err
	}
	tx.s.mu.Lock()
	err := tx.s.checkPaymentUnique(p, tx.payments)
	tx.s.mu.Unlock()
	if err != nil {
		return err
	}
	tx.payments[p.ID] = p.Clone()
	return nil
}

func (tx *memTx) DeletePayment(ctx context.Context, id string) error {
	if _, err := tx.payment(id); err != nil {
		return err
	}
	tx.payments[id] = nil
	return nil
}

// --- checkout sessions ---

func (tx *memTx) session(id string) (*model.CheckoutSession, error) {
	if s, ok := tx.sessions[id]; ok {
		return s.Clone(), nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	s, ok := tx.s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (tx *memTx) InsertSession(ctx context.Context, s *model.CheckoutSession) error {
	if _, err := tx.session(s.ID); err == nil {
		return fmt.Errorf("%w: session %s", ErrDuplicate, s.ID)
	}
	tx.sessions[s.ID] = s.Clone()
	return nil
}

func (tx *memTx) GetSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	return tx.session(id)
}

func (tx *memTx) LockSession(ctx context.Context, id string) (*model.CheckoutSession, error) {
	if err := tx.lock(ctx, "session:"+id); err != nil {
		return nil, err
	}
	return tx.session(id)
}

func (tx *memTx) UpdateSession(ctx context.Context, s *model.CheckoutSession) error {
	if _, err := tx.session(s.ID); err != nil {
		return err
	}
	tx.sessions[s.ID] = s.Clone()
	return nil
}

// --- addresses and users ---

func (tx *memTx) InsertAddress(ctx context.Context, a *model.ShippingAddress) error {
	if _, err := tx.GetAddress(ctx, a.ID); err == nil {
		return fmt.Errorf("%w: address %s", ErrDuplicate, a.ID)
	}
	c := *a
	tx.addresses[a.ID] = &c
	return nil
}

func (tx *memTx) GetAddress(ctx context.Context, id string) (*model.ShippingAddress, error) {
	if a, ok := tx.addresses[id]; ok {
		c := *a
		return &c, nil
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	a, ok := tx.s.addresses[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *a
	return &c, nil
}

func (tx *memTx) GetUserEmail(ctx context.Context, userID string) (string, error) {
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	email, ok := tx.s.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	return email, nil
}
