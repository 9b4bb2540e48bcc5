package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iron-fish/oreowallet-mono/pkg/errs"
)

// MemoryStore keeps the ledger in process memory. It backs unit tests and
// LEDGER_BACKEND=memory.
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	unstable map[string]map[int64]*UnstableAccount
	genesis  string
	now      func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
		unstable: make(map[string]map[int64]*UnstableAccount),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Save(_ context.Context, acct *Account, originTag uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acct.Address]; ok {
		return "", errs.Conflictf("account %s already exists", acct.Address)
	}
	c := acct.Clone()
	c.Name = AddressToName(c.Address)
	c.OriginTag = originTag
	c.CreatedAt = m.now()
	c.UpdatedAt = c.CreatedAt
	m.accounts[c.Address] = c
	return c.Name, nil
}

func (m *MemoryStore) Get(_ context.Context, address string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(address)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

func (m *MemoryStore) Remove(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(address); err != nil {
		return err
	}
	delete(m.accounts, address)
	delete(m.unstable, address)
	return nil
}

func (m *MemoryStore) AdvanceHead(_ context.Context, address string, from Checkpoint, head int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(address)
	if err != nil {
		return err
	}
	if err := CheckAdvance(a, from, head, hash); err != nil {
		return err
	}
	if head == a.Head {
		return nil
	}
	a.Head, a.Hash = head, hash
	a.UpdatedAt = m.now()
	for seq := range m.unstable[address] {
		if seq <= head {
			delete(m.unstable[address], seq)
		}
	}
	return nil
}

func (m *MemoryStore) ResetHead(_ context.Context, address string, head int64, hash string, needScan bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(address)
	if err != nil {
		return err
	}
	a.Head, a.Hash, a.NeedScan = head, hash, needScan
	a.UpdatedAt = m.now()
	delete(m.unstable, address)
	return nil
}

func (m *MemoryStore) SetCreated(_ context.Context, address string, head int64, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(address)
	if err != nil {
		return err
	}
	a.CreateHead, a.CreateHash = &head, &hash
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) SetNeedScan(_ context.Context, address string, flag bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, err := m.lookup(address)
	if err != nil {
		return err
	}
	a.NeedScan = flag
	a.UpdatedAt = m.now()
	return nil
}

func (m *MemoryStore) Oldest(_ context.Context, limit int) ([]*Account, error) {
	return m.selectAccounts(limit, func(*Account) bool { return true }), nil
}

func (m *MemoryStore) NeedingScan(_ context.Context, limit int) ([]*Account, error) {
	return m.selectAccounts(limit, func(a *Account) bool { return a.NeedScan }), nil
}

func (m *MemoryStore) WithHeadAtLeast(_ context.Context, start int64) ([]*Account, error) {
	return m.selectAccounts(0, func(a *Account) bool { return a.Head >= start }), nil
}

func (m *MemoryStore) GetUnstable(_ context.Context, address string, sequence int64) (*UnstableAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.unstable[address][sequence]
	if !ok {
		return nil, errs.NotFoundf("unstable row %s@%d not found", address, sequence)
	}
	c := *row
	return &c, nil
}

func (m *MemoryStore) PutUnstable(_ context.Context, row *UnstableAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.lookup(row.Address); err != nil {
		return err
	}
	rows, ok := m.unstable[row.Address]
	if !ok {
		rows = make(map[int64]*UnstableAccount)
		m.unstable[row.Address] = rows
	}
	c := *row
	rows[row.Sequence] = &c
	return nil
}

func (m *MemoryStore) DeleteUnstable(_ context.Context, address string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.unstable[address][sequence]; !ok {
		return errs.NotFoundf("unstable row %s@%d not found", address, sequence)
	}
	delete(m.unstable[address], sequence)
	return nil
}

func (m *MemoryStore) ListUnstable(_ context.Context, address string) ([]*UnstableAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*UnstableAccount, 0, len(m.unstable[address]))
	for _, row := range m.unstable[address] {
		c := *row
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) lookup(address string) (*Account, error) {
	a, ok := m.accounts[address]
	if !ok {
		return nil, errs.NotFoundf("account %s not found", address)
	}
	return a, nil
}

func (m *MemoryStore) selectAccounts(limit int, keep func(*Account) bool) []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if keep(a) {
			out = append(out, a.Clone())
		}
	}
	SortByHead(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *MemoryStore) PinGenesis(_ context.Context, hash string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.genesis == "" {
		m.genesis = hash
	}
	return m.genesis, nil
}
