package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Atomic holds the write lock for the whole unit of work and runs it
// against a private copy of the state, which replaces the shared state on
// success. Do not call MemoryStore read methods from inside fn; use the Tx.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(ctx, work); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryStore) GetPortfolio(ctx context.Context, id string) (model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetPortfolio(ctx, id)
}

func (s *MemoryStore) GetAccount(ctx context.Context, id string) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetAccount(ctx, id)
}

func (s *MemoryStore) FindAccount(ctx context.Context, key model.AccountKey) (model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FindAccount(ctx, key)
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetTransaction(ctx, id)
}

func (s *MemoryStore) ListTransactionsByEvent(ctx context.Context, ref model.EventRef) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListTransactionsByEvent(ctx, ref)
}

func (s *MemoryStore) ListTransactionsByAccount(ctx context.Context, accountID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListTransactionsByAccount(ctx, accountID)
}

func (s *MemoryStore) ListCashflows(ctx context.Context, transactionID string) ([]model.Cashflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListCashflows(ctx, transactionID)
}

func (s *MemoryStore) GetPosition(ctx context.Context, id string) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetPosition(ctx, id)
}

func (s *MemoryStore) ListPositions(ctx context.Context, filter model.PositionFilter) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListPositions(ctx, filter)
}

func (s *MemoryStore) GetFlow(ctx context.Context, id string) (model.PositionFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetFlow(ctx, id)
}

func (s *MemoryStore) FlowExists(ctx context.Context, transactionID string, typ model.FlowType) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FlowExists(ctx, transactionID, typ)
}

func (s *MemoryStore) ListFlows(ctx context.Context, positionID string) ([]model.PositionFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListFlows(ctx, positionID)
}

func (s *MemoryStore) ListFlowsByTransaction(ctx context.Context, transactionID string) ([]model.PositionFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListFlowsByTransaction(ctx, transactionID)
}

func (s *MemoryStore) ListFlowsByTrade(ctx context.Context, tradeID string) ([]model.PositionFlow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListFlowsByTrade(ctx, tradeID)
}

func (s *MemoryStore) ListSubPositions(ctx context.Context, positionID string) ([]model.SubPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListSubPositions(ctx, positionID)
}

func (s *MemoryStore) ListLotAllocations(ctx context.Context, flowID string) ([]model.LotAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.ListLotAllocations(ctx, flowID)
}

func (s *MemoryStore) GetEvent(ctx context.Context, ref model.EventRef) (model.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.GetEvent(ctx, ref)
}

// memState is the full dataset. It doubles as the Tx implementation for
// the private copy an Atomic call works on.
type memState struct {
	portfolios   map[string]model.Portfolio
	accounts     map[string]model.Account
	accountKeys  map[string]string // AccountKey.String() → account id
	transactions map[string]model.Transaction
	cashflows    map[string][]model.Cashflow // by transaction id
	positions    map[string]model.Position
	positionSeq  []string // position ids in creation order
	flows        map[string]model.PositionFlow
	flowSeq      int64
	lots         map[string][]model.SubPosition   // by position id, oldest first
	allocations  map[string][]model.LotAllocation // by flow id
	events       map[model.EventRef]model.EventRecord
}

func newMemState() *memState {
	return &memState{
		portfolios:   make(map[string]model.Portfolio),
		accounts:     make(map[string]model.Account),
		accountKeys:  make(map[string]string),
		transactions: make(map[string]model.Transaction),
		cashflows:    make(map[string][]model.Cashflow),
		positions:    make(map[string]model.Position),
		flows:        make(map[string]model.PositionFlow),
		lots:         make(map[string][]model.SubPosition),
		allocations:  make(map[string][]model.LotAllocation),
		events:       make(map[model.EventRef]model.EventRecord),
	}
}

// clone copies every map and every slice value so the copy can be mutated
// without touching m.
func (m *memState) clone() *memState {
	c := &memState{
		portfolios:   maps.Clone(m.portfolios),
		accounts:     maps.Clone(m.accounts),
		accountKeys:  maps.Clone(m.accountKeys),
		transactions: maps.Clone(m.transactions),
		cashflows:    make(map[string][]model.Cashflow, len(m.cashflows)),
		positions:    maps.Clone(m.positions),
		positionSeq:  slices.Clone(m.positionSeq),
		flows:        maps.Clone(m.flows),
		flowSeq:      m.flowSeq,
		lots:         make(map[string][]model.SubPosition, len(m.lots)),
		allocations:  make(map[string][]model.LotAllocation, len(m.allocations)),
		events:       maps.Clone(m.events),
	}
	for k, v := range m.cashflows {
		c.cashflows[k] = slices.Clone(v)
	}
	for k, v := range m.lots {
		c.lots[k] = slices.Clone(v)
	}
	for k, v := range m.allocations {
		c.allocations[k] = slices.Clone(v)
	}
	return c
}

var _ Tx = (*memState)(nil)

func notFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", model.ErrNotFound, entity, id)
}

func (m *memState) GetPortfolio(_ context.Context, id string) (model.Portfolio, error) {
	p, ok := m.portfolios[id]
	if !ok {
		return model.Portfolio{}, notFound("portfolio", id)
	}
	return p, nil
}

func (m *memState) UpsertPortfolio(_ context.Context, p model.Portfolio) error {
	m.portfolios[p.ID] = p
	return nil
}

func (m *memState) GetAccount(_ context.Context, id string) (model.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return model.Account{}, notFound("account", id)
	}
	return a, nil
}

func (m *memState) FindAccount(ctx context.Context, key model.AccountKey) (model.Account, error) {
	id, ok := m.accountKeys[key.String()]
	if !ok {
		return model.Account{}, notFound("account", key.String())
	}
	return m.GetAccount(ctx, id)
}

func (m *memState) InsertAccount(_ context.Context, a model.Account) error {
	key := a.Key().String()
	if _, ok := m.accountKeys[key]; ok {
		return fmt.Errorf("%w: account %s", ErrConflict, key)
	}
	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account id %s", ErrConflict, a.ID)
	}
	m.accounts[a.ID] = a
	m.accountKeys[key] = a.ID
	return nil
}

func (m *memState) UpdateAccountBalance(_ context.Context, id string, balance decimal.Decimal) error {
	a, ok := m.accounts[id]
	if !ok {
		return notFound("account", id)
	}
	a.Balance = balance
	m.accounts[id] = a
	return nil
}

func (m *memState) GetTransaction(_ context.Context, id string) (model.Transaction, error) {
	t, ok := m.transactions[id]
	if !ok {
		return model.Transaction{}, notFound("transaction", id)
	}
	return t, nil
}

func (m *memState) ListTransactionsByEvent(_ context.Context, ref model.EventRef) ([]model.Transaction, error) {
	var result []model.Transaction
	for _, t := range m.transactions {
		if t.Transactable == ref {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Leg < result[j].Leg })
	return result, nil
}

func (m *memState) ListTransactionsByAccount(_ context.Context, accountID string) ([]model.Transaction, error) {
	var result []model.Transaction
	for _, t := range m.transactions {
		if t.DebitAccountID == accountID || t.CreditAccountID == accountID {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].TransactedAt.Equal(result[j].TransactedAt) {
			return result[i].TransactedAt.Before(result[j].TransactedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (m *memState) InsertTransaction(_ context.Context, t model.Transaction) error {
	if _, ok := m.transactions[t.ID]; ok {
		return fmt.Errorf("%w: transaction %s", ErrConflict, t.ID)
	}
	if !t.Transactable.IsZero() {
		for _, existing := range m.transactions {
			if existing.Transactable == t.Transactable && existing.Leg == t.Leg {
				return fmt.Errorf("%w: %s %s leg %d", ErrConflict, t.Transactable.Kind, t.Transactable.ID, t.Leg)
			}
		}
	}
	m.transactions[t.ID] = t
	return nil
}

func (m *memState) UpdateTransaction(_ context.Context, t model.Transaction) error {
	if _, ok := m.transactions[t.ID]; !ok {
		return notFound("transaction", t.ID)
	}
	m.transactions[t.ID] = t
	return nil
}

func (m *memState) DeleteTransaction(_ context.Context, id string) error {
	if _, ok := m.transactions[id]; !ok {
		return notFound("transaction", id)
	}
	delete(m.transactions, id)
	delete(m.cashflows, id)
	return nil
}

func (m *memState) ListCashflows(_ context.Context, transactionID string) ([]model.Cashflow, error) {
	return slices.Clone(m.cashflows[transactionID]), nil
}

func (m *memState) ReplaceCashflows(_ context.Context, transactionID string, flows []model.Cashflow) error {
	m.cashflows[transactionID] = slices.Clone(flows)
	return nil
}

func (m *memState) GetPosition(_ context.Context, id string) (model.Position, error) {
	p, ok := m.positions[id]
	if !ok {
		return model.Position{}, notFound("position", id)
	}
	return p, nil
}

func (m *memState) ListPositions(_ context.Context, filter model.PositionFilter) ([]model.Position, error) {
	var result []model.Position
	for _, id := range m.positionSeq {
		if p := m.positions[id]; filter.Match(p) {
			result = append(result, p)
		}
	}
	return result, nil
}

func (m *memState) UpsertPosition(_ context.Context, p model.Position) error {
	if _, ok := m.positions[p.ID]; !ok {
		m.positionSeq = append(m.positionSeq, p.ID)
	}
	m.positions[p.ID] = p
	return nil
}

func (m *memState) GetFlow(_ context.Context, id string) (model.PositionFlow, error) {
	f, ok := m.flows[id]
	if !ok {
		return model.PositionFlow{}, notFound("position flow", id)
	}
	return f, nil
}

func (m *memState) FlowExists(_ context.Context, transactionID string, typ model.FlowType) (bool, error) {
	for _, f := range m.flows {
		if f.TransactionID == transactionID && f.Type == typ {
			return true, nil
		}
	}
	return false, nil
}

func (m *memState) sortedFlows(keep func(model.PositionFlow) bool) []model.PositionFlow {
	var result []model.PositionFlow
	for _, f := range m.flows {
		if keep(f) {
			result = append(result, f)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

func (m *memState) ListFlows(_ context.Context, positionID string) ([]model.PositionFlow, error) {
	return m.sortedFlows(func(f model.PositionFlow) bool { return f.PositionID == positionID }), nil
}

func (m *memState) ListFlowsByTransaction(_ context.Context, transactionID string) ([]model.PositionFlow, error) {
	return m.sortedFlows(func(f model.PositionFlow) bool { return f.TransactionID == transactionID }), nil
}

func (m *memState) ListFlowsByTrade(_ context.Context, tradeID string) ([]model.PositionFlow, error) {
	return m.sortedFlows(func(f model.PositionFlow) bool { return f.TradeID == tradeID }), nil
}

func (m *memState) InsertFlow(_ context.Context, f *model.PositionFlow) error {
	if _, ok := m.flows[f.ID]; ok {
		return fmt.Errorf("%w: position flow %s", ErrConflict, f.ID)
	}
	if f.TransactionID != "" {
		for _, existing := range m.flows {
			if existing.TransactionID == f.TransactionID && existing.Type == f.Type {
				return fmt.Errorf("%w: %s flow for transaction %s", ErrConflict, f.Type, f.TransactionID)
			}
		}
	}
	m.flowSeq++
	f.Seq = m.flowSeq
	m.flows[f.ID] = *f
	return nil
}

func (m *memState) DeleteFlow(_ context.Context, id string) error {
	if _, ok := m.flows[id]; !ok {
		return notFound("position flow", id)
	}
	delete(m.flows, id)
	delete(m.allocations, id)
	return nil
}

func (m *memState) ListSubPositions(_ context.Context, positionID string) ([]model.SubPosition, error) {
	lots := slices.Clone(m.lots[positionID])
	for i := range lots {
		lots[i].FlowIDs = m.lotFlowIDs(lots[i].ID)
	}
	return lots, nil
}

// lotFlowIDs lists the flows allocated to a lot in append order.
func (m *memState) lotFlowIDs(lotID string) []string {
	var flows []model.PositionFlow
	for flowID, allocs := range m.allocations {
		for _, a := range allocs {
			if a.SubPositionID == lotID {
				flows = append(flows, m.flows[flowID])
				break
			}
		}
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].Seq < flows[j].Seq })
	ids := make([]string, 0, len(flows))
	for _, f := range flows {
		ids = append(ids, f.ID)
	}
	return ids
}

func (m *memState) UpsertSubPosition(_ context.Context, sp model.SubPosition) error {
	sp.FlowIDs = nil
	lots := m.lots[sp.PositionID]
	for i := range lots {
		if lots[i].ID == sp.ID {
			lots[i] = sp
			return nil
		}
	}
	lots = append(lots, sp)
	sort.SliceStable(lots, func(i, j int) bool { return lots[i].Seq < lots[j].Seq })
	m.lots[sp.PositionID] = lots
	return nil
}

func (m *memState) ListLotAllocations(_ context.Context, flowID string) ([]model.LotAllocation, error) {
	return slices.Clone(m.allocations[flowID]), nil
}

func (m *memState) InsertLotAllocations(_ context.Context, allocs []model.LotAllocation) error {
	for _, a := range allocs {
		if _, ok := m.flows[a.FlowID]; !ok {
			return notFound("position flow", a.FlowID)
		}
		m.allocations[a.FlowID] = append(m.allocations[a.FlowID], a)
	}
	return nil
}

func (m *memState) GetEvent(_ context.Context, ref model.EventRef) (model.EventRecord, error) {
	rec, ok := m.events[ref]
	if !ok {
		return model.EventRecord{}, notFound(string(ref.Kind), ref.ID)
	}
	rec.Payload = slices.Clone(rec.Payload)
	return rec, nil
}

func (m *memState) UpsertEvent(_ context.Context, rec model.EventRecord) error {
	rec.Payload = slices.Clone(rec.Payload)
	m.events[rec.Ref()] = rec
	return nil
}
