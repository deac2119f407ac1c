package position

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"stakeflow/internal/model"
)

// Store 每条链一个仓位，所有写操作都在锁内一次性完成，读到的都是完整快照
type Store struct {
	mu        sync.RWMutex
	positions map[model.ChainID]*model.Position

	// gen 在本地改写余额时递增（Complete/Reset/Seed），applied 是最后一次生效的对账读取序号
	gen     map[model.ChainID]uint64
	applied map[model.ChainID]uint64
	readSeq uint64
}

// ReadMark 对账开始读链时的位置，Overwrite 用它拒绝过期的读取结果
type ReadMark struct {
	Holder string
	gen    uint64
	seq    uint64
}

func NewStore() *Store {
	return &Store{
		positions: make(map[model.ChainID]*model.Position),
		gen:       make(map[model.ChainID]uint64),
		applied:   make(map[model.ChainID]uint64),
	}
}

// Attach 链第一次接入时创建空仓位，已存在时保持不变
func (s *Store) Attach(chainID model.ChainID, kind model.ChainKind, holder string) model.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.positions[chainID]; ok {
		return p.Clone()
	}
	p := &model.Position{
		ChainID:        chainID,
		Kind:           kind,
		Holder:         holder,
		StakedAmount:   decimal.Zero,
		DerivedBalance: decimal.Zero,
	}
	s.positions[chainID] = p
	return p.Clone()
}

// Seed 用缓存的快照填充刚接入、还没对过账的仓位
func (s *Store) Seed(snap model.Position) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[snap.ChainID]
	if !ok || p.PendingOp != nil || p.LastReconciledAt != nil || p.Holder == "" || p.Holder != snap.Holder {
		return false
	}
	p.StakedAmount = nonNegative(snap.StakedAmount)
	p.DerivedBalance = nonNegative(snap.DerivedBalance)
	s.gen[snap.ChainID]++
	if snap.LastReconciledAt != nil {
		t := *snap.LastReconciledAt
		p.LastReconciledAt = &t
	}
	return true
}

// BeginRead 在读链之前取快照和读取标记
func (s *Store) BeginRead(chainID model.ChainID) (model.Position, ReadMark) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[chainID]
	if !ok {
		return model.Position{}, ReadMark{}
	}
	s.readSeq++
	return p.Clone(), ReadMark{Holder: p.Holder, gen: s.gen[chainID], seq: s.readSeq}
}

func (s *Store) Get(chainID model.ChainID) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[chainID]
	if !ok {
		return model.Position{}, false
	}
	return p.Clone(), true
}

func (s *Store) All() []model.Position {
	s.mu.RLock()
	list := make([]model.Position, 0, len(s.positions))
	for _, p := range s.positions {
		list = append(list, p.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool { return list[i].ChainID < list[j].ChainID })
	return list
}

// Begin 检查并设置进行中的操作，已有操作时直接拒绝，不排队
func (s *Store) Begin(chainID model.ChainID, op model.PendingOp) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[chainID]
	if !ok {
		return model.Position{}, &ValidationError{Field: "chain", Reason: "no position for " + string(chainID)}
	}
	if p.PendingOp != nil {
		return model.Position{}, &ConflictError{ChainID: chainID, OperationID: p.PendingOp.ID}
	}
	cp := op
	p.PendingOp = &cp
	return p.Clone(), nil
}

// Complete 应用乐观增量并清除进行中的标记，只有匹配的操作能清除一次
func (s *Store) Complete(chainID model.ChainID, opID string, stakedDelta, derivedDelta decimal.Decimal) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[chainID]
	if !ok || p.PendingOp == nil || p.PendingOp.ID != opID {
		return s.snapshot(p), false
	}
	p.StakedAmount = nonNegative(p.StakedAmount.Add(stakedDelta))
	p.DerivedBalance = nonNegative(p.DerivedBalance.Add(derivedDelta))
	p.PendingOp = nil
	s.gen[chainID]++
	return p.Clone(), true
}

// Abort 终态失败，只清除标记
func (s *Store) Abort(chainID model.ChainID, opID string) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[chainID]
	if !ok || p.PendingOp == nil || p.PendingOp.ID != opID {
		return s.snapshot(p), false
	}
	p.PendingOp = nil
	return p.Clone(), true
}

// Overwrite 链上读取的权威值覆盖本地值，不影响进行中的操作
// 读取开始后钱包切换、本地余额被改写，或者更晚开始的读取已经写入时放弃写入
func (s *Store) Overwrite(chainID model.ChainID, mark ReadMark, staked, derived decimal.Decimal, at time.Time) (model.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[chainID]
	if !ok || p.Holder != mark.Holder || mark.gen != s.gen[chainID] || mark.seq <= s.applied[chainID] {
		return s.snapshot(p), false
	}
	p.StakedAmount = nonNegative(staked)
	p.DerivedBalance = nonNegative(derived)
	p.LastReconciledAt = &at
	s.applied[chainID] = mark.seq
	return p.Clone(), true
}

// Reset 重新初始化（钱包断开或切换），有进行中的操作时拒绝
func (s *Store) Reset(chainID model.ChainID, holder string) (model.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[chainID]
	if !ok {
		return model.Position{}, &ValidationError{Field: "chain", Reason: "no position for " + string(chainID)}
	}
	if p.PendingOp != nil {
		return p.Clone(), &ConflictError{ChainID: chainID, OperationID: p.PendingOp.ID}
	}
	*p = model.Position{
		ChainID:        chainID,
		Kind:           p.Kind,
		Holder:         holder,
		StakedAmount:   decimal.Zero,
		DerivedBalance: decimal.Zero,
	}
	s.gen[chainID]++
	return p.Clone(), nil
}

func (s *Store) snapshot(p *model.Position) model.Position {
	if p == nil {
		return model.Position{}
	}
	return p.Clone()
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
