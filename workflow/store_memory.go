package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const memoryTransactionContextKey contextKey = "memory_transaction"

// memoryRunStore 内存实现, 给测试和单进程使用
// 保存的是序列化之后的Po, 和gorm实现走同一套编解码
type memoryRunStore struct {
	mu     sync.Mutex
	txMu   sync.Mutex
	runs   map[string]*RunPo
	tokens map[string]*TokenPo
}

func NewMemoryRunStore() RunStore {
	return &memoryRunStore{
		runs:   make(map[string]*RunPo),
		tokens: make(map[string]*TokenPo),
	}
}

func (s *memoryRunStore) SaveRun(ctx context.Context, run *Run, status RunStatus) error {
	if run == nil {
		return errors.New("nil Run")
	}
	po, err := NewRunPo(run, status)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.runs[run.ID]
	switch {
	case run.Version == 0 && ok:
		return errors.WithMessagef(ErrRunVersionConflict, "run %s already exists", run.ID)
	case run.Version != 0 && (!ok || existing.Version != run.Version):
		return errors.WithMessagef(ErrRunVersionConflict, "run: %s, version: %d", run.ID, run.Version)
	}
	if po.CreatedAt == 0 {
		po.CreatedAt = now
	}
	po.UpdatedAt = now
	po.Version = run.Version + 1
	if tx := memoryTxFrom(ctx); tx != nil {
		if _, seen := tx.runs[run.ID]; !seen {
			tx.runs[run.ID] = existing
		}
	}
	s.runs[run.ID] = po
	run.Version = po.Version
	run.Status = status
	run.CreatedAt = po.CreatedAt
	run.UpdatedAt = now
	return nil
}

func (s *memoryRunStore) LoadRunByID(ctx context.Context, id string) (*Run, error) {
	s.mu.Lock()
	po, ok := s.runs[id]
	s.mu.Unlock()
	if !ok {
		return nil, errors.WithMessagef(ErrRunNotFound, "run: %s", id)
	}
	return po.ToRun()
}

func (s *memoryRunStore) SaveToken(ctx context.Context, token *Token, version int64) error {
	if token == nil {
		return errors.New("nil Token")
	}
	po, err := NewTokenPo(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tokens[token.ID]
	switch {
	case version == 0 && ok:
		return errors.WithMessagef(ErrRunVersionConflict, "token %s already exists", token.ID)
	case version != 0 && (!ok || existing.Version != version):
		return errors.WithMessagef(ErrRunVersionConflict, "token: %s, version: %d", token.ID, version)
	}
	now := time.Now().Unix()
	po.CreatedAt = now
	if ok {
		po.CreatedAt = existing.CreatedAt
	}
	po.UpdatedAt = now
	po.Version = version + 1
	if tx := memoryTxFrom(ctx); tx != nil {
		if _, seen := tx.tokens[token.ID]; !seen {
			tx.tokens[token.ID] = existing
		}
	}
	s.tokens[token.ID] = po
	token.Version = po.Version
	return nil
}

func (s *memoryRunStore) LoadTokensForRun(ctx context.Context, runID string) ([]*Token, error) {
	s.mu.Lock()
	pos := make([]*TokenPo, 0)
	for _, po := range s.tokens {
		if po.RunID == runID {
			pos = append(pos, po)
		}
	}
	s.mu.Unlock()
	sort.Slice(pos, func(i, j int) bool { return pos[i].Seq < pos[j].Seq })
	tokens := make([]*Token, 0, len(pos))
	for _, po := range pos {
		token, err := po.ToToken()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

func (s *memoryRunStore) filterRuns(param *QueryRunParams) []*RunPo {
	statusIn := make(map[string]bool, len(param.StatusIn))
	for _, status := range param.StatusIn {
		statusIn[status] = true
	}
	definitionIn := make(map[string]bool, len(param.DefinitionNameIn))
	for _, name := range param.DefinitionNameIn {
		definitionIn[name] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pos := make([]*RunPo, 0)
	for _, po := range s.runs {
		if param.RunID != nil && po.ID != *param.RunID {
			continue
		}
		if len(statusIn) > 0 && !statusIn[po.Status] {
			continue
		}
		if len(definitionIn) > 0 && !definitionIn[po.DefinitionName] {
			continue
		}
		if param.CreatedAfter != nil && po.CreatedAt <= *param.CreatedAfter {
			continue
		}
		copied := *po
		pos = append(pos, &copied)
	}
	return pos
}

func (s *memoryRunStore) QueryRuns(ctx context.Context, param *QueryRunParams) ([]*RunPo, error) {
	if param == nil {
		return nil, errors.New("nil QueryRunParams")
	}
	if param.Page == nil {
		return nil, errors.New("page is nil")
	}
	pos := s.filterRuns(param)
	asc := param.OrderbyCreatedAsc == nil || *param.OrderbyCreatedAsc
	sort.Slice(pos, func(i, j int) bool {
		if pos[i].CreatedAt != pos[j].CreatedAt {
			return (pos[i].CreatedAt < pos[j].CreatedAt) == asc
		}
		return (pos[i].ID < pos[j].ID) == asc
	})
	if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
		return pos, nil
	}
	normalizePager(param.Page)
	start := int((param.Page.Page - 1) * param.Page.Size)
	if start >= len(pos) {
		return []*RunPo{}, nil
	}
	end := start + int(param.Page.Size)
	if end > len(pos) {
		end = len(pos)
	}
	return pos[start:end], nil
}

func (s *memoryRunStore) CountRuns(ctx context.Context, param *QueryRunParams) (int64, error) {
	if param == nil {
		return 0, errors.New("nil QueryRunParams")
	}
	return int64(len(s.filterRuns(param))), nil
}

// memoryTx 记录事务里面被覆盖之前的值, nil表示之前不存在
type memoryTx struct {
	runs   map[string]*RunPo
	tokens map[string]*TokenPo
}

func memoryTxFrom(ctx context.Context) *memoryTx {
	tx, _ := ctx.Value(memoryTransactionContextKey).(*memoryTx)
	return tx
}

// Transaction 失败时把事务里面写过的run和token恢复原样, 同一时间只有一个事务
func (s *memoryRunStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if memoryTxFrom(ctx) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	tx := &memoryTx{
		runs:   make(map[string]*RunPo),
		tokens: make(map[string]*TokenPo),
	}
	if err := fn(context.WithValue(ctx, memoryTransactionContextKey, tx)); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		for id, po := range tx.runs {
			if po == nil {
				delete(s.runs, id)
			} else {
				s.runs[id] = po
			}
		}
		for id, po := range tx.tokens {
			if po == nil {
				delete(s.tokens, id)
			} else {
				s.tokens[id] = po
			}
		}
		return err
	}
	return nil
}
