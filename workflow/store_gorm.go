package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type RunPo struct {
	ID              string    `gorm:"column:id;primaryKey;size:64" json:"id"`
	DefinitionName  string    `gorm:"column:definition_name;size:128;index" json:"definition_name"`
	Status          RunStatus `gorm:"column:status;size:32;index" json:"status"`
	CursorIndex     int       `gorm:"column:cursor_index" json:"cursor_index"`
	Position        string    `gorm:"column:position" json:"position"`
	SideState       []byte    `gorm:"column:side_state" json:"side_state"` // run级别的side state
	CounterInitial  int       `gorm:"column:counter_initial" json:"counter_initial"`
	CounterHalted   int       `gorm:"column:counter_halted" json:"counter_halted"`
	CounterError    int       `gorm:"column:counter_error" json:"counter_error"`
	CounterFinished int       `gorm:"column:counter_finished" json:"counter_finished"`
	Version         int64     `gorm:"column:version" json:"version"`
	CreatedAt       int64     `gorm:"column:created_at" json:"created_at"`
	UpdatedAt       int64     `gorm:"column:updated_at" json:"updated_at"`
}

func (RunPo) TableName() string {
	return "run_instance"
}

type TokenPo struct {
	ID          string      `gorm:"column:id;primaryKey;size:64"`
	RunID       string      `gorm:"column:run_id;size:64;index"`
	Seq         int         `gorm:"column:seq"`
	Payload     []byte      `gorm:"column:payload"`
	SideState   []byte      `gorm:"column:side_state"`
	TaskHistory []byte      `gorm:"column:task_history"`
	Status      TokenStatus `gorm:"column:status;size:32"`
	Position    string      `gorm:"column:position"`
	Abandoned   bool        `gorm:"column:abandoned"`
	Version     int64       `gorm:"column:version"`
	CreatedAt   int64       `gorm:"column:created_at"`
	UpdatedAt   int64       `gorm:"column:updated_at"`
}

func (TokenPo) TableName() string {
	return "run_token"
}

type QueryRunParams struct {
	RunID             *string  `json:"run_id"`
	DefinitionNameIn  []string `json:"definition_name_in"`
	StatusIn          []string `json:"status_in"`
	CreatedAfter      *int64   `json:"created_after"`
	OrderbyCreatedAsc *bool    `json:"orderby_created_asc"`
	Page              *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

// NewRunPo 自定义RunStore的时候可以复用这套编码
func NewRunPo(run *Run, status RunStatus) (*RunPo, error) {
	sideState, err := run.SideState.ToBytes()
	if err != nil {
		return nil, errors.WithMessagef(err, "run %s side state", run.ID)
	}
	return &RunPo{
		ID:              run.ID,
		DefinitionName:  run.DefinitionName,
		Status:          status,
		CursorIndex:     run.Cursor,
		Position:        run.Position.String(),
		SideState:       sideState,
		CounterInitial:  run.Counters.Initial,
		CounterHalted:   run.Counters.Halted,
		CounterError:    run.Counters.Error,
		CounterFinished: run.Counters.Finished,
		Version:         run.Version,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}, nil
}

// ToRun 转成没有绑定定义的run
func (po *RunPo) ToRun() (*Run, error) {
	sideState, err := NewSideStateFromBytes(po.SideState)
	if err != nil {
		return nil, errors.WithMessagef(err, "run %s side state", po.ID)
	}
	position, err := ParsePosition(po.Position)
	if err != nil {
		return nil, err
	}
	return &Run{
		ID:             po.ID,
		DefinitionName: po.DefinitionName,
		Cursor:         po.CursorIndex,
		Position:       position,
		SideState:      sideState,
		Status:         po.Status,
		Counters: Counters{
			Initial:  po.CounterInitial,
			Halted:   po.CounterHalted,
			Error:    po.CounterError,
			Finished: po.CounterFinished,
		},
		Version:   po.Version,
		CreatedAt: po.CreatedAt,
		UpdatedAt: po.UpdatedAt,
	}, nil
}

func NewTokenPo(token *Token) (*TokenPo, error) {
	payload, err := json.Marshal(token.Payload)
	if err != nil {
		return nil, errors.WithMessagef(err, "token %s payload", token.ID)
	}
	sideState, err := token.SideState.ToBytes()
	if err != nil {
		return nil, errors.WithMessagef(err, "token %s side state", token.ID)
	}
	history, err := json.Marshal(token.TaskHistory)
	if err != nil {
		return nil, errors.WithMessagef(err, "token %s task history", token.ID)
	}
	return &TokenPo{
		ID:          token.ID,
		RunID:       token.RunID,
		Seq:         token.Seq,
		Payload:     payload,
		SideState:   sideState,
		TaskHistory: history,
		Status:      token.Status,
		Position:    token.Position.String(),
		Abandoned:   token.Abandoned,
		Version:     token.Version,
	}, nil
}

func (po *TokenPo) ToToken() (*Token, error) {
	token := &Token{
		ID:          po.ID,
		RunID:       po.RunID,
		Seq:         po.Seq,
		Status:      po.Status,
		Abandoned:   po.Abandoned,
		Version:     po.Version,
		TaskHistory: make([]string, 0),
	}
	if len(po.Payload) > 0 {
		if err := json.Unmarshal(po.Payload, &token.Payload); err != nil {
			return nil, errors.WithMessagef(err, "token %s payload", po.ID)
		}
	}
	sideState, err := NewSideStateFromBytes(po.SideState)
	if err != nil {
		return nil, errors.WithMessagef(err, "token %s side state", po.ID)
	}
	token.SideState = sideState
	if len(po.TaskHistory) > 0 {
		if err := json.Unmarshal(po.TaskHistory, &token.TaskHistory); err != nil {
			return nil, errors.WithMessagef(err, "token %s task history", po.ID)
		}
	}
	if token.Position, err = ParsePosition(po.Position); err != nil {
		return nil, err
	}
	return token, nil
}

type gormRunStore struct {
	db *gorm.DB
}

// NewGormRunStore gorm实现, 表需要提前AutoMigrate(&RunPo{}, &TokenPo{})
func NewGormRunStore(db *gorm.DB) RunStore {
	return &gormRunStore{
		db: db,
	}
}

func (r *gormRunStore) SaveRun(ctx context.Context, run *Run, status RunStatus) error {
	if run == nil {
		return fmt.Errorf("nil Run")
	}
	po, err := NewRunPo(run, status)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	db := r.GetDBWithContext(ctx)
	if run.Version == 0 {
		po.Version = 1
		if po.CreatedAt == 0 {
			po.CreatedAt = now
		}
		po.UpdatedAt = now
		if err := db.Create(po).Error; err != nil {
			return errors.WithMessage(err, "CreateRun failed")
		}
		run.CreatedAt = po.CreatedAt
	} else {
		result := db.Model(&RunPo{}).
			Where("id = ? AND version = ?", run.ID, run.Version).
			Updates(map[string]any{
				"status":           po.Status,
				"cursor_index":     po.CursorIndex,
				"position":         po.Position,
				"side_state":       po.SideState,
				"counter_initial":  po.CounterInitial,
				"counter_halted":   po.CounterHalted,
				"counter_error":    po.CounterError,
				"counter_finished": po.CounterFinished,
				"version":          run.Version + 1,
				"updated_at":       now,
			})
		if result.Error != nil {
			return errors.WithMessage(result.Error, "UpdateRun failed")
		}
		if result.RowsAffected == 0 {
			return errors.WithMessagef(ErrRunVersionConflict, "run: %s, version: %d", run.ID, run.Version)
		}
	}
	run.Version++
	run.Status = status
	run.UpdatedAt = now
	return nil
}

func (r *gormRunStore) LoadRunByID(ctx context.Context, id string) (*Run, error) {
	pos := make([]*RunPo, 0, 1)
	if err := r.GetDBWithContext(ctx).Where("id = ?", id).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "LoadRunByID failed")
	}
	if len(pos) == 0 {
		return nil, errors.WithMessagef(ErrRunNotFound, "run: %s", id)
	}
	return pos[0].ToRun()
}

func (r *gormRunStore) SaveToken(ctx context.Context, token *Token, version int64) error {
	if token == nil {
		return errors.New("nil Token")
	}
	po, err := NewTokenPo(token)
	if err != nil {
		return err
	}
	now := time.Now().Unix()
	db := r.GetDBWithContext(ctx)
	if version == 0 {
		po.Version = 1
		po.CreatedAt = now
		po.UpdatedAt = now
		if err := db.Create(po).Error; err != nil {
			return errors.WithMessage(err, "CreateToken failed")
		}
	} else {
		result := db.Model(&TokenPo{}).
			Where("id = ? AND version = ?", token.ID, version).
			Updates(map[string]any{
				"payload":      po.Payload,
				"side_state":   po.SideState,
				"task_history": po.TaskHistory,
				"status":       po.Status,
				"position":     po.Position,
				"abandoned":    po.Abandoned,
				"version":      version + 1,
				"updated_at":   now,
			})
		if result.Error != nil {
			return errors.WithMessage(result.Error, "UpdateToken failed")
		}
		if result.RowsAffected == 0 {
			return errors.WithMessagef(ErrRunVersionConflict, "token: %s, version: %d", token.ID, version)
		}
	}
	token.Version = version + 1
	return nil
}

func (r *gormRunStore) LoadTokensForRun(ctx context.Context, runID string) ([]*Token, error) {
	pos := make([]*TokenPo, 0)
	if err := r.GetDBWithContext(ctx).Where("run_id = ?", runID).Order("seq asc").Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "LoadTokensForRun failed")
	}
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

func buildQueryRunParams(db *gorm.DB, isCount bool, param *QueryRunParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryRunParams")
	}
	if param.RunID != nil {
		db = db.Where("id = ?", *param.RunID)
	}
	if len(param.DefinitionNameIn) != 0 {
		db = db.Where("definition_name IN ?", param.DefinitionNameIn)
	}
	if len(param.StatusIn) != 0 {
		db = db.Where("status IN ?", param.StatusIn)
	}
	if param.CreatedAfter != nil {
		db = db.Where("created_at > ?", *param.CreatedAfter)
	}
	if param.OrderbyCreatedAsc != nil && !isCount {
		// 排序处理
		if *param.OrderbyCreatedAsc {
			db = db.Order("created_at asc").Order("id asc")
		} else {
			db = db.Order("created_at desc").Order("id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		normalizePager(param.Page)
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func normalizePager(page *Pager) {
	if page.Page == 0 {
		page.Page = 1
	}
	if page.Size == 0 {
		page.Size = 10
	}
}

func (r *gormRunStore) QueryRuns(ctx context.Context, param *QueryRunParams) ([]*RunPo, error) {
	if param == nil {
		return nil, fmt.Errorf("nil QueryRunParams")
	}
	db := r.GetDBWithContext(ctx).Model(&RunPo{})
	db, err := buildQueryRunParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryRunParams failed")
	}
	pos := make([]*RunPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "QueryRuns failed")
	}
	return pos, nil
}

func (r *gormRunStore) CountRuns(ctx context.Context, param *QueryRunParams) (int64, error) {
	if param == nil {
		return 0, fmt.Errorf("nil QueryRunParams")
	}
	db := r.GetDBWithContext(ctx).Model(&RunPo{})
	db, err := buildQueryRunParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryRunParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "CountRuns failed")
	}
	return count, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *gormRunStore) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *gormRunStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(transactionContextKey) != nil {
		// 已经在事务里面了
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, transactionContextKey, tx))
	})
}
