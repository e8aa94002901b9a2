package queue

import (
	"context"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ostafen/clover"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-offline/types"
	"github.com/saiset-co/sai-offline/utils"
)

type CloverConfig struct {
	Path       string `json:"path"`
	Collection string `json:"collection"`
}

// CloverQueue stores one document per mutation and replays them sorted by seq.
type CloverQueue struct {
	db     *clover.DB
	logger types.Logger
	config *CloverConfig
	seq    int64
	mu     sync.Mutex
	state  atomic.Value
}

func NewCloverQueue(logger types.Logger, config *types.QueueConfig) (*CloverQueue, error) {
	cloverConfig := &CloverConfig{
		Path:       "./data/queue",
		Collection: "mutations",
	}

	if config.Config != nil {
		if err := utils.UnmarshalConfig(config.Config, cloverConfig); err != nil {
			return nil, types.WrapError(err, "failed to unmarshal clover queue config")
		}
	}

	if err := os.MkdirAll(cloverConfig.Path, 0o755); err != nil {
		return nil, types.WrapError(err, "failed to create CloverDB directory")
	}

	db, err := clover.Open(cloverConfig.Path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open CloverDB")
	}

	q := &CloverQueue{
		db:     db,
		logger: logger,
		config: cloverConfig,
	}

	q.state.Store(StateStopped)
	return q, nil
}

func (c *CloverQueue) Start() error {
	if !c.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	defer func() {
		if c.getState() == StateStarting {
			c.setState(StateRunning)
		}
	}()

	if err := c.ensureCollection(); err != nil {
		c.setState(StateStopped)
		return err
	}

	last, err := c.db.Query(c.config.Collection).
		Sort(clover.SortOption{Field: "seq", Direction: -1}).
		Limit(1).
		FindAll()
	if err != nil {
		c.setState(StateStopped)
		return types.WrapError(err, "failed to read last sequence")
	}

	if len(last) > 0 {
		c.seq = toInt64(last[0].Get("seq"))
	}

	c.logger.Info("CloverDB mutation queue started",
		zap.String("path", c.config.Path),
		zap.Int64("last_seq", c.seq))
	return nil
}

func (c *CloverQueue) Stop() error {
	if !c.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer func() {
		c.setState(StateStopped)
	}()

	if err := c.db.Close(); err != nil {
		return types.WrapError(err, "failed to close CloverDB")
	}

	c.logger.Info("CloverDB mutation queue stopped gracefully")
	return nil
}

func (c *CloverQueue) IsRunning() bool {
	return c.getState() == StateRunning
}

func (c *CloverQueue) Enqueue(_ context.Context, mutation *types.Mutation) (string, error) {
	stored, err := prepare(mutation)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored.Seq = c.seq + 1

	doc, err := toDocument(stored)
	if err != nil {
		return "", err
	}

	if err := c.db.Insert(c.config.Collection, doc); err != nil {
		return "", types.Errorf(types.ErrStorageFailure, "insert mutation: %v", err)
	}

	c.seq = stored.Seq
	return stored.ID, nil
}

func (c *CloverQueue) Iterate(ctx context.Context, fn func(mutation *types.Mutation) (bool, error)) error {
	return iteratePages(ctx, c.page, fn)
}

func (c *CloverQueue) page(afterSeq int64, limit int) ([]*types.Mutation, error) {
	docs, err := c.db.Query(c.config.Collection).
		Where(clover.Field("seq").Gt(float64(afterSeq))).
		Sort(clover.SortOption{Field: "seq", Direction: 1}).
		Limit(limit).
		FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "read mutations: %v", err)
	}

	return fromDocuments(docs)
}

func (c *CloverQueue) List(_ context.Context) ([]*types.Mutation, error) {
	docs, err := c.db.Query(c.config.Collection).
		Sort(clover.SortOption{Field: "seq", Direction: 1}).
		FindAll()
	if err != nil {
		return nil, types.Errorf(types.ErrStorageFailure, "read mutations: %v", err)
	}

	return fromDocuments(docs)
}

func (c *CloverQueue) Remove(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := c.db.Query(c.config.Collection).Where(clover.Field("id").Eq(id))

	count, err := query.Count()
	if err != nil {
		return types.Errorf(types.ErrStorageFailure, "count mutation: %v", err)
	}
	if count == 0 {
		return types.Errorf(types.ErrQueueEntryNotFound, "id: %s", id)
	}

	if err := query.Delete(); err != nil {
		return types.Errorf(types.ErrStorageFailure, "delete mutation: %v", err)
	}

	return nil
}

func (c *CloverQueue) IncrementAttempts(_ context.Context, id string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := c.db.Query(c.config.Collection).Where(clover.Field("id").Eq(id))

	docs, err := query.FindAll()
	if err != nil {
		return 0, types.Errorf(types.ErrStorageFailure, "read mutation: %v", err)
	}
	if len(docs) == 0 {
		return 0, types.Errorf(types.ErrQueueEntryNotFound, "id: %s", id)
	}

	attempts := int(toInt64(docs[0].Get("attempts"))) + 1

	if err := query.Update(map[string]interface{}{"attempts": float64(attempts)}); err != nil {
		return 0, types.Errorf(types.ErrStorageFailure, "update mutation: %v", err)
	}

	return attempts, nil
}

func (c *CloverQueue) Len(_ context.Context) (int, error) {
	count, err := c.db.Query(c.config.Collection).Count()
	if err != nil {
		return 0, types.Errorf(types.ErrStorageFailure, "count mutations: %v", err)
	}

	return count, nil
}

func (c *CloverQueue) ensureCollection() error {
	exists, err := c.db.HasCollection(c.config.Collection)
	if err != nil {
		return types.WrapError(err, "failed to check collection existence")
	}

	if !exists {
		if err := c.db.CreateCollection(c.config.Collection); err != nil {
			return types.WrapError(err, "failed to create collection")
		}
	}

	return nil
}

func (c *CloverQueue) getState() State {
	return c.state.Load().(State)
}

func (c *CloverQueue) setState(newState State) bool {
	currentState := c.getState()
	return c.state.CompareAndSwap(currentState, newState)
}

func (c *CloverQueue) transitionState(from, to State) bool {
	return c.state.CompareAndSwap(from, to)
}

// toDocument flattens the mutation through JSON so every field holds a plain JSON value
// and numeric comparisons behave the same before and after a reload.
func toDocument(mutation *types.Mutation) (*clover.Document, error) {
	data, err := utils.Marshal(mutation)
	if err != nil {
		return nil, types.Errorf(types.ErrQueueEntryInvalid, "marshal mutation: %v", err)
	}

	fields := make(map[string]interface{})
	if err := utils.Unmarshal(data, &fields); err != nil {
		return nil, types.Errorf(types.ErrQueueEntryInvalid, "flatten mutation: %v", err)
	}

	doc := clover.NewDocument()
	for key, value := range fields {
		doc.Set(key, value)
	}

	return doc, nil
}

func fromDocuments(docs []*clover.Document) ([]*types.Mutation, error) {
	mutations := make([]*types.Mutation, 0, len(docs))

	for _, doc := range docs {
		mutation := &types.Mutation{}
		if err := doc.Unmarshal(mutation); err != nil {
			return nil, types.Errorf(types.ErrStorageFailure, "decode mutation: %v", err)
		}
		mutations = append(mutations, mutation)
	}

	return mutations, nil
}

func toInt64(value interface{}) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	default:
		return 0
	}
}
