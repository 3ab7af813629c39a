package repository

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"frame-index-go/internal/model"

	"go.uber.org/zap"
)

// annSync 负责把已提交的向量镜像到 ANN 索引。镜像写入或删除失败后索引被标记为落后，
// 检索退回精确扫描，直到 resync 成功。
type annSync struct {
	index ANNIndex
	log   *zap.SugaredLogger
	stale atomic.Bool

	mu             sync.Mutex
	pendingDeletes []model.EsVectorDocument
}

// newANNSync 在未配置 ANN 索引时返回 nil，nil 上的方法都是空操作。
func newANNSync(opts Options) *annSync {
	if opts.ANN == nil {
		return nil
	}
	return &annSync{index: opts.ANN, log: opts.Logger}
}

func (a *annSync) upsert(ctx context.Context, doc model.EsVectorDocument) {
	if a == nil {
		return
	}
	if err := a.index.Upsert(ctx, doc); err != nil {
		a.stale.Store(true)
		a.log.Warnf("[VectorStore] 向量已提交但同步 ANN 索引失败, 检索改用精确扫描, reference_id: %s, error: %v", doc.ReferenceID, err)
	}
}

func (a *annSync) remove(ctx context.Context, docs []model.EsVectorDocument) {
	if a == nil || len(docs) == 0 {
		return
	}
	if err := a.index.Delete(ctx, docs); err != nil {
		a.requeue(docs)
		a.log.Warnf("[VectorStore] 删除 ANN 索引中的向量失败, 检索改用精确扫描, count: %d, error: %v", len(docs), err)
	}
}

func (a *annSync) requeue(docs []model.EsVectorDocument) {
	a.mu.Lock()
	a.pendingDeletes = append(a.pendingDeletes, docs...)
	a.mu.Unlock()
	a.stale.Store(true)
}

// search 在索引可用且未落后时返回 ANN 结果，第二个返回值为 false 时调用方应精确扫描。
func (a *annSync) search(ctx context.Context, q model.SearchQuery) ([]model.SearchResult, bool) {
	if a == nil || a.stale.Load() {
		return nil, false
	}
	results, err := a.index.Search(ctx, q)
	if err != nil {
		a.log.Warnf("[VectorStore] ANN 检索失败, 回退到精确扫描, error: %v", err)
		return nil, false
	}
	return results, true
}

// resync 补做失败的删除，再用 scan 提供的全部已提交向量重写索引。
// 索引未落后时什么也不做。
func (a *annSync) resync(ctx context.Context, scan func(emit func(model.EsVectorDocument) error) error) error {
	if a == nil || !a.stale.CompareAndSwap(true, false) {
		return nil
	}
	a.mu.Lock()
	pending := a.pendingDeletes
	a.pendingDeletes = nil
	a.mu.Unlock()

	if len(pending) > 0 {
		if err := a.index.Delete(ctx, pending); err != nil {
			a.requeue(pending)
			return fmt.Errorf("resync ann deletes: %w", err)
		}
	}
	count := 0
	err := scan(func(doc model.EsVectorDocument) error {
		count++
		return a.index.Upsert(ctx, doc)
	})
	if err != nil {
		a.stale.Store(true)
		return fmt.Errorf("resync ann index: %w", err)
	}
	a.log.Infof("[VectorStore] ANN 索引已重新同步, 向量数: %d", count)
	return nil
}
