package pipeline

import (
	"context"
	"fmt"
	"sync"

	"frame-index-go/internal/model"

	"github.com/panjf2000/ants/v2"
)

// IngestAll 批量入库。顺序模式逐个处理；并行模式每次最多启动 max_concurrent 个 item，
// 等这一批全部结束后再启动下一批。一个 item 失败不影响其他 item。
// ctx 被取消后不再启动新的 item，已启动的 item 在脱离取消信号的 context 上继续执行完，
// 未启动的 item 以失败结果返回。结果与 items 一一对应。
func (o *Orchestrator) IngestAll(ctx context.Context, items []model.ItemDescriptor, opts model.IngestOptions) []Result {
	results := make([]Result, len(items))
	if len(items) == 0 {
		return results
	}
	if !opts.Parallel() {
		for i, item := range items {
			if err := ctx.Err(); err != nil {
				o.notStarted(results[i:], items[i:], err)
				break
			}
			results[i] = o.Ingest(context.WithoutCancel(ctx), item, opts)
		}
		return results
	}

	size := opts.MaxConcurrent
	if size <= 0 {
		size = o.defaults.MaxConcurrent
	}
	if size <= 0 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		o.notStarted(results, items, fmt.Errorf("create worker pool: %w", err))
		return results
	}
	defer pool.Release()

	detached := context.WithoutCancel(ctx)
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			o.log.Warnf("[Pipeline] 批量入库被取消, 剩余 %d 个 item 未启动, error: %v", len(items)-start, err)
			o.notStarted(results[start:], items[start:], err)
			break
		}
		end := min(start+size, len(items))
		o.log.Infof("[Pipeline] 启动第 %d 批, item %d-%d / %d", start/size+1, start+1, end, len(items))

		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				results[i] = o.Ingest(detached, items[i], opts)
			})
			if submitErr != nil {
				wg.Done()
				results[i] = failedResult(items[i], fmt.Errorf("submit: %w", submitErr))
			}
		}
		wg.Wait()
	}
	return results
}

func (o *Orchestrator) notStarted(results []Result, items []model.ItemDescriptor, cause error) {
	for i := range items {
		results[i] = failedResult(items[i], fmt.Errorf("not started: %w", cause))
	}
}

func failedResult(item model.ItemDescriptor, err error) Result {
	return Result{
		ReferenceID: item.ReferenceID(),
		Status:      StateFailed,
		Errors:      []string{err.Error()},
		cause:       err,
	}
}
