package usecase

import (
	"context"
	"fmt"

	"cacheproxy/internal/domain"
)

// StatsUseCase はパーティションごとのエントリ数を集計する
// 読み取り専用でパーティションを作成も削除もしない
type StatsUseCase struct {
	registry domain.CacheRegistry
}

// NewStatsUseCase は新しいStatsUseCaseインスタンスを作成
func NewStatsUseCase(registry domain.CacheRegistry) *StatsUseCase {
	return &StatsUseCase{registry: registry}
}

// PartitionCounts は保存されている全パーティションのエントリ数を返す
func (uc *StatsUseCase) PartitionCounts(ctx context.Context) (map[string]int, error) {
	names, err := uc.registry.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	counts := make(map[string]int, len(names))
	for _, id := range names {
		part, ok, err := uc.registry.Lookup(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to look up partition %s: %w", id, err)
		}
		// 列挙後に削除された
		if !ok {
			continue
		}
		n, err := part.Len(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to count partition %s: %w", id, err)
		}
		counts[id] = n
	}
	return counts, nil
}
