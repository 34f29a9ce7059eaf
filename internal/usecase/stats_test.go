package usecase

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStats_PartitionCounts(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)

	api, err := reg.Open(ctx, "api-v1")
	require.NoError(t, err)
	dynamic, err := reg.Open(ctx, "dynamic-v1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		seed(t, api, fmt.Sprintf("http://app.test/api/products/%d", i), "p")
	}
	for i := 0; i < 5; i++ {
		seed(t, dynamic, fmt.Sprintf("http://app.test/page/%d", i), "d")
	}

	counts, err := NewStatsUseCase(reg).PartitionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"api-v1": 3, "dynamic-v1": 5}, counts)
}

func TestStats_DoesNotCreatePartitions(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)

	counts, err := NewStatsUseCase(reg).PartitionCounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, counts)

	names, err := reg.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestStats_ConcurrentWithWrites(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry(t)
	part, err := reg.Open(ctx, "dynamic-v1")
	require.NoError(t, err)
	stats := NewStatsUseCase(reg)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			seed(t, part, fmt.Sprintf("http://app.test/page/%d", i), "d")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			_, err := stats.PartitionCounts(ctx)
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	counts, err := stats.PartitionCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, counts["dynamic-v1"])
}
