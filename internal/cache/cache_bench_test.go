package cache

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func BenchmarkInMemoryCache_Get_Hit(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()
	c.Set(ctx, "int-1", catalog, time.Hour)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(ctx, "int-1")
	}
}

func BenchmarkInMemoryCache_Get_Miss(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Get(ctx, "nonexistent")
	}
}

func BenchmarkInMemoryCache_Parallel(b *testing.B) {
	c := NewInMemoryCache()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		c.Set(ctx, fmt.Sprintf("int-%d", i), catalog, time.Hour)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			c.Get(ctx, fmt.Sprintf("int-%d", i%100))
			i++
		}
	})
}
