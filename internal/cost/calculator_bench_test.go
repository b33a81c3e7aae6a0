package cost

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/domain"
)

func BenchmarkInMemoryTracker_Record_Parallel(b *testing.B) {
	tracker := NewInMemoryTracker()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tracker.Record(ctx, domain.UsageRecord{
				IntegrationID: fmt.Sprintf("int-%d", i%10),
				UserID:        "u1",
				Model:         "gpt-4",
				PromptTokens:  100,
				TotalCost:     0.01,
				CreatedAt:     time.Now(),
			})
			i++
		}
	})
}

func BenchmarkCalculator_Calculate(b *testing.B) {
	calc := NewCalculator()
	cfg := domain.ProviderConfig{}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Calculate(cfg, 1000, 500)
	}
}

func BenchmarkEstimateTokens(b *testing.B) {
	text := strings.Repeat("streamed text ", 500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EstimateTokens(text)
	}
}
