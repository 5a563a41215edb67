package semaphore

import (
	"context"
	"testing"
)

func BenchmarkTryAcquireRelease(b *testing.B) {
	s, err := NewDynamicSemaphore(8, nil, 0.75)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		p, ok := s.TryAcquire()
		if !ok {
			b.Fatal("acquire failed")
		}
		p.Release()
	}
}

func BenchmarkAcquireWaitContended(b *testing.B) {
	s, err := NewDynamicSemaphore(4, newFakeProbe(1<<40), 0.75, WithPerPermitBytes(1<<20))
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p, err := s.AcquireWait(ctx, 0)
			if err != nil {
				b.Error(err)
				return
			}
			p.Release()
		}
	})
}
