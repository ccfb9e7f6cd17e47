package bench

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/downfa11-org/shmbus/pkg/conductor"
	"github.com/downfa11-org/shmbus/pkg/config"
	"github.com/downfa11-org/shmbus/pkg/logbuffer"
)

// BenchmarkRunner measures poll throughput for a single image while
// extra reader goroutines hammer its reference count, the contention
// pattern of a subscription shared across threads.
type BenchmarkRunner struct {
	NumReaders    int
	Messages      int
	PayloadSize   int
	TermLength    int32
	FragmentLimit int
}

func NewBenchmarkRunner(readers, messages, payloadSize int, termLength int32, fragmentLimit int) *BenchmarkRunner {
	return &BenchmarkRunner{
		NumReaders:    readers,
		Messages:      messages,
		PayloadSize:   payloadSize,
		TermLength:    termLength,
		FragmentLimit: fragmentLimit,
	}
}

func (b *BenchmarkRunner) Run() error {
	dir, err := os.MkdirTemp("", "shmbus-bench")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	logPath := filepath.Join(dir, "bench.logbuffer")
	writer, err := logbuffer.CreateWriter(logPath, b.TermLength, 1, 1001)
	if err != nil {
		return err
	}
	defer writer.Close()

	payload := make([]byte, b.PayloadSize)
	written := 0
	for ; written < b.Messages; written++ {
		if _, err := writer.Append(payload); err != nil {
			break // term full
		}
	}

	cfg := config.DefaultConfig()
	cfg.Dir = dir
	cfg.TermLength = b.TermLength
	cfg.LingerMS = 1000

	cond := conductor.NewConductor(cfg)
	cond.Start()
	defer cond.Close()

	sub, err := cond.AddSubscription("bench", 1001)
	if err != nil {
		return err
	}
	if _, err := cond.OnAvailableImage(sub, logPath, 1); err != nil {
		return err
	}

	img := sub.ImageBySessionID(1)
	if img == nil {
		return fmt.Errorf("image for session 1 not attached")
	}
	defer img.DecrRefcnt()

	done := make(chan struct{})
	var refcntOps int64
	var wg sync.WaitGroup

	for r := 0; r < b.NumReaders; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ops := int64(0)
			for {
				select {
				case <-done:
					atomic.AddInt64(&refcntOps, ops)
					return
				default:
					img.IncrRefcnt()
					img.DecrRefcnt()
					ops++
				}
			}
		}()
	}

	start := time.Now()
	fragments := 0
	for {
		n := img.Poll(func(payload []byte, header logbuffer.Header) {}, b.FragmentLimit)
		fragments += n
		if n == 0 {
			break
		}
	}
	duration := time.Since(start)
	close(done)
	wg.Wait()

	throughput := float64(fragments) / duration.Seconds()

	fmt.Printf("\n🧪 BENCHMARK RESULT [image poll] 🧪\n")
	fmt.Printf("-------------------------------------\n")
	fmt.Printf(" Refcnt readers: %d\n", b.NumReaders)
	fmt.Printf(" Payload bytes : %d\n", b.PayloadSize)
	fmt.Printf(" Term length   : %d\n", b.TermLength)
	fmt.Printf(" Fragments     : %d\n", fragments)
	fmt.Printf(" Duration      : %v\n", duration)
	fmt.Printf(" Throughput    : %.2f msg/sec\n", throughput)
	fmt.Printf(" Refcnt ops    : %d\n", refcntOps)
	fmt.Printf("-------------------------------------\n")
	return nil
}
