package main

import (
	"flag"
	"log"

	"github.com/downfa11-org/shmbus/pkg/bench"
)

func main() {
	readers := flag.Int("readers", 4, "number of refcount reader goroutines")
	messages := flag.Int("messages", 1000, "messages to write into the log buffer")
	payloadSize := flag.Int("payload", 32, "payload size in bytes")
	termLength := flag.Int("term-length", 1024*1024, "term length in bytes (power of two)")
	fragmentLimit := flag.Int("fragment-limit", 10, "fragments per poll")
	flag.Parse()

	runner := bench.NewBenchmarkRunner(*readers, *messages, *payloadSize, int32(*termLength), *fragmentLimit)
	if err := runner.Run(); err != nil {
		log.Fatalf("❌ Benchmark failed: %v", err)
	}
}
