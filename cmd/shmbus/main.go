package main

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/downfa11-org/shmbus/pkg/conductor"
	"github.com/downfa11-org/shmbus/pkg/config"
	"github.com/downfa11-org/shmbus/pkg/logbuffer"
	"github.com/downfa11-org/shmbus/pkg/metrics"
)

// Demo driver: creates a log buffer, plays the media driver by writing
// frames into it, and consumes them through a subscription, exercising
// the full image lifecycle down to deletion.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	fmt.Printf("🚀 Starting shmbus demo (term length %d, linger %v)\n", cfg.TermLength, cfg.LingerTimeout())
	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	const sessionID = 7
	const streamID = 1001
	logPath := filepath.Join(cfg.Dir, fmt.Sprintf("shmbus-%d-%d.logbuffer", streamID, sessionID))

	writer, err := logbuffer.CreateWriter(logPath, cfg.TermLength, sessionID, streamID)
	if err != nil {
		log.Fatalf("❌ Failed to create log buffer: %v", err)
	}
	defer writer.Close()

	for i := 0; i < 10; i++ {
		if _, err := writer.Append([]byte(fmt.Sprintf("message-%d", i))); err != nil {
			log.Fatalf("❌ Failed to append frame: %v", err)
		}
	}
	if err := writer.Sync(); err != nil {
		log.Fatalf("❌ Failed to sync log buffer: %v", err)
	}

	cond := conductor.NewConductor(cfg)
	cond.Start()
	defer cond.Close()

	sub, err := cond.AddSubscription("shm:demo", streamID)
	if err != nil {
		log.Fatalf("❌ Failed to add subscription: %v", err)
	}
	correlationID, err := cond.OnAvailableImage(sub, logPath, sessionID)
	if err != nil {
		log.Fatalf("❌ Failed to attach image: %v", err)
	}

	total := 0
	for total < 10 {
		n := sub.Poll(func(payload []byte, header logbuffer.Header) {
			fmt.Printf("📩 session %d offset %d: %s\n", header.SessionID(), header.TermOffset(), payload)
		}, cfg.FragmentLimit)
		if n == 0 {
			time.Sleep(cfg.IdleInterval())
			continue
		}
		total += n
	}

	fmt.Printf("✅ Consumed %d fragments, retiring image %d\n", total, correlationID)
	cond.OnUnavailableImage(sub, correlationID)

	// Wait out the linger interval so the conductor deletes the image.
	time.Sleep(cfg.LingerTimeout() + 2*cfg.IdleInterval())
	cond.CloseSubscription(sub)

	frames, err := logbuffer.ReadLog(logPath)
	if err != nil {
		log.Fatalf("❌ Failed to inspect log: %v", err)
	}
	fmt.Printf("🔍 Log inspection: %d committed frames\n", len(frames))
}
