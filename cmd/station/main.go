package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refectory/internal/attendance"
	"refectory/internal/config"
	"refectory/internal/engine"
	"refectory/internal/queue"
	"refectory/internal/store"
	"refectory/internal/vision"
)

// The station drives one camera lane: one engine tick per frame interval.
// Badge decoding and face detection live in the vision sidecar; this process
// only orchestrates and writes attendance.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "refectory:photos")
	}

	cam := vision.New(cfg.VisionURL, cfg.VisionSkip)
	if !cfg.VisionSkip {
		if err := cam.Health(ctx); err != nil {
			log.Printf("WARNING: vision service not available: %v", err)
			log.Println("Station will keep retrying on each frame")
		} else {
			log.Println("Vision service connected")
		}
	}

	repo := attendance.NewRepository(db.Client)

	eng := engine.New(repo, cam, cam, engine.Config{
		CenterTolerance: cfg.CenterTolerance,
		CenteredFrames:  cfg.CenteredFrames,
		Cooldown:        cfg.Cooldown,
		FaceWait:        cfg.FaceWaitTimeout,
	})
	eng.Notify = func(out engine.Outcome) {
		switch out.Kind {
		case engine.StudentNotFound:
			log.Printf("badge %q: no matching student", out.BadgeCode)
		case engine.ExitRegistered:
			log.Printf("exit: %s at %s", out.Student.Name, out.At.Format(time.TimeOnly))
		case engine.EntryRegistered:
			log.Printf("entry: %s at %s", out.Student.Name, out.At.Format(time.TimeOnly))
			if err := q.Publish(ctx, queue.Message{Type: queue.TypePhotoArchive, Body: []byte(out.Record.ID)}); err != nil {
				log.Printf("queue publish failed: %v", err)
			}
		case engine.RegistrationFailed:
			log.Printf("cycle failed for badge %q: %s", out.BadgeCode, out.Reason)
		}
	}

	ticker := time.NewTicker(cfg.FrameInterval)
	defer ticker.Stop()

	log.Printf("station started, %s per frame", cfg.FrameInterval)
	for {
		select {
		case <-ctx.Done():
			log.Println("station stopped")
			return
		case <-ticker.C:
			frame, err := cam.Grab(ctx)
			if err != nil {
				// Missed frame; the engine keeps its state and we retry.
				log.Printf("frame grab failed: %v", err)
				continue
			}
			eng.OnFrame(ctx, frame, time.Now())
		}
	}
}
