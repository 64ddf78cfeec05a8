package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"refectory/internal/attendance"
	"refectory/internal/cloudinary"
	"refectory/internal/config"
	"refectory/internal/queue"
	"refectory/internal/store"
)

// Worker consumes photo-archival jobs, uploads the stored entry photo to
// Cloudinary, and writes the archival URL back onto the record.
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

	if cfg.CloudinaryCloudName == "" || cfg.CloudinaryAPIKey == "" || cfg.CloudinaryAPISecret == "" {
		log.Fatal("Cloudinary not configured (CLOUDINARY_CLOUD_NAME / API_KEY / API_SECRET not set)")
	}
	cdn := cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)

	repo := attendance.NewRepository(db.Client)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}

	log.Println("worker started, waiting for photo jobs...")
	for msg := range messages {
		if msg.Type != queue.TypePhotoArchive {
			continue
		}

		id := string(msg.Body)
		log.Printf("archiving photo for record %s", id)

		photo, err := repo.GetRecordPhoto(ctx, id)
		if err != nil {
			log.Printf("fetch photo for %s failed: %v", id, err)
			continue
		}
		if len(photo) == 0 {
			log.Printf("record %s has no photo, skipping", id)
			continue
		}

		result, err := cdn.UploadBytes(photo, fmt.Sprintf("%s.jpg", id))
		if err != nil {
			log.Printf("cloudinary upload failed for %s: %v", id, err)
			continue
		}

		if err := repo.SetPhotoURL(ctx, id, result.SecureURL); err != nil {
			log.Printf("store photo url for %s failed: %v", id, err)
			continue
		}
		log.Printf("record %s archived at %s", id, result.SecureURL)

		time.Sleep(10 * time.Millisecond) // Small delay between uploads
	}

	log.Println("worker stopped")
}
