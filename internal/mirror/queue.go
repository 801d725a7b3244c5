package mirror

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

const (
	writeQueueSize = 64
	writeWorkers   = 2
	writeTimeout   = 5 * time.Second
)

type writeJob struct {
	key string
	doc MessageDoc
}

func (s *Store) runWriter() {
	defer s.wg.Done()
	for job := range s.queue {
		s.write(job)
	}
}

// write persists the doc and broadcasts it on the same key so attached
// listeners see the update. Both steps are best-effort.
func (s *Store) write(job writeJob) {
	payload, err := json.Marshal(job.doc)
	if err != nil {
		log.Printf("mirror marshal doc failed: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.client.Set(ctx, job.key, payload, docTTL); err != nil {
		log.Printf("mirror write %s failed: %v", job.key, err)
		return
	}
	if err := s.client.Publish(ctx, job.key, payload); err != nil {
		log.Printf("mirror publish %s failed: %v", job.key, err)
	}
}
