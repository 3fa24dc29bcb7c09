package chat

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fablecastco/fablecast/internal/memory"
)

// Scheduler refreshes every character's memory summary on a cron
// schedule so the summaries stay current even between prunes.
type Scheduler struct {
	store *memory.Store
	spec  string
	cron  *cron.Cron
}

func NewScheduler(store *memory.Store, spec string) *Scheduler {
	return &Scheduler{
		store: store,
		spec:  spec,
		cron:  cron.New(cron.WithSeconds()),
	}
}

// Start registers the summarize job and starts the cron runner.
func (s *Scheduler) Start() error {
	if s.spec == "" {
		return fmt.Errorf("empty summarize cron spec")
	}
	if _, err := s.cron.AddFunc(s.spec, s.runOnce); err != nil {
		return fmt.Errorf("schedule summarize job: %w", err)
	}
	s.cron.Start()
	log.Printf("[schedule] summarize job registered: %s", s.spec)
	return nil
}

// Stop halts the runner and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runOnce() {
	ids, err := s.store.CharacterIDs()
	if err != nil {
		log.Printf("[schedule] list characters: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for _, id := range ids {
		if err := s.store.Summarize(ctx, id); err != nil {
			log.Printf("[schedule] summarize %s: %v", id, err)
			continue
		}
		log.Printf("[schedule] summarized %s", id)
	}
}
