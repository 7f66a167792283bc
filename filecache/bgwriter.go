package filecache

import (
	"sync"
	"time"
)

// BackgroundWriter periodically commits a Cache, bounding how much dirty
// state (and therefore crash-recovery replay work) can accumulate between
// application-driven commits.
type BackgroundWriter struct {
	cache    *Cache
	interval time.Duration
	shutdown chan struct{}
	done     sync.WaitGroup
}

// NewBackgroundWriter creates a writer that commits cache every interval
// once started.
func NewBackgroundWriter(cache *Cache, interval time.Duration) *BackgroundWriter {
	return &BackgroundWriter{
		cache:    cache,
		interval: interval,
		shutdown: make(chan struct{}),
	}
}

// Start launches the commit loop in its own goroutine.
func (bw *BackgroundWriter) Start() {
	bw.done.Add(1)
	go bw.commitLoop()
}

// Stop signals the loop to exit and blocks until its final commit
// completes.
func (bw *BackgroundWriter) Stop() {
	close(bw.shutdown)
	bw.done.Wait()
}

func (bw *BackgroundWriter) commitLoop() {
	defer bw.done.Done()
	ticker := time.NewTicker(bw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.cache.Commit(); err != nil {
				bw.cache.log.Severe("background commit failed", err)
			}
		case <-bw.shutdown:
			if err := bw.cache.Commit(); err != nil {
				bw.cache.log.Severe("final commit before shutdown failed", err)
			}
			return
		}
	}
}
