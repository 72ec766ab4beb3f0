package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/errlog"
	"github.com/hapa-ai/hapa/pkg/models"
)

const (
	queueFile   = "pending-queue.json"
	cacheSuffix = ".cache"
)

func cacheFile(hash string) string { return hash + cacheSuffix }

func (s *Service) path(name string) string { return filepath.Join(s.opts.Dir, name) }

func (s *Service) storageError(op, name string, err error) {
	s.log.LogError(fmt.Errorf("%w: %s %s: %v", ErrStorage, op, name, err), errlog.SeverityMedium, map[string]any{
		"op":   op,
		"file": name,
	})
}

// writeJSON replaces name with the JSON encoding of v via a temporary file
// and rename, so readers never see a partial file. Callers hold ioMu.
func (s *Service) writeJSON(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.storageError("encode", name, err)
		return
	}
	tmp, err := os.CreateTemp(s.opts.Dir, "."+name+".*")
	if err != nil {
		s.storageError("write", name, err)
		return
	}
	_, werr := tmp.Write(b)
	cerr := tmp.Close()
	if err := errors.Join(werr, cerr); err != nil {
		os.Remove(tmp.Name())
		s.storageError("write", name, err)
		return
	}
	if err := os.Rename(tmp.Name(), s.path(name)); err != nil {
		os.Remove(tmp.Name())
		s.storageError("write", name, err)
	}
}

// removeFile deletes name, ignoring files that are already gone.
func (s *Service) removeFile(name string) {
	if err := os.Remove(s.path(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.storageError("remove", name, err)
	}
}

func (s *Service) removeCacheFiles() {
	matches, err := filepath.Glob(s.path("*" + cacheSuffix))
	if err != nil {
		s.storageError("list", "*"+cacheSuffix, err)
		return
	}
	for _, m := range matches {
		s.removeFile(filepath.Base(m))
	}
}

// persistQueue writes the current queue to disk.
func (s *Service) persistQueue() {
	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	s.mu.Lock()
	q := make([]models.OfflineRequest, len(s.queue))
	copy(q, s.queue)
	s.mu.Unlock()

	s.writeJSON(queueFile, q)
}

// Restore loads the queue and cache from disk. Unreadable or expired cache
// files are deleted; an unreadable queue file is discarded.
func (s *Service) Restore() error {
	if s.opts.Dir == "" {
		return fmt.Errorf("%w: no storage directory configured", ErrStorage)
	}
	if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrStorage, s.opts.Dir, err)
	}

	s.ioMu.Lock()
	defer s.ioMu.Unlock()

	queue := s.readQueue()
	cache, size := s.readCache()

	s.mu.Lock()
	s.queue = queue
	s.cache = cache
	s.cacheBytes = size
	evicted := s.evictLocked(0, s.opts.Now())
	size = s.cacheBytes
	s.mu.Unlock()

	for _, h := range evicted {
		s.removeFile(cacheFile(h))
	}
	s.opts.Metrics.SetQueueLength(len(queue))
	s.opts.Metrics.SetCacheBytes(size)
	return nil
}

func (s *Service) readQueue() []models.OfflineRequest {
	b, err := os.ReadFile(s.path(queueFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		s.storageError("read", queueFile, err)
		return nil
	}
	var stored []models.OfflineRequest
	if err := json.Unmarshal(b, &stored); err != nil {
		s.storageError("decode", queueFile, err)
		s.removeFile(queueFile)
		return nil
	}

	queue := make([]models.OfflineRequest, 0, len(stored))
	for _, r := range stored {
		if r.ID == "" || !r.Type.Valid() {
			logrus.WithField("request", r.ID).Warn("[OFFLINE] skipping malformed queued request")
			continue
		}
		if r.Priority == "" {
			r.Priority = models.PriorityMedium
		}
		queue = append(queue, r)
	}
	sort.SliceStable(queue, func(i, j int) bool {
		return queue[i].Priority.Rank() < queue[j].Priority.Rank()
	})
	if len(queue) > s.opts.MaxQueueSize {
		queue = queue[:s.opts.MaxQueueSize]
	}
	return queue
}

func (s *Service) readCache() (map[string]*models.CachedResponse, int64) {
	cache := make(map[string]*models.CachedResponse)
	matches, err := filepath.Glob(s.path("*" + cacheSuffix))
	if err != nil {
		s.storageError("list", "*"+cacheSuffix, err)
		return cache, 0
	}

	now := s.opts.Now()
	var size int64
	for _, m := range matches {
		name := filepath.Base(m)
		hash := strings.TrimSuffix(name, cacheSuffix)
		b, err := os.ReadFile(m)
		if err != nil {
			s.storageError("read", name, err)
			continue
		}
		var e models.CachedResponse
		if err := json.Unmarshal(b, &e); err != nil || e.RequestHash != hash {
			logrus.WithField("file", name).Warn("[OFFLINE] deleting corrupted cache file")
			s.removeFile(name)
			continue
		}
		if e.Expired(now) {
			s.removeFile(name)
			continue
		}
		e.Size = int64(len(e.Response))
		cache[hash] = &e
		size += e.Size
	}
	return cache, size
}
