package offline

import (
	"context"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/hapa-ai/hapa/pkg/errlog"
)

// probe issues a HEAD request to the probe URL. Any HTTP response counts as
// connectivity.
func (s *Service) probe(ctx context.Context) error {
	if s.opts.Probe != nil {
		return s.opts.Probe(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.opts.ProbeURL, nil)
	if err != nil {
		return fmt.Errorf("create probe request: %w", err)
	}
	resp, err := s.opts.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// CheckOnlineStatus probes connectivity and applies the result. A change of
// state notifies the user and the registered listeners. While online, queued
// requests are drained.
func (s *Service) CheckOnlineStatus(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	start := s.opts.Now()
	err := s.probe(pctx)
	cancel()
	online := err == nil
	s.opts.Metrics.Probe(online, s.opts.Now().Sub(start))

	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.lastCheck = s.opts.Now()
	pending := len(s.queue)
	listeners := make([]listener, len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.Unlock()

	if changed {
		entry := logrus.WithField("pending", pending)
		if online {
			entry.Info("[OFFLINE] connection restored")
			s.notify(Notification{
				Kind:    NotifyOnline,
				Pending: pending,
				Message: fmt.Sprintf("HAPA is back online. Processing %d queued request(s).", pending),
			})
		} else {
			entry.WithError(err).Warn("[OFFLINE] connection lost")
			s.notify(Notification{
				Kind:    NotifyOffline,
				Pending: pending,
				Message: fmt.Sprintf("HAPA is offline. Requests will be queued (%d pending).", pending),
			})
		}
		for _, l := range listeners {
			errlog.Safe(s.log, "online status listener", func() { l.fn(online) })
		}
	}

	if online && pending > 0 {
		s.ProcessPendingQueue(ctx)
	}
	return online
}
