package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"fieldsync/internal/domain"
)

// ChangeSource reports server-side changes a user may not have seen.
type ChangeSource interface {
	ListChangesSince(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error)
}

type ChangeSourceFunc func(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error)

func (f ChangeSourceFunc) ListChangesSince(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error) {
	return f(ctx, userID, since)
}

type namedSource struct {
	name string
	src  ChangeSource
}

// ChangeFeed aggregates registered change sources into one ordered delta.
type ChangeFeed struct {
	mu      sync.RWMutex
	sources []namedSource
}

func (f *ChangeFeed) Register(name string, src ChangeSource) error {
	if src == nil {
		return errors.New("change source required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sources {
		if s.name == name {
			return fmt.Errorf("change source %s already registered", name)
		}
	}
	f.sources = append(f.sources, namedSource{name: name, src: src})
	return nil
}

func (f *ChangeFeed) snapshot() []namedSource {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]namedSource(nil), f.sources...)
}

// ServerChanges returns changes with occurredAt >= since, oldest first, ties
// broken by source registration order then seq. Changes made by deviceID on
// behalf of userID are left out. A nil since yields an empty feed.
func (f *ChangeFeed) ServerChanges(ctx context.Context, userID, deviceID string, since *time.Time) ([]domain.ServerChange, error) {
	out := []domain.ServerChange{}
	if since == nil {
		return out, nil
	}
	sources := f.snapshot()
	batches := make([][]domain.ServerChange, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sources {
		g.Go(func() error {
			changes, err := s.src.ListChangesSince(gctx, userID, *since)
			if err != nil {
				return fmt.Errorf("change source %s: %w", s.name, err)
			}
			batches[i] = changes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	type ranked struct {
		change domain.ServerChange
		source int
	}
	var all []ranked
	for i, batch := range batches {
		for _, c := range batch {
			if c.OccurredAt.Before(*since) {
				continue
			}
			if deviceID != "" && c.OriginDeviceID == deviceID && c.OriginUserID == userID {
				continue
			}
			c.Source = sources[i].name
			all = append(all, ranked{change: c, source: i})
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if !a.change.OccurredAt.Equal(b.change.OccurredAt) {
			return a.change.OccurredAt.Before(b.change.OccurredAt)
		}
		if a.source != b.source {
			return a.source < b.source
		}
		return a.change.Seq < b.change.Seq
	})
	for _, r := range all {
		out = append(out, r.change)
	}
	return out, nil
}

// ServerChanges is the engine's delta query over its registered sources.
func (e Engine) ServerChanges(ctx context.Context, userID, deviceID string, since *time.Time) ([]domain.ServerChange, error) {
	return e.Changes.ServerChanges(ctx, userID, deviceID, since)
}
