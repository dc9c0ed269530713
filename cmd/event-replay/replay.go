package main

import (
	"context"
	"log/slog"
	"slices"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cloudforge-commerce/internal/event"
)

const bloomFPR = 0.0001

type republisher interface {
	Republish(ctx context.Context, env event.Envelope) error
}

type discard struct{}

func (discard) Republish(context.Context, event.Envelope) error { return nil }

type stats struct {
	read        int
	published   int
	duplicates  int
	undecodable int
	filtered    int
}

// replay reads archives concurrently and publishes their envelopes from a
// single goroutine, so records of one archive keep their order. Envelopes
// whose id was already published in this run are skipped. A bloom false
// positive drops a distinct envelope; dedup-capacity keeps that rare.
func replay(ctx context.Context, pub republisher, opts options) (stats, error) {
	var st stats
	seen := bloom.NewWithEstimates(max(opts.capacity, 1), bloomFPR)
	envs := make(chan event.Envelope, 256)

	g, gctx := errgroup.WithContext(ctx)

	readers, rctx := errgroup.WithContext(gctx)
	readers.SetLimit(max(opts.workers, 1))
	g.Go(func() error {
		defer close(envs)
		for _, path := range opts.files {
			readers.Go(func() error {
				return readEnvelopes(rctx, path, opts.topics, envs)
			})
		}
		return readers.Wait()
	})

	g.Go(func() error {
		for env := range envs {
			st.read++
			if env.ID == "" {
				st.undecodable++
				continue
			}
			if env.Topic == "" {
				st.filtered++
				continue
			}
			if seen.TestAndAddString(env.ID) {
				st.duplicates++
				continue
			}
			if err := pub.Republish(gctx, env); err != nil {
				return errors.Wrapf(err, "republish %s", env.ID)
			}
			st.published++
			if st.published%progressEvery == 0 {
				slog.Info("import progress", slog.Int("published", st.published))
			}
		}
		return nil
	})

	err := g.Wait()
	return st, err
}

// readEnvelopes streams one archive into out. Undecodable envelopes are sent
// with an empty id and envelopes outside topics with an empty topic, so the
// publishing goroutine owns every counter.
func readEnvelopes(ctx context.Context, path string, topics []event.Topic, out chan<- event.Envelope) error {
	return readArchive(ctx, path, func(r record) error {
		env, err := event.DecodeEnvelope([]byte(r.Envelope))
		switch {
		case err != nil:
			slog.Warn("skipping undecodable envelope",
				slog.String("path", path),
				slog.String("entry_id", r.EntryID),
				slog.String("reason", r.Reason),
			)
			env = event.Envelope{}
		case !slices.Contains(topics, env.Topic):
			env.Topic = ""
		}
		select {
		case out <- env:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
