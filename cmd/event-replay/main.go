// Command event-replay moves dead-lettered events out of and back into the
// broker. Export drains the dead-letter streams of one or more topics into a
// .jsonl.gz archive; import re-publishes archived envelopes with their
// original ids, so consumers that already processed an event skip it.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xenking/cloudforge-commerce/internal/event"
	"github.com/xenking/cloudforge-commerce/internal/event/redisstream"
	"github.com/xenking/cloudforge-commerce/internal/storage/redis"
)

const (
	scanBatch     = 500
	deleteBatch   = 500
	progressEvery = 10_000
)

type options struct {
	mode       string
	redisURL   string
	topics     []event.Topic
	out        string
	files      []string
	partitions int
	deleteDLQ  bool
	dryRun     bool
	workers    int
	capacity   uint
}

func main() {
	var (
		opts   options
		topics string
	)

	flag.StringVar(&opts.mode, "mode", "", "export or import")
	flag.StringVar(&opts.redisURL, "redis-url", "", "Redis connection URL (or REDIS_URL env)")
	flag.StringVar(&topics, "topics", "", "comma separated topics (default: all)")
	flag.StringVar(&opts.out, "out", "dead-letters.jsonl.gz", "archive to write in export mode")
	flag.IntVar(&opts.partitions, "partitions", 8, "partition count of the running services")
	flag.BoolVar(&opts.deleteDLQ, "delete", false, "remove exported entries from the dead-letter streams")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "read archives without publishing")
	flag.IntVar(&opts.workers, "workers", 4, "archives read concurrently in import mode")
	flag.UintVar(&opts.capacity, "dedup-capacity", 1_000_000, "expected number of distinct envelopes")
	flag.Parse()
	opts.files = flag.Args()

	if opts.redisURL == "" {
		opts.redisURL = os.Getenv("REDIS_URL")
	}
	if opts.redisURL == "" {
		opts.redisURL = "redis://localhost:6379/0"
	}
	var err error
	if opts.topics, err = parseTopics(topics); err != nil {
		slog.Error("invalid topics", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("event replay failed", slog.String("mode", opts.mode), slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("event replay completed successfully", slog.String("mode", opts.mode))
}

func run(ctx context.Context, opts options) error {
	switch opts.mode {
	case "export", "import":
	default:
		return errors.Errorf("unknown mode %q: use export or import", opts.mode)
	}
	if opts.mode == "import" && len(opts.files) == 0 {
		return errors.New("import needs at least one archive argument")
	}

	rdb, err := redis.NewClient(ctx, opts.redisURL)
	if err != nil {
		return errors.Wrap(err, "connect to redis")
	}
	defer func() { _ = rdb.Close() }()

	if opts.mode == "export" {
		return export(ctx, rdb, opts)
	}

	pub, err := redisstream.NewPublisher(rdb, redisstream.Config{Partitions: opts.partitions}, nil)
	if err != nil {
		return errors.Wrap(err, "create publisher")
	}
	var target republisher = pub
	if opts.dryRun {
		target = discard{}
	}
	st, err := replay(ctx, target, opts)
	slog.Info("import finished",
		slog.Int("read", st.read),
		slog.Int("published", st.published),
		slog.Int("duplicates", st.duplicates),
		slog.Int("undecodable", st.undecodable),
		slog.Int("filtered", st.filtered),
	)
	return err
}

func export(ctx context.Context, rdb *goredis.Client, opts options) error {
	w, err := createArchive(opts.out)
	if err != nil {
		return err
	}

	exported := make(map[event.Topic][]string, len(opts.topics))
	for _, topic := range opts.topics {
		before := w.n
		err := redisstream.ScanDeadLetters(ctx, rdb, topic, scanBatch, func(dl redisstream.DeadLetter) error {
			if err := w.Write(recordOf(topic.String(), dl)); err != nil {
				return err
			}
			exported[topic] = append(exported[topic], dl.ID)
			if w.n%progressEvery == 0 {
				slog.Info("export progress", slog.Int("records", w.n))
			}
			return nil
		})
		if err != nil {
			_ = w.Close()
			return errors.Wrapf(err, "export %s", topic)
		}
		slog.Info("exported topic", slog.String("topic", topic.String()), slog.Int("records", w.n-before))
	}
	if err := w.Close(); err != nil {
		return err
	}
	slog.Info("archive written", slog.String("path", opts.out), slog.Int("records", w.n))

	if !opts.deleteDLQ {
		return nil
	}
	for topic, ids := range exported {
		for start := 0; start < len(ids); start += deleteBatch {
			end := min(start+deleteBatch, len(ids))
			if err := redisstream.DeleteDeadLetters(ctx, rdb, topic, ids[start:end]...); err != nil {
				return errors.Wrapf(err, "delete %s dead letters", topic)
			}
		}
		slog.Info("deleted dead letters", slog.String("topic", topic.String()), slog.Int("count", len(ids)))
	}
	return nil
}

func parseTopics(s string) ([]event.Topic, error) {
	if strings.TrimSpace(s) == "" {
		return event.Topics, nil
	}
	var out []event.Topic
	for _, name := range strings.Split(s, ",") {
		t := event.Topic(strings.TrimSpace(name))
		if !slices.Contains(event.Topics, t) {
			return nil, errors.Errorf("unknown topic %q", t)
		}
		out = append(out, t)
	}
	return out, nil
}
