// Package kafka bridges a flowstream graph to Kafka: an ingress feeds a
// topic into the graph's input virtual node, an egress produces the
// session's results back to a topic. The bridge is the reference
// external collaborator of the session IO contract.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/errgroup"

	flowstream "github.com/flowstream-io/flowstream"
)

// Config describes one topic-to-topic run through a graph.
type Config struct {
	Brokers []string
	Group   string

	// InputTopic is consumed into the graph input named Input.
	InputTopic string
	Input      string

	// OutputTopic receives the buffers surfacing on the graph output
	// named Output.
	OutputTopic string
	Output      string

	// RecvTimeout paces the egress polling loop. Defaults to one
	// second.
	RecvTimeout time.Duration
}

func (c Config) recvTimeout() time.Duration {
	if c.RecvTimeout > 0 {
		return c.RecvTimeout
	}
	return time.Second
}

// Bridge owns the Kafka client for one config.
type Bridge struct {
	flow   *flowstream.Flow
	cfg    Config
	client *kgo.Client
	log    *slog.Logger
}

// New connects a bridge to the brokers. The flow must already be built
// and started.
func New(flow *flowstream.Flow, cfg Config, log *slog.Logger) (*Bridge, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.InputTopic),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka bridge: create client: %w", err)
	}
	return &Bridge{
		flow:   flow,
		cfg:    cfg,
		client: client,
		log:    log.With("bridge", cfg.InputTopic),
	}, nil
}

// EnsureTopics creates the given topics if they do not exist yet.
func EnsureTopics(ctx context.Context, brokers []string, partitions int32, topics ...string) error {
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("kafka bridge: create admin client: %w", err)
	}
	defer client.Close()

	admin := kadm.NewClient(client)
	resps, err := admin.CreateTopics(ctx, partitions, 1, nil, topics...)
	if err != nil {
		return fmt.Errorf("kafka bridge: create topics: %w", err)
	}
	for _, resp := range resps.Sorted() {
		if resp.Err != nil && !errors.Is(resp.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("kafka bridge: create topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}

// Run opens one session and pumps it until the context ends and the
// session drained. Records of the input topic become input buffers;
// result buffers become records on the output topic, keyed by their
// stream position.
func (b *Bridge) Run(ctx context.Context) error {
	io, err := b.flow.StartSession()
	if err != nil {
		return err
	}

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		defer func() { _ = io.CloseInput() }()
		for {
			fetches := b.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return nil
			}
			for _, fetchErr := range fetches.Errors() {
				if errors.Is(fetchErr.Err, context.Canceled) {
					return nil
				}
				if errors.Is(fetchErr.Err, context.DeadlineExceeded) {
					continue
				}
				b.log.Error("fetch failed", "error", fetchErr.Err,
					"topic", fetchErr.Topic, "partition", fetchErr.Partition)
				return fmt.Errorf("kafka bridge: fetch: %w", fetchErr.Err)
			}

			var pushErr error
			fetches.EachRecord(func(rec *kgo.Record) {
				if pushErr != nil {
					return
				}
				meta := map[string]any{
					"key":       string(rec.Key),
					"topic":     rec.Topic,
					"partition": rec.Partition,
					"offset":    rec.Offset,
				}
				pushErr = io.PushData(b.cfg.Input, rec.Value, meta)
			})
			if pushErr != nil {
				if errors.Is(pushErr, flowstream.ErrSessionClosed) {
					return nil
				}
				return fmt.Errorf("kafka bridge: push: %w", pushErr)
			}
			if err := b.client.CommitUncommittedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
				b.log.Error("commit failed", "error", err)
			}
		}
	})

	grp.Go(func() error {
		var futures sync.WaitGroup
		var mu sync.Mutex
		var produceErr error

		for {
			results, status := io.Recv(b.cfg.recvTimeout())
			switch status {
			case flowstream.RecvOk:
				for _, buf := range results[b.cfg.Output] {
					rec := &kgo.Record{
						Topic: b.cfg.OutputTopic,
						Key:   []byte(strconv.FormatInt(buf.Index.Pos, 10)),
						Value: buf.Data,
					}
					futures.Add(1)
					b.client.Produce(context.Background(), rec, func(_ *kgo.Record, err error) {
						if err != nil {
							mu.Lock()
							produceErr = err
							mu.Unlock()
						}
						futures.Done()
					})
				}
			case flowstream.RecvEOF:
				futures.Wait()
				flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := b.client.Flush(flushCtx); err != nil {
					return fmt.Errorf("kafka bridge: flush: %w", err)
				}
				if lastErr := io.LastError(); lastErr != nil {
					b.log.Error("session finished with error", "error", lastErr)
				}
				mu.Lock()
				defer mu.Unlock()
				if produceErr != nil {
					return fmt.Errorf("kafka bridge: produce: %w", produceErr)
				}
				return nil
			case flowstream.RecvTimeout, flowstream.RecvNoData:
			}
		}
	})

	return grp.Wait()
}

// Close releases the Kafka client.
func (b *Bridge) Close() {
	b.client.Close()
}
