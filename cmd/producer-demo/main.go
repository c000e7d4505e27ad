// Command producer-demo enqueues a handful of sample mutations for local
// smoke testing against a running processor daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/relaycore/statepipe/pkg/backend"
	"github.com/relaycore/statepipe/pkg/codec"
	"github.com/relaycore/statepipe/pkg/config"
	"github.com/relaycore/statepipe/pkg/message"
	"github.com/relaycore/statepipe/pkg/queue"
)

func main() {
	var cfg config.Config
	cfg.BindFlags(pflag.CommandLine)
	pflag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "producer-demo:", err)
		os.Exit(1)
	}

	zapLog, _ := zap.NewDevelopment()
	defer zapLog.Sync() //nolint:errcheck
	logger := zapr.NewLogger(zapLog).WithName("producer-demo")

	be := backend.New(cfg.BackendOptions())
	defer be.Close() //nolint:errcheck

	q := queue.New(be, cfg.NamespaceKeys(), logger)
	ctx := context.Background()

	if err := pushSimpleValue(ctx, q, cfg.QueueID); err != nil {
		fail(err)
	}
	if err := pushStateObject(ctx, q, cfg.QueueID, map[string]interface{}{"stage": 1}); err != nil {
		fail(err)
	}
	if err := pushHashmapValue(ctx, q, cfg.QueueID); err != nil {
		fail(err)
	}
	if err := pushSetMutation(ctx, q, cfg.QueueID); err != nil {
		fail(err)
	}

	size, err := q.Size(ctx, cfg.QueueID)
	if err != nil {
		fail(err)
	}
	logger.Info("enqueued demo mutations", "queueSize", size)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "producer-demo:", err)
	os.Exit(1)
}

func pushSimpleValue(ctx context.Context, q *queue.Queue, qid string) error {
	value, err := codec.Encode("hello from producer-demo")
	if err != nil {
		return err
	}
	meta := message.WriteSimpleValueMeta{Key: "greeting", Value: value}
	m, err := message.New(message.TypeWriteSimpleValue, meta, time.Now())
	if err != nil {
		return err
	}
	_, err = q.Push(ctx, qid, m)
	return err
}

func pushStateObject(ctx context.Context, q *queue.Queue, qid string, value interface{}) error {
	raw, err := codec.Encode(value)
	if err != nil {
		return err
	}
	meta := message.WriteStateObjectMeta{Key: "demo-workflow", Value: []byte(raw)}
	m, err := message.New(message.TypeWriteStateObject, meta, time.Now())
	if err != nil {
		return err
	}
	_, err = q.Push(ctx, qid, m)
	return err
}

func pushHashmapValue(ctx context.Context, q *queue.Queue, qid string) error {
	value, err := codec.Encode("active")
	if err != nil {
		return err
	}
	meta := message.WriteHashmapValueMeta{Key: "sessions", Field: "user-42", Value: &value}
	m, err := message.New(message.TypeWriteHashmapValue, meta, time.Now())
	if err != nil {
		return err
	}
	_, err = q.Push(ctx, qid, m)
	return err
}

func pushSetMutation(ctx context.Context, q *queue.Queue, qid string) error {
	meta := message.AddStringsToSetMeta{Key: "online-users", Values: []string{"user-42", "user-7"}}
	m, err := message.New(message.TypeAddStringsToSet, meta, time.Now())
	if err != nil {
		return err
	}
	_, err = q.Push(ctx, qid, m)
	return err
}
