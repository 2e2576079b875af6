package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/liuq19/chatflow/internal/chat"
	"github.com/liuq19/chatflow/internal/config"
	"github.com/liuq19/chatflow/internal/db"
	"github.com/liuq19/chatflow/internal/store/rabbitmq"
	"github.com/liuq19/chatflow/internal/usage"
)

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(&usage.Record{}); err != nil {
		logrus.WithError(err).Fatal("automigrate failed")
	}
	recorder := usage.NewRecorder(gdb)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logrus.WithError(err).Fatal("rabbit dial failed")
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logrus.WithError(err).Fatal("rabbit channel failed")
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logrus.WithError(err).Fatal("queue declare failed")
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		logrus.WithError(err).Fatal("qos failed")
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logrus.WithError(err).Fatal("consume failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.WithFields(logrus.Fields{
		"queue":       cfg.RabbitQueue,
		"concurrency": concurrency,
	}).Info("usage worker started")

	// worker pool
	events := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range events {
				var ev chat.TurnEvent
				if err := json.Unmarshal(d.Body, &ev); err != nil || ev.SessionID == "" {
					logrus.WithField("worker", workerID).WithError(err).Warn("bad turn event")
					_ = d.Nack(false, false)
					continue
				}

				if err := handleEvent(ctx, recorder, ev); err != nil {
					logrus.WithFields(logrus.Fields{
						"worker":     workerID,
						"session_id": ev.SessionID,
					}).WithError(err).Warn("record usage failed")
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					logrus.WithField("worker", workerID).WithError(err).Warn("ack failed")
				}
			}
		}(i)
	}

	open := dispatch(ctx, msgs, events)
	close(events)
	wg.Wait()
	if !open {
		// the AMQP connection is gone; exit so the supervisor restarts us
		logrus.Fatal("delivery channel closed, exiting")
	}
	logrus.Info("usage worker shutting down")
}

// dispatch forwards deliveries to the worker pool until ctx is done or
// the delivery channel closes. It reports whether the delivery channel
// was still open when it returned.
func dispatch(ctx context.Context, msgs <-chan amqp.Delivery, events chan<- amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-msgs:
			if !ok {
				return false
			}
			events <- d
		}
	}
}

func handleEvent(ctx context.Context, recorder *usage.Recorder, ev chat.TurnEvent) error {
	return recorder.Insert(ctx, &usage.Record{
		UserID:      ev.UserID,
		SessionID:   ev.SessionID,
		ModelID:     ev.ModelID,
		PromptChars: ev.PromptChars,
		ReplyChars:  ev.ReplyChars,
		CompletedAt: ev.CompletedAt,
	})
}
