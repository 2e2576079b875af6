package main

import (
	"github.com/sirupsen/logrus"

	"github.com/liuq19/chatflow/internal/ai"
	"github.com/liuq19/chatflow/internal/chat"
	"github.com/liuq19/chatflow/internal/config"
	"github.com/liuq19/chatflow/internal/db"
	"github.com/liuq19/chatflow/internal/httpapi"
	"github.com/liuq19/chatflow/internal/httpapi/handlers"
	"github.com/liuq19/chatflow/internal/models"
	"github.com/liuq19/chatflow/internal/quota"
	"github.com/liuq19/chatflow/internal/store/rabbitmq"
	"github.com/liuq19/chatflow/internal/store/redisstore"
	"github.com/liuq19/chatflow/internal/usage"
)

func main() {
	cfg := config.Load()

	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(lvl)
	}

	gdb := db.Connect(cfg.DBDSN)
	if err := gdb.AutoMigrate(
		&models.User{},
		&chat.Session{},
		&chat.Message{},
		&chat.ModelRef{},
		&quota.Order{},
		&quota.ModelLimit{},
		&usage.Record{},
	); err != nil {
		logrus.WithError(err).Fatal("automigrate failed")
	}

	rds := redisstore.NewStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	var events chat.EventPublisher
	if pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue); err != nil {
		logrus.WithError(err).Warn("rabbit unavailable, turn events disabled")
	} else {
		events = pub
		defer pub.Close()
	}

	reg := ai.NewRegistry()
	reg.Register("openai", ai.NewOpenAIProvider(cfg.ProviderBaseURL))
	reg.Register("ollama", ai.NewOllamaProvider(cfg.OllamaBaseURL))

	store := chat.NewStore(gdb)
	persister := chat.NewPersister(gdb)
	ledger := quota.NewLedger(gdb, rds, cfg.DefaultProductID)
	orc := chat.NewOrchestrator(store, reg, persister, events)

	h := handlers.NewHandler(gdb, cfg, ledger, store, orc)
	r := httpapi.NewRouter(cfg, h)

	logrus.WithField("addr", cfg.HTTPAddr).Info("server starting")
	if err := r.Run(cfg.HTTPAddr); err != nil {
		logrus.WithError(err).Fatal("server exited")
	}
}
