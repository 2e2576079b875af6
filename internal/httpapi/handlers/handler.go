package handlers

import (
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/liuq19/chatflow/internal/chat"
	"github.com/liuq19/chatflow/internal/common"
	"github.com/liuq19/chatflow/internal/config"
	"github.com/liuq19/chatflow/internal/quota"
)

type Handler struct {
	DB     *gorm.DB
	Cfg    config.Config
	Ledger *quota.Ledger
	Store  *chat.Store
	Orc    *chat.Orchestrator
}

func NewHandler(db *gorm.DB, cfg config.Config, ledger *quota.Ledger, store *chat.Store, orc *chat.Orchestrator) *Handler {
	return &Handler{DB: db, Cfg: cfg, Ledger: ledger, Store: store, Orc: orc}
}

func (h *Handler) Ping(c *gin.Context) {
	common.Ok(c, gin.H{"pong": true})
}
