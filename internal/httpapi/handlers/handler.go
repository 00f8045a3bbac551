package handlers

import (
	"gorm.io/gorm"

	"github.com/qiyuhang/multisolve/internal/billing"
	"github.com/qiyuhang/multisolve/internal/chat"
	"github.com/qiyuhang/multisolve/internal/config"
	"github.com/qiyuhang/multisolve/internal/dispatch"
	"github.com/qiyuhang/multisolve/internal/files"
	"github.com/qiyuhang/multisolve/internal/httpapi/middleware"
	"github.com/qiyuhang/multisolve/internal/identity"
	"github.com/qiyuhang/multisolve/internal/logger"
	"github.com/qiyuhang/multisolve/internal/ratelimit"
	"github.com/qiyuhang/multisolve/internal/store/redisstore"
)

type Handler struct {
	DB         *gorm.DB
	Cfg        config.Config
	Log        *logger.Logger
	ChatSvc    *chat.Service
	Ledger     *billing.GormLedger
	Tokens     *identity.TokenService
	Resolver   *middleware.Resolver
	Governor   *ratelimit.Governor
	Files      files.Store
	Cache      *redisstore.Cache
	Dispatcher dispatch.Dispatcher
}

type Deps struct {
	DB         *gorm.DB
	Cfg        config.Config
	Log        *logger.Logger
	ChatSvc    *chat.Service
	Ledger     *billing.GormLedger
	Tokens     *identity.TokenService
	Resolver   *middleware.Resolver
	Governor   *ratelimit.Governor
	Files      files.Store
	Cache      *redisstore.Cache
	Dispatcher dispatch.Dispatcher
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		DB:         d.DB,
		Cfg:        d.Cfg,
		Log:        d.Log.With("component", "handlers"),
		ChatSvc:    d.ChatSvc,
		Ledger:     d.Ledger,
		Tokens:     d.Tokens,
		Resolver:   d.Resolver,
		Governor:   d.Governor,
		Files:      d.Files,
		Cache:      d.Cache,
		Dispatcher: d.Dispatcher,
	}
}
