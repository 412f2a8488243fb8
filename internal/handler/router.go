package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/voice-bridge/backend/internal/config"
	relayhandler "github.com/zhouzirui/voice-bridge/backend/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/voice-bridge/backend/internal/middleware"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/session"
	"github.com/zhouzirui/voice-bridge/backend/internal/service/upstream"
	"github.com/zhouzirui/voice-bridge/backend/internal/store"
)

// NewRouter 将HTTP路由接入核心服务
func NewRouter(cfg *config.Config, registry *session.Registry, gateway store.Gateway, connector upstream.Connector) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	relayHandler := relayhandler.New(registry, gateway)

	r.Route("/api", func(api chi.Router) {
		relayHandler.RegisterRoutes(api, connector, cfg)
	})

	return r
}
