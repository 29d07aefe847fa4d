package http

import (
	"github.com/gin-gonic/gin"
	"github.com/tessilab/swapbridge/internal/config"
	"github.com/tessilab/swapbridge/internal/service"
	"go.uber.org/zap"
)

func NewRouter(svc *service.ExchangeService, admin *service.AdminService, rl config.RateLimitConfig, log *zap.SugaredLogger) *gin.Engine {
	r := gin.New()
	r.Use(LoggingMiddleware(log))
	r.Use(RateLimitMiddleware(rl.RPS, rl.Burst))
	RegisterHandlers(r, svc, admin)
	return r
}
