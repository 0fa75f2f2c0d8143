package web

import (
	"github.com/bigredeye/deploygate/internal/config"
	"go.uber.org/zap"
)

type webService struct {
	server *Server
	config *config.Config
	log    *zap.Logger
}
