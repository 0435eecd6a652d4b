package app

import (
	"time"

	"github.com/iqstocker/entitlement/internal/app/api/server"
	"github.com/iqstocker/entitlement/internal/app/service/funnel"
	"github.com/iqstocker/entitlement/internal/app/service/lifecycle"
	"github.com/iqstocker/entitlement/internal/app/service/quota"
	"github.com/iqstocker/entitlement/internal/app/service/sweeper"
	"github.com/iqstocker/entitlement/internal/app/service/tariff"
	"github.com/iqstocker/entitlement/internal/platform/db"
	"github.com/iqstocker/entitlement/pkg/config"
	"github.com/iqstocker/entitlement/pkg/logger"

	"go.uber.org/fx"
)

const (
	DefaultStartTimeout = 15 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

var Module = fx.Options(
	logger.Module,
	config.Module,
	db.Module,
	server.Module,
	tariff.Module,
	quota.Module,
	lifecycle.Module,
	sweeper.Module,
	funnel.Module,
)
