package config

import (
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var sentryClient *sentry.Client

// InitLogger initializes the global zap logger. With a Sentry DSN, error
// entries are also reported to Sentry and info entries become breadcrumbs.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}

	if cfg.SentryDSN != "" {
		client, err := sentry.NewClient(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		})
		if err != nil {
			return eris.Wrap(err, "config: sentry client")
		}
		core, err := zapsentry.NewCore(zapsentry.Configuration{
			Level:             zapcore.ErrorLevel,
			EnableBreadcrumbs: true,
			BreadcrumbLevel:   zapcore.InfoLevel,
			Tags:              map[string]string{"service": "skiptrace"},
		}, zapsentry.NewSentryClientFromClient(client))
		if err != nil {
			return eris.Wrap(err, "config: sentry core")
		}
		logger = zapsentry.AttachCoreToLogger(core, logger)
		sentryClient = client
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// FlushSentry waits up to timeout for buffered Sentry events. It is a no-op
// when Sentry is not configured.
func FlushSentry(timeout time.Duration) {
	if sentryClient != nil {
		sentryClient.Flush(timeout)
	}
}
