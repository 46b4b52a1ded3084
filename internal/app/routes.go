package app

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

func (a *App) routes() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = a.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(a.requestLogger())

	e.GET("/healthz", a.handleHealthz)
	e.GET("/readyz", a.handleReadyz)
	e.GET("/api/config", a.handleConfig)

	// Firmware endpoints. Bodies are form-encoded.
	e.GET("/health", a.handleDiscoveryProbe)
	e.POST("/check_schedule", a.handleCheckSchedule, a.rateLimit)
	e.POST("/complete_schedule", a.handleCompleteSchedule, a.rateLimit)
	e.POST("/weight_update", a.handleWeightUpdate, a.rateLimit)

	e.GET("/cameras", a.listCameras)
	e.POST("/cameras", a.createCamera)
	e.PUT("/cameras/:cam_id", a.updateCamera)
	e.DELETE("/cameras/:cam_id", a.deleteCamera)

	e.GET("/modules", a.listModules)
	e.POST("/modules", a.createModule)
	e.PUT("/modules/:module_id", a.updateModule)
	e.DELETE("/modules/:module_id", a.deleteModule)

	e.GET("/schedules", a.listSchedules)
	e.POST("/schedules", a.createSchedule)
	e.POST("/schedules/recurring", a.createRecurring)
	e.PUT("/schedules/:id", a.updateSchedule)
	e.DELETE("/schedules/:id", a.deleteSchedule)

	e.GET("/history", a.listHistory)
	e.POST("/history", a.createHistory)
	e.GET("/history/export", a.exportHistory)
	e.DELETE("/history/:id", a.deleteHistory)

	return e
}

func (a *App) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
				zap.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				a.logger.Warn("request failed", append(fields, zap.Error(v.Error))...)
				return nil
			}
			a.logger.Debug("request", fields...)
			return nil
		},
	})
}

func (a *App) handleHealthz(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"status": "ok"})
}

func (a *App) handleReadyz(c echo.Context) error {
	if a.store == nil || (a.cfg.MQTTEnabled && a.broker == nil) {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "starting"})
	}

	ctx, cancel := a.storeCtx(c.Request().Context())
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", zap.Error(err))
		c.Response().Header().Set("Retry-After", "1")
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "store_unavailable"})
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
}

func (a *App) handleConfig(c echo.Context) error {
	clients := 0
	if a.broker != nil {
		clients = a.broker.ClientCount()
	}
	return c.JSON(http.StatusOK, echo.Map{
		"active":       a.cfg.Redacted(),
		"now":          a.engine.Now().Format(time.RFC3339),
		"mqtt_clients": clients,
	})
}
