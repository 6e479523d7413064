// Package server exposes the engine over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	"predictelligence/internal/engine"
	"predictelligence/internal/storage"
	"predictelligence/internal/valuation"
)

type analyseRequest struct {
	Postcode          string  `json:"postcode" validate:"required,min=5,max=8"`
	PropertyType      string  `json:"property_type" validate:"omitempty,oneof=detached semi-detached terraced flat"`
	Bedrooms          int     `json:"bedrooms" validate:"omitempty,min=0,max=10"`
	CurrentValuation  float64 `json:"current_valuation" validate:"required,gt=0"`
	ComparableAverage float64 `json:"comparable_average" validate:"omitempty,gt=0"`
	UserType          string  `json:"user_type" validate:"omitempty,oneof=investor first_time_buyer home_mover"`
}

type valuationRequest struct {
	Postcode     string                 `json:"postcode" validate:"required,min=5,max=8"`
	PropertyType string                 `json:"property_type" validate:"omitempty,oneof=detached semi-detached terraced flat"`
	Bedrooms     int                    `json:"bedrooms" validate:"omitempty,min=0,max=10"`
	AskingPrice  float64                `json:"asking_price" validate:"required,gt=0"`
	UserType     string                 `json:"user_type" validate:"omitempty,oneof=investor first_time_buyer home_mover"`
	Comparables  []valuation.Comparable `json:"comparables" validate:"omitempty,dive"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server wraps the echo instance serving the public API.
type Server struct {
	echo     *echo.Echo
	engine   *engine.Engine
	validate *validator.Validate
	port     int
}

func New(eng *engine.Engine, port int) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogging())

	s := &Server{
		echo:     e,
		engine:   eng,
		validate: validator.New(),
		port:     port,
	}

	api := e.Group("/api")
	api.POST("/analyse", s.handleAnalyse)
	api.POST("/valuation", s.handleValuation)
	api.GET("/history/:postcode", s.handleHistory)
	api.GET("/trend/:district", s.handleTrend)
	api.GET("/accuracy", s.handleAccuracy)
	api.GET("/health", s.handleHealth)

	return s
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.port))
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) handleAnalyse(c echo.Context) error {
	var req analyseRequest
	if err := s.bind(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	res := s.engine.Analyse(c.Request().Context(), engine.AnalysisRequest{
		Postcode:          req.Postcode,
		PropertyType:      req.PropertyType,
		Bedrooms:          req.Bedrooms,
		CurrentValuation:  req.CurrentValuation,
		ComparableAverage: req.ComparableAverage,
		UserType:          req.UserType,
	})
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleValuation(c echo.Context) error {
	var req valuationRequest
	if err := s.bind(c, &req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	res := s.engine.Value(c.Request().Context(), engine.ValuationRequest{
		Postcode:     req.Postcode,
		PropertyType: req.PropertyType,
		Bedrooms:     req.Bedrooms,
		AskingPrice:  req.AskingPrice,
		UserType:     req.UserType,
		Comparables:  req.Comparables,
	})
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleHistory(c echo.Context) error {
	postcode := c.Param("postcode")
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "limit must be an integer"})
		}
		limit = n
	}

	records, err := s.engine.History(postcode, limit)
	if err != nil {
		log.Error().Err(err).Str("postcode", postcode).Msg("history lookup failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "history lookup failed"})
	}
	if records == nil {
		records = []storage.PredictionRecord{}
	}
	return c.JSON(http.StatusOK, map[string]any{
		"postcode": postcode,
		"count":    len(records),
		"history":  records,
	})
}

func (s *Server) handleTrend(c echo.Context) error {
	trend, err := s.engine.Trend(c.Param("district"))
	if err != nil {
		log.Error().Err(err).Msg("trend aggregation failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "trend aggregation failed"})
	}
	return c.JSON(http.StatusOK, trend)
}

func (s *Server) handleAccuracy(c echo.Context) error {
	acc, err := s.engine.Accuracy()
	if err != nil {
		log.Error().Err(err).Msg("accuracy aggregation failed")
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: "accuracy aggregation failed"})
	}
	return c.JSON(http.StatusOK, acc)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.engine.Health())
}

func (s *Server) bind(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("invalid request body")
	}
	if err := s.validate.StructCtx(c.Request().Context(), req); err != nil {
		return err
	}
	return nil
}

func requestLogging() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			log.Debug().
				Str("method", c.Request().Method).
				Str("path", c.Request().URL.Path).
				Int("status", c.Response().Status).
				Dur("took", time.Since(start)).
				Msg("http request")
			return err
		}
	}
}
