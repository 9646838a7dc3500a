package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/face-verify/internal/auth"
	"github.com/example/face-verify/internal/config"
	"github.com/example/face-verify/internal/usecase"
)

// VerificationService is the slice of the use case the transport layer needs.
type VerificationService interface {
	Verify(ctx context.Context, profileImage, idImage string) *usecase.Result
	GetResult(ctx context.Context, requestID string) (*usecase.Result, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type verifyRequest struct {
	ProfileImage string `json:"profile_image"`
	IDImage      string `json:"id_image"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router. adminAuth guards
// the configuration update surface.
func RegisterRoutes(router *gin.Engine, svc VerificationService, store *config.Store, adminAuth gin.HandlerFunc, gatherer prometheus.Gatherer) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "face-verification-api",
			"timestamp": time.Now().UTC(),
		})
	})

	router.POST("/verify", func(c *gin.Context) {
		// Two base64 images plus JSON overhead; anything past this bound
		// could not hold two payloads within the configured limit.
		limit := store.Current().MaxContentLength * 3
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)

		var req verifyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			var maxBytesErr *http.MaxBytesError
			if errors.As(err, &maxBytesErr) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{
					"success": false,
					"error":   "Request body exceeds the maximum allowed size",
				})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Request body must be valid JSON",
			})
			return
		}

		if req.ProfileImage == "" || req.IDImage == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "Both profile_image and id_image are required",
			})
			return
		}

		result := svc.Verify(c.Request.Context(), req.ProfileImage, req.IDImage)
		status := http.StatusOK
		if !result.Success {
			status = http.StatusBadRequest
		}
		c.JSON(status, result)
	})

	router.GET("/result/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		result, err := svc.GetResult(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}
		c.JSON(http.StatusOK, result)
	})

	router.GET("/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, store.Current())
	})

	router.POST("/config", adminAuth, func(c *gin.Context) {
		var update config.Update
		if err := c.ShouldBindJSON(&update); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "request body must be valid JSON"})
			return
		}

		updated, err := store.Apply(update)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		response := gin.H{
			"success":              true,
			"message":              "Configuration updated successfully",
			"tolerance":            updated.Tolerance,
			"confidence_threshold": updated.ConfidenceThreshold,
			"max_content_length":   updated.MaxContentLength,
		}
		if subject, ok := auth.SubjectFromContext(c.Request.Context()); ok {
			response["updated_by"] = subject
		}
		c.JSON(http.StatusOK, response)
	})

	router.GET("/metrics/summary", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}
