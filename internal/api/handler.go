package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"commerce-etl/internal/connector"
	"commerce-etl/internal/models"
	"commerce-etl/internal/rollup"
	"commerce-etl/internal/scheduler"
	"commerce-etl/internal/service"
	"commerce-etl/internal/store"
	"commerce-etl/internal/util"
	"commerce-etl/internal/worker"
)

const tenantHeader = "X-Tenant-ID"

// Pipeline is the subset of service.PipelineService the handlers call.
type Pipeline interface {
	Credential(ctx context.Context, tenantID string, platform models.Platform) (*models.PlatformCredential, error)
	CheckConnection(ctx context.Context, tenantID string, platform models.Platform) error
	CalculateMetrics(ctx context.Context, tenantID string, date time.Time) models.MetricsReport
	BackfillMetrics(ctx context.Context, tenantID string, start, end time.Time) models.BackfillReport
}

type SyncRequester interface {
	PublishSyncRequested(ctx context.Context, tenantID string, platform models.Platform, dataTypes []models.DataType, source string) (*models.SyncRequestedEvent, error)
}

// Reader serves canonical data back to callers.
type Reader interface {
	GetDailyMetrics(ctx context.Context, tenantID string, start, end time.Time, platform string) ([]models.DailyMetrics, error)
	GetProductBySKU(ctx context.Context, tenantID string, platform models.Platform, sku string) (*models.Product, error)
	GetInventory(ctx context.Context, tenantID string, platform models.Platform, sku string) ([]models.InventoryLevel, error)
}

type Backlog interface {
	CountUnprocessed(ctx context.Context, tenantID string, platform models.Platform) (int64, error)
}

type Scheduler interface {
	AddJob(ctx context.Context, id, spec string, fn scheduler.JobFunc) error
	RemoveJob(ctx context.Context, id string) error
	Jobs() []scheduler.JobState
	TriggerJob(ctx context.Context, id string) (<-chan worker.Result, error)
}

// TenantJobFunc builds the job run by a tenant platform schedule.
type TenantJobFunc func(tenantID string, platform models.Platform) scheduler.JobFunc

// Deps wires the handler. Checks are run by /ready; any error fails it.
type Deps struct {
	Pipeline  Pipeline
	Syncs     SyncRequester
	Reader    Reader
	Backlog   Backlog
	Scheduler Scheduler
	TenantJob TenantJobFunc
	Checks    map[string]func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	deps   Deps
	now    func() time.Time
	logger *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		deps:   deps,
		now:    time.Now,
		logger: util.GetLogger().Named("api"),
	}
}

// TenantJobID names the schedule of one tenant platform.
func TenantJobID(tenantID string, platform models.Platform) string {
	return fmt.Sprintf("sync_%s_%s", tenantID, platform)
}

// ParseTenantJobID reverses TenantJobID.
func ParseTenantJobID(id string) (string, models.Platform, bool) {
	rest, ok := strings.CutPrefix(id, "sync_")
	if !ok {
		return "", "", false
	}
	i := strings.LastIndex(rest, "_")
	if i <= 0 {
		return "", "", false
	}
	platform, err := models.ParsePlatform(rest[i+1:])
	if err != nil {
		return "", "", false
	}
	return rest[:i], platform, true
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/sync/:platform", h.requestSync)
		v1.GET("/staging/:platform/pending", h.pending)
		v1.GET("/connections/:platform", h.checkConnection)

		v1.POST("/metrics/calculate", h.calculateMetrics)
		v1.POST("/metrics/backfill", h.backfillMetrics)
		v1.GET("/metrics/daily", h.dailyMetrics)

		v1.GET("/products/:platform/:sku", h.getProduct)

		v1.GET("/schedules", h.listSchedules)
		v1.PUT("/schedules/:platform", h.putSchedule)
		v1.DELETE("/schedules/:platform", h.deleteSchedule)
		v1.POST("/schedules/jobs/:id/run", h.runJob)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   h.now().Unix(),
	})
}

// readinessCheck reports every dependency check.
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.deps.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   h.now().Unix(),
	})
}

func badRequest(c *gin.Context, msg string, err error) {
	body := gin.H{"error": msg}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func tenantID(c *gin.Context) (string, bool) {
	id := strings.TrimSpace(c.GetHeader(tenantHeader))
	if id == "" {
		badRequest(c, "Missing "+tenantHeader+" header", nil)
		return "", false
	}
	return id, true
}

func platformParam(c *gin.Context) (models.Platform, bool) {
	p, err := models.ParsePlatform(c.Param("platform"))
	if err != nil {
		badRequest(c, "Invalid platform", err)
		return "", false
	}
	return p, true
}

func parseDataTypes(raw string) ([]models.DataType, error) {
	if raw == "" {
		return nil, nil
	}
	var out []models.DataType
	for _, part := range strings.Split(raw, ",") {
		dt := models.DataType(strings.TrimSpace(part))
		known := false
		for _, k := range models.AllDataTypes {
			if dt == k {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unknown data type %q", dt)
		}
		out = append(out, dt)
	}
	return out, nil
}

// requestSync publishes a sync request for the worker and returns at once.
func (h *Handler) requestSync(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	platform, ok := platformParam(c)
	if !ok {
		return
	}
	dataTypes, err := parseDataTypes(c.Query("data_types"))
	if err != nil {
		badRequest(c, "Invalid data_types", err)
		return
	}

	ctx := c.Request.Context()
	if _, err := h.deps.Pipeline.Credential(ctx, tenant, platform); err != nil {
		if errors.Is(err, service.ErrNoCredential) {
			c.JSON(http.StatusNotFound, gin.H{"error": "No active credential", "details": err.Error()})
			return
		}
		h.serverError(c, "Failed to load credential", err)
		return
	}

	event, err := h.deps.Syncs.PublishSyncRequested(ctx, tenant, platform, dataTypes, "api")
	if err != nil {
		h.serverError(c, "Failed to queue sync", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"request_id": event.EventID,
		"tenant_id":  tenant,
		"platform":   platform,
		"status":     "queued",
	})
}

// checkConnection answers 502 when the platform rejects or cannot be reached.
func (h *Handler) checkConnection(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	platform, ok := platformParam(c)
	if !ok {
		return
	}
	err := h.deps.Pipeline.CheckConnection(c.Request.Context(), tenant, platform)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "platform": platform, "status": "ok"})
	case errors.Is(err, service.ErrNoCredential):
		c.JSON(http.StatusNotFound, gin.H{"error": "No active credential", "details": err.Error()})
	case connector.IsAuthError(err):
		c.JSON(http.StatusBadGateway, gin.H{"tenant_id": tenant, "platform": platform, "status": "unauthorized", "details": err.Error()})
	default:
		c.JSON(http.StatusBadGateway, gin.H{"tenant_id": tenant, "platform": platform, "status": "unreachable", "details": err.Error()})
	}
}

func (h *Handler) pending(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	platform, ok := platformParam(c)
	if !ok {
		return
	}
	n, err := h.deps.Backlog.CountUnprocessed(c.Request.Context(), tenant, platform)
	if err != nil {
		h.serverError(c, "Failed to count staged documents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "platform": platform, "pending": n})
}

// calculateMetrics rolls up ?date= (default yesterday) synchronously.
func (h *Handler) calculateMetrics(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	day := rollup.Day(h.now()).AddDate(0, 0, -1)
	if raw := c.Query("date"); raw != "" {
		d, err := rollup.ParseDay(raw)
		if err != nil {
			badRequest(c, "Invalid date", err)
			return
		}
		day = d
	}

	report := h.deps.Pipeline.CalculateMetrics(c.Request.Context(), tenant, day)
	if !report.Success {
		c.JSON(http.StatusInternalServerError, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) dateRange(c *gin.Context, defaultDays int) (time.Time, time.Time, bool) {
	end := rollup.Day(h.now())
	start := end.AddDate(0, 0, -defaultDays)
	if raw := c.Query("start"); raw != "" {
		d, err := rollup.ParseDay(raw)
		if err != nil {
			badRequest(c, "Invalid start", err)
			return start, end, false
		}
		start = d
	} else if defaultDays < 0 {
		badRequest(c, "Missing start", nil)
		return start, end, false
	}
	if raw := c.Query("end"); raw != "" {
		d, err := rollup.ParseDay(raw)
		if err != nil {
			badRequest(c, "Invalid end", err)
			return start, end, false
		}
		end = d
	} else if defaultDays < 0 {
		badRequest(c, "Missing end", nil)
		return start, end, false
	}
	if err := rollup.ValidateRange(start, end); err != nil {
		badRequest(c, "Invalid date range", err)
		return start, end, false
	}
	return start, end, true
}

func (h *Handler) backfillMetrics(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	start, end, ok := h.dateRange(c, -1)
	if !ok {
		return
	}

	report := h.deps.Pipeline.BackfillMetrics(c.Request.Context(), tenant, start, end)
	status := http.StatusOK
	if !report.Success {
		status = http.StatusMultiStatus
	}
	c.JSON(status, report)
}

// dailyMetrics lists saved rows; the default window is the last 30 days.
func (h *Handler) dailyMetrics(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	start, end, ok := h.dateRange(c, 30)
	if !ok {
		return
	}
	platform := c.Query("platform")
	if platform != "" && platform != models.PlatformOverall {
		if _, err := models.ParsePlatform(platform); err != nil {
			badRequest(c, "Invalid platform", err)
			return
		}
	}

	rows, err := h.deps.Reader.GetDailyMetrics(c.Request.Context(), tenant, start, end, platform)
	if err != nil {
		h.serverError(c, "Failed to load metrics", err)
		return
	}
	if rows == nil {
		rows = []models.DailyMetrics{}
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenant, "metrics": rows})
}

// getProduct returns the canonical product with its inventory levels.
func (h *Handler) getProduct(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	platform, ok := platformParam(c)
	if !ok {
		return
	}
	sku := c.Param("sku")

	ctx := c.Request.Context()
	product, err := h.deps.Reader.GetProductBySKU(ctx, tenant, platform, sku)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Product not found", "details": err.Error()})
			return
		}
		h.serverError(c, "Failed to load product", err)
		return
	}
	levels, err := h.deps.Reader.GetInventory(ctx, tenant, platform, sku)
	if err != nil {
		h.serverError(c, "Failed to load inventory", err)
		return
	}
	if levels == nil {
		levels = []models.InventoryLevel{}
	}
	c.JSON(http.StatusOK, gin.H{
		"product":   product,
		"inventory": levels,
	})
}

func (h *Handler) listSchedules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.deps.Scheduler.Jobs()})
}

type scheduleRequest struct {
	Schedule string `json:"schedule" binding:"required"`
}

// putSchedule registers or replaces the tenant platform's sync schedule.
func (h *Handler) putSchedule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	platform, ok := platformParam(c)
	if !ok {
		return
	}
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}
	if _, err := scheduler.ParseSchedule(req.Schedule); err != nil {
		badRequest(c, "Invalid schedule", err)
		return
	}

	id := TenantJobID(tenant, platform)
	if err := h.deps.Scheduler.AddJob(c.Request.Context(), id, req.Schedule, h.deps.TenantJob(tenant, platform)); err != nil {
		h.serverError(c, "Failed to register schedule", err)
		return
	}
	for _, j := range h.deps.Scheduler.Jobs() {
		if j.ID == id {
			c.JSON(http.StatusOK, j)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "schedule": req.Schedule})
}

func (h *Handler) deleteSchedule(c *gin.Context) {
	tenant, ok := tenantID(c)
	if !ok {
		return
	}
	platform, ok := platformParam(c)
	if !ok {
		return
	}
	if err := h.deps.Scheduler.RemoveJob(c.Request.Context(), TenantJobID(tenant, platform)); err != nil {
		if errors.Is(err, scheduler.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Schedule not found"})
			return
		}
		h.serverError(c, "Failed to remove schedule", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// runJob triggers a registered job now without waiting for it.
func (h *Handler) runJob(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.deps.Scheduler.TriggerJob(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, scheduler.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.Is(err, scheduler.ErrJobRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "Job is already running"})
		case errors.Is(err, worker.ErrQueueFull), errors.Is(err, worker.ErrPoolStopped):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Worker pool unavailable", "details": err.Error()})
		default:
			h.serverError(c, "Failed to trigger job", err)
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "triggered"})
}

func (h *Handler) serverError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   msg,
		"details": err.Error(),
	})
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
