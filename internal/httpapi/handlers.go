package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"callqc-platform/internal/auth"
	"callqc-platform/internal/records"
	"callqc-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.

type Handlers struct {
	Auth      *auth.Manager
	Store     records.Store
	Reporting *reporting.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: This is a skeleton-only endpoint. Real systems must validate credentials.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || req.Role == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id, role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

// --- Calls ---

// GetCall returns one call record by internal or external ID.
func (h Handlers) GetCall(c *gin.Context) {
	if h.Store == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store not configured"})
		return
	}
	id := c.Param("id")
	rec, err := h.Store.FindByID(c.Request.Context(), id)
	if errors.Is(err, records.ErrNotFound) {
		rec, err = h.Store.FindByExternalID(c.Request.Context(), id)
	}
	if errors.Is(err, records.ErrNotFound) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListCalls returns a filtered page of call records.
func (h Handlers) ListCalls(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	rng, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := reporting.ListRequest{
		Range:       rng,
		Campaign:    c.Query("campaign"),
		Status:      c.Query("status"),
		Disposition: c.Query("disposition"),
		Offset:      intQuery(c, "offset"),
		Limit:       intQuery(c, "limit"),
	}
	rows, total, err := h.Reporting.ListRecords(c.Request.Context(), req)
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "calls": rows})
}

// --- Reporting ---

func (h Handlers) GetSummary(c *gin.Context) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	rng, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	out, err := h.Reporting.Summary(c.Request.Context(), reporting.SummaryRequest{
		Range:    rng,
		Campaign: c.Query("campaign"),
	})
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "summary failed"})
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) ExportCSV(c *gin.Context) {
	h.export(c, "csv")
}

func (h Handlers) ExportXLSX(c *gin.Context) {
	h.export(c, "xlsx")
}

func (h Handlers) export(c *gin.Context, format string) {
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "reporting not configured"})
		return
	}
	rng, err := parseRange(c)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req := reporting.ExportRequest{
		Range:       rng,
		Campaign:    c.Query("campaign"),
		Status:      c.Query("status"),
		Disposition: c.Query("disposition"),
		Limit:       intQuery(c, "limit"),
	}

	switch format {
	case "csv":
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="calls.csv"`)
		err = h.Reporting.ExportCSV(c.Request.Context(), c.Writer, req)
	case "xlsx":
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", `attachment; filename="calls.xlsx"`)
		err = h.Reporting.ExportXLSX(c.Request.Context(), c.Writer, req)
	}
	if errors.Is(err, reporting.ErrInvalidRequest) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		// Headers may already be out; abort the stream.
		c.Abort()
	}
}

// --- helpers ---

func parseRange(c *gin.Context) (reporting.TimeRange, error) {
	var out reporting.TimeRange
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return out, errors.New("from must be RFC3339")
		}
		out.From = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return out, errors.New("to must be RFC3339")
		}
		out.To = t
	}
	return out, nil
}

func intQuery(c *gin.Context, key string) int {
	v := c.Query(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
