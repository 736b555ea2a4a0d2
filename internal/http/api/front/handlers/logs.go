package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/fieldpilot/backend/internal/db"
	"github.com/fieldpilot/backend/internal/models"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// LogsHandler handles usage log endpoints.
type LogsHandler struct {
	db *gorm.DB
}

// NewLogsHandler constructs a LogsHandler.
func NewLogsHandler(conn *gorm.DB) *LogsHandler {
	return &LogsHandler{db: conn}
}

// logsListQuery defines query parameters for listing usage logs.
type logsListQuery struct {
	Page      int    `form:"page,default=1"`
	Limit     int    `form:"limit,default=20"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Type      string `form:"type"`
	Mode      string `form:"mode"`
	Search    string `form:"search"`
}

// logEntry defines one usage log row in the response.
type logEntry struct {
	ID             uint64         `json:"id"`
	CreditsUsed    int64          `json:"credits_used"`
	UsageType      string         `json:"usage_type"`
	Description    string         `json:"description"`
	BalanceBefore  int64          `json:"balance_before"`
	BalanceAfter   int64          `json:"balance_after"`
	WasGraceCredit bool           `json:"was_grace_credit"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	Detail         datatypes.JSON `json:"detail,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// List returns the organization's usage log, newest first.
func (h *LogsHandler) List(c *gin.Context) {
	organizationID := getOrganizationID(c)
	if organizationID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var q logsListQuery
	if errBind := c.ShouldBindQuery(&q); errBind != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 || q.Limit > 100 {
		q.Limit = 20
	}

	ctx := c.Request.Context()
	query := h.db.WithContext(ctx).
		Model(&models.UsageLog{}).
		Where("organization_id = ?", organizationID)

	if q.StartDate != "" {
		if startTime, errParse := time.ParseInLocation("2006-01-02", q.StartDate, time.UTC); errParse == nil {
			query = query.Where("created_at >= ?", startTime)
		}
	}
	if q.EndDate != "" {
		if endTime, errParse := time.ParseInLocation("2006-01-02", q.EndDate, time.UTC); errParse == nil {
			query = query.Where("created_at < ?", endTime.AddDate(0, 0, 1))
		}
	}
	if usageType := strings.TrimSpace(q.Type); usageType != "" {
		query = query.Where("usage_type = ?", usageType)
	}
	if mode := strings.TrimSpace(q.Mode); mode != "" {
		query = query.Where(db.JSONExtractTextExpr(h.db, "detail", "mode")+" = ?", mode)
	}
	if search := strings.TrimSpace(q.Search); search != "" {
		pattern := db.NormalizeLikePattern(h.db, "%"+search+"%")
		query = query.Where(db.CaseInsensitiveLikeExpr(h.db, "description"), pattern)
	}

	var total int64
	if errCount := query.Count(&total).Error; errCount != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query logs failed"})
		return
	}

	var rows []models.UsageLog
	if errFind := query.
		Order("created_at DESC, id DESC").
		Offset((q.Page - 1) * q.Limit).
		Limit(q.Limit).
		Find(&rows).Error; errFind != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "query logs failed"})
		return
	}

	out := make([]logEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, logEntry{
			ID:             row.ID,
			CreditsUsed:    row.CreditsUsed,
			UsageType:      row.UsageType,
			Description:    row.Description,
			BalanceBefore:  row.BalanceBefore,
			BalanceAfter:   row.BalanceAfter,
			WasGraceCredit: row.WasGraceCredit,
			CorrelationID:  row.CorrelationID,
			Detail:         row.Detail,
			CreatedAt:      row.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"logs":  out,
		"total": total,
		"page":  q.Page,
		"limit": q.Limit,
	})
}
