package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/centrodesk/lineup/internal/alert"
	"github.com/centrodesk/lineup/internal/allocator"
	"github.com/centrodesk/lineup/internal/failover"
	"github.com/centrodesk/lineup/internal/models"
	"github.com/centrodesk/lineup/internal/pipeline"
	"github.com/centrodesk/lineup/internal/push"
	"github.com/centrodesk/lineup/internal/queue"
	"github.com/centrodesk/lineup/internal/transport"
)

// registerRoutes sets up all API routes on the gin engine.
func registerRoutes(engine *gin.Engine, opts *Opts) {
	engine.POST("/webhook/inbound", handleInbound(opts))

	api := engine.Group("/api")
	api.POST("/send", handleSend(opts))
	api.GET("/lines", handleLineList(opts))
	api.POST("/lines", handleLineCreate(opts))
	api.POST("/lines/:id/ban", handleLineBan(opts))
	api.GET("/operators", handleOperatorList(opts))
	api.POST("/operators", handleOperatorCreate(opts))
	api.POST("/bindings", handleBind(opts))
	api.DELETE("/bindings", handleUnbind(opts))
	api.GET("/overview", handleOverview(opts))
	api.GET("/events/:operator_id", handleSSE(opts))
}

type inboundRequest struct {
	MessageKey   string `json:"message_key"`
	LinePhone    string `json:"line_phone" binding:"required"`
	ContactPhone string `json:"contact_phone" binding:"required"`
	Body         string `json:"body"`
}

// handleInbound ingests one provider webhook delivery. Routable messages are
// pushed to the picked operator; the rest go to the durable queue under the
// provider's message key so redelivery stays idempotent.
func handleInbound(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inboundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		var line models.Line
		result := opts.DB.Where("phone_number = ?", req.LinePhone).Find(&line)
		if result.Error != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": result.Error.Error()})
			return
		}
		if result.RowsAffected == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown line"})
			return
		}

		operatorID, err := opts.Router.RouteInbound(line.ID, req.ContactPhone)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		segment := opts.DefaultSegment
		if line.Segment != nil {
			segment = *line.Segment
		}

		if operatorID == 0 {
			pending, err := queue.Enqueue(opts.DB, line.ID, req.ContactPhone, segment, req.Body,
				queue.EnqueueOpts{MessageKey: req.MessageKey})
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true, "message_key": pending.MessageKey})
			return
		}

		conv, err := ensureOpenConversation(opts, operatorID, line.ID, req.ContactPhone, segment)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		opts.Notifier.DeliverToUser(operatorID, push.EventInboundMessage, gin.H{
			"conversation_id": conv.ID,
			"contact":         req.ContactPhone,
			"body":            req.Body,
		})
		c.JSON(http.StatusOK, gin.H{"routed_to": operatorID, "conversation_id": conv.ID})
	}
}

// ensureOpenConversation returns the contact's open conversation, creating
// the row when this is a first contact.
func ensureOpenConversation(opts *Opts, operatorID, lineID uint, contactPhone string, segment int) (*models.Conversation, error) {
	var conv models.Conversation
	result := opts.DB.Where("contact_phone = ? AND tabulation_id IS NULL", contactPhone).
		Order("created_at DESC, id DESC").Limit(1).Find(&conv)
	if result.Error != nil {
		return nil, fmt.Errorf("server: open conversation lookup: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		return &conv, nil
	}
	conv = models.Conversation{
		ContactPhone: contactPhone,
		OperatorID:   &operatorID,
		LineID:       &lineID,
		Segment:      segment,
	}
	if err := opts.DB.Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("server: create conversation: %w", err)
	}
	return &conv, nil
}

type sendRequest struct {
	OperatorID   uint       `json:"operator_id" binding:"required"`
	ContactPhone string     `json:"contact_phone" binding:"required"`
	Text         string     `json:"text"`
	Media        *mediaBody `json:"media"`
}

type mediaBody struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
}

func handleSend(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		payload := pipeline.Payload{Text: req.Text}
		if req.Media != nil {
			payload.Media = &transport.Media{
				URL:      req.Media.URL,
				MimeType: req.Media.MimeType,
				Caption:  req.Media.Caption,
			}
		}

		conv, err := opts.Pipeline.Send(c.Request.Context(), req.OperatorID, req.ContactPhone, payload)
		if err != nil {
			switch {
			case errors.Is(err, pipeline.ErrInvalidPhone), errors.Is(err, pipeline.ErrContactOwned):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			case errors.Is(err, failover.ErrNoLineAvailable):
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			case errors.Is(err, pipeline.ErrSendFailed):
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusCreated, gin.H{"conversation_id": conv.ID, "line_id": conv.LineID})
	}
}

type lineCreateRequest struct {
	PhoneNumber   string `json:"phone_number" binding:"required"`
	Segment       *int   `json:"segment"`
	CredentialRef string `json:"credential_ref"`
}

func handleLineCreate(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lineCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		line := models.Line{
			PhoneNumber:   req.PhoneNumber,
			Status:        models.LineActive,
			Segment:       req.Segment,
			CredentialRef: req.CredentialRef,
		}
		if err := opts.DB.Create(&line).Error; err != nil {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}

		// A fresh line may unblock operators stuck on the waiting queue.
		served, _ := opts.Failover.ServeWaiting()

		c.JSON(http.StatusCreated, gin.H{"id": line.ID, "waiting_served": served})
	}
}

func handleLineList(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := LineOverview(opts.DB)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"lines": rows})
	}
}

func handleLineBan(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseUintParam(c, "id")
		if !ok {
			return
		}

		var line models.Line
		opts.DB.Where("id = ?", id).Find(&line)
		var affected int
		if ops, err := allocator.BoundOperators(opts.DB, id); err == nil {
			affected = len(ops)
		}

		if err := opts.Failover.MarkBanned(id); err != nil {
			if errors.Is(err, allocator.ErrLineNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if opts.Alerts != nil {
			opts.Alerts.Broadcast(c.Request.Context(), alert.LineBanned(line.PhoneNumber, affected))
		}
		c.JSON(http.StatusOK, gin.H{"banned": id})
	}
}

type operatorCreateRequest struct {
	Name    string `json:"name" binding:"required"`
	Segment int    `json:"segment"`
	Role    string `json:"role"`
}

func handleOperatorCreate(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req operatorCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		role := req.Role
		if role == "" {
			role = models.RoleOperator
		}
		if role != models.RoleOperator && role != models.RoleSupervisor {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid role"})
			return
		}
		op := models.Operator{Name: req.Name, Segment: req.Segment, Role: role}
		if err := opts.DB.Create(&op).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": op.ID})
	}
}

func handleOperatorList(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := OperatorOverview(opts.DB, opts.Registry)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"operators": rows})
	}
}

type bindingRequest struct {
	LineID     uint `json:"line_id" binding:"required"`
	OperatorID uint `json:"operator_id" binding:"required"`
}

func handleBind(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bindingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := allocator.Bind(opts.DB, req.LineID, req.OperatorID); err != nil {
			c.JSON(bindStatus(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"line_id": req.LineID, "operator_id": req.OperatorID})
	}
}

// bindStatus maps allocator sentinels to HTTP statuses.
func bindStatus(err error) int {
	switch {
	case errors.Is(err, allocator.ErrLineNotFound), errors.Is(err, allocator.ErrOperatorNotFound):
		return http.StatusNotFound
	case errors.Is(err, allocator.ErrLineNotActive):
		return http.StatusUnprocessableEntity
	case errors.Is(err, allocator.ErrCapacityExceeded),
		errors.Is(err, allocator.ErrAlreadyBound),
		errors.Is(err, allocator.ErrSegmentConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func handleUnbind(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req bindingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := allocator.Unbind(opts.DB, req.LineID, req.OperatorID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// The freed slot may serve someone on the waiting queue.
		served, _ := opts.Failover.ServeWaiting()

		c.JSON(http.StatusOK, gin.H{"unbound": true, "waiting_served": served})
	}
}

func handleOverview(opts *Opts) gin.HandlerFunc {
	return func(c *gin.Context) {
		ov, err := BuildOverview(opts.DB, opts.Registry)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, ov)
	}
}
