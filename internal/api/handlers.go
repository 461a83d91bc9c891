package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"blocktalk/internal/ledger"
	"blocktalk/internal/models"
	"blocktalk/internal/service"
	"blocktalk/internal/utils/log"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Handler struct {
	Scheduler     *service.Scheduler
	Pipeline      *service.Pipeline
	Conversations *service.Conversations
	Book          *service.LedgerBook
	Directory     service.Directory
	Decoder       service.Decoder

	limiter *limiterPool
	// base outlives requests; background deliveries run under it.
	base       context.Context
	deliveries sync.WaitGroup
}

type Options struct {
	// SendRatePerSec and SendBurst bound POSTs per user.
	SendRatePerSec float64
	SendBurst      int
	// BaseContext is cancelled on shutdown. Defaults to context.Background.
	BaseContext context.Context
}

func NewAPIHandler(
	scheduler *service.Scheduler,
	pipeline *service.Pipeline,
	convs *service.Conversations,
	book *service.LedgerBook,
	directory service.Directory,
	decoder service.Decoder,
	opts Options,
) *Handler {
	base := opts.BaseContext
	if base == nil {
		base = context.Background()
	}
	return &Handler{
		Scheduler:     scheduler,
		Pipeline:      pipeline,
		Conversations: convs,
		Book:          book,
		Directory:     directory,
		Decoder:       decoder,
		limiter:       newLimiterPool(opts.SendRatePerSec, opts.SendBurst),
		base:          base,
	}
}

// Register mounts every route under /api/v1.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/api/v1", RequireUser())
	{
		v1.GET("/contacts", h.ListContacts)
		v1.GET("/conversations/:peer/messages", h.ListMessages)
		v1.POST("/conversations/:peer/messages", h.SendMessage)
		v1.GET("/conversations/:peer/stream", h.Stream)
		v1.POST("/verify", h.Verify)
		v1.GET("/ledger", h.Ledger)
		v1.GET("/stats", h.Stats)
		v1.GET("/auditor", h.AuditorStatus)
		v1.POST("/auditor/start", h.StartAuto)
		v1.POST("/auditor/stop", h.StopAuto)
	}
}

// Wait blocks until every background delivery has returned.
func (h *Handler) Wait() { h.deliveries.Wait() }

type MessageView struct {
	models.Message
	DecryptedText string `json:"decryptedText"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
	// LogToChain defaults to true.
	LogToChain *bool `json:"logToChain,omitempty"`
}

type VerifyRequest struct {
	Content    string `json:"content"`
	Identifier string `json:"identifier"`
}

type VerifyResponse struct {
	Identifier string               `json:"identifier"`
	LocalHash  string               `json:"localHash"`
	Found      bool                 `json:"found"`
	Verified   bool                 `json:"verified"`
	Remote     *ledger.Verification `json:"remote"`
}

func (h *Handler) view(ctx context.Context, m models.Message) MessageView {
	v := MessageView{Message: m, DecryptedText: m.Text}
	if h.Decoder == nil {
		return v
	}
	if plain, err := h.Decoder.Decrypt(ctx, m.Text); err == nil {
		v.DecryptedText = plain
	}
	return v
}

// conversation opens the caller's conversation with the :peer path param.
func (h *Handler) conversation(c *gin.Context) (*service.Conversation, string, bool) {
	peer := strings.TrimSpace(c.Param("peer"))
	if peer == "" || strings.Contains(peer, models.KeySeparator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer id"})
		return nil, "", false
	}
	conv, err := h.Conversations.Open(c.Request.Context(), userID(c), peer)
	if err != nil {
		log.Error("open conversation failed", zap.String("peer", peer), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return nil, "", false
	}
	return conv, peer, true
}

func (h *Handler) ListContacts(c *gin.Context) {
	profiles, err := h.Directory.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	me := userID(c)
	contacts := make([]models.Profile, 0, len(profiles))
	for _, p := range profiles {
		if p.ID != me {
			contacts = append(contacts, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"contacts": contacts})
}

func (h *Handler) ListMessages(c *gin.Context) {
	conv, _, ok := h.conversation(c)
	if !ok {
		return
	}
	msgs := conv.Messages()
	views := make([]MessageView, len(msgs))
	for i, m := range msgs {
		views[i] = h.view(c.Request.Context(), m)
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv.Key(), "messages": views})
}

// SendMessage records the message as sending and hands the rest of the
// lifecycle to a background delivery. Clients follow it on the stream.
func (h *Handler) SendMessage(c *gin.Context) {
	var body SendMessageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}
	me := userID(c)
	if !h.limiter.Allow(me) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
		return
	}
	conv, peer, ok := h.conversation(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	sender, err := h.Directory.Lookup(ctx, me)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	receiver, err := h.Directory.Lookup(ctx, peer)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := service.SendRequest{
		Text:        body.Text,
		SenderID:    sender.ID,
		ReceiverID:  receiver.ID,
		SenderRef:   sender.LedgerRef(),
		ReceiverRef: receiver.LedgerRef(),
		SkipChain:   body.LogToChain != nil && !*body.LogToChain,
	}
	msg, err := h.Pipeline.Compose(ctx, conv, req)
	if err != nil {
		if errors.Is(err, service.ErrLocalProcessing) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "message": h.view(ctx, msg)})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	h.deliveries.Add(1)
	go func() {
		defer h.deliveries.Done()
		if _, err := h.Pipeline.Deliver(h.base, conv, msg, req); err != nil {
			log.Warn("message delivery ended with error", zap.String("id", msg.ID), zap.Error(err))
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"message": h.view(ctx, msg)})
}

func (h *Handler) Verify(c *gin.Context) {
	var body VerifyRequest
	if err := c.ShouldBindJSON(&body); err != nil || body.Content == "" || body.Identifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content and identifier are required"})
		return
	}
	report, err := h.Pipeline.VerifyIntegrity(c.Request.Context(), body.Content, body.Identifier)
	switch {
	case errors.Is(err, service.ErrLocalProcessing):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	case errors.Is(err, service.ErrLedgerUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, VerifyResponse{
		Identifier: report.Identifier,
		LocalHash:  report.LocalHash,
		Found:      report.Found(),
		Verified:   report.Verified,
		Remote:     report.Remote,
	})
}

func (h *Handler) Ledger(c *gin.Context) {
	entries, err := h.Book.Entries(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.Book.Stats(c.Request.Context(), userID(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *Handler) AuditorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"running":  h.Scheduler.IsRunning(),
		"lastRun":  h.Scheduler.Auditor().Last(),
		"tampered": h.Scheduler.Auditor().Tampered(userID(c)),
	})
}

func (h *Handler) StartAuto(c *gin.Context) {
	if h.Scheduler.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"message": "Auditor already running"})
		return
	}
	if err := h.Scheduler.Start(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Auditor started"})
}

func (h *Handler) StopAuto(c *gin.Context) {
	if !h.Scheduler.IsRunning() {
		c.JSON(http.StatusOK, gin.H{"message": "Auditor already stopped"})
		return
	}
	_ = h.Scheduler.Stop()
	c.JSON(http.StatusOK, gin.H{"message": "Auditor stopped"})
}
