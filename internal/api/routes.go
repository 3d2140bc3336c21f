package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rawblock/dropengine/internal/apperr"
	"github.com/rawblock/dropengine/internal/cryptoutil"
	"github.com/rawblock/dropengine/internal/drop"
	"github.com/rawblock/dropengine/internal/geo"
	"github.com/rawblock/dropengine/internal/kv"
	"github.com/rawblock/dropengine/internal/participant"
	"github.com/rawblock/dropengine/internal/pubsub"
	"github.com/rawblock/dropengine/internal/queue"
	"github.com/rawblock/dropengine/internal/rollover"
	"github.com/rawblock/dropengine/internal/sse"
	"github.com/rawblock/dropengine/internal/trust"
	"github.com/rawblock/dropengine/pkg/models"
)

// APIHandler wires the HTTP edge to every domain manager: the
// drop index, the participant FSM table, the cross-drop rollover ledger,
// the trust gate, and the per-drop queue registry.
type APIHandler struct {
	dropMgr        *drop.Manager
	participantMgr *participant.Manager
	rolloverMgr    *rollover.Manager
	powIssuer      *trust.PowIssuer
	gate           *trust.Gate
	bus            *pubsub.Bus
	store          *kv.Store
	queueCfg       queue.Config
	ipHashSalt     string

	queuesMu sync.Mutex
	queues   map[string]*queue.Queue
}

// NewAPIHandler wires the HTTP edge. ipHashSalt keys the fingerprint/IP
// hashing used to rate-limit queue joins.
func NewAPIHandler(dropMgr *drop.Manager, participantMgr *participant.Manager, rolloverMgr *rollover.Manager, powIssuer *trust.PowIssuer, gate *trust.Gate, bus *pubsub.Bus, store *kv.Store, queueCfg queue.Config, ipHashSalt string) *APIHandler {
	return &APIHandler{
		dropMgr:        dropMgr,
		participantMgr: participantMgr,
		rolloverMgr:    rolloverMgr,
		powIssuer:      powIssuer,
		gate:           gate,
		bus:            bus,
		store:          store,
		queueCfg:       queueCfg,
		ipHashSalt:     ipHashSalt,
		queues:         make(map[string]*queue.Queue),
	}
}

// getOrCreateQueue returns dropId's admission queue, creating it on first
// use — queue.Queue has no top-level manager of its own, unlike
// drop/participant/rollover/loyalty, since each one's background loops
// are scoped to a single drop's lifetime.
func (h *APIHandler) getOrCreateQueue(dropID string) *queue.Queue {
	h.queuesMu.Lock()
	defer h.queuesMu.Unlock()
	q, ok := h.queues[dropID]
	if !ok {
		q = queue.New(dropID, h.queueCfg, h.store, h.bus)
		h.queues[dropID] = q
	}
	return q
}

// writeError maps an apperr.Error to its HTTP status code and JSON body.
// A plain error (one our own handlers never return, but a defensive
// fallback costs nothing) is treated as an internal error.
func writeError(c *gin.Context, err error) {
	appErr, ok := err.(*apperr.Error)
	if !ok {
		appErr = apperr.Internal(err.Error())
	}
	if appErr.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(appErr.RetryAfter))
	}
	c.JSON(appErr.Kind.StatusCode(), gin.H{
		"error": gin.H{
			"kind":    appErr.Kind,
			"code":    appErr.Code,
			"message": appErr.Message,
		},
		"retryAfter": appErr.RetryAfter,
	})
	c.Abort()
}

// SetupRouter builds the gin engine: rate-limited public REST surface,
// the SSE projections, and the admin dashboard websocket behind bearer
// auth.
func SetupRouter(h *APIHandler, adminHub *AdminHub) *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	rl := NewRateLimiter(30, 10)
	apiGroup := r.Group("/api")
	apiGroup.Use(rl.Middleware())
	{
		apiGroup.GET("/pow/challenge", h.powChallenge)
		apiGroup.POST("/queue/:dropId/join", h.joinQueue)
		apiGroup.GET("/queue/:dropId/:token/status", h.queueStatus)
		apiGroup.POST("/drop/:dropId/register", h.register)
		apiGroup.POST("/drop/:dropId/purchase/start", h.purchaseStart)
		apiGroup.POST("/drop/:dropId/purchase", h.purchase)
		apiGroup.GET("/drop/active", h.activeDrops)
		apiGroup.GET("/drop/:dropId/status", h.dropStatus)
		apiGroup.GET("/drop/:dropId/proof", h.dropProof)
		apiGroup.GET("/drop/rollover/:userId", h.rolloverBalance)
	}

	events := r.Group("/events")
	{
		events.GET("/queue/:dropId/:token", h.queueEvents)
		events.GET("/:dropId/:userId", h.dropEvents)
	}

	if adminHub != nil {
		admin := r.Group("/admin")
		admin.Use(AuthMiddleware())
		admin.GET("/ws", adminHub.Subscribe)
	}

	return r
}

func (h *APIHandler) powChallenge(c *gin.Context) {
	ch, err := h.powIssuer.Issue()
	if err != nil {
		writeError(c, apperr.Internal("Failed to issue proof-of-work challenge"))
		return
	}
	c.JSON(http.StatusOK, ch)
}

type joinQueueRequest struct {
	Fingerprint string `json:"fingerprint" binding:"required"`
}

func (h *APIHandler) joinQueue(c *gin.Context) {
	dropID := c.Param("dropId")
	if _, ok := h.dropMgr.Get(dropID); !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}

	var req joinQueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("INVALID_INPUT", err.Error()))
		return
	}

	ipHash := cryptoutil.SHA256Hex(h.ipHashSalt + c.ClientIP())
	tokenID := uuid.NewString()

	q := h.getOrCreateQueue(dropID)
	res, err := q.JoinQueue(tokenID, req.Fingerprint, ipHash)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *APIHandler) queueStatus(c *gin.Context) {
	dropID := c.Param("dropId")
	token := c.Param("token")

	q := h.getOrCreateQueue(dropID)
	tok, ok := q.Status(token)
	if !ok {
		writeError(c, apperr.NotFound("Unknown queue token"))
		return
	}

	resp := gin.H{"status": tok.Status}
	switch tok.Status {
	case models.QueueWaiting:
		resp["position"] = tok.Position
		resp["estimatedWaitSeconds"] = q.EstimatedWaitSeconds(tok.Position)
	case models.QueueReady:
		resp["expiresAt"] = tok.ExpiresAt
		if tok.ReadyAt != nil {
			resp["readyAt"] = tok.ReadyAt
		}
	}
	c.JSON(http.StatusOK, resp)
}

type registerRequest struct {
	UserID          string                   `json:"userId" binding:"required"`
	Tickets         int                      `json:"tickets"`
	BotValidation   models.BotValidation     `json:"botValidation" binding:"required"`
	QueueToken      string                   `json:"queueToken" binding:"required"`
	BehaviorSignals *models.BehaviorSignals  `json:"behaviorSignals,omitempty"`
	Location        *models.GeoPoint         `json:"location,omitempty"`
}

// register implements POST .../register: validates the
// queue token is ready and matches the submitted fingerprint, runs the
// proof-of-work and trust-gate checks, then delegates to the drop actor.
func (h *APIHandler) register(c *gin.Context) {
	dropID := c.Param("dropId")
	d, ok := h.dropMgr.Get(dropID)
	if !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}

	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("INVALID_INPUT", err.Error()))
		return
	}

	q := h.getOrCreateQueue(dropID)
	tok, ok := q.Status(req.QueueToken)
	if !ok {
		writeError(c, apperr.TokenInvalid("Unknown queue token"))
		return
	}
	if tok.Status != models.QueueReady {
		writeError(c, apperr.QueueNotReady(1))
		return
	}
	if tok.Fingerprint != req.BotValidation.Fingerprint {
		writeError(c, apperr.New(apperr.KindFingerprintMismatch, "FINGERPRINT_MISMATCH", "Fingerprint does not match queue token"))
		return
	}

	powOK, err := h.powIssuer.Verify(req.BotValidation.PowChallenge, req.BotValidation.PowSolution)
	if err != nil {
		writeError(c, err)
		return
	}

	var behaviorScore *float64
	var features [10]float64
	if req.BehaviorSignals != nil {
		avg := (req.BehaviorSignals.MouseMovementScore + req.BehaviorSignals.KeystrokeScore) / 2
		behaviorScore = &avg
		for i := 0; i < len(features) && i < len(req.BehaviorSignals.Features); i++ {
			features[i] = req.BehaviorSignals.Features[i]
		}
	}

	if _, err := h.gate.Evaluate(c.Request.Context(), req.BotValidation, powOK, behaviorScore, features); err != nil {
		writeError(c, err)
		return
	}

	var loc *geo.Point
	if req.Location != nil {
		loc = &geo.Point{Lat: req.Location.Lat, Lng: req.Location.Lng}
	}

	result, err := d.Register(req.UserID, req.Tickets, loc)
	if err != nil {
		writeError(c, err)
		return
	}

	if err := q.MarkTokenUsed(req.QueueToken); err != nil {
		log.Printf("[API] failed to mark queue token %s used for drop %s: %v", req.QueueToken, dropID, err)
	}

	c.JSON(http.StatusOK, result)
}

type purchaseStartRequest struct {
	UserID string `json:"userId" binding:"required"`
}

// purchaseStart returns the winner's already-minted purchase token: the
// token is generated at lottery/promotion time, not here.
func (h *APIHandler) purchaseStart(c *gin.Context) {
	dropID := c.Param("dropId")
	if _, ok := h.dropMgr.Get(dropID); !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}

	var req purchaseStartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("INVALID_INPUT", err.Error()))
		return
	}

	rec := h.participantMgr.Get(dropID, req.UserID)
	if rec.Status != models.StatusWinner {
		writeError(c, apperr.New(apperr.KindConflict, "NOT_A_WINNER", "Participant is not an active winner"))
		return
	}
	if rec.ExpiresAt != nil && time.Now().After(*rec.ExpiresAt) {
		writeError(c, apperr.TokenExpired("Purchase window has expired"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchaseToken": rec.PurchaseToken, "expiresAt": rec.ExpiresAt})
}

type purchaseRequest struct {
	UserID        string `json:"userId" binding:"required"`
	PurchaseToken string `json:"purchaseToken" binding:"required"`
}

func (h *APIHandler) purchase(c *gin.Context) {
	dropID := c.Param("dropId")
	d, ok := h.dropMgr.Get(dropID)
	if !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}

	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("INVALID_INPUT", err.Error()))
		return
	}

	res, err := h.participantMgr.CompletePurchase(dropID, req.UserID, req.PurchaseToken, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Success {
		d.RecordPurchase()
	}

	c.JSON(http.StatusOK, gin.H{"success": res.Success})
}

func (h *APIHandler) dropStatus(c *gin.Context) {
	dropID := c.Param("dropId")
	d, ok := h.dropMgr.Get(dropID)
	if !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}
	c.JSON(http.StatusOK, d.GetState())
}

func (h *APIHandler) activeDrops(c *gin.Context) {
	c.JSON(http.StatusOK, h.dropMgr.ActiveSummaries())
}

func (h *APIHandler) dropProof(c *gin.Context) {
	dropID := c.Param("dropId")
	d, ok := h.dropMgr.Get(dropID)
	if !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}
	proof, err := d.Proof()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, proof)
}

func (h *APIHandler) rolloverBalance(c *gin.Context) {
	userID := c.Param("userId")
	c.JSON(http.StatusOK, gin.H{"balance": h.rolloverMgr.Balance(userID)})
}

func (h *APIHandler) dropEvents(c *gin.Context) {
	dropID := c.Param("dropId")
	userID := c.Param("userId")
	d, ok := h.dropMgr.Get(dropID)
	if !ok {
		writeError(c, apperr.NotFound("Unknown drop"))
		return
	}
	sse.DropStream(c, d, h.participantMgr, h.bus, dropID, userID)
}

func (h *APIHandler) queueEvents(c *gin.Context) {
	dropID := c.Param("dropId")
	token := c.Param("token")
	sse.QueueStream(c, h.bus, dropID, token)
}
