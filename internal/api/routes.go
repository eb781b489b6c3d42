package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rawblock/txaudit-engine/internal/attestation"
	"github.com/rawblock/txaudit-engine/internal/config"
	"github.com/rawblock/txaudit-engine/internal/db"
	"github.com/rawblock/txaudit-engine/internal/domain"
	"github.com/rawblock/txaudit-engine/internal/perception"
	"github.com/rawblock/txaudit-engine/internal/pipeline"
)

const engineVersion = "3.0.0"

// APIHandler bundles the transport layer's collaborators. Attestation is
// invoked here, after the pipeline has finalized a verdict — never from
// inside the pipeline itself, which would create a cycle between the issuer
// and the result it signs.
type APIHandler struct {
	cfg     config.Config
	pipe    *pipeline.Pipeline
	issuer  *attestation.Issuer
	dbStore *db.PostgresStore
	wsHub   *Hub
}

func SetupRouter(cfg config.Config, pipe *pipeline.Pipeline, issuer *attestation.Issuer, dbStore *db.PostgresStore, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	allowedOrigins := cfg.Server.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{cfg: cfg, pipe: pipe, issuer: issuer, dbStore: dbStore, wsHub: wsHub}

	pub := r.Group("")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/v1/models", handler.handleModels)
		pub.GET("/v1/tools", handler.handleTools)
		pub.GET("/api/v1/stream", wsHub.Subscribe)
		pub.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	protected := r.Group("")
	protected.Use(AuthMiddleware())
	protected.Use(NewRateLimiter(cfg.Server.RateLimitPerMin, cfg.Server.RateLimitBurst).Middleware())
	{
		protected.POST("/v1/chat/completions", handler.handleChatCompletions)
		protected.POST("/api/v1/simulate", handler.handleSimulate)
		protected.GET("/api/v1/audits", handler.handleListAudits)
		protected.GET("/api/v1/audits/:id", handler.handleGetAudit)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "operational",
		"service": "txaudit-engine",
		"version": engineVersion,
	})
}

// simulateToolParameters is the parameter schema advertised under /v1/tools
// for the simulate_tx function.
var simulateToolParameters = gin.H{
	"type": "object",
	"properties": gin.H{
		"user_intent": gin.H{"type": "string", "description": "free-form description of what the transaction is meant to do"},
		"chain_id":    gin.H{"type": "integer", "default": 1},
		"tx_from":     gin.H{"type": "string", "description": "20-byte hex sender address"},
		"tx_to":       gin.H{"type": "string", "description": "20-byte hex recipient address"},
		"tx_value":    gin.H{"type": "string", "default": "0"},
		"tx_data":     gin.H{"type": "string", "default": "0x"},
	},
	"required": []string{"user_intent", "tx_from", "tx_to"},
}

func (h *APIHandler) handleModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data": []gin.H{
			{"id": "txaudit-1", "object": "model", "owned_by": "txaudit-engine"},
		},
	})
}

func (h *APIHandler) handleTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"tools": []gin.H{
			{
				"type": "function",
				"function": gin.H{
					"name":        "simulate_tx",
					"description": "Simulate and audit a candidate blockchain transaction for risk before signing.",
					"parameters":  simulateToolParameters,
				},
			},
		},
	})
}

// chatMessage is the minimal OpenAI-chat-completions-shaped message envelope
// this transport accepts.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type toolDeclaration struct {
	Type     string `json:"type"`
	Function struct {
		Name string `json:"name"`
	} `json:"function"`
}

type chatCompletionRequest struct {
	Messages []chatMessage     `json:"messages"`
	Tools    []toolDeclaration `json:"tools"`
}

// toolArguments is the normalized shape simulate_tx expects, whether it
// arrives via an embedded tool_calls block or a raw JSON body.
type toolArguments struct {
	UserIntent string `json:"user_intent"`
	ChainID    int64  `json:"chain_id"`
	TxFrom     string `json:"tx_from"`
	TxTo       string `json:"tx_to"`
	TxValue    any    `json:"tx_value"`
	TxData     string `json:"tx_data"`
}

type toolCallEnvelope struct {
	ToolCalls []struct {
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

// extractToolArguments applies the parameter-extraction precedence: (1) a
// simulate_tx tool-call embedded in the last user message, (2) a JSON body
// in the last user message containing tx_from/tx_to. Optional fields missing
// from either form are filled by withDefaults. When neither form is present it
// returns ok=false; no default transaction is synthesized.
func extractToolArguments(messages []chatMessage) (toolArguments, bool) {
	var lastUser string
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = messages[i].Content
			break
		}
	}
	if lastUser == "" {
		return toolArguments{}, false
	}

	var envelope toolCallEnvelope
	if err := json.Unmarshal([]byte(lastUser), &envelope); err == nil {
		for _, call := range envelope.ToolCalls {
			if call.Function.Name != "simulate_tx" {
				continue
			}
			var args toolArguments
			if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err == nil {
				return withDefaults(args), true
			}
		}
	}

	var direct toolArguments
	if err := json.Unmarshal([]byte(lastUser), &direct); err == nil && direct.TxFrom != "" && direct.TxTo != "" {
		return withDefaults(direct), true
	}

	return toolArguments{}, false
}

func withDefaults(args toolArguments) toolArguments {
	if args.ChainID == 0 {
		args.ChainID = 1
	}
	if args.TxValue == nil {
		args.TxValue = "0"
	}
	if args.TxData == "" {
		args.TxData = "0x"
	}
	return args
}

func clientDeclaresSimulateTx(tools []toolDeclaration) bool {
	for _, t := range tools {
		if t.Function.Name == "simulate_tx" {
			return true
		}
	}
	return false
}

func (h *APIHandler) handleChatCompletions(c *gin.Context) {
	var req chatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	if !clientDeclaresSimulateTx(req.Tools) {
		c.JSON(http.StatusOK, gin.H{
			"id":      "chatcmpl-" + uuid.NewString(),
			"object":  "chat.completion",
			"choices": []gin.H{{"index": 0, "message": gin.H{"role": "assistant", "content": "No simulate_tx tool was declared; nothing to audit."}}},
		})
		return
	}

	args, ok := extractToolArguments(req.Messages)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not extract simulate_tx parameters from the conversation"})
		return
	}

	verdict, bundle, err := h.runAudit(c.Request.Context(), args.UserIntent, perception.RawTransaction{
		ChainID: args.ChainID,
		From:    args.TxFrom,
		To:      args.TxTo,
		Value:   args.TxValue,
		Data:    args.TxData,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	argumentsJSON, _ := json.Marshal(verdict.Transaction)
	riskScore100 := int(verdict.RiskScore * 100)

	c.JSON(http.StatusOK, gin.H{
		"id":     "chatcmpl-" + uuid.NewString(),
		"object": "chat.completion",
		"choices": []gin.H{
			{
				"index": 0,
				"message": gin.H{
					"role":    "assistant",
					"content": verdict.Summary,
					"tool_calls": []gin.H{
						{
							"id":   "call-" + uuid.NewString(),
							"type": "function",
							"function": gin.H{
								"name":      "simulate_tx",
								"arguments": string(argumentsJSON),
							},
						},
					},
				},
			},
		},
		"metadata": gin.H{
			"attestation": bundle,
			"risk_level":  verdict.RiskLevel,
			"risk_score":  riskScore100,
		},
	})
}

type simulateRequest struct {
	UserIntent string `json:"user_intent"`
	ChainID    int64  `json:"chain_id"`
	TxFrom     string `json:"tx_from"`
	TxTo       string `json:"tx_to"`
	TxValue    any    `json:"tx_value"`
	TxData     string `json:"tx_data"`
}

func (h *APIHandler) handleSimulate(c *gin.Context) {
	var req simulateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	verdict, bundle, err := h.runAudit(c.Request.Context(), req.UserIntent, perception.RawTransaction{
		ChainID: req.ChainID,
		From:    req.TxFrom,
		To:      req.TxTo,
		Value:   req.TxValue,
		Data:    req.TxData,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"verdict":     verdict,
		"attestation": bundle,
	})
}

// runAudit runs the pipeline, signs the resulting verdict, persists it, and
// broadcasts it to websocket subscribers. Persistence and broadcast failures
// are logged, not surfaced — an audit that already has a valid verdict
// should not fail the request because the history store is unavailable.
func (h *APIHandler) runAudit(ctx context.Context, userIntent string, raw perception.RawTransaction) (domain.Verdict, domain.SignedAttestation, error) {
	result, err := h.pipe.Run(ctx, userIntent, raw)
	if err != nil {
		return domain.Verdict{}, domain.SignedAttestation{}, err
	}

	bundle, err := h.issuer.IssueForVerdict(result.Verdict, h.cfg)
	if err != nil {
		return domain.Verdict{}, domain.SignedAttestation{}, err
	}

	auditID := uuid.NewString()
	if h.dbStore != nil {
		rec := db.AuditRecord{
			ID:        auditID,
			Intent:    userIntent,
			Verdict:   result.Verdict,
			PCR0:      "", // the document's PCR values live inside bundle.Quote; kept denormalized below
			PCR1:      "",
			Signature: bundle.Signature,
			CreatedAt: time.Now().UTC(),
		}
		if doc, derr := decodeQuote(bundle.Quote); derr == nil {
			rec.PCR0 = doc.PCR0
			rec.PCR1 = doc.PCR1
		}
		if serr := h.dbStore.SaveAudit(ctx, rec); serr != nil {
			log.Printf("[API] failed to persist audit %s: %v", auditID, serr)
		}
	}

	if h.wsHub != nil {
		payload, _ := json.Marshal(gin.H{"type": "verdict", "auditId": auditID, "verdict": result.Verdict})
		h.wsHub.Broadcast(payload)
	}

	return result.Verdict, bundle, nil
}

func decodeQuote(quoteB64 string) (domain.AttestationDocument, error) {
	raw, err := base64.StdEncoding.DecodeString(quoteB64)
	if err != nil {
		return domain.AttestationDocument{}, err
	}
	var doc domain.AttestationDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.AttestationDocument{}, err
	}
	return doc, nil
}

func (h *APIHandler) handleListAudits(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusOK, gin.H{"data": []db.AuditRecord{}})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := h.dbStore.ListAudits(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list audits", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (h *APIHandler) handleGetAudit(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit history not connected"})
		return
	}

	id := c.Param("id")
	rec, err := h.dbStore.GetAudit(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "audit not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// respondError maps a pipeline error to an HTTP status by inspecting the
// error's concrete type rather than its message text.
func respondError(c *gin.Context, err error) {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error()})
		return
	}

	var uerr *domain.UnimplementedError
	if errors.As(err, &uerr) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": uerr.Error()})
		return
	}

	var terr *domain.TimeoutError
	if errors.As(err, &terr) {
		c.JSON(http.StatusInternalServerError, gin.H{"error": terr.Error()})
		return
	}

	var serr *domain.StageErrorReport
	if errors.As(err, &serr) {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success":          serr.Success,
			"errorStage":       serr.ErrorStage,
			"errorMessage":     serr.ErrorMessage,
			"executionHistory": serr.History,
		})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
