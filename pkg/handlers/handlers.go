package handlers

import (
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/arnavshah/rota-api-go/pkg/auth"
	"github.com/arnavshah/rota-api-go/pkg/calendar"
	"github.com/arnavshah/rota-api-go/pkg/coordinator"
	"github.com/arnavshah/rota-api-go/pkg/database"
	"github.com/arnavshah/rota-api-go/pkg/ledger"
	"github.com/arnavshah/rota-api-go/pkg/merge"
	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/arnavshah/rota-api-go/pkg/notify"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
)

// Handler contains dependencies for the route handlers
type Handler struct {
	DB     *gorm.DB
	Auth   *auth.Authenticator
	Coord  *coordinator.Coordinator
	Roster *database.Roster
	Runs   *database.RunLog
	Logger *slog.Logger

	// WatchDebounce coalesces commit bursts on /api/watch
	WatchDebounce time.Duration
}

// StatusFor maps a run outcome onto an HTTP status
func StatusFor(code models.OutcomeCode) int {
	switch code {
	case models.CodeOK:
		return http.StatusOK
	case models.CodeValidation:
		return http.StatusBadRequest
	case models.CodeConfig:
		return http.StatusPreconditionFailed
	case models.CodeBusy:
		return http.StatusConflict
	case models.CodeTimeout:
		return http.StatusGatewayTimeout
	case models.CodeOracleMalformed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func bearer(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// AuthMiddleware verifies the JWT token for admin routes
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearer(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		claims, err := h.Auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// APIKeyMiddleware verifies the HMAC API key for rota routes
func (h *Handler) APIKeyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := bearer(c)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "API Key required"})
			return
		}
		name, err := h.Auth.VerifyHMACKey(key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid API Key signature"})
			return
		}
		apiKey, err := auth.TouchAPIKey(h.DB, key, name)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Could not load key record"})
			return
		}
		c.Set("apiKey", apiKey)
		c.Set("userID", name)
		c.Next()
	}
}

// RunSchedule handles a scheduling run request. With ?stream=1 the response
// is a server-sent event stream of oracle progress followed by the result.
func (h *Handler) RunSchedule(c *gin.Context) {
	var req models.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": models.CodeValidation})
		return
	}
	if stream, _ := strconv.ParseBool(c.Query("stream")); stream {
		h.streamRun(c, req)
		return
	}
	res := h.Coord.Run(c.Request.Context(), req, nil)
	h.RecordUsage(c, res)
	c.JSON(StatusFor(res.Code), res)
}

func (h *Handler) streamRun(c *gin.Context, req models.RunRequest) {
	// Usage is recorded here, not in the stream loop, so a client that
	// disconnects mid-run is still charged for a committed run
	apiKey := callerKey(c)
	ctx := c.Request.Context()
	events := make(chan oracle.Event, 64)
	done := make(chan models.RunResult, 1)
	go func() {
		res := h.Coord.Run(ctx, req, events)
		h.recordUsage(apiKey, res)
		done <- res
	}()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent("progress", ev)
			return true
		case res := <-done:
			c.SSEvent("result", res)
			return false
		}
	})
}

// RecordUsage counts a committed run against the calling key
func (h *Handler) RecordUsage(c *gin.Context, res models.RunResult) {
	h.recordUsage(callerKey(c), res)
}

func callerKey(c *gin.Context) *database.APIKey {
	if raw, ok := c.Get("apiKey"); ok {
		key, _ := raw.(*database.APIKey)
		return key
	}
	return nil
}

func (h *Handler) recordUsage(apiKey *database.APIKey, res models.RunResult) {
	if apiKey == nil || !res.Success || res.Stats == nil {
		return
	}
	if err := database.RecordUsage(h.DB, apiKey.ID, res.Stats.Days, res.Stats.Seats); err != nil {
		h.Logger.Error("recording usage failed", "key_id", apiKey.ID, "error", err)
	}
}

// GetState returns the committed ledger
func (h *Handler) GetState(c *gin.Context) {
	phase, last := h.Coord.Status()
	c.JSON(http.StatusOK, gin.H{
		"state":    h.Coord.Ledger().Snapshot(),
		"phase":    phase,
		"last_run": last,
	})
}

// GetSchedule returns committed duty days within optional from/to bounds
func (h *Handler) GetSchedule(c *gin.Context) {
	from, to := c.Query("from"), c.Query("to")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := calendar.ParseDate(d); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "dates must be YYYY-MM-DD"})
			return
		}
	}
	state := h.Coord.Ledger().Snapshot()
	c.JSON(http.StatusOK, gin.H{"days": merge.Between(state.SchedulePool, from, to)})
}

type owedMember struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	Active bool   `json:"active"`
}

// GetDebts lists who is owed a turn and who holds a credit, oldest first
func (h *Handler) GetDebts(c *gin.Context) {
	members, err := h.Roster.Members(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load roster"})
		return
	}
	byID := make(map[int]models.RosterMember, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	describe := func(ids []int) []owedMember {
		out := make([]owedMember, 0, len(ids))
		for _, id := range ids {
			m := byID[id]
			out = append(out, owedMember{ID: id, Name: m.Name, Active: m.Active})
		}
		return out
	}

	state := h.Coord.Ledger().Snapshot()
	resp := gin.H{
		"debts":        describe(state.DebtSet),
		"credits":      describe(state.CreditSet),
		"main_pointer": state.MainPointer,
	}
	if rng, _, err := ledger.FromRoster(members); err == nil {
		resp["id_range"] = rng
	}
	c.JSON(http.StatusOK, resp)
}

// GetRuns returns recent run audit records
func (h *Handler) GetRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 200 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 200"})
		return
	}
	runs, err := h.Runs.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetRoster returns the roster
func (h *Handler) GetRoster(c *gin.Context) {
	members, err := h.Roster.Members(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Could not load roster"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

// Watch streams a "state" event after each commit, debounced
func (h *Handler) Watch(c *gin.Context) {
	ctx := c.Request.Context()
	sub, cancel := h.Coord.Notifier().Subscribe()
	defer cancel()

	changed := make(chan struct{}, 1)
	go notify.Debounce(ctx, sub, h.WatchDebounce, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-changed:
			st := h.Coord.Ledger().Snapshot()
			c.SSEvent("state", gin.H{
				"seed_anchor":  st.SeedAnchor,
				"main_pointer": st.MainPointer,
				"debt_set":     st.DebtSet,
				"days":         len(st.SchedulePool),
				"updated_at":   st.UpdatedAt,
			})
			return true
		}
	})
}
