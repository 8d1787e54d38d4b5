package remotetest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/auth"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote"
	"github.com/MarcoPoloResearchLab/gravity/localsync/internal/remote/httpremote"
	"github.com/coder/websocket"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "gravity_user_id"
	heartbeatPeriod  = 15 * time.Second
	writeTimeout     = 5 * time.Second
)

var (
	errMissingStore     = errors.New("remotetest: store dependency required")
	errMissingValidator = errors.New("remotetest: session validator dependency required")
)

// ServerDependencies wires the fixture server.
type ServerDependencies struct {
	Store     *Store
	Validator *auth.SessionValidator
	Logger    *zap.Logger
}

// NewServer exposes store over the REST and websocket protocol spoken by httpremote.
func NewServer(deps ServerDependencies) (http.Handler, error) {
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Validator == nil {
		return nil, errMissingValidator
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{store: deps.Store, validator: deps.Validator, logger: logger}

	router.GET("/v1/health", func(c *gin.Context) {
		if err := deps.Store.Ping(c.Request.Context()); err != nil {
			handler.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/snapshots/:app_key", handler.handleFetchSnapshot)
	protected.PUT("/snapshots/:app_key", handler.handleUpsertSnapshot)
	protected.GET("/tables/:table/ids", handler.handleSelectIDs)
	protected.POST("/tables/:table/:action", handler.handleRows)
	protected.GET("/changes/:table", handler.handleChanges)

	return router, nil
}

type httpHandler struct {
	store     *Store
	validator *auth.SessionValidator
	logger    *zap.Logger
}

func (h *httpHandler) handleFetchSnapshot(c *gin.Context) {
	userID, ok := h.requireUser(c, c.Query("user_id"))
	if !ok {
		return
	}
	record, found, err := h.store.FetchSnapshot(c.Request.Context(), userID, c.Param("app_key"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if !found {
		abortWithCode(c, http.StatusNotFound, httpremote.ErrorBody{Code: httpremote.CodeNotFound, Message: "snapshot not found"})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleUpsertSnapshot(c *gin.Context) {
	var record remote.SnapshotRecord
	if err := c.ShouldBindJSON(&record); err != nil {
		abortWithCode(c, http.StatusBadRequest, httpremote.ErrorBody{Code: httpremote.CodeInvalidRequest, Message: err.Error()})
		return
	}
	userID, ok := h.requireUser(c, record.UserID)
	if !ok {
		return
	}
	record.UserID = userID
	record.AppKey = c.Param("app_key")
	updatedAt, err := h.store.UpsertSnapshot(c.Request.Context(), record)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpremote.UpsertSnapshotResponse{UpdatedAt: updatedAt})
}

func (h *httpHandler) handleSelectIDs(c *gin.Context) {
	userID, ok := h.requireUser(c, c.Query("user_id"))
	if !ok {
		return
	}
	table := remote.TableRef{Name: c.Param("table"), IDColumn: c.Query("id_column")}
	ids, err := h.store.SelectIDs(c.Request.Context(), table, userID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, httpremote.IDsResponse{IDs: ids})
}

func (h *httpHandler) handleRows(c *gin.Context) {
	ctx := c.Request.Context()
	tableName := c.Param("table")
	var err error
	switch action := c.Param("action"); action {
	case "upsert", "insert":
		var request httpremote.RowsRequest
		if bindErr := c.ShouldBindJSON(&request); bindErr != nil {
			abortWithCode(c, http.StatusBadRequest, httpremote.ErrorBody{Code: httpremote.CodeInvalidRequest, Message: bindErr.Error()})
			return
		}
		userID, ok := h.requireUser(c, request.UserID)
		if !ok {
			return
		}
		table := remote.TableRef{Name: tableName, IDColumn: request.IDColumn}
		if action == "upsert" {
			err = h.store.UpsertRows(ctx, table, userID, request.Rows)
		} else {
			err = h.store.InsertRows(ctx, table, userID, request.Rows)
		}
	case "delete", "delete_all":
		var request httpremote.DeleteRequest
		if bindErr := c.ShouldBindJSON(&request); bindErr != nil {
			abortWithCode(c, http.StatusBadRequest, httpremote.ErrorBody{Code: httpremote.CodeInvalidRequest, Message: bindErr.Error()})
			return
		}
		userID, ok := h.requireUser(c, request.UserID)
		if !ok {
			return
		}
		table := remote.TableRef{Name: tableName, IDColumn: request.IDColumn}
		if action == "delete" {
			err = h.store.DeleteRows(ctx, table, userID, request.IDs)
		} else {
			err = h.store.DeleteAllRows(ctx, table, userID)
		}
	default:
		abortWithCode(c, http.StatusNotFound, httpremote.ErrorBody{Code: httpremote.CodeInvalidRequest, Message: "unknown action " + action})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleChanges(c *gin.Context) {
	userID, ok := h.requireUser(c, c.Query("user_id"))
	if !ok {
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	events, cleanup := h.store.Dispatcher().Subscribe(ctx, userID, c.Param("table"))
	defer cleanup()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case <-heartbeat.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case event, open := <-events:
			if !open {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("change event encoding failed", zap.Error(err))
				continue
			}
			writeCtx, writeCancel := context.WithTimeout(ctx, writeTimeout)
			err = conn.Write(writeCtx, websocket.MessageText, data)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.validator.ValidateRequest(c.Request)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		abortWithCode(c, http.StatusUnauthorized, httpremote.ErrorBody{Code: httpremote.CodeUnauthorized, Message: err.Error()})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

// requireUser checks that a requested user id, when present, matches the session.
func (h *httpHandler) requireUser(c *gin.Context, requested string) (string, bool) {
	userID := c.GetString(userIDContextKey)
	requested = strings.TrimSpace(requested)
	if requested != "" && requested != userID {
		abortWithCode(c, http.StatusForbidden, httpremote.ErrorBody{Code: httpremote.CodeForbidden, Message: "session does not own user " + requested})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	body := httpremote.ErrorBody{Message: err.Error()}
	status := http.StatusInternalServerError
	switch remote.KindOf(err) {
	case remote.KindSchema:
		status = http.StatusUnprocessableEntity
		body.Code = httpremote.CodeSchemaMismatch
		var remoteErr *remote.Error
		if errors.As(err, &remoteErr) {
			body.Element = remoteErr.Element
		}
	case remote.KindConstraint:
		status = http.StatusConflict
		body.Code = httpremote.CodeMissingConstraint
	case remote.KindAuth:
		status = http.StatusUnauthorized
		body.Code = httpremote.CodeUnauthorized
	case remote.KindConnectivity:
		status = http.StatusServiceUnavailable
		body.Code = httpremote.CodeUnavailable
	default:
		body.Code = httpremote.CodeInternal
	}
	abortWithCode(c, status, body)
}

func abortWithCode(c *gin.Context, status int, body httpremote.ErrorBody) {
	c.AbortWithStatusJSON(status, httpremote.ErrorEnvelope{Error: body})
}
