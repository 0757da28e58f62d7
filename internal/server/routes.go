package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatpool/internal/dispatch"
	"chatpool/internal/ledger"
	"chatpool/internal/reports"
	"chatpool/internal/upstream"
)

func registerRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handleHealth(deps))
	router.POST("/solve", handleSolve(deps))

	router.GET("/status", handleStatus(deps))
	router.GET("/status/all", handleStatusAll(deps))

	router.POST("/chats/lock", handleChatLock(deps))
	router.POST("/chats/unlock", handleChatUnlock(deps))

	router.GET("/reports/containers", handleReportContainers(deps))
	router.GET("/reports/profiles", handleReportProfiles(deps))
	router.GET("/reports/prompts", handleReportPrompts(deps))

	router.GET("/profiles/blocked", handleBlockedProfiles(deps))
	router.POST("/profiles/:profile_id/guest/clear", handleGuestClear(deps))
	router.POST("/profiles/:profile_id/chats/archive", handleChatsArchive(deps))
}

func errorBody(code, message string) gin.H {
	return gin.H{"ok": false, "error": gin.H{"code": code, "message": message}}
}

func handleHealth(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ok":         true,
			"containers": len(deps.Pool.EnabledIDs()),
		})
	}
}

func handleSolve(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req dispatch.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, errorBody(dispatch.CodeInvalidRequest, "malformed JSON body: "+err.Error()))
			return
		}
		status, resp := deps.Orchestrator.Execute(c.Request.Context(), req)
		c.JSON(status, resp)
	}
}

func handleStatus(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		cid := c.Query("container_id")
		if cid == "" {
			ids := deps.Pool.EnabledIDs()
			if len(ids) == 0 {
				c.JSON(http.StatusServiceUnavailable, errorBody(dispatch.CodeContainerBusy, "no enabled containers"))
				return
			}
			cid = ids[0]
		}
		if deps.Config.Container(cid) == nil {
			c.JSON(http.StatusNotFound, errorBody(dispatch.CodeInvalidRequest, fmt.Sprintf("unknown container %q", cid)))
			return
		}
		payload, ok := deps.Probes.StatusPayload(c.Request.Context(), cid)
		if !ok {
			c.JSON(http.StatusBadGateway, errorBody(dispatch.CodeUpstreamError, fmt.Sprintf("container %q did not answer its status probe", cid)))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":           true,
			"container_id": cid,
			"busy":         upstream.BusyStatus(payload),
			"status":       payload,
		})
	}
}

type lockRequest struct {
	ChatURL    string `json:"chat_url"`
	LockedBy   string `json:"locked_by"`
	TTLSeconds int    `json:"ttl_seconds"`
}

func handleChatLock(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lockRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ChatURL == "" || req.LockedBy == "" || req.TTLSeconds <= 0 {
			c.JSON(http.StatusBadRequest, errorBody(dispatch.CodeInvalidRequest, "chat_url, locked_by, and positive ttl_seconds are required"))
			return
		}
		sess, err := deps.Chats.Lock(req.ChatURL, req.LockedBy, time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			if errors.Is(err, ledger.ErrUnknownChatURL) {
				c.JSON(http.StatusNotFound, errorBody(dispatch.CodeUnknownChatURL, err.Error()))
				return
			}
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"ok":           true,
			"container_id": sess.ContainerID,
			"locked_by":    req.LockedBy,
			"locked_until": sess.LockedUntil,
		})
	}
}

func handleChatUnlock(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req lockRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.ChatURL == "" || req.LockedBy == "" {
			c.JSON(http.StatusBadRequest, errorBody(dispatch.CodeInvalidRequest, "chat_url and locked_by are required"))
			return
		}
		err := deps.Chats.Unlock(req.ChatURL, req.LockedBy)
		switch {
		case errors.Is(err, ledger.ErrUnknownChatURL):
			c.JSON(http.StatusNotFound, errorBody(dispatch.CodeUnknownChatURL, err.Error()))
		case errors.Is(err, ledger.ErrLockOwnerMismatch):
			c.JSON(http.StatusConflict, errorBody(dispatch.CodeLockOwnerMismatch, err.Error()))
		case err != nil:
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
		default:
			c.JSON(http.StatusOK, gin.H{"ok": true})
		}
	}
}

// parseWindow reads from/to (RFC3339 or YYYY-MM-DD) plus limit/offset.
func parseWindow(c *gin.Context) (reports.Window, bool) {
	var w reports.Window
	for _, f := range []struct {
		name string
		dst  *time.Time
	}{{"from", &w.From}, {"to", &w.To}} {
		raw := c.Query(f.name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ts, err = time.Parse("2006-01-02", raw)
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody(dispatch.CodeInvalidRequest, f.name+" must be RFC3339 or YYYY-MM-DD"))
			return w, false
		}
		*f.dst = ts.UTC()
	}
	w.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "0"))
	w.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	return w, true
}

func handleReportContainers(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, ok := parseWindow(c)
		if !ok {
			return
		}
		rows, err := reports.ContainersUsage(deps.DB, w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "containers": rows})
	}
}

func handleReportProfiles(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, ok := parseWindow(c)
		if !ok {
			return
		}
		rows, err := reports.ProfilesUsage(deps.DB, w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "profiles": rows})
	}
}

func handleReportPrompts(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		w, ok := parseWindow(c)
		if !ok {
			return
		}
		rows, err := reports.PromptsUsage(deps.DB, w)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "prompts": rows})
	}
}

func handleBlockedProfiles(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := deps.Store.BlockedProfiles()
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "blocked": rows})
	}
}

func handleGuestClear(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profileID := c.Param("profile_id")
		n, err := deps.Store.ClearGuestChats(profileID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "profile_id": profileID, "cleared": n})
	}
}

func handleChatsArchive(deps Deps) gin.HandlerFunc {
	return func(c *gin.Context) {
		profileID := c.Param("profile_id")
		n, err := deps.Store.ArchiveChats(profileID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, errorBody(dispatch.CodeInternalError, err.Error()))
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true, "profile_id": profileID, "archived": n})
	}
}
