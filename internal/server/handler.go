package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/amoylab/collab/internal/collab/bus"
	"github.com/amoylab/collab/internal/collab/change"
	"github.com/amoylab/collab/internal/common/cnst"
	"github.com/amoylab/collab/pkg/utils"
)

type (
	// leaseRequest is a lease, a release or a plain heartbeat of an edit session
	leaseRequest struct {
		UID       string `json:"uid"`
		Page      string `json:"page"`
		LeasePath string `json:"leasePath"`
		Release   bool   `json:"release"`
	}

	leaseResponse struct {
		Rejected bool `json:"rejected"`
	}

	// beaconRequest is sent by the browser when the page is unloaded
	beaconRequest struct {
		UID      string `json:"uid"`
		PagePath string `json:"pagePath"`
	}

	eventsRequest struct {
		Events []change.Event `json:"events"`
	}
)

// handleLease checks the lease locally and publishes the action for every node
func (s *Server) handleLease(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	var req leaseRequest
	if err := decodeJSON(c.Request.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		s.logger.Error("failed to parse lease payload", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	page := utils.FirstNonEmpty(strings.TrimSpace(req.Page), strings.TrimSpace(c.Query("page")))
	uid := strings.TrimSpace(req.UID)
	if page == "" || uid == "" {
		s.logger.Warn("called with missing payload", zap.String("uid", uid), zap.String("page", page))
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	ctx := c.Request.Context()
	event := &bus.Event{Page: page, SessionID: uid, UserID: userID(c)}
	var resp leaseResponse
	if req.Release {
		event.Action = cnst.ActionRelease
	} else {
		// the client escapes the jcr namespace in paths
		path := strings.ReplaceAll(req.LeasePath, cnst.EscapedNamespace, cnst.Namespace)
		if strings.TrimSpace(path) != "" && !s.collab.MayLease(page, uid, path) {
			c.JSON(http.StatusOK, leaseResponse{Rejected: true})
			return
		}
		event.Action = cnst.ActionLease
		event.Path = path
	}

	if err := s.bus.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish lease event",
			zap.String("action", string(event.Action)),
			zap.String("page", page),
			zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleBeacon publishes the exit of an edit session
func (s *Server) handleBeacon(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	var req beaconRequest
	err := decodeJSON(c.Request.Body, &req)
	if errors.Is(err, io.EOF) {
		s.logger.Warn("received empty beacon")
		c.Status(http.StatusOK)
		return
	}
	if err != nil {
		s.logger.Error("failed to parse beacon payload", zap.Error(err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	s.logger.Debug("received beacon", zap.String("uid", req.UID), zap.String("page", req.PagePath))
	if strings.TrimSpace(req.UID) != "" && strings.TrimSpace(req.PagePath) != "" {
		event := &bus.Event{Action: cnst.ActionExit, Page: req.PagePath, SessionID: req.UID}
		if err := s.bus.Publish(c.Request.Context(), event); err != nil {
			s.logger.Error("failed to publish exit event", zap.String("page", req.PagePath), zap.Error(err))
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
	}
	c.Status(http.StatusOK)
}

// handleEvents receives a batch of repository mutations
func (s *Server) handleEvents(c *gin.Context) {
	var req eventsRequest
	if err := decodeJSON(c.Request.Body, &req); err != nil {
		s.logger.Error("failed to parse change events", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updates := s.collab.HandleChanges(c.Request.Context(), req.Events)
	if updates == nil {
		updates = []change.PageUpdate{}
	}
	c.JSON(http.StatusOK, gin.H{"updates": updates})
}

func decodeJSON(body io.Reader, v any) error {
	if body == nil {
		return io.EOF
	}
	return json.NewDecoder(body).Decode(v)
}
