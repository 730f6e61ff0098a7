package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/meshcall/internal/mailbox"
	"github.com/mossy-p/meshcall/internal/models"
)

// Handler serves the mailbox HTTP API.
type Handler struct {
	svc *mailbox.Service
	hub *Hub
	log logrus.FieldLogger
}

// New creates a Handler and installs its push hub as the service notifier.
func New(svc *mailbox.Service, log logrus.FieldLogger) *Handler {
	hub := NewHub(log)
	svc.SetNotifier(hub)
	return &Handler{svc: svc, hub: hub, log: log}
}

// Hub returns the push hub.
func (h *Handler) Hub() *Hub {
	return h.hub
}

var statusByCode = map[string]int{
	models.CodeAuthRequired:       http.StatusUnauthorized,
	models.CodeNotAllowed:         http.StatusForbidden,
	models.CodeNotInRoom:          http.StatusForbidden,
	models.CodeRecipientNotInRoom: http.StatusConflict,
	models.CodeInvalidSignal:      http.StatusBadRequest,
	models.CodeInvalidRoomName:    http.StatusBadRequest,
	models.CodeInvalidCapacity:    http.StatusBadRequest,
	models.CodeInvalidRequest:     http.StatusBadRequest,
	models.CodeRoomNotFound:       http.StatusNotFound,
	models.CodeRoomExpired:        http.StatusGone,
	models.CodeRoomInactive:       http.StatusConflict,
	models.CodeRoomAtCapacity:     http.StatusConflict,
	models.CodeSignalSendFailed:   http.StatusServiceUnavailable,
	models.CodeSignalFetchFailed:  http.StatusServiceUnavailable,
	models.CodeSignalAckFailed:    http.StatusServiceUnavailable,
}

// writeError renders err as {"error": "CODE: message", "code": CODE}.
func writeError(c *gin.Context, err error) {
	code := models.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		code = models.CodeInternal
		status = http.StatusInternalServerError
		err = models.NewError(code, "Internal error")
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"code":  code,
	})
}

func badRequest(c *gin.Context, message string) {
	writeError(c, models.NewError(models.CodeInvalidRequest, message))
}
