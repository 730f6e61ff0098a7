package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
)

// SendSignal queues a signal for one room member.
func (h *Handler) SendSignal(c *gin.Context) {
	var req models.SendSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	room, err := h.svc.ResolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}

	id, err := h.svc.SendSignal(c.Request.Context(), middleware.UserID(c), models.Signal{
		RoomID:  room.ID,
		FromID:  req.FromID,
		ToID:    req.ToID,
		Kind:    req.Kind,
		Payload: req.Payload,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, models.SendSignalResponse{SignalID: id})
}

// GetSignals returns the caller's inbox for the room.
func (h *Handler) GetSignals(c *gin.Context) {
	userID := middleware.UserID(c)
	if forUser := c.Query("for"); forUser != "" && forUser != userID {
		writeError(c, models.NewError(models.CodeNotAllowed, "Cannot read signals for another user"))
		return
	}

	room, err := h.svc.ResolveRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	signals, err := h.svc.GetSignals(c.Request.Context(), userID, room.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, signals)
}

// AcknowledgeSignals deletes processed signals from the caller's inbox.
func (h *Handler) AcknowledgeSignals(c *gin.Context) {
	var req models.AckSignalsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.svc.AcknowledgeSignals(c.Request.Context(), middleware.UserID(c), req.SignalIDs); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
