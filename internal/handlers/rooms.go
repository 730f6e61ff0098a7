package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/meshcall/internal/middleware"
	"github.com/mossy-p/meshcall/internal/models"
)

// CreateRoom creates a room owned by the caller, who joins as host.
func (h *Handler) CreateRoom(c *gin.Context) {
	var req models.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	room, err := h.svc.CreateRoom(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, models.CreateRoomResponse{
		RoomID:  room.ID,
		Code:    room.Code,
		EndTime: room.EndTime,
	})
}

// GetRoom gets room information by code or ID (public)
func (h *Handler) GetRoom(c *gin.Context) {
	view, err := h.svc.GetRoom(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// DeleteRoom deletes a room (creator only)
func (h *Handler) DeleteRoom(c *gin.Context) {
	if err := h.svc.DeleteRoom(c.Request.Context(), middleware.UserID(c), c.Param("roomId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Room deleted"})
}

// JoinRoom adds the caller to the room.
func (h *Handler) JoinRoom(c *gin.Context) {
	p, err := h.svc.JoinRoom(c.Request.Context(), middleware.UserID(c), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// LeaveRoom removes the caller from the room.
func (h *Handler) LeaveRoom(c *gin.Context) {
	if err := h.svc.LeaveRoom(c.Request.Context(), middleware.UserID(c), c.Param("roomId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Participants lists the room's active members.
func (h *Handler) Participants(c *gin.Context) {
	members, err := h.svc.Participants(c.Request.Context(), c.Param("roomId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, members)
}
