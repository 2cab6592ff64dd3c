package delivery

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":       "ok",
		"message":      "chat relay is running",
		"instance_id":  s.hub.InstanceID(),
		"environment":  s.config.Environment,
		"cors_origins": s.config.GetCORSOrigins(),
		"connections":  s.hub.ActiveConnections(),
	})
}

func (s *Server) handleGetChannelPresence(c *fiber.Ctx) error {
	channelID := strings.TrimSpace(c.Params("channel_id"))
	if channelID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Invalid channel ID",
		})
	}

	presence, err := s.hub.Presence(c.UserContext(), channelID)
	if err != nil {
		s.logger.Warn("presence lookup failed", "channel_id", channelID, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"success": false,
			"message": "Failed to get presence",
			"error":   err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"success": true,
		"message": "Presence retrieved successfully",
		"data":    presence,
	})
}
