package handlers

import "github.com/gin-gonic/gin"

// getOrganizationID extracts the organization ID from gin context.
func getOrganizationID(c *gin.Context) string {
	val, exists := c.Get("organizationID")
	if !exists {
		return ""
	}
	id, ok := val.(string)
	if !ok {
		return ""
	}
	return id
}
