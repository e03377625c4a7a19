package utils

import (
	"net"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// CorrelationHeader carries a caller supplied request id
const CorrelationHeader = "X-Request-ID"

// ClientMeta is request metadata recorded on payment audit entries
type ClientMeta struct {
	IP            string
	UserAgent     string
	DeviceType    string
	CorrelationID string
}

// ClientMetaFromRequest collects audit metadata from a gin request.
// A correlation id is generated when the caller did not send one.
func ClientMetaFromRequest(c *gin.Context) ClientMeta {
	userAgent := c.Request.UserAgent()
	correlationID := strings.TrimSpace(c.GetHeader(CorrelationHeader))
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	return ClientMeta{
		IP:            GetRealIP(c),
		UserAgent:     userAgent,
		DeviceType:    ParseUserAgent(userAgent).DeviceType,
		CorrelationID: correlationID,
	}
}

// GetRealIP extracts the client IP address.
//
// Priority order:
// 1. X-Real-IP header when it holds a public address
// 2. First public address in X-Forwarded-For
// 3. Gin's ClientIP()
func GetRealIP(c *gin.Context) string {
	if realIP := strings.TrimSpace(c.GetHeader("X-Real-IP")); isPublicIP(realIP) {
		return realIP
	}

	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		for _, part := range strings.Split(forwarded, ",") {
			if ip := strings.TrimSpace(part); isPublicIP(ip) {
				return ip
			}
		}
	}

	return c.ClientIP()
}

func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsUnspecified() && !ip.IsLinkLocalUnicast()
}
