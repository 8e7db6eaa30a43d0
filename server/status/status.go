// Package status exposes the node status via the admin server.
package status

import "github.com/gin-gonic/gin"

// Handler registers status routes under the given group.
type Handler interface {
	Register(group *gin.RouterGroup)
}
