// Package gossip exposes the gossip state via the admin server.
package gossip

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/hearsay-io/hearsay/pkg/gossip"
	"github.com/hearsay-io/hearsay/server/status"
)

type Status struct {
	gossip *gossip.Gossip
}

func NewStatus(g *gossip.Gossip) *Status {
	return &Status{
		gossip: g,
	}
}

func (s *Status) Register(group *gin.RouterGroup) {
	group.GET("/members", s.listMembersRoute)
	group.GET("/members/:id", s.getMemberRoute)
	group.GET("/entries", s.listEntriesRoute)
	group.GET("/version-vector", s.versionVectorRoute)
	group.GET("/sync-peers", s.listSyncPeersRoute)
}

func (s *Status) listMembersRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.Members())
}

func (s *Status) getMemberRoute(c *gin.Context) {
	id := c.Param("id")
	member, ok := s.gossip.Member(id)
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.JSON(http.StatusOK, member)
}

func (s *Status) listEntriesRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.Entries())
}

func (s *Status) versionVectorRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.VersionVector())
}

func (s *Status) listSyncPeersRoute(c *gin.Context) {
	c.JSON(http.StatusOK, s.gossip.SyncPeerIDs())
}

var _ status.Handler = &Status{}
