package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/openfroyo/fleet/pkg/fleet"
	"github.com/openfroyo/fleet/pkg/types"
)

// ClusterStateResponse is the state of one cluster.
type ClusterStateResponse struct {
	ID    types.ClusterID    `json:"id"`
	State types.ClusterState `json:"state"`
}

// TokenResponse carries an issued agent token.
type TokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) listPeers(c *gin.Context) {
	peers, err := s.fleet.ListPeerDescriptors(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, peers)
}

func (s *Server) getPeer(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	peer, err := s.fleet.GetPeerDescriptor(c.Request.Context(), peerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, peer)
}

func (s *Server) storePeer(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}

	var descriptor types.PeerDescriptor
	if err := c.ShouldBindJSON(&descriptor); err != nil {
		s.fail(c, badRequest("invalid_body", err))
		return
	}
	if descriptor.ID.IsNil() {
		descriptor.ID = peerID
	}
	if descriptor.ID != peerID {
		s.fail(c, badRequest("id_mismatch", fmt.Errorf("body id <%s> does not match path id <%s>", descriptor.ID, peerID)))
		return
	}

	if err := s.fleet.StorePeerDescriptor(c.Request.Context(), descriptor); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, descriptor)
}

func (s *Server) deletePeer(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	peer, err := s.fleet.DeletePeerDescriptor(c.Request.Context(), peerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, peer)
}

func (s *Server) issueToken(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	if s.auth == nil {
		s.fail(c, &fleet.Error{Kind: fleet.KindNotFound, Code: "authentication_disabled", Message: "Agent authentication is disabled"})
		return
	}
	if _, err := s.fleet.GetPeerDescriptor(c.Request.Context(), peerID); err != nil {
		s.fail(c, err)
		return
	}

	token, err := s.auth.Issue(peerID, s.tokenTTL)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, TokenResponse{Token: token})
}

func (s *Server) listPeerStates(c *gin.Context) {
	states, err := s.fleet.ListPeerStates(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, states)
}

func (s *Server) getPeerState(c *gin.Context) {
	peerID, ok := s.peerID(c)
	if !ok {
		return
	}
	state, err := s.fleet.PeerState(c.Request.Context(), peerID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Server) listClusterConfigurations(c *gin.Context) {
	clusters, err := s.fleet.ListClusterConfigurations(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, clusters)
}

func (s *Server) getClusterConfiguration(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}
	cluster, err := s.fleet.GetClusterConfiguration(c.Request.Context(), clusterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) storeClusterConfiguration(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}

	var cluster types.ClusterConfiguration
	if err := c.ShouldBindJSON(&cluster); err != nil {
		s.fail(c, badRequest("invalid_body", err))
		return
	}
	if cluster.ID.IsNil() {
		cluster.ID = clusterID
	}
	if cluster.ID != clusterID {
		s.fail(c, badRequest("id_mismatch", fmt.Errorf("body id <%s> does not match path id <%s>", cluster.ID, clusterID)))
		return
	}

	if err := s.fleet.CreateClusterConfiguration(c.Request.Context(), cluster); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) deleteClusterConfiguration(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}
	cluster, err := s.fleet.DeleteClusterConfiguration(c.Request.Context(), clusterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cluster)
}

func (s *Server) listClusterDeployments(c *gin.Context) {
	deployments, err := s.fleet.ListClusterDeployments(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deployments)
}

func (s *Server) getClusterDeployment(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}
	deployment, err := s.fleet.GetClusterDeployment(c.Request.Context(), clusterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deployment)
}

// storeClusterDeployment accepts an empty body; the path names the cluster.
func (s *Server) storeClusterDeployment(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}

	deployment := types.ClusterDeployment{ID: clusterID}
	if c.Request.ContentLength != 0 {
		var body types.ClusterDeployment
		if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
			s.fail(c, badRequest("invalid_body", err))
			return
		}
		if !body.ID.IsNil() && body.ID != clusterID {
			s.fail(c, badRequest("id_mismatch", fmt.Errorf("body id <%s> does not match path id <%s>", body.ID, clusterID)))
			return
		}
	}

	if err := s.fleet.StoreClusterDeployment(c.Request.Context(), deployment); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deployment)
}

func (s *Server) deleteClusterDeployment(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}
	deployment, err := s.fleet.DeleteClusterDeployment(c.Request.Context(), clusterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, deployment)
}

func (s *Server) listClusterStates(c *gin.Context) {
	ctx := c.Request.Context()
	clusters, err := s.fleet.ListClusterConfigurations(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	states := make([]ClusterStateResponse, 0, len(clusters))
	for _, cluster := range clusters {
		state, err := s.fleet.ClusterState(ctx, cluster.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		states = append(states, ClusterStateResponse{ID: cluster.ID, State: state})
	}
	sort.Slice(states, func(i, j int) bool { return states[i].ID.String() < states[j].ID.String() })
	c.JSON(http.StatusOK, states)
}

func (s *Server) getClusterState(c *gin.Context) {
	clusterID, ok := s.clusterID(c)
	if !ok {
		return
	}
	state, err := s.fleet.ClusterState(c.Request.Context(), clusterID)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ClusterStateResponse{ID: clusterID, State: state})
}

func (s *Server) peerID(c *gin.Context) (types.PeerID, bool) {
	peerID, err := types.ParsePeerID(c.Param("id"))
	if err != nil {
		s.fail(c, badRequest("invalid_id", err))
		return types.PeerID{}, false
	}
	return peerID, true
}

func (s *Server) clusterID(c *gin.Context) (types.ClusterID, bool) {
	clusterID, err := types.ParseClusterID(c.Param("id"))
	if err != nil {
		s.fail(c, badRequest("invalid_id", err))
		return types.ClusterID{}, false
	}
	return clusterID, true
}
