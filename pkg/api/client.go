package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openfroyo/fleet/pkg/types"
)

// Client talks to the admin API. Failed requests return the server's
// *fleet.Error, so errors.Is works against the fleet sentinels.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the control plane at baseURL.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) ListPeers(ctx context.Context) ([]types.PeerDescriptor, error) {
	var peers []types.PeerDescriptor
	err := c.do(ctx, http.MethodGet, "/peers", nil, &peers)
	return peers, err
}

func (c *Client) GetPeer(ctx context.Context, peerID types.PeerID) (types.PeerDescriptor, error) {
	var peer types.PeerDescriptor
	err := c.do(ctx, http.MethodGet, "/peers/"+peerID.String(), nil, &peer)
	return peer, err
}

func (c *Client) StorePeer(ctx context.Context, descriptor types.PeerDescriptor) error {
	return c.do(ctx, http.MethodPut, "/peers/"+descriptor.ID.String(), descriptor, nil)
}

func (c *Client) DeletePeer(ctx context.Context, peerID types.PeerID) (types.PeerDescriptor, error) {
	var peer types.PeerDescriptor
	err := c.do(ctx, http.MethodDelete, "/peers/"+peerID.String(), nil, &peer)
	return peer, err
}

// IssueToken requests a stream token for the peer.
func (c *Client) IssueToken(ctx context.Context, peerID types.PeerID) (string, error) {
	var response TokenResponse
	err := c.do(ctx, http.MethodPost, "/peers/"+peerID.String()+"/token", nil, &response)
	return response.Token, err
}

func (c *Client) PeerStates(ctx context.Context) (map[types.PeerID]types.PeerState, error) {
	var states map[types.PeerID]types.PeerState
	err := c.do(ctx, http.MethodGet, "/peer-states", nil, &states)
	return states, err
}

func (c *Client) ListClusterConfigurations(ctx context.Context) ([]types.ClusterConfiguration, error) {
	var clusters []types.ClusterConfiguration
	err := c.do(ctx, http.MethodGet, "/cluster-configurations", nil, &clusters)
	return clusters, err
}

func (c *Client) StoreClusterConfiguration(ctx context.Context, cluster types.ClusterConfiguration) error {
	return c.do(ctx, http.MethodPut, "/cluster-configurations/"+cluster.ID.String(), cluster, nil)
}

func (c *Client) DeleteClusterConfiguration(ctx context.Context, clusterID types.ClusterID) (types.ClusterConfiguration, error) {
	var cluster types.ClusterConfiguration
	err := c.do(ctx, http.MethodDelete, "/cluster-configurations/"+clusterID.String(), nil, &cluster)
	return cluster, err
}

func (c *Client) ListClusterDeployments(ctx context.Context) ([]types.ClusterDeployment, error) {
	var deployments []types.ClusterDeployment
	err := c.do(ctx, http.MethodGet, "/cluster-deployments", nil, &deployments)
	return deployments, err
}

func (c *Client) StoreClusterDeployment(ctx context.Context, clusterID types.ClusterID) error {
	return c.do(ctx, http.MethodPut, "/cluster-deployments/"+clusterID.String(), types.ClusterDeployment{ID: clusterID}, nil)
}

func (c *Client) DeleteClusterDeployment(ctx context.Context, clusterID types.ClusterID) (types.ClusterDeployment, error) {
	var deployment types.ClusterDeployment
	err := c.do(ctx, http.MethodDelete, "/cluster-deployments/"+clusterID.String(), nil, &deployment)
	return deployment, err
}

func (c *Client) ClusterStates(ctx context.Context) ([]ClusterStateResponse, error) {
	var states []ClusterStateResponse
	err := c.do(ctx, http.MethodGet, "/cluster-states", nil, &states)
	return states, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+BasePath+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	var response ErrorResponse
	if err := json.Unmarshal(data, &response); err != nil || response.Error == nil {
		return fmt.Errorf("unexpected status %d: %s", status, strings.TrimSpace(string(data)))
	}
	e := response.Error
	if response.Cause != "" {
		e.Err = errors.New(response.Cause)
	}
	return e
}

