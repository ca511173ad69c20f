package cluster

import (
	"context"
	"fmt"
)

// Tablet RPC paths, relative to the tablet's base URL.
const (
	PathHealth          = "/health"
	PathCreatePartition = "/v1/partitions/create"
	PathDropPartition   = "/v1/partitions/drop"
	PathChangeRole      = "/v1/partitions/role"
	PathAddFollower     = "/v1/partitions/followers/add"
	PathRemoveFollower  = "/v1/partitions/followers/remove"
	PathStatus          = "/v1/partitions/status"
	PathSnapshot        = "/v1/partitions/snapshot"
	PathPut             = "/v1/records/put"
	PathReplicate       = "/v1/records/replicate"
)

// TabletClient talks to tablet nodes over HTTP. Every call honours ctx for
// its deadline; callers set a per-call timeout.
type TabletClient struct{}

func NewTabletClient() *TabletClient {
	return &TabletClient{}
}

func (c *TabletClient) Ping(ctx context.Context, endpoint string) error {
	return GetJSON(ctx, BaseURL(endpoint)+PathHealth, nil)
}

func (c *TabletClient) CreatePartition(ctx context.Context, endpoint string, req CreatePartitionRequest) error {
	return PostJSON(ctx, BaseURL(endpoint)+PathCreatePartition, req, nil)
}

func (c *TabletClient) DropPartition(ctx context.Context, endpoint string, tid, pid uint32) error {
	return PostJSON(ctx, BaseURL(endpoint)+PathDropPartition, PartitionRequest{TID: tid, PID: pid}, nil)
}

func (c *TabletClient) ChangeRole(ctx context.Context, endpoint string, req ChangeRoleRequest) error {
	return PostJSON(ctx, BaseURL(endpoint)+PathChangeRole, req, nil)
}

func (c *TabletClient) AddFollower(ctx context.Context, endpoint string, req FollowerRequest) error {
	return PostJSON(ctx, BaseURL(endpoint)+PathAddFollower, req, nil)
}

func (c *TabletClient) RemoveFollower(ctx context.Context, endpoint string, req FollowerRequest) error {
	return PostJSON(ctx, BaseURL(endpoint)+PathRemoveFollower, req, nil)
}

func (c *TabletClient) PartitionStatus(ctx context.Context, endpoint string, tid, pid uint32) (PartitionStatus, error) {
	var st PartitionStatus
	url := fmt.Sprintf("%s%s?tid=%d&pid=%d", BaseURL(endpoint), PathStatus, tid, pid)
	err := GetJSON(ctx, url, &st)
	return st, err
}

func (c *TabletClient) MakeSnapshot(ctx context.Context, endpoint string, req SnapshotRequest) (Manifest, error) {
	var m Manifest
	err := PostJSON(ctx, BaseURL(endpoint)+PathSnapshot, req, &m)
	return m, err
}

func (c *TabletClient) Put(ctx context.Context, endpoint string, req PutRequest) (uint64, error) {
	var resp PutResponse
	err := PostJSON(ctx, BaseURL(endpoint)+PathPut, req, &resp)
	return resp.Offset, err
}

func (c *TabletClient) Replicate(ctx context.Context, endpoint string, req ReplicateRequest) error {
	return PostJSON(ctx, BaseURL(endpoint)+PathReplicate, req, nil)
}
