package cluster

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// Nameserver paths. Tablets use the first three; the rest form the admin API.
const (
	PathRegister     = "/register"
	PathHeartbeat    = "/heartbeat"
	PathMetrics      = "/metrics"
	PathEndpoints    = "/v1/endpoints"
	PathTables       = "/v1/tables"
	PathMigrate      = "/v1/migrate"
	PathOps          = "/v1/ops"
	PathConf         = "/v1/conf"
	PathManifests    = "/v1/manifests"
	PathPartitionFmt = "/v1/tables/%s/partitions/%d"
)

// EndpointStatus is one row of the endpoint health listing.
type EndpointStatus struct {
	Endpoint         string `json:"endpoint"`
	Status           string `json:"status"`
	ConsecutiveFails int    `json:"consecutive_fails"`
}

type EndpointsResponse struct {
	Response
	Endpoints []EndpointStatus `json:"endpoints"`
}

// AdminClient calls the nameserver admin API. Failed commands come back as
// *StatusError whose Msg is the nameserver's message.
type AdminClient struct {
	base string
}

func NewAdminClient(endpoint string) *AdminClient {
	return &AdminClient{base: BaseURL(endpoint)}
}

func (c *AdminClient) partition(name string, pid uint32) string {
	return c.base + fmt.Sprintf(PathPartitionFmt, url.PathEscape(name), pid)
}

func (c *AdminClient) Register(ctx context.Context, endpoint string) error {
	return PostJSON(ctx, c.base+PathRegister, RegisterRequest{Endpoint: endpoint}, nil)
}

func (c *AdminClient) Heartbeat(ctx context.Context, endpoint string) error {
	return PostJSON(ctx, c.base+PathHeartbeat, HeartbeatRequest{Endpoint: endpoint}, nil)
}

// Deregister removes an endpoint that hosts no replicas from monitoring.
func (c *AdminClient) Deregister(ctx context.Context, endpoint string) (Response, error) {
	var resp Response
	err := DeleteJSON(ctx, c.base+PathEndpoints+"/"+url.PathEscape(endpoint), &resp)
	return resp, err
}

func (c *AdminClient) CreateTable(ctx context.Context, metadata string) (OpResponse, error) {
	var resp OpResponse
	err := PostJSON(ctx, c.base+PathTables, CreateTableRequest{Metadata: metadata}, &resp)
	return resp, err
}

func (c *AdminClient) DropTable(ctx context.Context, name string) (OpResponse, error) {
	var resp OpResponse
	err := DeleteJSON(ctx, c.base+PathTables+"/"+url.PathEscape(name), &resp)
	return resp, err
}

func (c *AdminClient) ShowTable(ctx context.Context, name string) (ShowTableResponse, error) {
	var resp ShowTableResponse
	u := c.base + PathTables
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	err := GetJSON(ctx, u, &resp)
	return resp, err
}

func (c *AdminClient) MakeSnapshot(ctx context.Context, name string, pid uint32) (OpResponse, error) {
	var resp OpResponse
	err := PostJSON(ctx, c.partition(name, pid)+"/snapshot", struct{}{}, &resp)
	return resp, err
}

func (c *AdminClient) ChangeLeader(ctx context.Context, name string, pid uint32, candidate string) (OpResponse, error) {
	var resp OpResponse
	err := PostJSON(ctx, c.partition(name, pid)+"/leader", ChangeLeaderRequest{Candidate: candidate}, &resp)
	return resp, err
}

func (c *AdminClient) Migrate(ctx context.Context, req MigrateRequest) (OpResponse, error) {
	var resp OpResponse
	err := PostJSON(ctx, c.base+PathMigrate, req, &resp)
	return resp, err
}

func (c *AdminClient) AddReplica(ctx context.Context, name, pidGroup, endpoint string) (OpResponse, error) {
	var resp OpResponse
	err := PostJSON(ctx, c.base+PathTables+"/"+url.PathEscape(name)+"/replicas",
		ReplicaRequest{PidGroup: pidGroup, Endpoint: endpoint}, &resp)
	return resp, err
}

func (c *AdminClient) DelReplica(ctx context.Context, name string, pid uint32, endpoint string) (OpResponse, error) {
	var resp OpResponse
	err := DeleteJSON(ctx, c.partition(name, pid)+"/replicas/"+url.PathEscape(endpoint), &resp)
	return resp, err
}

// ShowOpStatus lists ops, optionally for one table and, when pid is not
// negative, one partition.
func (c *AdminClient) ShowOpStatus(ctx context.Context, name string, pid int64) (ShowOpStatusResponse, error) {
	var resp ShowOpStatusResponse
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	if pid >= 0 {
		q.Set("pid", strconv.FormatInt(pid, 10))
	}
	u := c.base + PathOps
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	err := GetJSON(ctx, u, &resp)
	return resp, err
}

func (c *AdminClient) CancelOp(ctx context.Context, id uint64) (Response, error) {
	var resp Response
	err := PostJSON(ctx, fmt.Sprintf("%s%s/%d/cancel", c.base, PathOps, id), struct{}{}, &resp)
	return resp, err
}

func (c *AdminClient) ConfSet(ctx context.Context, key, value string) (Response, error) {
	var resp Response
	err := PostJSON(ctx, c.base+PathConf, ConfSetRequest{Key: key, Value: value}, &resp)
	return resp, err
}

func (c *AdminClient) ConfGet(ctx context.Context, key string) (ConfResponse, error) {
	var resp ConfResponse
	u := c.base + PathConf
	if key != "" {
		u += "?key=" + url.QueryEscape(key)
	}
	err := GetJSON(ctx, u, &resp)
	return resp, err
}

func (c *AdminClient) Manifests(ctx context.Context, name string) (ManifestsResponse, error) {
	var resp ManifestsResponse
	u := c.base + PathManifests
	if name != "" {
		u += "?name=" + url.QueryEscape(name)
	}
	err := GetJSON(ctx, u, &resp)
	return resp, err
}

func (c *AdminClient) Endpoints(ctx context.Context) (EndpointsResponse, error) {
	var resp EndpointsResponse
	err := GetJSON(ctx, c.base+PathEndpoints, &resp)
	return resp, err
}
