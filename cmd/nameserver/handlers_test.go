package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/config"
	"github.com/dreamware/nameserver/internal/nameserver"
	"github.com/dreamware/nameserver/internal/ops"
	"github.com/dreamware/nameserver/internal/tablet"
)

type harness struct {
	app     *app
	admin   *cluster.AdminClient
	url     string
	tablets []string
}

func testConfig() config.Nameserver {
	cfg := config.DefaultNameserver()
	cfg.Ops.InitialBackoff = config.Duration(time.Millisecond)
	cfg.Ops.MaxBackoff = config.Duration(5 * time.Millisecond)
	cfg.Ops.MaxAttempts = 2
	cfg.Ops.CatchUpTimeout = config.Duration(2 * time.Second)
	cfg.Ops.CatchUpPoll = config.Duration(10 * time.Millisecond)
	return cfg
}

func startTablet(t *testing.T) string {
	t.Helper()
	var h http.Handler
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	ep := strings.TrimPrefix(srv.URL, "http://")
	h = tablet.Handler(tablet.NewNode(ep, t.TempDir(), cluster.NewTabletClient()))
	return ep
}

func newHarness(t *testing.T, tablets int) *harness {
	t.Helper()
	a := newApp(testConfig(), catalog{close: func() {}}, cluster.NewTabletClient())
	ctx, cancel := context.WithCancel(context.Background())
	a.ops.Start(ctx)
	t.Cleanup(func() {
		cancel()
		a.ops.Stop()
	})

	srv := httptest.NewServer(newServer(a.ns, a.health).routes())
	t.Cleanup(srv.Close)

	h := &harness{app: a, admin: cluster.NewAdminClient(srv.URL), url: srv.URL}
	for i := 0; i < tablets; i++ {
		ep := startTablet(t)
		require.NoError(t, h.admin.Register(context.Background(), ep))
		h.tablets = append(h.tablets, ep)
	}
	return h
}

func (h *harness) meta(name string) string {
	return fmt.Sprintf(`
name: %s
ttl: 144000
ttl_type: kAbsoluteTime
seg_cnt: 8
table_partition:
  - endpoint: %s
    pid_group: 0-2
    is_leader: true
  - endpoint: %s
    pid_group: 0-2
    is_leader: false
column_desc:
  - name: card
    type: string
    add_ts_idx: true
`, name, h.tablets[0], h.tablets[1])
}

func statusError(t *testing.T, err error) *cluster.StatusError {
	t.Helper()
	var se *cluster.StatusError
	require.ErrorAs(t, err, &se)
	return se
}

func TestRegisterAndEndpoints(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	require.NoError(t, h.admin.Register(ctx, "a:1"))
	require.NoError(t, h.admin.Heartbeat(ctx, "b:1"))

	resp, err := h.admin.Endpoints(ctx)
	require.NoError(t, err)
	require.Len(t, resp.Endpoints, 2)
	assert.Equal(t, "a:1", resp.Endpoints[0].Endpoint)
	assert.Equal(t, "b:1", resp.Endpoints[1].Endpoint)
	for _, e := range resp.Endpoints {
		assert.Equal(t, "healthy", e.Status)
	}

	err = h.admin.Register(ctx, "")
	assert.Equal(t, http.StatusBadRequest, statusError(t, err).Code)
}

func TestDeregisterEndpoint(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	_, err := h.admin.CreateTable(ctx, h.meta("card"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		endpoint string
		wantCode int
	}{
		{name: "hosts replicas", endpoint: h.tablets[1], wantCode: http.StatusConflict},
		{name: "unknown", endpoint: "z:1", wantCode: http.StatusNotFound},
		{name: "idle", endpoint: h.tablets[2]},
		{name: "already removed", endpoint: h.tablets[2], wantCode: http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := h.admin.Deregister(ctx, tt.endpoint)
			if tt.wantCode != 0 {
				assert.Equal(t, tt.wantCode, statusError(t, err).Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "Deregister ok", resp.Msg)
		})
	}

	listed, err := h.admin.Endpoints(ctx)
	require.NoError(t, err)
	var endpoints []string
	for _, e := range listed.Endpoints {
		endpoints = append(endpoints, e.Endpoint)
	}
	assert.ElementsMatch(t, h.tablets[:2], endpoints)
	assert.False(t, h.app.health.IsHealthy(h.tablets[2]))
}

func TestTableLifecycle(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	created, err := h.admin.CreateTable(ctx, h.meta("card"))
	require.NoError(t, err)
	assert.Equal(t, "Create table ok", created.Msg)
	require.Len(t, created.OpIDs, 1)

	shown, err := h.admin.ShowTable(ctx, "card")
	require.NoError(t, err)
	require.Len(t, shown.Rows, 6)
	for _, row := range shown.Rows {
		assert.Equal(t, "yes", row.Alive)
		assert.Equal(t, uint64(1), row.Term)
		assert.Equal(t, uint64(144000), row.TTL)
	}

	snap, err := h.admin.MakeSnapshot(ctx, "card", 1)
	require.NoError(t, err)
	assert.Equal(t, "MakeSnapshot ok", snap.Msg)

	manifests, err := h.admin.Manifests(ctx, "card")
	require.NoError(t, err)
	require.Len(t, manifests.Manifests, 1)
	assert.Equal(t, h.tablets[0], manifests.Manifests[0].Endpoint)
	assert.Equal(t, uint32(1), manifests.Manifests[0].PID)

	leader, err := h.admin.ChangeLeader(ctx, "card", 2, "")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("change leader ok: %s is leader at term 2", h.tablets[1]), leader.Msg)

	opsResp, err := h.admin.ShowOpStatus(ctx, "card", -1)
	require.NoError(t, err)
	require.Len(t, opsResp.Ops, 3)
	assert.Equal(t, opsResp.Ops[2].ID, opsResp.LastID)
	for _, op := range opsResp.Ops {
		assert.Equal(t, string(ops.StateDone), op.State)
	}
	onePid, err := h.admin.ShowOpStatus(ctx, "card", 2)
	require.NoError(t, err)
	require.Len(t, onePid.Ops, 1)
	assert.Equal(t, string(ops.KindChangeLeader), onePid.Ops[0].Kind)

	dropped, err := h.admin.DropTable(ctx, "card")
	require.NoError(t, err)
	assert.Equal(t, "Drop table ok", dropped.Msg)

	_, err = h.admin.ShowTable(ctx, "card")
	se := statusError(t, err)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, "table is not exist", se.Msg)

	resp, err := http.Get(h.url + cluster.PathMetrics)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "nameserver_ops_submitted_total")
}

func TestReplicaCommandsOverHTTP(t *testing.T) {
	h := newHarness(t, 3)
	ctx := context.Background()
	_, err := h.admin.CreateTable(ctx, h.meta("t2"))
	require.NoError(t, err)

	added, err := h.admin.AddReplica(ctx, "t2", "0,2", h.tablets[2])
	require.NoError(t, err)
	assert.Equal(t, "AddReplica ok", added.Msg)
	require.Len(t, added.OpIDs, 2)
	for _, id := range added.OpIDs {
		wait(t, h, id)
	}

	migrated, err := h.admin.Migrate(ctx, cluster.MigrateRequest{
		Src: h.tablets[1], Name: "t2", PidGroup: "1", Des: h.tablets[2],
	})
	require.NoError(t, err)
	assert.Equal(t, "partition migrate ok", migrated.Msg)
	require.Len(t, migrated.OpIDs, 1)
	wait(t, h, migrated.OpIDs[0])

	deleted, err := h.admin.DelReplica(ctx, "t2", 0, h.tablets[2])
	require.NoError(t, err)
	assert.Equal(t, "DelReplica ok", deleted.Msg)
	wait(t, h, deleted.OpIDs[0])

	shown, err := h.admin.ShowTable(ctx, "t2")
	require.NoError(t, err)
	var onThird []uint32
	for _, row := range shown.Rows {
		if row.Endpoint == h.tablets[2] {
			onThird = append(onThird, row.PID)
		}
	}
	assert.ElementsMatch(t, []uint32{1, 2}, onThird)
}

func wait(t *testing.T, h *harness, id uint64) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	op, err := h.app.ops.Wait(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ops.StateDone, op.State, op.Message)
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		code int
		msg  string
	}{
		{
			name: "bad metadata",
			call: func() error { _, err := h.admin.CreateTable(ctx, "name: [oops"); return err },
			code: http.StatusBadRequest,
			msg:  "invalid table metadata",
		},
		{
			name: "self migration",
			call: func() error {
				_, err := h.admin.Migrate(ctx, cluster.MigrateRequest{Src: "a:1", Name: "t", PidGroup: "1", Des: "a:1"})
				return err
			},
			code: http.StatusBadRequest,
			msg:  "src_endpoint is same as des_endpoint",
		},
		{
			name: "snapshot of missing table",
			call: func() error { _, err := h.admin.MakeSnapshot(ctx, "nope", 0); return err },
			code: http.StatusBadRequest,
			msg:  "get table info failed",
		},
		{
			name: "unknown conf key",
			call: func() error { _, err := h.admin.ConfSet(ctx, "nope", "true"); return err },
			code: http.StatusBadRequest,
			msg:  "unknown conf key",
		},
		{
			name: "cancel unknown op",
			call: func() error { _, err := h.admin.CancelOp(ctx, 999); return err },
			code: http.StatusNotFound,
			msg:  "op not found",
		},
		{
			name: "bad pid in path",
			call: func() error {
				return cluster.PostJSON(ctx, h.url+cluster.PathTables+"/t/partitions/x/snapshot", struct{}{}, nil)
			},
			code: http.StatusBadRequest,
			msg:  "format error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			se := statusError(t, tt.call())
			assert.Equal(t, tt.code, se.Code)
			assert.Contains(t, se.Msg, tt.msg)
		})
	}
}

func TestConfOverHTTP(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()

	set, err := h.admin.ConfSet(ctx, "auto_failover", "true")
	require.NoError(t, err)
	assert.Equal(t, "set auto_failover ok", set.Msg)

	got, err := h.admin.ConfGet(ctx, "auto_failover")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"auto_failover": "true"}, got.Conf)

	all, err := h.admin.ConfGet(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all.Conf, 2)
}

func TestCreateFailureReportsOp(t *testing.T) {
	h := newHarness(t, 2)
	ctx := context.Background()

	// The second tablet answers its registration but is gone when the
	// create op runs.
	gone := startTabletThenClose(t)
	require.NoError(t, h.admin.Register(ctx, gone))
	h.tablets[1] = gone

	_, err := h.admin.CreateTable(ctx, h.meta("t3"))
	se := statusError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)

	list, err := h.admin.ShowOpStatus(ctx, "t3", -1)
	require.NoError(t, err)
	require.Len(t, list.Ops, 1)
	assert.Equal(t, string(ops.StateFailed), list.Ops[0].State)
	assert.Equal(t, list.Ops[0].Message, se.Msg)
}

func startTabletThenClose(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()
	return ep
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{&nameserver.RejectedError{Command: "migrate", Err: nameserver.ErrSameEndpoint}, http.StatusBadRequest},
		{nameserver.ErrTableNotExist, http.StatusBadRequest},
		{&nameserver.OpFailedError{Op: ops.Op{ID: 3}}, http.StatusUnprocessableEntity},
		{fmt.Errorf("cancel: %w", ops.ErrOpNotFound), http.StatusNotFound},
		{ops.ErrOpFinished, http.StatusConflict},
		{ops.ErrQueueFull, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("zk: connection closed"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.code, errorCode(tt.err))
		})
	}
}
