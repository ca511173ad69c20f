package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/nameserver/internal/cluster"
)

// fakeNameserver answers the admin API with canned replies and records the
// requests it saw.
type fakeNameserver struct {
	seen []string
}

func (f *fakeNameserver) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.seen = append(f.seen, req.Method+" "+req.URL.RequestURI())
			next.ServeHTTP(w, req)
		})
	})
	ok := func(msg string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			cluster.WriteJSON(w, http.StatusOK, cluster.OpResponse{Response: cluster.Response{Msg: msg}, OpIDs: []uint64{1}})
		}
	}
	fail := func(code int, msg string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			cluster.WriteJSON(w, code, cluster.Response{Code: code, Msg: msg})
		}
	}

	r.Post(cluster.PathTables, func(w http.ResponseWriter, req *http.Request) {
		var body cluster.CreateTableRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		if !strings.Contains(body.Metadata, "name: t1") {
			fail(http.StatusBadRequest, "invalid table metadata: name is required")(w, req)
			return
		}
		ok("Create table ok")(w, req)
	})
	r.Get(cluster.PathTables, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, cluster.ShowTableResponse{Rows: []cluster.TableRow{
			{Name: "t1", TID: 1, PID: 0, Endpoint: "a:1", Role: cluster.RoleLeader, Term: 2, Offset: 7, TTL: 144000, Alive: "yes"},
			{Name: "t1", TID: 1, PID: 0, Endpoint: "b:1", Role: cluster.RoleFollower, Term: 2, Offset: 7, TTL: 144000, Alive: "no"},
		}})
	})
	r.Post(cluster.PathTables+"/t1/partitions/0/snapshot", ok("MakeSnapshot ok"))
	r.Post(cluster.PathTables+"/t9/partitions/0/snapshot", fail(http.StatusBadRequest, "get table info failed"))
	r.Post(cluster.PathTables+"/t1/partitions/0/leader", ok("change leader ok: b:1 is leader at term 3"))
	r.Post(cluster.PathMigrate, func(w http.ResponseWriter, req *http.Request) {
		var body cluster.MigrateRequest
		_ = json.NewDecoder(req.Body).Decode(&body)
		if body.Src == body.Des {
			fail(http.StatusBadRequest, "src_endpoint is same as des_endpoint")(w, req)
			return
		}
		ok("partition migrate ok")(w, req)
	})
	r.Post(cluster.PathConf, ok("set auto_failover ok"))
	r.Get(cluster.PathConf, func(w http.ResponseWriter, _ *http.Request) {
		cluster.WriteJSON(w, http.StatusOK, cluster.ConfResponse{Conf: map[string]string{
			"auto_recover_table": "false", "auto_failover": "true",
		}})
	})
	r.Get(cluster.PathOps, func(w http.ResponseWriter, _ *http.Request) {
		start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		end := start.Add(1500 * time.Millisecond)
		cluster.WriteJSON(w, http.StatusOK, cluster.ShowOpStatusResponse{LastID: 2, Ops: []cluster.OpStatus{
			{ID: 1, Kind: "MakeSnapshot", Name: "t1", PID: 0, State: "Done", Message: "MakeSnapshot ok",
				CreatedAt: start, FinishedAt: &end},
			{ID: 2, Kind: "Migrate", Name: "t1", PID: 1, State: "Running", CreatedAt: start},
		}})
	})
	r.Post(cluster.PathOps+"/{id}/cancel", fail(http.StatusConflict, "op already finished: 1 is Done"))
	r.Delete(cluster.PathEndpoints+"/{endpoint}", func(w http.ResponseWriter, req *http.Request) {
		if chi.URLParam(req, "endpoint") == "a:1" {
			fail(http.StatusConflict, "a:1 still hosts 4 replicas, migrate them first")(w, req)
			return
		}
		cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: "Deregister ok"})
	})
	return r
}

func runCLI(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newCommand()
	cmd.Writer = &out
	argv := append([]string{"nsclient", "--endpoint", srv.URL}, args...)
	err := cmd.Run(context.Background(), argv)
	return out.String(), err
}

func TestCommandReplies(t *testing.T) {
	f := &fakeNameserver{}
	srv := httptest.NewServer(f.routes())
	defer srv.Close()

	dir := t.TempDir()
	good := filepath.Join(dir, "t1.yaml")
	require.NoError(t, os.WriteFile(good, []byte("name: t1\n"), 0o644))
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("ttl: 1\n"), 0o644))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"create", []string{"create", good}, "Create table ok\n"},
		{"create invalid", []string{"create", bad}, "Fail to create table. error msg: invalid table metadata: name is required\n"},
		{"create missing file", []string{"create", filepath.Join(dir, "none.yaml")}, "Fail to create table. error msg: open "},
		{"makesnapshot", []string{"makesnapshot", "t1", "0"}, "MakeSnapshot ok\n"},
		{"makesnapshot missing table", []string{"makesnapshot", "t9", "0"}, "Fail to makesnapshot. error msg:get table info failed\n"},
		{"makesnapshot bad pid", []string{"makesnapshot", "t1", "x"}, "Fail to makesnapshot. error msg:format error\n"},
		{"migrate", []string{"migrate", "b:1", "t1", "1-3", "c:1"}, "partition migrate ok\n"},
		{"migrate to self", []string{"migrate", "b:1", "t1", "1", "b:1"},
			"failed to migrate partition. error msg: src_endpoint is same as des_endpoint\n"},
		{"changeleader", []string{"changeleader", "t1", "0"}, "change leader ok: b:1 is leader at term 3\n"},
		{"confset", []string{"confset", "auto_failover", "true"}, "set auto_failover ok\n"},
		{"cancelop", []string{"cancelop", "1"}, "Fail to cancelop. error msg: op already finished: 1 is Done\n"},
		{"deregister", []string{"deregister", "c:1"}, "Deregister ok\n"},
		{"deregister busy", []string{"deregister", "a:1"},
			"Fail to deregister. error msg: a:1 still hosts 4 replicas, migrate them first\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, srv, tt.args...)
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(out, tt.want), "got %q", out)
		})
	}
}

func TestShowCommands(t *testing.T) {
	srv := httptest.NewServer((&fakeNameserver{}).routes())
	defer srv.Close()

	out, err := runCLI(t, srv, "showtable", "t1")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"name", "tid", "pid", "endpoint", "role", "term", "offset", "ttl", "is_alive"},
		strings.Fields(lines[0]))
	assert.Equal(t, []string{"t1", "1", "0", "a:1", "leader", "2", "7", "144000", "yes"}, strings.Fields(lines[1]))
	assert.Equal(t, "no", strings.Fields(lines[2])[8])

	out, err = runCLI(t, srv, "showopstatus", "t1")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"1", "MakeSnapshot", "t1", "0", "Done", "2026-01-02T03:04:05Z", "1.5s", "MakeSnapshot", "ok"},
		strings.Fields(lines[1]))
	assert.Equal(t, []string{"2", "Migrate", "t1", "1", "Running", "2026-01-02T03:04:05Z", "-"}, strings.Fields(lines[2]))

	out, err = runCLI(t, srv, "confget")
	require.NoError(t, err)
	lines = strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"key", "value"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"auto_failover", "true"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"auto_recover_table", "false"}, strings.Fields(lines[2]))
	assert.Equal(t, strings.Index(lines[0], "value"), strings.Index(lines[2], "false"))
}

func TestRequestShapes(t *testing.T) {
	f := &fakeNameserver{}
	srv := httptest.NewServer(f.routes())
	defer srv.Close()

	_, err := runCLI(t, srv, "showopstatus", "t1", "3")
	require.NoError(t, err)
	_, err = runCLI(t, srv, "showtable")
	require.NoError(t, err)
	_, err = runCLI(t, srv, "confget", "auto_failover")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"GET " + cluster.PathOps + "?name=t1&pid=3",
		"GET " + cluster.PathTables,
		"GET " + cluster.PathConf + "?key=auto_failover",
	}, f.seen)
}

func TestMissingArguments(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := runCLI(t, srv, "migrate", "a:1", "t1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "<src_endpoint> <table> <pid_group> <des_endpoint>")
}

func TestUnreachableNameserver(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	out, err := runCLI(t, srv, "makesnapshot", "t1", "0")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Fail to makesnapshot. error msg:"), out)
}
