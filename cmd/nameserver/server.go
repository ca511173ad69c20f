package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/nameserver"
	"github.com/dreamware/nameserver/internal/ops"
)

// Admin API success messages. nsclient prints them as is.
const (
	msgCreateOK       = "Create table ok"
	msgDropOK         = "Drop table ok"
	msgMakeSnapshotOK = "MakeSnapshot ok"
	msgMigrateOK      = "partition migrate ok"
	msgAddReplicaOK   = "AddReplica ok"
	msgDelReplicaOK   = "DelReplica ok"
	msgCancelOK       = "Cancel op ok"
	msgDeregisterOK   = "Deregister ok"
	msgOK             = "ok"
)

type server struct {
	ns     *nameserver.NameServer
	health *coordinator.HealthMonitor
}

func newServer(ns *nameserver.NameServer, health *coordinator.HealthMonitor) *server {
	return &server{ns: ns, health: health}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get(cluster.PathHealth, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle(cluster.PathMetrics, promhttp.Handler())
	r.Post(cluster.PathRegister, s.handleRegister)
	r.Post(cluster.PathHeartbeat, s.handleHeartbeat)
	r.Get(cluster.PathEndpoints, s.handleEndpoints)
	r.Delete(cluster.PathEndpoints+"/{endpoint}", s.handleDeregister)

	r.Route(cluster.PathTables, func(r chi.Router) {
		r.Get("/", s.handleShowTable)
		r.Post("/", s.handleCreateTable)
		r.Delete("/{name}", s.handleDropTable)
		r.Post("/{name}/replicas", s.handleAddReplica)
		r.Post("/{name}/partitions/{pid}/snapshot", s.handleMakeSnapshot)
		r.Post("/{name}/partitions/{pid}/leader", s.handleChangeLeader)
		r.Delete("/{name}/partitions/{pid}/replicas/{endpoint}", s.handleDelReplica)
	})
	r.Post(cluster.PathMigrate, s.handleMigrate)
	r.Get(cluster.PathOps, s.handleShowOpStatus)
	r.Post(cluster.PathOps+"/{id}/cancel", s.handleCancelOp)
	r.Get(cluster.PathConf, s.handleConfGet)
	r.Post(cluster.PathConf, s.handleConfSet)
	r.Get(cluster.PathManifests, s.handleManifests)
	return r
}

// errorCode maps a command error to its HTTP status.
func errorCode(err error) int {
	var rejected *nameserver.RejectedError
	var failed *nameserver.OpFailedError
	switch {
	case errors.As(err, &rejected), errors.Is(err, nameserver.ErrTableNotExist):
		return http.StatusBadRequest
	case errors.As(err, &failed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ops.ErrOpNotFound):
		return http.StatusNotFound
	case errors.Is(err, ops.ErrOpFinished):
		return http.StatusConflict
	case errors.Is(err, ops.ErrQueueFull), errors.Is(err, ops.ErrStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := errorCode(err)
	resp := cluster.OpResponse{Response: cluster.Response{Code: code, Msg: err.Error()}}
	var failed *nameserver.OpFailedError
	if errors.As(err, &failed) {
		resp.OpIDs = []uint64{failed.Op.ID}
	}
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Int("code", code).Msg("admin command failed")
	}
	cluster.WriteJSON(w, code, resp)
}

func writeOps(w http.ResponseWriter, msg string, submitted ...ops.Op) {
	resp := cluster.OpResponse{Response: cluster.Response{Msg: msg}}
	for _, op := range submitted {
		resp.OpIDs = append(resp.OpIDs, op.ID)
	}
	cluster.WriteJSON(w, http.StatusOK, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

// pathParam returns an unescaped route parameter.
func pathParam(r *http.Request, key string) string {
	v := chi.URLParam(r, key)
	if u, err := url.PathUnescape(v); err == nil {
		return u
	}
	return v
}

func pidParam(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	pid, err := strconv.ParseUint(chi.URLParam(r, "pid"), 10, 32)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, nameserver.ErrFormat)
		return 0, false
	}
	return uint32(pid), true
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("missing endpoint"))
		return
	}
	s.health.Register(req.Endpoint)
	cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: msgOK})
}

func (s *server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Endpoint == "" {
		cluster.WriteError(w, http.StatusBadRequest, errors.New("missing endpoint"))
		return
	}
	s.health.Heartbeat(req.Endpoint)
	cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: msgOK})
}

func (s *server) handleEndpoints(w http.ResponseWriter, _ *http.Request) {
	all := s.health.GetAllEndpointHealth()
	resp := cluster.EndpointsResponse{Response: cluster.Response{Msg: msgOK}}
	for _, h := range all {
		resp.Endpoints = append(resp.Endpoints, cluster.EndpointStatus{
			Endpoint:         h.Endpoint,
			Status:           h.Status,
			ConsecutiveFails: h.ConsecutiveFails,
		})
	}
	sort.Slice(resp.Endpoints, func(i, j int) bool { return resp.Endpoints[i].Endpoint < resp.Endpoints[j].Endpoint })
	cluster.WriteJSON(w, http.StatusOK, resp)
}

// handleDeregister stops monitoring an endpoint that hosts no replicas.
func (s *server) handleDeregister(w http.ResponseWriter, r *http.Request) {
	endpoint := pathParam(r, "endpoint")
	if refs := s.ns.EndpointReplicas(endpoint); len(refs) > 0 {
		cluster.WriteError(w, http.StatusConflict,
			fmt.Errorf("%s still hosts %d replicas, migrate them first", endpoint, len(refs)))
		return
	}
	if !s.health.Deregister(endpoint) {
		cluster.WriteError(w, http.StatusNotFound, fmt.Errorf("%s is not registered", endpoint))
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: msgDeregisterOK})
}

func (s *server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req cluster.CreateTableRequest
	if !decode(w, r, &req) {
		return
	}
	op, err := s.ns.CreateTable(r.Context(), []byte(req.Metadata))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, msgCreateOK, op)
}

func (s *server) handleDropTable(w http.ResponseWriter, r *http.Request) {
	op, err := s.ns.DropTable(r.Context(), pathParam(r, "name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, msgDropOK, op)
}

func (s *server) handleShowTable(w http.ResponseWriter, r *http.Request) {
	rows, err := s.ns.ShowTable(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ShowTableResponse{
		Response: cluster.Response{Msg: msgOK},
		Rows:     rows,
	})
}

func (s *server) handleMakeSnapshot(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	op, err := s.ns.MakeSnapshot(r.Context(), pathParam(r, "name"), pid)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, msgMakeSnapshotOK, op)
}

func (s *server) handleChangeLeader(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	var req cluster.ChangeLeaderRequest
	if !decode(w, r, &req) {
		return
	}
	op, err := s.ns.ChangeLeader(r.Context(), pathParam(r, "name"), pid, req.Candidate)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, op.Message, op)
}

func (s *server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	var req cluster.MigrateRequest
	if !decode(w, r, &req) {
		return
	}
	submitted, err := s.ns.Migrate(r.Context(), req.Src, req.Name, req.PidGroup, req.Des)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, msgMigrateOK, submitted...)
}

func (s *server) handleAddReplica(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReplicaRequest
	if !decode(w, r, &req) {
		return
	}
	submitted, err := s.ns.AddReplica(r.Context(), pathParam(r, "name"), req.PidGroup, req.Endpoint)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, msgAddReplicaOK, submitted...)
}

func (s *server) handleDelReplica(w http.ResponseWriter, r *http.Request) {
	pid, ok := pidParam(w, r)
	if !ok {
		return
	}
	op, err := s.ns.DelReplica(r.Context(), pathParam(r, "name"), pid, pathParam(r, "endpoint"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeOps(w, msgDelReplicaOK, op)
}

func (s *server) handleShowOpStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pid := int64(-1)
	if v := q.Get("pid"); v != "" {
		p, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			cluster.WriteError(w, http.StatusBadRequest, nameserver.ErrFormat)
			return
		}
		pid = int64(p)
	}
	list, last := s.ns.ShowOpStatus(q.Get("name"), pid)
	cluster.WriteJSON(w, http.StatusOK, cluster.ShowOpStatusResponse{
		Response: cluster.Response{Msg: msgOK},
		Ops:      list,
		LastID:   last,
	})
}

func (s *server) handleCancelOp(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, nameserver.ErrFormat)
		return
	}
	if err := s.ns.CancelOp(r.Context(), id); err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: msgCancelOK})
}

func (s *server) handleConfSet(w http.ResponseWriter, r *http.Request) {
	var req cluster.ConfSetRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ns.ConfSet(r.Context(), req.Key, req.Value); err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: "set " + req.Key + " ok"})
}

func (s *server) handleConfGet(w http.ResponseWriter, r *http.Request) {
	conf, err := s.ns.ConfGet(r.URL.Query().Get("key"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ConfResponse{Response: cluster.Response{Msg: msgOK}, Conf: conf})
}

func (s *server) handleManifests(w http.ResponseWriter, r *http.Request) {
	list, err := s.ns.Manifests(r.URL.Query().Get("name"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.ManifestsResponse{
		Response:  cluster.Response{Msg: msgOK},
		Manifests: list,
	})
}
