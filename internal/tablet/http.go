package tablet

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/storage"
)

// Handler serves the tablet RPC surface the nameserver and peer tablets
// call. Failures map to HTTP status codes so the nameserver can tell
// permanent (4xx) from transient (5xx) errors.
func Handler(n *Node) http.Handler {
	h := &handler{node: n}
	r := chi.NewRouter()

	r.Get(cluster.PathHealth, h.health)
	r.Get(cluster.PathStatus, h.status)
	r.Post(cluster.PathCreatePartition, h.createPartition)
	r.Post(cluster.PathDropPartition, h.dropPartition)
	r.Post(cluster.PathChangeRole, h.changeRole)
	r.Post(cluster.PathAddFollower, h.addFollower)
	r.Post(cluster.PathRemoveFollower, h.removeFollower)
	r.Post(cluster.PathSnapshot, h.snapshot)
	r.Post(cluster.PathPut, h.put)
	r.Post(cluster.PathReplicate, h.replicate)
	return r
}

type handler struct {
	node *Node
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, ErrPartitionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPartitionExists),
		errors.Is(err, ErrNotLeader),
		errors.Is(err, ErrStaleTerm),
		errors.Is(err, ErrLeaderApply),
		errors.Is(err, storage.ErrOffsetGap):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func reply(w http.ResponseWriter, err error) {
	if err != nil {
		cluster.WriteError(w, statusCode(err), err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.Response{Msg: "ok"})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, struct {
		Endpoint   string                    `json:"endpoint"`
		Partitions []cluster.PartitionStatus `json:"partitions"`
	}{Endpoint: h.node.Endpoint(), Partitions: h.node.Statuses()})
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	tid, err1 := strconv.ParseUint(r.URL.Query().Get("tid"), 10, 32)
	pid, err2 := strconv.ParseUint(r.URL.Query().Get("pid"), 10, 32)
	if err := errors.Join(err1, err2); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	st, err := h.node.Status(uint32(tid), uint32(pid))
	if err != nil {
		cluster.WriteError(w, statusCode(err), err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, st)
}

func (h *handler) createPartition(w http.ResponseWriter, r *http.Request) {
	var req cluster.CreatePartitionRequest
	if decode(w, r, &req) {
		reply(w, h.node.CreatePartition(req))
	}
}

func (h *handler) dropPartition(w http.ResponseWriter, r *http.Request) {
	var req cluster.PartitionRequest
	if decode(w, r, &req) {
		reply(w, h.node.DropPartition(req.TID, req.PID))
	}
}

func (h *handler) changeRole(w http.ResponseWriter, r *http.Request) {
	var req cluster.ChangeRoleRequest
	if decode(w, r, &req) {
		reply(w, h.node.ChangeRole(req))
	}
}

func (h *handler) addFollower(w http.ResponseWriter, r *http.Request) {
	var req cluster.FollowerRequest
	if decode(w, r, &req) {
		reply(w, h.node.AddFollower(r.Context(), req))
	}
}

func (h *handler) removeFollower(w http.ResponseWriter, r *http.Request) {
	var req cluster.FollowerRequest
	if decode(w, r, &req) {
		reply(w, h.node.RemoveFollower(req))
	}
}

func (h *handler) snapshot(w http.ResponseWriter, r *http.Request) {
	var req cluster.SnapshotRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.node.Snapshot(req)
	if err != nil {
		cluster.WriteError(w, statusCode(err), err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, m)
}

func (h *handler) put(w http.ResponseWriter, r *http.Request) {
	var req cluster.PutRequest
	if !decode(w, r, &req) {
		return
	}
	offset, err := h.node.Put(r.Context(), req)
	if err != nil {
		cluster.WriteError(w, statusCode(err), err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.PutResponse{Offset: offset})
}

func (h *handler) replicate(w http.ResponseWriter, r *http.Request) {
	var req cluster.ReplicateRequest
	if decode(w, r, &req) {
		reply(w, h.node.Replicate(req))
	}
}
