// Package zkstore persists the nameserver catalog in ZooKeeper.
//
// Layout under the configured root:
//
//	<root>/table_data/<name>                   table JSON
//	<root>/table_data/_next_tid                next table id
//	<root>/op_data/<id>                        op record JSON, id zero padded
//	<root>/manifest/<tid>_<pid>_<endpoint>     manifest JSON
//	<root>/config/<key>                        runtime flag value
//
// Node names are path escaped. Every write is a plain Set or Create of one
// znode, so each catalog commit stays a single atomic write.
package zkstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/rs/zerolog/log"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
	"github.com/dreamware/nameserver/internal/ops"
)

const (
	tablesDir    = "table_data"
	opsDir       = "op_data"
	manifestsDir = "manifest"
	configDir    = "config"
	nextTIDNode  = "_next_tid"
)

// conn is the subset of *zk.Conn the store uses.
type conn interface {
	Exists(path string) (bool, *zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	Delete(path string, version int32) error
	Children(path string) ([]string, *zk.Stat, error)
}

// Store implements the durable stores of the table registry, op manager,
// manifest catalog and runtime config.
type Store struct {
	conn  conn
	close func()
	root  string
}

var (
	_ coordinator.TableStore    = (*Store)(nil)
	_ coordinator.ManifestStore = (*Store)(nil)
	_ coordinator.FlagStore     = (*Store)(nil)
	_ ops.Store                 = (*Store)(nil)
)

// Dial connects to servers and waits up to timeout for a session.
func Dial(servers []string, root string, timeout time.Duration) (*Store, error) {
	c, events, err := zk.Connect(servers, timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for connected := false; !connected; {
		select {
		case ev := <-events:
			connected = ev.State == zk.StateHasSession
		case <-deadline.C:
			c.Close()
			return nil, fmt.Errorf("zk: no session after %s, state=%v", timeout, c.State())
		}
	}

	s := newStore(c, root)
	s.close = c.Close
	if err := s.ensureLayout(); err != nil {
		c.Close()
		return nil, err
	}
	log.Info().Strs("servers", servers).Str("root", root).Msg("connected to zookeeper")
	return s, nil
}

func newStore(c conn, root string) *Store {
	return &Store{conn: c, root: "/" + strings.Trim(root, "/")}
}

func (s *Store) Close() {
	if s.close != nil {
		s.close()
	}
}

func (s *Store) ensureLayout() error {
	for _, dir := range []string{tablesDir, opsDir, manifestsDir, configDir} {
		if err := s.ensurePath(path.Join(s.root, dir)); err != nil {
			return fmt.Errorf("ensure %s: %w", dir, err)
		}
	}
	return nil
}

func (s *Store) ensurePath(p string) error {
	cur := ""
	for _, part := range strings.Split(p, "/") {
		if part == "" {
			continue
		}
		cur = cur + "/" + part
		exists, _, err := s.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && !errors.Is(err, zk.ErrNodeExists) {
				return err
			}
		}
	}
	return nil
}

func (s *Store) node(dir, name string) string {
	return path.Join(s.root, dir, url.PathEscape(name))
}

// put writes data to p, creating the znode if needed.
func (s *Store) put(ctx context.Context, p string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.conn.Set(p, data, -1)
	if errors.Is(err, zk.ErrNoNode) {
		_, err = s.conn.Create(p, data, 0, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			_, err = s.conn.Set(p, data, -1)
		}
	}
	if err != nil {
		return fmt.Errorf("zk write %s: %w", p, err)
	}
	return nil
}

func (s *Store) putJSON(ctx context.Context, p string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.put(ctx, p, data)
}

func (s *Store) remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.Delete(p, -1); err != nil && !errors.Is(err, zk.ErrNoNode) {
		return fmt.Errorf("zk delete %s: %w", p, err)
	}
	return nil
}

// each calls fn with the unescaped name and data of every child of dir.
func (s *Store) each(dir string, fn func(name string, data []byte) error) error {
	p := path.Join(s.root, dir)
	children, _, err := s.conn.Children(p)
	if err != nil {
		return fmt.Errorf("zk list %s: %w", p, err)
	}
	for _, child := range children {
		data, _, err := s.conn.Get(path.Join(p, child))
		if errors.Is(err, zk.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("zk read %s/%s: %w", p, child, err)
		}
		name, err := url.PathUnescape(child)
		if err != nil {
			name = child
		}
		if err := fn(name, data); err != nil {
			return fmt.Errorf("decoding %s/%s: %w", p, child, err)
		}
	}
	return nil
}

func (s *Store) SaveTable(ctx context.Context, t coordinator.TableInfo) error {
	return s.putJSON(ctx, s.node(tablesDir, t.Name), t)
}

func (s *Store) DeleteTable(ctx context.Context, name string) error {
	return s.remove(ctx, s.node(tablesDir, name))
}

func (s *Store) SaveNextTID(ctx context.Context, next uint32) error {
	return s.put(ctx, s.node(tablesDir, nextTIDNode), []byte(strconv.FormatUint(uint64(next), 10)))
}

// LoadTables returns every persisted table and the next table id.
func (s *Store) LoadTables() ([]coordinator.TableInfo, uint32, error) {
	var (
		tables  []coordinator.TableInfo
		nextTID uint32
	)
	err := s.each(tablesDir, func(name string, data []byte) error {
		if name == nextTIDNode {
			v, err := strconv.ParseUint(string(data), 10, 32)
			nextTID = uint32(v)
			return err
		}
		var t coordinator.TableInfo
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		tables = append(tables, t)
		return nil
	})
	return tables, nextTID, err
}

func opNode(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func (s *Store) SaveOp(ctx context.Context, rec ops.Record) error {
	return s.putJSON(ctx, s.node(opsDir, opNode(rec.ID)), rec)
}

// LoadOps returns every persisted op record.
func (s *Store) LoadOps() ([]ops.Record, error) {
	var records []ops.Record
	err := s.each(opsDir, func(_ string, data []byte) error {
		var rec ops.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		records = append(records, rec)
		return nil
	})
	return records, err
}

func manifestNode(m cluster.Manifest) string {
	return fmt.Sprintf("%d_%d_%s", m.TID, m.PID, m.Endpoint)
}

func (s *Store) SaveManifest(ctx context.Context, m cluster.Manifest) error {
	return s.putJSON(ctx, s.node(manifestsDir, manifestNode(m)), m)
}

func (s *Store) DeleteManifest(ctx context.Context, m cluster.Manifest) error {
	return s.remove(ctx, s.node(manifestsDir, manifestNode(m)))
}

// LoadManifests returns every persisted manifest.
func (s *Store) LoadManifests() ([]cluster.Manifest, error) {
	var out []cluster.Manifest
	err := s.each(manifestsDir, func(_ string, data []byte) error {
		var m cluster.Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		out = append(out, m)
		return nil
	})
	return out, err
}

func (s *Store) SaveFlag(ctx context.Context, key, value string) error {
	return s.put(ctx, s.node(configDir, key), []byte(value))
}

// LoadFlags returns every persisted runtime flag as text.
func (s *Store) LoadFlags() (map[string]string, error) {
	out := map[string]string{}
	err := s.each(configDir, func(name string, data []byte) error {
		out[name] = string(data)
		return nil
	})
	return out, err
}
