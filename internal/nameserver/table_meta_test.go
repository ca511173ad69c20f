package nameserver

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/nameserver/internal/cluster"
	"github.com/dreamware/nameserver/internal/coordinator"
)

func TestTableMetaBuild(t *testing.T) {
	meta, err := ParseTableMeta([]byte(fmt.Sprintf(threeWayMeta, "t1")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a:1", "b:1"}, meta.Endpoints())

	table, err := meta.Build(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), table.TID)
	assert.Equal(t, 4, table.PartitionCount())
	assert.Equal(t, 2, table.ReplicaNum)
	assert.Equal(t, uint64(144000), table.TTL)
	assert.Equal(t, "kAbsoluteTime", table.TTLType)
	assert.Equal(t, uint32(8), table.SegCnt)

	want := []coordinator.ColumnDesc{{Name: "card", Type: "string", AddTSIdx: true}}
	if diff := cmp.Diff(want, table.Columns); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}

	for _, p := range table.Partitions {
		l, ok := p.Leader()
		require.True(t, ok)
		assert.Equal(t, "a:1", l.Endpoint)
		assert.Equal(t, uint64(1), p.Term)
		require.Len(t, p.Followers(), 1)
		assert.Equal(t, cluster.RoleFollower, p.Followers()[0].Role)
	}
}

func TestTableMetaInvalid(t *testing.T) {
	tests := []struct {
		name string
		meta string
	}{
		{
			name: "no name",
			meta: "table_partition:\n  - endpoint: a:1\n    pid_group: 0\n    is_leader: true\n",
		},
		{
			name: "no partitions",
			meta: "name: t\n",
		},
		{
			name: "not yaml",
			meta: "name: [t\n",
		},
		{
			name: "bad pid group",
			meta: "name: t\ntable_partition:\n  - endpoint: a:1\n    pid_group: x\n    is_leader: true\n",
		},
		{
			name: "gap without replicas",
			meta: "name: t\ntable_partition:\n  - endpoint: a:1\n    pid_group: 0,2\n    is_leader: true\n",
		},
		{
			name: "no leader",
			meta: "name: t\ntable_partition:\n  - endpoint: a:1\n    pid_group: 0\n    is_leader: false\n",
		},
		{
			name: "two leaders",
			meta: "name: t\ntable_partition:\n" +
				"  - endpoint: a:1\n    pid_group: 0\n    is_leader: true\n" +
				"  - endpoint: b:1\n    pid_group: 0\n    is_leader: true\n",
		},
		{
			name: "endpoint twice",
			meta: "name: t\ntable_partition:\n" +
				"  - endpoint: a:1\n    pid_group: 0\n    is_leader: true\n" +
				"  - endpoint: a:1\n    pid_group: 0\n    is_leader: false\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := ParseTableMeta([]byte(tt.meta))
			if err == nil {
				_, err = meta.Build(1)
			}
			require.ErrorIs(t, err, ErrInvalidMetadata)
		})
	}
}
