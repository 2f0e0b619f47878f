package flowtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tmakela/flowsift/internal/geoid"
)

func rawEdge(origin, dest string, magnitude float64, role geoid.Role) RawEdge {
	anchor := dest
	if role == geoid.RoleOrigin {
		anchor = origin
	}
	return RawEdge{
		OriginID:      origin,
		DestinationID: dest,
		Magnitude:     magnitude,
		AnchorID:      anchor,
		AnchorRole:    role,
		SourceTag:     "test/" + anchor + "/" + string(role),
	}
}

func TestAssemble_Basic(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	table, notes, drops := a.Assemble([]RawEdge{
		rawEdge("A", "B", 10, geoid.RoleDestination),
		rawEdge("A", "C", 20, geoid.RoleDestination),
		rawEdge("B", "C", 5, geoid.RoleDestination),
	})

	assert.Empty(t, notes)
	assert.Zero(t, drops.Total())
	assert.Equal(t, 3, table.EdgeCount())
	assert.Len(t, table.EdgesFrom("A"), 2)
	assert.Len(t, table.EdgesFrom("B"), 1)
	assert.Empty(t, table.EdgesFrom("C"))
}

func TestAssemble_DropsBadRows(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	table, _, drops := a.Assemble([]RawEdge{
		rawEdge("A", "B", 10, geoid.RoleDestination),
		rawEdge("A", "C", 0, geoid.RoleDestination),
		rawEdge("A", "D", -3, geoid.RoleDestination),
		rawEdge("A", "A", 7, geoid.RoleDestination),
	})

	assert.Equal(t, 1, table.EdgeCount())
	assert.Equal(t, 2, drops.NonPositive)
	assert.Equal(t, 1, drops.SelfLoops)
}

func TestAssemble_DuplicateWithinTolerance(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	table, notes, _ := a.Assemble([]RawEdge{
		rawEdge("A", "B", 50, geoid.RoleDestination),
		rawEdge("A", "B", 50.5, geoid.RoleOrigin),
	})

	// Within the source's rounding either observation serves; no note.
	assert.Empty(t, notes)
	require.Len(t, table.EdgesFrom("A"), 1)
	assert.InDelta(t, 50, table.EdgesFrom("A")[0].Magnitude, 0.001)
}

func TestAssemble_AuthorityRule(t *testing.T) {
	// Duplicate A->B observed as 50 from the query anchored at A (origin)
	// and 52 from the query anchored at B (destination). The
	// destination-anchored observation is authoritative for inbound
	// magnitude and a reconciliation note is recorded.
	a := &Assembler{Tolerance: 1.0}

	table, notes, _ := a.Assemble([]RawEdge{
		rawEdge("A", "B", 50, geoid.RoleOrigin),
		rawEdge("A", "B", 52, geoid.RoleDestination),
	})

	require.Len(t, table.EdgesFrom("A"), 1)
	edge := table.EdgesFrom("A")[0]
	assert.InDelta(t, 52, edge.Magnitude, 0.001)
	assert.Equal(t, geoid.RoleDestination, edge.ObservedDirection)

	require.Len(t, notes, 1)
	assert.InDelta(t, 52, notes[0].Kept, 0.001)
	assert.InDelta(t, 50, notes[0].Discarded, 0.001)
	assert.Equal(t, geoid.RoleDestination, notes[0].KeptRole)
}

func TestAssemble_AuthorityRule_OrderIndependent(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	// Same conflict, destination-anchored observation seen first.
	table, notes, _ := a.Assemble([]RawEdge{
		rawEdge("A", "B", 52, geoid.RoleDestination),
		rawEdge("A", "B", 50, geoid.RoleOrigin),
	})

	require.Len(t, table.EdgesFrom("A"), 1)
	assert.InDelta(t, 52, table.EdgesFrom("A")[0].Magnitude, 0.001)
	require.Len(t, notes, 1)
}

func TestAssemble_SameRoleConflictKeepsFirst(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	table, notes, _ := a.Assemble([]RawEdge{
		rawEdge("A", "B", 40, geoid.RoleDestination),
		rawEdge("A", "B", 48, geoid.RoleDestination),
	})

	require.Len(t, table.EdgesFrom("A"), 1)
	assert.InDelta(t, 40, table.EdgesFrom("A")[0].Magnitude, 0.001)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Reason, "share anchor role")
}

func TestTable_ConservationInvariant(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	table, _, _ := a.Assemble([]RawEdge{
		rawEdge("A", "B", 10, geoid.RoleDestination),
		rawEdge("A", "C", 20, geoid.RoleDestination),
		rawEdge("B", "C", 5, geoid.RoleDestination),
		rawEdge("C", "A", 7.5, geoid.RoleOrigin),
	})

	var groupSum float64
	for _, origin := range table.Origins() {
		groupSum += table.GroupTotal(origin)
	}
	assert.InDelta(t, table.TotalMagnitude(), groupSum, 1e-9)
	assert.InDelta(t, 42.5, table.TotalMagnitude(), 1e-9)
}

func TestTable_OriginsSortedAndEdgesOrdered(t *testing.T) {
	a := &Assembler{Tolerance: 1.0}

	table, _, _ := a.Assemble([]RawEdge{
		rawEdge("B", "Z", 1, geoid.RoleDestination),
		rawEdge("A", "C", 2, geoid.RoleDestination),
		rawEdge("A", "B", 3, geoid.RoleDestination),
	})

	assert.Equal(t, []string{"A", "B"}, table.Origins())

	edges := table.EdgesFrom("A")
	require.Len(t, edges, 2)
	assert.Equal(t, "B", edges[0].DestinationID)
	assert.Equal(t, "C", edges[1].DestinationID)
}
