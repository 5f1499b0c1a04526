package crdt

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLWWRegisterLastWriteWins(t *testing.T) {
	r := NewLWWRegister[int]()
	require.True(t, r.Write(1, Tag{LamportTS: 1, NodeID: "a"}))
	require.True(t, r.Write(2, Tag{LamportTS: 2, NodeID: "a"}))
	require.False(t, r.Write(1, Tag{LamportTS: 2, NodeID: "a"}))
	value, _, set := r.Read()
	require.True(t, set)
	require.Equal(t, 2, value)
}

func TestLWWRegisterTieBreaksOnNodeID(t *testing.T) {
	r := NewLWWRegister[string]()
	r.Write("from-lower", Tag{LamportTS: 5, NodeID: "a"})
	// Same Lamport timestamp, lexicographically smaller node id: must lose.
	require.False(t, r.Write("from-upper", Tag{LamportTS: 5, NodeID: "A"}))
	value, _, _ := r.Read()
	require.Equal(t, "from-lower", value)

	// Same Lamport timestamp, lexicographically larger node id: must win.
	require.True(t, r.Write("from-z", Tag{LamportTS: 5, NodeID: "z"}))
	value, _, _ = r.Read()
	require.Equal(t, "from-z", value)
}

func TestLWWRegisterMergeCommutative(t *testing.T) {
	mkReg := func() *LWWRegister[int] { return NewLWWRegister[int]() }

	a := mkReg()
	a.Write(10, Tag{LamportTS: 3, NodeID: "x"})
	b := mkReg()
	b.Write(20, Tag{LamportTS: 7, NodeID: "y"})

	ab := a.Clone()
	ab.Merge(b)

	ba := b.Clone()
	ba.Merge(a)

	va, _, _ := ab.Read()
	vb, _, _ := ba.Read()
	require.Equal(t, va, vb)
}

func randomRegister(seed int64, tagSpace int) *LWWRegister[int] {
	rng := rand.New(rand.NewSource(seed))
	r := NewLWWRegister[int]()
	for i := 0; i < 20; i++ {
		r.Write(rng.Intn(1000), Tag{LamportTS: uint64(rng.Intn(tagSpace)), NodeID: fmt.Sprintf("n%d", rng.Intn(5))})
	}
	return r
}

func TestLWWRegisterMergeLawsProperty(t *testing.T) {
	for trial := 0; trial < 50; trial++ {
		a := randomRegister(int64(trial), 30)
		b := randomRegister(int64(trial+1000), 30)
		c := randomRegister(int64(trial+2000), 30)

		left := a.Clone()
		left.Merge(b)
		left.Merge(c)

		right := a.Clone()
		bc := b.Clone()
		bc.Merge(c)
		right.Merge(bc)

		lv, lt, _ := left.Read()
		rv, rt, _ := right.Read()
		require.Equal(t, lt, rt, "associativity: tags must match trial %d", trial)
		require.Equal(t, lv, rv, "associativity: values must match trial %d", trial)

		idem := left.Clone()
		idem.Merge(left)
		iv, _, _ := idem.Read()
		require.Equal(t, lv, iv, "idempotence trial %d", trial)
	}
}

// voteRegister adapts LWWRegister[string] to satisfy crdt.Value for use in a
// CRDTMap, mirroring how native/governance wraps Vote.
type voteRegister struct {
	*LWWRegister[string]
}

func (v voteRegister) Clone() voteRegister {
	return voteRegister{v.LWWRegister.Clone()}
}

func (v voteRegister) Merge(other voteRegister) {
	v.LWWRegister.Merge(other.LWWRegister)
}

func newVoteRegister() voteRegister { return voteRegister{NewLWWRegister[string]()} }

func TestCRDTMapMergeIsCommutativeAssociativeIdempotent(t *testing.T) {
	build := func(ops [][3]any) *CRDTMap[string, voteRegister] {
		m := NewCRDTMap[string, voteRegister]()
		for _, op := range ops {
			key := op[0].(string)
			val := op[1].(string)
			tag := op[2].(Tag)
			reg := newVoteRegister()
			reg.Write(val, tag)
			m.Put(key, reg, tag)
		}
		return m
	}

	a := build([][3]any{{"alice", "yes", Tag{1, "n1"}}, {"bob", "no", Tag{2, "n1"}}})
	b := build([][3]any{{"alice", "no", Tag{5, "n2"}}, {"carol", "abstain", Tag{1, "n2"}}})
	c := build([][3]any{{"bob", "yes", Tag{9, "n3"}}})

	cloneMap := func(src *CRDTMap[string, voteRegister]) *CRDTMap[string, voteRegister] {
		dst := NewCRDTMap[string, voteRegister]()
		dst.Merge(src)
		return dst
	}

	left := cloneMap(a)
	left.Merge(b)
	left.Merge(c)

	right := cloneMap(a)
	bc := cloneMap(b)
	bc.Merge(c)
	right.Merge(bc)

	for _, key := range []string{"alice", "bob", "carol"} {
		lv, lok := left.Get(key)
		rv, rok := right.Get(key)
		require.Equal(t, lok, rok, "key %s presence", key)
		if lok {
			lval, _, _ := lv.Read()
			rval, _, _ := rv.Read()
			require.Equal(t, lval, rval, "key %s value", key)
		}
	}

	idem := cloneMap(left)
	idem.Merge(left)
	for _, key := range left.Keys() {
		lv, _ := left.Get(key)
		iv, _ := idem.Get(key)
		lval, _, _ := lv.Read()
		ival, _, _ := iv.Read()
		require.Equal(t, lval, ival, "idempotence key %s", key)
	}
}

func TestCRDTMapRemoveThenMerge(t *testing.T) {
	a := NewCRDTMap[string, voteRegister]()
	reg := newVoteRegister()
	reg.Write("yes", Tag{1, "n1"})
	a.Put("alice", reg, Tag{1, "n1"})

	b := NewCRDTMap[string, voteRegister]()
	b.Merge(a)
	b.Remove("alice", Tag{2, "n1"})

	merged := NewCRDTMap[string, voteRegister]()
	merged.Merge(a)
	merged.Merge(b)

	_, ok := merged.Get("alice")
	require.False(t, ok, "remove with newer tag must win")
}

func TestGCounterMergeLaws(t *testing.T) {
	a := NewGCounter()
	a.Add("n1", 5)
	b := NewGCounter()
	b.Add("n2", 3)
	c := NewGCounter()
	c.Add("n1", 2)
	c.Add("n3", 7)

	left := a.Clone()
	left.Merge(b)
	left.Merge(c)

	right := a.Clone()
	bc := b.Clone()
	bc.Merge(c)
	right.Merge(bc)

	require.Equal(t, left.Value(), right.Value())
	require.Equal(t, uint64(5+3+7), left.Value())

	idem := left.Clone()
	idem.Merge(left)
	require.Equal(t, left.Value(), idem.Value())
}
