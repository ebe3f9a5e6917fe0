// Package arena provides an exact, in-memory vector index backed by an
// append-only slot arena with tombstones.
package arena

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
	"github.com/custodia-labs/sercha-kb/internal/core/ports/driven"
)

// Ensure Index implements the interface.
var _ driven.VectorIndex = (*Index)(nil)

type slotState uint8

const (
	stateStaged slotState = iota
	stateLive
	stateDead
)

type slot struct {
	id    string
	vec   []float32
	norm  float64
	state slotState
}

// commitRecord remembers what a commit changed so it can be reverted.
type commitRecord struct {
	published  []int
	tombstoned []int
}

// Index is a brute-force vector index.
//
// Writers are serialised by writeMu. The slot table and id map are guarded by
// mu; searches hold the read lock for the length of a scan and therefore only
// ever observe fully committed transactions.
type Index struct {
	writeMu sync.Mutex

	mu         sync.RWMutex
	dim        int
	metric     domain.Metric
	slots      []*slot
	live       map[string]int
	staged     map[string][]int
	committed  map[string]commitRecord
	dead       int
	generation uint64
}

// New creates an empty index for vectors of the given dimension.
func New(dim int, metric domain.Metric) (*Index, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrInvalidInput, dim)
	}
	if !metric.IsValid() {
		return nil, fmt.Errorf("%w: unknown metric %q", domain.ErrInvalidInput, metric)
	}
	return &Index{
		dim:       dim,
		metric:    metric,
		live:      make(map[string]int),
		staged:    make(map[string][]int),
		committed: make(map[string]commitRecord),
	}, nil
}

// Dimension returns the fixed vector dimension.
func (x *Index) Dimension() int {
	return x.dim
}

// Metric returns the similarity function.
func (x *Index) Metric() domain.Metric {
	return x.metric
}

// Insert stages and commits a single vector, superseding any live entry with
// the same id.
func (x *Index) Insert(ctx context.Context, chunkID string, vector []float32) error {
	txn := "insert-" + uuid.NewString()
	if err := x.Stage(ctx, txn, []driven.VectorEntry{{ChunkID: chunkID, Vector: vector}}); err != nil {
		return err
	}
	if err := x.Commit(ctx, txn, nil); err != nil {
		_ = x.Abort(ctx, txn)
		return err
	}
	x.Release(txn)
	return nil
}

// Stage appends entries under txnID. Staged slots are invisible to Search.
// Either every entry is staged or none is.
func (x *Index) Stage(ctx context.Context, txnID string, entries []driven.VectorEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if txnID == "" {
		return fmt.Errorf("%w: empty transaction id", domain.ErrInvalidInput)
	}

	seen := make(map[string]bool, len(entries))
	prepared := make([]*slot, 0, len(entries))
	for _, e := range entries {
		if e.ChunkID == "" {
			return fmt.Errorf("%w: empty chunk id", domain.ErrInvalidInput)
		}
		if len(e.Vector) != x.dim {
			return fmt.Errorf("%w: chunk %s has %d components, index expects %d",
				domain.ErrDimensionMismatch, e.ChunkID, len(e.Vector), x.dim)
		}
		if i := domain.NonFinite(e.Vector); i >= 0 {
			return fmt.Errorf("%w: chunk %s component %d is %v",
				domain.ErrInvalidVector, e.ChunkID, i, e.Vector[i])
		}
		if seen[e.ChunkID] {
			return fmt.Errorf("%w: chunk %s staged twice", domain.ErrInvalidInput, e.ChunkID)
		}
		seen[e.ChunkID] = true

		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		prepared = append(prepared, &slot{id: e.ChunkID, vec: vec, norm: norm(vec), state: stateStaged})
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if _, done := x.committed[txnID]; done {
		return fmt.Errorf("%w: transaction %s already committed", domain.ErrInvalidInput, txnID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, s := range prepared {
		x.staged[txnID] = append(x.staged[txnID], len(x.slots))
		x.slots = append(x.slots, s)
	}
	return nil
}

// Commit publishes the staged slots of txnID and tombstones the given ids in a
// single step. A staged id that is already live supersedes the older slot.
// Committing a transaction with nothing staged only applies the tombstones.
func (x *Index) Commit(ctx context.Context, txnID string, tombstone []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if _, done := x.committed[txnID]; done {
		return fmt.Errorf("%w: transaction %s already committed", domain.ErrInvalidInput, txnID)
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	var rec commitRecord
	for _, id := range tombstone {
		if i, ok := x.live[id]; ok {
			x.kill(i)
			rec.tombstoned = append(rec.tombstoned, i)
		}
	}
	for _, i := range x.staged[txnID] {
		s := x.slots[i]
		if j, ok := x.live[s.id]; ok {
			x.kill(j)
			rec.tombstoned = append(rec.tombstoned, j)
		}
		s.state = stateLive
		x.live[s.id] = i
		rec.published = append(rec.published, i)
	}
	delete(x.staged, txnID)
	x.committed[txnID] = rec
	x.generation++
	return nil
}

// Abort discards the staged slots of txnID. Aborting an unknown transaction
// is a no-op.
func (x *Index) Abort(_ context.Context, txnID string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, i := range x.staged[txnID] {
		x.slots[i].state = stateDead
		x.dead++
	}
	delete(x.staged, txnID)
	return nil
}

// Revert undoes an unreleased commit. Reverting a transaction that was only
// staged aborts it.
func (x *Index) Revert(ctx context.Context, txnID string) error {
	x.writeMu.Lock()
	rec, ok := x.committed[txnID]
	if !ok {
		x.writeMu.Unlock()
		return x.Abort(ctx, txnID)
	}
	defer x.writeMu.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	for _, i := range rec.published {
		if x.slots[i].state == stateLive {
			x.kill(i)
		}
	}
	for k := len(rec.tombstoned) - 1; k >= 0; k-- {
		i := rec.tombstoned[k]
		s := x.slots[i]
		if j, ok := x.live[s.id]; ok && j != i {
			x.kill(j)
		}
		s.state = stateLive
		x.live[s.id] = i
		x.dead--
	}
	delete(x.committed, txnID)
	x.generation++
	return nil
}

// Release forgets the undo record of a committed transaction.
func (x *Index) Release(txnID string) {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	delete(x.committed, txnID)
}

// Delete tombstones a live chunk.
func (x *Index) Delete(_ context.Context, chunkID string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.live[chunkID]; ok {
		x.kill(i)
		x.generation++
	}
	return nil
}

// kill tombstones slot i. Callers hold mu.
func (x *Index) kill(i int) {
	s := x.slots[i]
	if x.live[s.id] == i {
		delete(x.live, s.id)
	}
	s.state = stateDead
	x.dead++
}

// Contains reports whether chunkID is live.
func (x *Index) Contains(chunkID string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.live[chunkID]
	return ok
}

// LiveIDs returns every live chunk id in ascending order.
func (x *Index) LiveIDs() []string {
	x.mu.RLock()
	ids := make([]string, 0, len(x.live))
	for id := range x.live {
		ids = append(ids, id)
	}
	x.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Search scans every live slot and returns the k best matches.
// Ordering is by descending score with ties broken by ascending chunk id, so
// identical state and query always give identical results.
func (x *Index) Search(ctx context.Context, query []float32, k int) ([]driven.VectorHit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("%w: query has %d components, index expects %d",
			domain.ErrDimensionMismatch, len(query), x.dim)
	}
	if k <= 0 {
		return nil, fmt.Errorf("%w: k must be positive, got %d", domain.ErrInvalidInput, k)
	}
	if i := domain.NonFinite(query); i >= 0 {
		return nil, fmt.Errorf("%w: query component %d is %v", domain.ErrInvalidVector, i, query[i])
	}

	qnorm := norm(query)

	x.mu.RLock()
	defer x.mu.RUnlock()

	top := newTopK(min(k, len(x.live)))
	for n, s := range x.slots {
		if s.state != stateLive {
			continue
		}
		if n%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		top.offer(s.id, x.score(query, qnorm, s))
	}
	return top.sorted(), nil
}

func (x *Index) score(q []float32, qnorm float64, s *slot) float64 {
	var dot float64
	for i, v := range q {
		dot += float64(v) * float64(s.vec[i])
	}
	if x.metric == domain.MetricInnerProduct {
		return dot
	}
	if qnorm == 0 || s.norm == 0 {
		return 0
	}
	return dot / (qnorm * s.norm)
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// Compact drops tombstoned slots that no open transaction can still revive
// and returns how many were removed. Searches are blocked only while the new
// table is swapped in.
func (x *Index) Compact(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	pinned := make(map[int]bool)
	for _, rec := range x.committed {
		for _, i := range rec.tombstoned {
			pinned[i] = true
		}
		for _, i := range rec.published {
			pinned[i] = true
		}
	}

	// Only writers mutate slots and they are excluded by writeMu, so the
	// rebuild can read without mu.
	remap := make(map[int]int, len(x.slots)-x.dead)
	kept := make([]*slot, 0, len(x.slots)-x.dead)
	dead := 0
	for i, s := range x.slots {
		if s.state == stateDead && !pinned[i] {
			continue
		}
		if s.state == stateDead {
			dead++
		}
		remap[i] = len(kept)
		kept = append(kept, s)
	}
	removed := len(x.slots) - len(kept)
	if removed == 0 {
		return 0, nil
	}

	live := make(map[string]int, len(x.live))
	for id, i := range x.live {
		live[id] = remap[i]
	}
	staged := make(map[string][]int, len(x.staged))
	for txn, idx := range x.staged {
		staged[txn] = remapAll(idx, remap)
	}
	committed := make(map[string]commitRecord, len(x.committed))
	for txn, rec := range x.committed {
		committed[txn] = commitRecord{
			published:  remapAll(rec.published, remap),
			tombstoned: remapAll(rec.tombstoned, remap),
		}
	}

	x.mu.Lock()
	x.slots = kept
	x.live = live
	x.staged = staged
	x.committed = committed
	x.dead = dead
	x.generation++
	x.mu.Unlock()

	return removed, nil
}

func remapAll(idx []int, remap map[int]int) []int {
	out := make([]int, len(idx))
	for n, i := range idx {
		out[n] = remap[i]
	}
	return out
}

// Stats reports slot usage.
func (x *Index) Stats() driven.VectorStats {
	x.mu.RLock()
	defer x.mu.RUnlock()

	staged := 0
	for _, idx := range x.staged {
		staged += len(idx)
	}
	return driven.VectorStats{
		Live:       len(x.live),
		Tombstones: x.dead,
		Staged:     staged,
		Slots:      len(x.slots),
		Dimension:  x.dim,
		Metric:     x.metric,
		Generation: x.generation,
	}
}

// Generation returns the commit counter. It increases on every change to the
// searchable state and is persisted with each snapshot.
func (x *Index) Generation() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.generation
}

// Close releases resources. The index holds none beyond memory.
func (x *Index) Close() error {
	return nil
}
