package arena

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/custodia-labs/sercha-kb/internal/core/domain"
)

// Snapshot layout, little endian:
//
//	magic "SKBV" | version u16 | metric u8 | dim u32 | generation u64 | count u32
//	count x ( idLen u16 | id | state u8 | dim x float32 )
//	crc32c u32 over everything before it
const (
	snapshotMagic   = "SKBV"
	snapshotVersion = uint16(1)
	headerSize      = 4 + 2 + 1 + 4 + 8 + 4
	trailerSize     = 4
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var metricCodes = map[domain.Metric]uint8{
	domain.MetricCosine:       1,
	domain.MetricInnerProduct: 2,
}

func metricFromCode(c uint8) (domain.Metric, bool) {
	for m, code := range metricCodes {
		if code == c {
			return m, true
		}
	}
	return "", false
}

// Save writes the committed state to path and returns its generation.
// Staged slots are not persisted. The file is written beside path and renamed
// into place, so a failed save leaves any previous snapshot untouched.
func (x *Index) Save(path string) (uint64, error) {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := x.save(path); err != nil {
		return 0, err
	}
	return x.generation, nil
}

func (x *Index) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("%w: creating snapshot directory: %v", domain.ErrPersistence, err)
	}

	tmp, err := os.CreateTemp(dir, ".vectors-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating snapshot file: %v", domain.ErrPersistence, err)
	}
	tmpName := tmp.Name()
	fail := func(step string, err error) error {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: %s: %v", domain.ErrPersistence, step, err)
	}

	if err := x.encode(tmp); err != nil {
		return fail("writing snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("syncing snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: closing snapshot: %v", domain.ErrPersistence, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("%w: replacing snapshot: %v", domain.ErrPersistence, err)
	}
	syncDir(dir)
	return nil
}

// encode writes the snapshot. Callers hold writeMu, which excludes every
// mutation of the slot table.
func (x *Index) encode(w io.Writer) error {
	crc := crc32.New(castagnoli)
	bw := bufio.NewWriter(io.MultiWriter(w, crc))

	count := 0
	for _, s := range x.slots {
		if s.state != stateStaged {
			count++
		}
	}

	var hdr [headerSize]byte
	copy(hdr[0:4], snapshotMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], snapshotVersion)
	hdr[6] = metricCodes[x.metric]
	binary.LittleEndian.PutUint32(hdr[7:11], uint32(x.dim))
	binary.LittleEndian.PutUint64(hdr[11:19], x.generation)
	binary.LittleEndian.PutUint32(hdr[19:23], uint32(count))
	if _, err := bw.Write(hdr[:]); err != nil {
		return err
	}

	buf := make([]byte, 4*x.dim)
	for _, s := range x.slots {
		if s.state == stateStaged {
			continue
		}
		if len(s.id) > math.MaxUint16 {
			return fmt.Errorf("chunk id too long: %d bytes", len(s.id))
		}
		var meta [2]byte
		binary.LittleEndian.PutUint16(meta[:], uint16(len(s.id)))
		if _, err := bw.Write(meta[:]); err != nil {
			return err
		}
		if _, err := bw.WriteString(s.id); err != nil {
			return err
		}
		if err := bw.WriteByte(byte(s.state)); err != nil {
			return err
		}
		for i, f := range s.vec {
			binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
		}
		if _, err := bw.Write(buf); err != nil {
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	var sum [trailerSize]byte
	binary.LittleEndian.PutUint32(sum[:], crc.Sum32())
	_, err := w.Write(sum[:])
	return err
}

// Load replaces the index contents with the snapshot at path.
// A missing file returns an error wrapping os.ErrNotExist. A truncated or
// damaged file returns ErrCorruptSnapshot and leaves the index unchanged.
func (x *Index) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading vector snapshot: %w", err)
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	slots, live, dead, gen, err := x.decode(data)
	if err != nil {
		return err
	}

	x.mu.Lock()
	x.slots = slots
	x.live = live
	x.dead = dead
	x.generation = gen
	x.staged = make(map[string][]int)
	x.committed = make(map[string]commitRecord)
	x.mu.Unlock()
	return nil
}

func (x *Index) decode(data []byte) ([]*slot, map[string]int, int, uint64, error) {
	corrupt := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", domain.ErrCorruptSnapshot, fmt.Sprintf(format, args...))
	}

	if len(data) < headerSize+trailerSize {
		return nil, nil, 0, 0, corrupt("file too short (%d bytes)", len(data))
	}
	body := data[:len(data)-trailerSize]
	want := binary.LittleEndian.Uint32(data[len(data)-trailerSize:])
	if got := crc32.Checksum(body, castagnoli); got != want {
		return nil, nil, 0, 0, corrupt("checksum mismatch")
	}
	if string(body[0:4]) != snapshotMagic {
		return nil, nil, 0, 0, corrupt("bad magic %q", body[0:4])
	}
	if v := binary.LittleEndian.Uint16(body[4:6]); v != snapshotVersion {
		return nil, nil, 0, 0, corrupt("unsupported version %d", v)
	}
	metric, ok := metricFromCode(body[6])
	if !ok {
		return nil, nil, 0, 0, corrupt("unknown metric code %d", body[6])
	}
	if metric != x.metric {
		return nil, nil, 0, 0, fmt.Errorf("%w: snapshot uses %s, index configured for %s",
			domain.ErrMetricMismatch, metric, x.metric)
	}
	dim := int(binary.LittleEndian.Uint32(body[7:11]))
	if dim != x.dim {
		return nil, nil, 0, 0, fmt.Errorf("%w: snapshot has dimension %d, index configured for %d",
			domain.ErrDimensionMismatch, dim, x.dim)
	}
	gen := binary.LittleEndian.Uint64(body[11:19])
	count := int(binary.LittleEndian.Uint32(body[19:23]))

	r := bytes.NewReader(body[headerSize:])
	slots := make([]*slot, 0, count)
	live := make(map[string]int, count)
	dead := 0
	for n := 0; n < count; n++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, nil, 0, 0, corrupt("slot %d: %v", n, err)
		}
		id := make([]byte, idLen)
		if _, err := io.ReadFull(r, id); err != nil {
			return nil, nil, 0, 0, corrupt("slot %d id: %v", n, err)
		}
		state, err := r.ReadByte()
		if err != nil {
			return nil, nil, 0, 0, corrupt("slot %d state: %v", n, err)
		}
		raw := make([]byte, 4*dim)
		if _, err := io.ReadFull(r, raw); err != nil {
			return nil, nil, 0, 0, corrupt("slot %d vector: %v", n, err)
		}
		vec := make([]float32, dim)
		for i := range vec {
			vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}

		s := &slot{id: string(id), vec: vec, norm: norm(vec), state: slotState(state)}
		switch s.state {
		case stateLive:
			if _, dup := live[s.id]; dup {
				return nil, nil, 0, 0, corrupt("chunk %s live twice", s.id)
			}
			live[s.id] = len(slots)
		case stateDead:
			dead++
		default:
			return nil, nil, 0, 0, corrupt("slot %d has state %d", n, state)
		}
		slots = append(slots, s)
	}
	if r.Len() != 0 {
		return nil, nil, 0, 0, corrupt("%d trailing bytes", r.Len())
	}
	return slots, live, dead, gen, nil
}

// syncDir flushes a rename to stable storage where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
