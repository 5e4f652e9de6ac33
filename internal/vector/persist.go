package vector

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"loki/internal/store"
)

// Persistence format: a dense little-endian float32 matrix (vectors.bin,
// row-major in id order) plus a JSON sidecar (vectors.json) holding the
// dimension, the id order, and per-id metadata.

const (
	matrixFile  = "vectors.bin"
	sidecarFile = "vectors.json"
)

type sidecar struct {
	Dimension int                          `json:"dimension"`
	IDs       []string                     `json:"ids"`
	Metadata  map[string]map[string]string `json:"metadata,omitempty"`
}

// Save writes the index to dir atomically (sidecar last, so a crash leaves
// either the old pair or the new pair observable).
func (ix *Index) Save(dir string) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create vectors dir: %w", err)
	}

	buf := make([]byte, 0, len(ix.ids)*ix.dimension*4)
	scratch := make([]byte, 4)
	for _, id := range ix.ids {
		for _, v := range ix.originals[id] {
			binary.LittleEndian.PutUint32(scratch, math.Float32bits(v))
			buf = append(buf, scratch...)
		}
	}
	if err := store.AtomicWriteFile(filepath.Join(dir, matrixFile), buf, 0644); err != nil {
		return fmt.Errorf("failed to write matrix: %w", err)
	}

	sc := sidecar{
		Dimension: ix.dimension,
		IDs:       ix.ids,
		Metadata:  ix.metadata,
	}
	if err := store.WriteJSON(filepath.Join(dir, sidecarFile), sc); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// Load reads an index from dir. The stored dimension must match the index's.
func Load(dir string) (*Index, error) {
	var sc sidecar
	if err := store.ReadJSON(filepath.Join(dir, sidecarFile), &sc); err != nil {
		return nil, fmt.Errorf("failed to read sidecar: %w", err)
	}

	ix, err := NewIndex(sc.Dimension)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(dir, matrixFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read matrix: %w", err)
	}
	want := len(sc.IDs) * sc.Dimension * 4
	if len(data) != want {
		return nil, fmt.Errorf("matrix size %d does not match sidecar (want %d)", len(data), want)
	}

	for i, id := range sc.IDs {
		vec := make([]float32, sc.Dimension)
		base := i * sc.Dimension * 4
		for j := 0; j < sc.Dimension; j++ {
			bits := binary.LittleEndian.Uint32(data[base+j*4 : base+j*4+4])
			vec[j] = math.Float32frombits(bits)
		}
		if err := ix.Add(id, vec, sc.Metadata[id]); err != nil {
			return nil, err
		}
	}
	return ix, nil
}
