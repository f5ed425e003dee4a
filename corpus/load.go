package corpus

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"nutrimind"
	"nutrimind/corpus/storage"
)

// The embeddings container is a little-endian binary artifact:
//
//	magic "NMVS" | uint16 version | uint32 dim | uint32 count
//	then per entry: uint16 id length | id bytes | dim float32s
//
// The parallel metadata artifact is a JSON array of ReferenceFood in the
// same order. The two are built together by cmd/corpusbuild and must be
// loaded as an atomic pair; any count, order, or dimension mismatch
// rejects the load.

const (
	embeddingsMagic   = "NMVS"
	embeddingsVersion = uint16(1)
)

// Load reads the artifact pair from the given sources and builds a Store.
// A missing or mismatched pair returns an error wrapping
// nutrimind.ErrCorpusUnavailable so callers can switch to degraded mode.
func Load(ctx context.Context, vs storage.VectorState, ms storage.MetadataState) (*Store, error) {
	embRaw, err := vs.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read embeddings: %v", nutrimind.ErrCorpusUnavailable, err)
	}
	metaRaw, err := ms.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read metadata: %v", nutrimind.ErrCorpusUnavailable, err)
	}

	ids, vectors, err := DecodeEmbeddings(embRaw)
	if err != nil {
		return nil, fmt.Errorf("%w: decode embeddings: %v", nutrimind.ErrCorpusUnavailable, err)
	}

	var foods []ReferenceFood
	if err := json.Unmarshal(metaRaw, &foods); err != nil {
		return nil, fmt.Errorf("%w: decode metadata: %v", nutrimind.ErrCorpusUnavailable, err)
	}

	if len(foods) != len(ids) {
		return nil, fmt.Errorf("%w: artifact pair mismatch: %d embeddings vs %d metadata entries",
			nutrimind.ErrCorpusUnavailable, len(ids), len(foods))
	}
	for i, f := range foods {
		if f.ID != ids[i] {
			return nil, fmt.Errorf("%w: artifact pair mismatch at index %d: embedding id %q vs metadata id %q",
				nutrimind.ErrCorpusUnavailable, i, ids[i], f.ID)
		}
		if !f.Per100g.IsValid() {
			return nil, fmt.Errorf("%w: invalid nutrition facts for %q", nutrimind.ErrCorpusUnavailable, f.ID)
		}
	}

	store, err := NewStore(foods, vectors)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", nutrimind.ErrCorpusUnavailable, err)
	}
	return store, nil
}

// EncodeEmbeddings serializes ids and vectors into the embeddings
// container format. Deterministic: identical inputs produce identical
// bytes, which keeps offline corpus builds idempotent.
func EncodeEmbeddings(ids []string, vectors [][]float32) ([]byte, error) {
	if len(ids) != len(vectors) {
		return nil, fmt.Errorf("ids/vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("nothing to encode")
	}
	dim := len(vectors[0])

	var buf bytes.Buffer
	buf.WriteString(embeddingsMagic)
	binary.Write(&buf, binary.LittleEndian, embeddingsVersion) // nolint: errcheck
	binary.Write(&buf, binary.LittleEndian, uint32(dim))       // nolint: errcheck
	binary.Write(&buf, binary.LittleEndian, uint32(len(ids)))  // nolint: errcheck

	for i, id := range ids {
		if len(vectors[i]) != dim {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(vectors[i]), dim)
		}
		if len(id) > math.MaxUint16 {
			return nil, fmt.Errorf("id %d too long", i)
		}
		binary.Write(&buf, binary.LittleEndian, uint16(len(id))) // nolint: errcheck
		buf.WriteString(id)
		for _, v := range vectors[i] {
			binary.Write(&buf, binary.LittleEndian, math.Float32bits(v)) // nolint: errcheck
		}
	}

	return buf.Bytes(), nil
}

// DecodeEmbeddings parses the embeddings container format.
func DecodeEmbeddings(raw []byte) ([]string, [][]float32, error) {
	r := bytes.NewReader(raw)

	magic := make([]byte, 4)
	if _, err := r.Read(magic); err != nil || string(magic) != embeddingsMagic {
		return nil, nil, fmt.Errorf("bad magic: not an embeddings container")
	}

	var version uint16
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, nil, fmt.Errorf("read version: %w", err)
	}
	if version != embeddingsVersion {
		return nil, nil, fmt.Errorf("unsupported embeddings container version %d", version)
	}

	var dim, count uint32
	if err := binary.Read(r, binary.LittleEndian, &dim); err != nil {
		return nil, nil, fmt.Errorf("read dim: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, nil, fmt.Errorf("read count: %w", err)
	}
	if dim == 0 || count == 0 {
		return nil, nil, fmt.Errorf("empty container (dim=%d count=%d)", dim, count)
	}

	ids := make([]string, 0, count)
	vectors := make([][]float32, 0, count)
	for i := uint32(0); i < count; i++ {
		var idLen uint16
		if err := binary.Read(r, binary.LittleEndian, &idLen); err != nil {
			return nil, nil, fmt.Errorf("entry %d: read id length: %w", i, err)
		}
		idBytes := make([]byte, idLen)
		if _, err := r.Read(idBytes); err != nil {
			return nil, nil, fmt.Errorf("entry %d: read id: %w", i, err)
		}

		vec := make([]float32, dim)
		for j := range vec {
			var bits uint32
			if err := binary.Read(r, binary.LittleEndian, &bits); err != nil {
				return nil, nil, fmt.Errorf("entry %d: read vector: %w", i, err)
			}
			vec[j] = math.Float32frombits(bits)
		}

		ids = append(ids, string(idBytes))
		vectors = append(vectors, vec)
	}

	if r.Len() != 0 {
		return nil, nil, fmt.Errorf("%d trailing bytes after %d entries", r.Len(), count)
	}

	return ids, vectors, nil
}
