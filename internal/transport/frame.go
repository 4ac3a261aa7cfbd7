package transport

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/clipsync/internal/clip"
	clierrors "github.com/alexjbarnes/clipsync/internal/errors"
)

// chunkHeader announces one chunk of a payload. It travels as a text
// frame immediately before the binary frame carrying the chunk bytes,
// the same header-then-binary layout the underlying websocket library
// encourages for mixed control/data streams.
type chunkHeader struct {
	Seq       uint64 `json:"seq"`
	Index     int    `json:"idx"`
	Total     int    `json:"total"`
	WholeHash string `json:"hash"`
	Size      int    `json:"size"`
}

func (h chunkHeader) validate() error {
	if h.Total < 1 || h.Index < 0 || h.Index >= h.Total || h.Size < 0 {
		return fmt.Errorf("invalid chunk header seq=%d idx=%d total=%d", h.Seq, h.Index, h.Total)
	}

	return nil
}

func encodeHeader(h chunkHeader) ([]byte, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshalling chunk header: %w", err)
	}

	return data, nil
}

func decodeHeader(data []byte) (chunkHeader, error) {
	var h chunkHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return chunkHeader{}, fmt.Errorf("decoding chunk header: %w", err)
	}

	return h, h.validate()
}

// splitChunks slices a payload into at most chunkSize pieces. The
// returned headers all carry the whole-payload hash so the receiver can
// verify reassembly independently of any single chunk.
func splitChunks(seq uint64, payload []byte) ([]chunkHeader, [][]byte) {
	total := (len(payload) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}

	hash := clip.ContentHash(payload)

	headers := make([]chunkHeader, 0, total)
	chunks := make([][]byte, 0, total)

	for i := range total {
		start := i * chunkSize

		end := min(start+chunkSize, len(payload))

		headers = append(headers, chunkHeader{
			Seq:       seq,
			Index:     i,
			Total:     total,
			WholeHash: hash,
			Size:      end - start,
		})
		chunks = append(chunks, payload[start:end])
	}

	return headers, chunks
}

// reassembler rebuilds payloads from chunk sequences for a single peer.
// At most one sequence is in flight: a chunk from a newer sequence
// discards any partial state, so a peer cannot pin unbounded memory with
// abandoned transfers.
type reassembler struct {
	seq     uint64
	total   int
	hash    string
	next    int
	pending []byte
	active  bool
}

// add consumes one chunk. Returns the completed payload when the final
// chunk arrives, or nil while the sequence is still partial. The error
// reports an abandoned partial sequence or a hash mismatch; in both
// cases the payload is dropped, never partially delivered.
func (r *reassembler) add(h chunkHeader, data []byte) ([]byte, error) {
	if len(data) != h.Size {
		r.reset()
		return nil, fmt.Errorf("%w: chunk size %d does not match header %d", clierrors.ErrHashMismatch, len(data), h.Size)
	}

	var abandoned error

	if r.active && h.Seq != r.seq {
		abandoned = fmt.Errorf("%w: sequence %d superseded by %d", clierrors.ErrReassemblyAbandoned, r.seq, h.Seq)
		r.reset()
	}

	if !r.active {
		if h.Index != 0 {
			// Mid-sequence chunk with no preceding state: a remnant of a
			// connection cut mid-transfer. Ignore until the next
			// sequence starts cleanly.
			return nil, abandoned
		}

		r.seq = h.Seq
		r.total = h.Total
		r.hash = h.WholeHash
		r.next = 0
		r.pending = r.pending[:0]
		r.active = true
	}

	if h.Index != r.next || h.Total != r.total {
		err := fmt.Errorf("%w: chunk %d/%d out of order (expected %d)", clierrors.ErrReassemblyAbandoned, h.Index, h.Total, r.next)
		r.reset()

		return nil, err
	}

	r.pending = append(r.pending, data...)
	r.next++

	if r.next < r.total {
		return nil, abandoned
	}

	payload := make([]byte, len(r.pending))
	copy(payload, r.pending)
	r.reset()

	if clip.ContentHash(payload) != h.WholeHash {
		return nil, clierrors.ErrHashMismatch
	}

	return payload, abandoned
}

func (r *reassembler) reset() {
	r.active = false
	r.pending = r.pending[:0]
	r.next = 0
	r.total = 0
}
