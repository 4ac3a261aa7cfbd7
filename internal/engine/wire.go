package engine

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/clipsync/internal/clip"
)

// Envelope message types.
const (
	msgChange = "change"
	msgAck    = "ack"
)

// envelope is the wire message exchanged over an authenticated channel.
// Payload is base64 on the wire (encoding/json's []byte default) and is
// omitted on acks. The content hash is always present so the receiver
// can verify the payload independently of the sender.
type envelope struct {
	Type        string `json:"type"`
	Hash        string `json:"hash"`
	Peer        string `json:"peer"`
	Counter     uint64 `json:"counter"`
	ContentType string `json:"content_type,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
}

func changeEnvelope(item clip.Item) envelope {
	return envelope{
		Type:        msgChange,
		Hash:        item.Hash,
		Peer:        item.Stamp.Peer,
		Counter:     item.Stamp.Counter,
		ContentType: item.Type,
		Payload:     item.Content,
	}
}

func ackEnvelope(localID, hash string) envelope {
	return envelope{Type: msgAck, Hash: hash, Peer: localID}
}

func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshalling envelope: %w", err)
	}

	return data, nil
}

// sniffType peeks at the envelope type without a full decode, so
// unknown or malformed messages are classified cheaply.
func sniffType(data []byte) string {
	return gjson.GetBytes(data, "type").Str
}

func decodeEnvelope(data []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return envelope{}, fmt.Errorf("decoding envelope: %w", err)
	}

	if env.Peer == "" || env.Hash == "" {
		return envelope{}, fmt.Errorf("envelope missing peer or hash")
	}

	return env, nil
}

// item reconstructs the clipboard item a change envelope describes. The
// hash is recomputed from the payload, not trusted from the wire; the
// caller compares it against env.Hash.
func (env envelope) item() clip.Item {
	return clip.NewItem(env.Payload, env.ContentType, env.Peer, clip.Stamp{
		Peer:    env.Peer,
		Counter: env.Counter,
	})
}
