package channel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/slurmlink/slurmlink/internal/types"
)

// encMode encodes envelopes with Core Deterministic Encoding (RFC
// 8949 §4.2): sorted map keys, smallest integer encoding. The same
// logical message always produces identical bytes, which keeps store
// objects stable across re-sends.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields, so an
// older party can read envelopes from a newer one.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("channel: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("channel: CBOR decoder initialization failed: " + err.Error())
	}
}

// encodeMessage serializes an envelope for the store.
func encodeMessage(msg *types.ControlMessage) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message %s: %w", msg.MessageID, err)
	}
	return data, nil
}

// decodeMessage deserializes an envelope read from the store.
func decodeMessage(data []byte) (*types.ControlMessage, error) {
	var msg types.ControlMessage
	if err := decMode.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	return &msg, nil
}
