package transport

import (
	"encoding/json"
	"errors"

	"lessonsync/pkg/protocol"
)

var errMissingType = errors.New("frame has no type")

func decodeFrame(data []byte, frame *protocol.Frame) error {
	if len(data) > protocol.MaxPayloadBytes {
		return protocol.ErrPayloadTooLarge
	}
	if err := json.Unmarshal(data, frame); err != nil {
		return err
	}
	if frame.Type == "" {
		return errMissingType
	}
	return nil
}
