package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"jobledger/integrations/archive"
)

// EventsJSONL builds a JSON Lines export for the supplied archived events and
// returns the serialised payload alongside a checksum. One line per event,
// insertion order preserved.
func EventsJSONL(records []archive.Record) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		payload := map[string]interface{}{
			"id":          record.ID,
			"type":        record.Type,
			"received_at": record.ReceivedAt.UTC().Format(time.RFC3339Nano),
		}
		if len(record.Attributes) > 0 {
			payload["attributes"] = record.Attributes
		}
		if err := encoder.Encode(payload); err != nil {
			return nil, "", err
		}
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}
