package stream

import (
	"encoding/json"
	"fmt"

	"github.com/novelytical/realtime/types"
)

// decodeRecords decodes a message payload into change records.
//
// Accepts either a JSON array of records or a single record object, so
// publishers can batch or not as they see fit.
func decodeRecords(data []byte) ([]types.ChangeRecord, error) {
	var records []types.ChangeRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var single types.ChangeRecord
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("payload is neither a change record nor an array of them: %w", err)
	}

	return []types.ChangeRecord{single}, nil
}

// EncodeRecords encodes change records for publishing to a change subject.
// Provided for publishers; the adapters only decode.
func EncodeRecords(records []types.ChangeRecord) ([]byte, error) {
	return json.Marshal(records)
}
