package room

import "encoding/json"

// The in-memory document: an ordered log of opaque sync updates. Late
// joiners replay the log to catch up; the snapshot is the log encoded
// as a single JSON object. Access is serialized by the owning Room.
type document struct {
	updates [][]byte
}

type snapshotPayload struct {
	Updates [][]byte `json:"updates"`
}

func newDocument(snapshot []byte) (*document, error) {
	if len(snapshot) == 0 {
		return &document{}, nil
	}
	var payload snapshotPayload
	if err := json.Unmarshal(snapshot, &payload); err != nil {
		return nil, err
	}
	return &document{updates: payload.Updates}, nil
}

func (d *document) addUpdate(update []byte) {
	buf := make([]byte, len(update))
	copy(buf, update)
	d.updates = append(d.updates, buf)
}

// Returns all stored updates for catch-up
func (d *document) allUpdates() [][]byte {
	updates := make([][]byte, len(d.updates))
	copy(updates, d.updates)
	return updates
}

func (d *document) snapshot() ([]byte, error) {
	payload := snapshotPayload{Updates: d.updates}
	if payload.Updates == nil {
		payload.Updates = [][]byte{}
	}
	return json.Marshal(payload)
}

func (d *document) updateCount() int {
	return len(d.updates)
}
