package broker

import "github.com/google/uuid"

// TaskID, SubtaskID and AlgorithmID are all 16-byte identifiers;
// google/uuid's binary representation is the exact wire format
// exchanged as DATA payloads.
type TaskID = uuid.UUID
type SubtaskID = uuid.UUID
type AlgorithmID = uuid.UUID

func newID() uuid.UUID {
	return uuid.New()
}

func idFromBytes(b []byte) (uuid.UUID, error) {
	return uuid.FromBytes(b)
}
