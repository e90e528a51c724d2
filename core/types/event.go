package types

// Event represents a typed event emitted during marketplace state changes.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
