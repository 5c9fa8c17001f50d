package rpctypes

import "encoding/json"

// Envelope wraps an Update with the "kind" discriminator a client uses
// to decode the Payload into the right concrete type.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Wrap marshals u into an Envelope tagged with its Kind.
func Wrap(u Update) (*Envelope, error) {
	payload, err := json.Marshal(u)
	if err != nil {
		return nil, err
	}
	return &Envelope{Kind: u.Kind(), Payload: payload}, nil
}
