package config

// ExecutionConfig configures how a single run talks to its kernel.
type ExecutionConfig struct {
	// Timeout bounds the wait for a terminal message on the channel
	Timeout string `yaml:"timeout" json:"timeout,omitempty"`

	// HandshakeTimeout bounds the WebSocket dial
	HandshakeTimeout string `yaml:"handshake_timeout" json:"handshake_timeout,omitempty"`

	// Concurrency caps parallel runs in batch mode
	Concurrency int `yaml:"concurrency" json:"concurrency,omitempty"`
}
