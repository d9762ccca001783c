package lifecycle

import "fmt"

// LoadError means the producer artifact was missing, malformed or rejected
// by the verifier.
type LoadError struct {
	Artifact string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Artifact, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// AttachError means the hook point could not be resolved or does not match
// the program type.
type AttachError struct {
	Hook string
	Err  error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attaching to %s: %v", e.Hook, e.Err)
}

func (e *AttachError) Unwrap() error { return e.Err }

// ChannelError means the program's channel object could not be opened.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("opening channel %s: %v", e.Channel, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
