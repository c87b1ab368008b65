package render

import "runlens/internal/transcript"

// Renderer emits transcript entries and phase changes to an output target.
type Renderer interface {
	Entry(transcript.Entry)
	Phase(runID, phase string)
	Close() error
}
