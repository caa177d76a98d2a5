package worker

import (
	"time"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/encode"
	"github.com/jmylchreest/hlsforge/internal/ladder"
)

// Request is a message from the caller to a worker. The set is closed.
type Request interface {
	isRequest()
}

// Initialize asks the worker to load its engine.
type Initialize struct{}

// TranscodeResolution asks the worker to encode one resolution. InputBytes is
// owned by the worker once sent.
type TranscodeResolution struct {
	InputBytes  []byte
	InputName   string
	Resolution  ladder.Resolution
	SessionID   string
	Options     encode.Options
	OperationID string
}

// Terminate stops the worker.
type Terminate struct{}

func (Initialize) isRequest()          {}
func (TranscodeResolution) isRequest() {}
func (Terminate) isRequest()           {}

// Event is a message from a worker to the caller. The set is closed.
type Event interface {
	isEvent()
}

// Initialized reports a loaded engine and the host's capacity.
type Initialized struct {
	Threads       int
	MultiThreaded bool
	Version       string
}

// Progress reports encode position for an operation.
type Progress struct {
	OperationID string
	Resolution  ladder.Resolution
	Percent     float64 // 0..100
	Time        time.Duration
}

// ResolutionComplete carries the files of a finished operation.
type ResolutionComplete struct {
	OperationID string
	Files       []artifact.File
}

// Error reports a failed request. OperationID is empty for Initialize.
type Error struct {
	OperationID string
	Message     string
}

func (Initialized) isEvent()        {}
func (Progress) isEvent()           {}
func (ResolutionComplete) isEvent() {}
func (Error) isEvent()              {}
