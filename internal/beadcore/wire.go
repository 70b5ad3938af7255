package beadcore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// EventKind discriminates the BeadEvent tagged union (spec.md §3, §6).
// Go has no sum types; per the Design Notes (spec.md §9) we reproduce the
// tagged union as a single struct with a kind discriminator and demand an
// exhaustive switch at every encode/decode site rather than scattering
// isinstance-style checks through the codebase.
type EventKind uint8

const (
	EventCreated EventKind = iota
	EventStateChanged
	EventPhaseCompleted
	EventDependencyResolved
	EventClaimed
	EventUnclaimed
	EventPriorityChanged
	EventMetadataUpdated
	EventFailed
	EventCompleted
	EventWorkerUnhealthy
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventStateChanged:
		return "state_changed"
	case EventPhaseCompleted:
		return "phase_completed"
	case EventDependencyResolved:
		return "dependency_resolved"
	case EventClaimed:
		return "claimed"
	case EventUnclaimed:
		return "unclaimed"
	case EventPriorityChanged:
		return "priority_changed"
	case EventMetadataUpdated:
		return "metadata_updated"
	case EventFailed:
		return "failed"
	case EventCompleted:
		return "completed"
	case EventWorkerUnhealthy:
		return "worker_unhealthy"
	default:
		return "unknown"
	}
}

// Event is a single persisted, immutable entry in the event store.
// Only the fields relevant to Kind are populated; see the per-variant
// constructors below.
type Event struct {
	EventID   EventID
	BeadID    BeadID // zero value for WorkerUnhealthy, which carries WorkerID instead
	Kind      EventKind
	Timestamp time.Time

	StateFrom    BeadState
	StateTo      BeadState
	Reason       string
	PhaseID      Phase
	PhaseName    string
	Output       PhaseOutput
	DependencyID BeadID
	AgentID      AgentID
	OldPriority  int
	NewPriority  int
	Metadata     []byte
	Error        string
	Result       BeadResult
	WorkerID     string
	Spec         BeadSpec
}

// MaxEventSize is the hard cap on an encoded event's size (spec.md §3, §6).
const MaxEventSize = 1024

func newEvent(beadID BeadID, kind EventKind) Event {
	return Event{EventID: NewID(), BeadID: beadID, Kind: kind, Timestamp: time.Now().UTC()}
}

// NewCreatedEvent builds a Created event.
func NewCreatedEvent(beadID BeadID, spec BeadSpec) Event {
	e := newEvent(beadID, EventCreated)
	e.Spec = spec
	return e
}

// NewStateChangedEvent builds a StateChanged event.
func NewStateChangedEvent(beadID BeadID, from, to BeadState, reason string) Event {
	e := newEvent(beadID, EventStateChanged)
	e.StateFrom = from
	e.StateTo = to
	e.Reason = reason
	return e
}

// NewPhaseCompletedEvent builds a PhaseCompleted event.
func NewPhaseCompletedEvent(beadID BeadID, phase Phase, output PhaseOutput) Event {
	e := newEvent(beadID, EventPhaseCompleted)
	e.PhaseID = phase
	e.PhaseName = phase.String()
	e.Output = output
	return e
}

// NewDependencyResolvedEvent builds a DependencyResolved event.
func NewDependencyResolvedEvent(beadID, dependencyID BeadID) Event {
	e := newEvent(beadID, EventDependencyResolved)
	e.DependencyID = dependencyID
	return e
}

// NewClaimedEvent builds a Claimed event.
func NewClaimedEvent(beadID BeadID, agentID AgentID) Event {
	e := newEvent(beadID, EventClaimed)
	e.AgentID = agentID
	return e
}

// NewUnclaimedEvent builds an Unclaimed event.
func NewUnclaimedEvent(beadID BeadID, reason string) Event {
	e := newEvent(beadID, EventUnclaimed)
	e.Reason = reason
	return e
}

// NewPriorityChangedEvent builds a PriorityChanged event.
func NewPriorityChangedEvent(beadID BeadID, oldPriority, newPriority int) Event {
	e := newEvent(beadID, EventPriorityChanged)
	e.OldPriority = oldPriority
	e.NewPriority = newPriority
	return e
}

// NewMetadataUpdatedEvent builds a MetadataUpdated event.
func NewMetadataUpdatedEvent(beadID BeadID, metadata []byte) Event {
	e := newEvent(beadID, EventMetadataUpdated)
	e.Metadata = metadata
	return e
}

// NewFailedEvent builds a Failed event.
func NewFailedEvent(beadID BeadID, errMsg string) Event {
	e := newEvent(beadID, EventFailed)
	e.Error = errMsg
	return e
}

// NewCompletedEvent builds a Completed event.
func NewCompletedEvent(beadID BeadID, result BeadResult) Event {
	e := newEvent(beadID, EventCompleted)
	e.Result = result
	return e
}

// NewWorkerUnhealthyEvent builds a WorkerUnhealthy event. Per spec.md §3 this
// variant carries worker_id instead of bead_id.
func NewWorkerUnhealthyEvent(workerID AgentID, reason string) Event {
	e := newEvent(Zero, EventWorkerUnhealthy)
	e.WorkerID = string(workerID)
	e.Reason = reason
	return e
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", fmt.Errorf("reading string length: %w", err)
	}
	n := binary.LittleEndian.Uint16(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("reading string body: %w", err)
		}
	}
	return string(b), nil
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading bytes length: %w", err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, fmt.Errorf("reading bytes body: %w", err)
		}
	}
	return b, nil
}

// Encode serializes the event to the compact binary wire format described in
// spec.md §6: event_id(16B) | tag(1B) | bead_id(16B) | payload | timestamp(8B).
// The result is guaranteed strictly smaller than MaxEventSize bytes, or an
// error is returned.
func (e Event) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(e.EventID[:])
	buf.WriteByte(byte(e.Kind))
	buf.Write(e.BeadID[:])

	switch e.Kind {
	case EventCreated:
		writeString(&buf, e.Spec.Title)
		writeString(&buf, e.Spec.Description)
		var iBuf [4]byte
		binary.LittleEndian.PutUint32(iBuf[:], uint32(int32(e.Spec.Priority)))
		buf.Write(iBuf[:])
		buf.WriteByte(byte(e.Spec.Complexity))
		var depCount [2]byte
		binary.LittleEndian.PutUint16(depCount[:], uint16(len(e.Spec.Dependencies)))
		buf.Write(depCount[:])
		for _, d := range e.Spec.Dependencies {
			buf.Write(d[:])
		}
	case EventStateChanged:
		buf.WriteByte(byte(e.StateFrom))
		buf.WriteByte(byte(e.StateTo))
		writeString(&buf, e.Reason)
	case EventPhaseCompleted:
		buf.WriteByte(byte(e.PhaseID))
		writeString(&buf, e.PhaseName)
		writeString(&buf, e.Output.Summary)
		writeBytes(&buf, e.Output.Data)
	case EventDependencyResolved:
		buf.Write(e.DependencyID[:])
	case EventClaimed:
		writeString(&buf, string(e.AgentID))
	case EventUnclaimed:
		writeString(&buf, e.Reason)
	case EventPriorityChanged:
		var pBuf [8]byte
		binary.LittleEndian.PutUint32(pBuf[0:4], uint32(int32(e.OldPriority)))
		binary.LittleEndian.PutUint32(pBuf[4:8], uint32(int32(e.NewPriority)))
		buf.Write(pBuf[:])
	case EventMetadataUpdated:
		writeBytes(&buf, e.Metadata)
	case EventFailed:
		writeString(&buf, e.Error)
	case EventCompleted:
		writeString(&buf, e.Result.CommitHash)
		writeBytes(&buf, e.Result.Output)
		var dBuf [8]byte
		binary.LittleEndian.PutUint64(dBuf[:], uint64(e.Result.DurationMS))
		buf.Write(dBuf[:])
	case EventWorkerUnhealthy:
		writeString(&buf, e.WorkerID)
		writeString(&buf, e.Reason)
	default:
		return nil, &SerializationError{Op: "encode", Reason: fmt.Sprintf("unknown event kind %d", e.Kind)}
	}

	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(e.Timestamp.UTC().UnixNano()))
	buf.Write(tsBuf[:])

	out := buf.Bytes()
	if len(out) >= MaxEventSize {
		return nil, &SizeExceededError{Size: len(out), MaxSize: MaxEventSize}
	}
	return out, nil
}

// DecodeEvent deserializes bytes produced by Encode. It rejects any input
// it cannot fully consume, as required by spec.md §6.
func DecodeEvent(data []byte) (Event, error) {
	if len(data) < 16+1+16+8 {
		return Event{}, &SerializationError{Op: "decode", Reason: "truncated header"}
	}

	r := bytes.NewReader(data)
	var e Event

	if _, err := io.ReadFull(r, e.EventID[:]); err != nil {
		return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
	}
	tagByte, err := r.ReadByte()
	if err != nil {
		return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
	}
	e.Kind = EventKind(tagByte)
	if _, err := io.ReadFull(r, e.BeadID[:]); err != nil {
		return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
	}

	switch e.Kind {
	case EventCreated:
		title, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		desc, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		var iBuf [4]byte
		if _, err := io.ReadFull(r, iBuf[:]); err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		priority := int(int32(binary.LittleEndian.Uint32(iBuf[:])))
		complexityByte, err := r.ReadByte()
		if err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		var depCountBuf [2]byte
		if _, err := io.ReadFull(r, depCountBuf[:]); err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		depCount := binary.LittleEndian.Uint16(depCountBuf[:])
		deps := make([]BeadID, depCount)
		for i := range deps {
			if _, err := io.ReadFull(r, deps[i][:]); err != nil {
				return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
			}
		}
		e.Spec = BeadSpec{Title: title, Description: desc, Priority: priority, Complexity: Complexity(complexityByte), Dependencies: deps}
	case EventStateChanged:
		from, err := r.ReadByte()
		if err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		to, err := r.ReadByte()
		if err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		reason, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		e.StateFrom, e.StateTo, e.Reason = BeadState(from), BeadState(to), reason
	case EventPhaseCompleted:
		phaseByte, err := r.ReadByte()
		if err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		name, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		summary, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		data, err := readBytes(r)
		if err != nil {
			return Event{}, err
		}
		e.PhaseID = Phase(phaseByte)
		e.PhaseName = name
		e.Output = PhaseOutput{Summary: summary, Data: data}
	case EventDependencyResolved:
		if _, err := io.ReadFull(r, e.DependencyID[:]); err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
	case EventClaimed:
		agentID, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		e.AgentID = AgentID(agentID)
	case EventUnclaimed:
		reason, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		e.Reason = reason
	case EventPriorityChanged:
		var pBuf [8]byte
		if _, err := io.ReadFull(r, pBuf[:]); err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		e.OldPriority = int(int32(binary.LittleEndian.Uint32(pBuf[0:4])))
		e.NewPriority = int(int32(binary.LittleEndian.Uint32(pBuf[4:8])))
	case EventMetadataUpdated:
		data, err := readBytes(r)
		if err != nil {
			return Event{}, err
		}
		e.Metadata = data
	case EventFailed:
		errMsg, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		e.Error = errMsg
	case EventCompleted:
		commitHash, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		output, err := readBytes(r)
		if err != nil {
			return Event{}, err
		}
		var dBuf [8]byte
		if _, err := io.ReadFull(r, dBuf[:]); err != nil {
			return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
		}
		e.Result = BeadResult{CommitHash: commitHash, Output: output, DurationMS: int64(binary.LittleEndian.Uint64(dBuf[:]))}
	case EventWorkerUnhealthy:
		workerID, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		reason, err := readString(r)
		if err != nil {
			return Event{}, err
		}
		e.WorkerID = workerID
		e.Reason = reason
	default:
		return Event{}, &SerializationError{Op: "decode", Reason: fmt.Sprintf("unknown event kind %d", e.Kind)}
	}

	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return Event{}, &SerializationError{Op: "decode", Reason: err.Error()}
	}
	e.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(tsBuf[:]))).UTC()

	if r.Len() != 0 {
		return Event{}, &SerializationError{Op: "decode", Reason: fmt.Sprintf("%d trailing bytes not consumed", r.Len())}
	}

	return e, nil
}
