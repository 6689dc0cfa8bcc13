package call

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	ErrNotConnected     = errors.New("call: signaling channel not connected")
	ErrAlreadyInRoom    = errors.New("call: already in a room")
	ErrClosed           = errors.New("call: manager closed")
	ErrMediaUnavailable = errors.New("call: media unavailable")
	ErrEmptyMessage     = errors.New("call: empty message")
	ErrInvalidTicket    = errors.New("call: ticket id required")
)

// Signaler is the only surface the call package needs from the signaling
// channel. *signaling.Channel satisfies it; tests use an in-memory fake.
type Signaler interface {
	Connected() bool
	SocketID() string
	Status() (state, errMsg string)
	// Emit is best effort: dropped when not connected.
	Emit(event string, payload any)
	// On registers fn and returns a func that removes it.
	On(event string, fn func(payload json.RawMessage)) func()
}

// LocalTrack is an outgoing capture track. mediadevices tracks satisfy it.
type LocalTrack interface {
	webrtc.TrackLocal
	Close() error
	OnEnded(func(error))
}

// MediaSource acquires local capture tracks. Calls may block on device
// permission prompts or driver start-up.
type MediaSource interface {
	UserMedia(ctx context.Context) ([]LocalTrack, error)
	DisplayMedia(ctx context.Context) ([]LocalTrack, error)
}

type RoomState string

const (
	RoomIdle    RoomState = "idle"
	RoomJoining RoomState = "joining"
	RoomJoined  RoomState = "joined"
	RoomLeaving RoomState = "leaving"
)

type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UnmarshalJSON accepts numeric or string user ids.
func (u *User) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID   json.RawMessage `json:"id"`
		Name string          `json:"name"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	u.ID = rawString(raw.ID)
	u.Name = raw.Name
	return nil
}

type Participant struct {
	SocketID      string `json:"socketId"`
	User          User   `json:"user"`
	SharingScreen bool   `json:"sharingScreen"`
}

type MediaState struct {
	HasVideo        bool `json:"hasVideo"`
	HasAudio        bool `json:"hasAudio"`
	IsSharingScreen bool `json:"isSharingScreen"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type EventType string

const (
	EventInfo       EventType = "info"
	EventSuccess    EventType = "success"
	EventError      EventType = "error"
	EventWarning    EventType = "warning"
	EventConnection EventType = "connection"
)

type EventLogEntry struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type TrackStats struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	Packets      uint64 `json:"packets"`
	Bytes        uint64 `json:"bytes"`
	LastSequence uint16 `json:"lastSequence"`
}

type PeerStatus struct {
	SocketID        string       `json:"socketId"`
	UserName        string       `json:"userName"`
	Initiator       bool         `json:"initiator"`
	ConnectionState string       `json:"connectionState"`
	SignalingState  string       `json:"signalingState"`
	StreamID        string       `json:"streamId,omitempty"`
	RemoteTracks    []TrackStats `json:"remoteTracks"`
	PLIReceived     uint64       `json:"pliReceived"`
	NACKReceived    uint64       `json:"nackReceived"`
}

// State is the read-only snapshot handed to the UI.
type State struct {
	ConnectionState string          `json:"connectionState"`
	ConnectionError string          `json:"connectionError,omitempty"`
	SocketID        string          `json:"socketId,omitempty"`
	RoomState       RoomState       `json:"roomState"`
	TicketID        string          `json:"ticketId,omitempty"`
	Media           MediaState      `json:"media"`
	Participants    []Participant   `json:"participants"`
	Peers           []PeerStatus    `json:"peers"`
	Chat            []ChatMessage   `json:"chat"`
	EventLog        []EventLogEntry `json:"eventLog"`
	Error           string          `json:"error,omitempty"`
}
