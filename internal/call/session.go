package call

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/petervdpas/ticketcall/internal/signaling"
)

// Server error codes that revoke room access.
const (
	codeUnauthorized = "UNAUTHORIZED"
	codeForbidden    = "FORBIDDEN"
)

// JoinRoom asks the server to join the call room of ticketID. It fails fast,
// without queuing, when the channel is down.
func (m *Manager) JoinRoom(ticketID string) error {
	ticketID = strings.TrimSpace(ticketID)
	if ticketID == "" {
		return ErrInvalidTicket
	}
	var err error
	doErr := m.do(func() {
		if !m.sig.Connected() {
			m.setError("Not connected to the signaling server")
			m.logEvent(EventError, "Cannot join room: signaling disconnected")
			err = ErrNotConnected
			return
		}
		if m.room != RoomIdle {
			err = ErrAlreadyInRoom
			return
		}
		m.room = RoomJoining
		m.ticketID = ticketID
		m.err = ""
		m.sig.Emit("join-room", map[string]string{"ticketId": ticketID})
		m.logEvent(EventInfo, "Joining room for ticket "+ticketID)
	})
	if doErr != nil {
		return doErr
	}
	return err
}

// LeaveRoom notifies the server, closes every peer, releases local media and
// resets the roster and chat. No-op when idle.
func (m *Manager) LeaveRoom() error {
	return m.do(func() {
		if m.room == RoomIdle {
			return
		}
		m.room = RoomLeaving
		if m.sig.Connected() {
			m.sig.Emit("leave-room", nil)
		}
		m.teardown()
		m.logEvent(EventInfo, "Left the room")
	})
}

// teardown returns to idle from any room state.
func (m *Manager) teardown() {
	m.closeAllPeers()
	m.releaseMedia()
	m.participants = nil
	m.chat = nil
	m.ticketID = ""
	m.room = RoomIdle
}

type roomJoinedPayload struct {
	TicketID     json.RawMessage   `json:"ticketId"`
	Participants []Participant     `json:"participants"`
	ChatHistory  []json.RawMessage `json:"chatHistory"`
}

func (m *Manager) handleRoomJoined(raw json.RawMessage) {
	if m.room != RoomJoining && m.room != RoomJoined {
		m.log.Debug().Str("room_state", string(m.room)).Msg("ignoring room-joined")
		return
	}
	var in roomJoinedPayload
	if err := json.Unmarshal(raw, &in); err != nil {
		m.logEvent(EventError, "Malformed room-joined payload")
		return
	}

	m.room = RoomJoined
	if id := rawString(in.TicketID); id != "" {
		m.ticketID = id
	}
	m.participants = append([]Participant{}, in.Participants...)
	m.chat = normalizeHistory(in.ChatHistory, m.now())
	m.logEvent(EventSuccess, fmt.Sprintf("Joined room for ticket %s (%d participants)", m.ticketID, len(m.participants)))
}

type userPayload struct {
	SocketID string `json:"socketId"`
	User     *User  `json:"user"`
}

// handleUserJoined adds the newcomer and, as an existing member, initiates
// the peer connection toward it. The newcomer waits for our offer.
func (m *Manager) handleUserJoined(raw json.RawMessage) {
	if m.room != RoomJoined {
		return
	}
	var in userPayload
	if err := json.Unmarshal(raw, &in); err != nil || in.SocketID == "" {
		m.log.Warn().Msg("dropping malformed user-joined")
		return
	}
	if in.SocketID == m.sig.SocketID() {
		return
	}

	pt := Participant{SocketID: in.SocketID}
	if in.User != nil {
		pt.User = *in.User
	}
	m.upsertParticipant(pt)
	m.logEvent(EventInfo, fmt.Sprintf("%s joined the call", displayName(pt)))

	m.createPeer(in.SocketID, true, pt.User.Name)
}

func (m *Manager) handleUserLeft(raw json.RawMessage) {
	var in userPayload
	if err := json.Unmarshal(raw, &in); err != nil || in.SocketID == "" {
		m.log.Warn().Msg("dropping malformed user-left")
		return
	}
	name := in.SocketID
	for i, pt := range m.participants {
		if pt.SocketID == in.SocketID {
			name = displayName(pt)
			m.participants = append(m.participants[:i:i], m.participants[i+1:]...)
			break
		}
	}
	m.closePeer(in.SocketID)
	if m.room != RoomIdle {
		m.logEvent(EventInfo, name+" left the call")
	}
}

func (m *Manager) handleRoomLeft(json.RawMessage) {
	if m.room == RoomIdle {
		return
	}
	m.teardown()
	m.logEvent(EventInfo, "Left the room")
}

func (m *Manager) handleRoomClosed(raw json.RawMessage) {
	var in struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &in)
	msg := firstNonEmpty(in.Message, in.Reason, "The call room was closed")
	m.setError(msg)
	if m.room == RoomIdle {
		return
	}
	m.logEvent(EventWarning, "Room closed: "+msg)
	m.teardown()
}

func (m *Manager) handleServerError(raw json.RawMessage) {
	var in struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &in)
	msg := firstNonEmpty(in.Message, in.Code, "Unknown server error")
	m.setError(msg)
	m.logEvent(EventError, fmt.Sprintf("Server error %s: %s", in.Code, msg))

	if (in.Code == codeUnauthorized || in.Code == codeForbidden) && m.room != RoomIdle {
		m.teardown()
	}
}

func (m *Manager) handleRemoteScreenShare(raw json.RawMessage, started bool) {
	var in userPayload
	if err := json.Unmarshal(raw, &in); err != nil || in.SocketID == "" {
		return
	}
	for i := range m.participants {
		if m.participants[i].SocketID != in.SocketID {
			continue
		}
		m.participants[i].SharingScreen = started
		verb := "stopped"
		if started {
			verb = "started"
		}
		m.logEvent(EventInfo, fmt.Sprintf("%s %s sharing their screen", displayName(m.participants[i]), verb))
		return
	}
}

func (m *Manager) handleConnect(json.RawMessage) {
	m.logEvent(EventConnection, "Connected to signaling server")
}

func (m *Manager) handleDisconnect(raw json.RawMessage) {
	var in struct {
		Reason string `json:"reason"`
	}
	_ = json.Unmarshal(raw, &in)

	switch in.Reason {
	case signaling.ReasonClientDisconnect:
		m.logEvent(EventConnection, "Disconnected from signaling server")
	case signaling.ReasonServerDisconnect:
		m.setError("Disconnected by the signaling server")
		m.logEvent(EventWarning, "Signaling server closed the connection")
	default:
		m.setError("Lost connection to the signaling server")
		m.logEvent(EventWarning, "Signaling connection lost: "+in.Reason)
	}

	// Room state does not survive the transport.
	if m.room != RoomIdle {
		m.logEvent(EventWarning, "Leaving room after signaling disconnect")
		m.teardown()
	}
}

func (m *Manager) handleConnectError(raw json.RawMessage) {
	var in struct {
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &in)
	msg := firstNonEmpty(in.Message, "connection failed")
	m.setError("Connection error: " + msg)
	m.logEvent(EventError, "Signaling connection error: "+msg)
}

func (m *Manager) upsertParticipant(pt Participant) {
	for i := range m.participants {
		if m.participants[i].SocketID == pt.SocketID {
			m.participants[i].User = pt.User
			return
		}
	}
	m.participants = append(m.participants, pt)
}

func displayName(pt Participant) string {
	if pt.User.Name != "" {
		return pt.User.Name
	}
	return pt.SocketID
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
