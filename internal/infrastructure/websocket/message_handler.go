package websocket

import (
	"context"
	"encoding/json"
	"time"

	"fanlink/internal/domain/entity"
	"fanlink/internal/engine"
	"fanlink/pkg/logger"
)

// Frame types on the realtime socket. Client-to-server frames carry
// commands; server-to-client frames carry state pushes.
const (
	MessageTypePing              = "ping"
	MessageTypePong              = "pong"
	MessageTypeOpenConversation  = "open_conversation"
	MessageTypeCloseConversation = "close_conversation"
	MessageTypeSendMessage       = "send_message"
	MessageTypeRetryMessage      = "retry_message"
	MessageTypeDiscardMessage    = "discard_message"
	MessageTypeTyping            = "typing"
	MessageTypeMarkRead          = "mark_read"
	MessageTypeJoinRoom          = "join_room"
	MessageTypeLeaveRoom         = "leave_room"

	MessageTypeMessages         = "messages"
	MessageTypeMessageAck       = "message_ack"
	MessageTypeTypingIndicator  = "typing_indicator"
	MessageTypeReadReceipt      = "read_receipt"
	MessageTypePresence         = "presence"
	MessageTypeConversationList = "conversation_list"
	MessageTypeError            = "error"
)

type WSMessage struct {
	Type           string      `json:"type"`
	Data           interface{} `json:"data,omitempty"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Timestamp      string      `json:"timestamp"`
}

type SendMessageData struct {
	TempID         string `json:"temp_id"`
	ConversationID string `json:"conversation_id"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	ReplyToID      string `json:"reply_to_id,omitempty"`
}

type MessageAckData struct {
	TempID  string         `json:"temp_id,omitempty"`
	Message entity.Message `json:"message"`
}

type MessageRefData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
}

type TypingData struct {
	ConversationID string `json:"conversation_id"`
	Typing         bool   `json:"typing"`
}

type TypingIndicatorData struct {
	ConversationID string   `json:"conversation_id"`
	Users          []string `json:"users"`
}

type ReadReceiptData struct {
	ConversationID string   `json:"conversation_id"`
	MessageID      string   `json:"message_id"`
	SeenBy         []string `json:"seen_by"`
}

type RoomData struct {
	RoomID string `json:"room_id"`
}

type PresenceData struct {
	RoomID string                `json:"room_id"`
	Online []entity.UserPresence `json:"online"`
}

// HandleClientMessage dispatches one inbound frame.
func (m *Manager) HandleClientMessage(client *Client, messageBytes []byte) {
	var wsMessage WSMessage

	if err := json.Unmarshal(messageBytes, &wsMessage); err != nil {
		logger.Warn("WebSocket: malformed frame from %s: %v", client.UserID, err)
		m.sendErrorToClient(client, "Invalid message format")
		return
	}

	logger.Debug("WebSocket: frame '%s' from %s", wsMessage.Type, client.UserID)

	switch wsMessage.Type {
	case MessageTypePing:
		m.handlePing(client)

	case MessageTypeOpenConversation:
		m.handleOpenConversation(client, wsMessage)

	case MessageTypeCloseConversation:
		m.handleCloseConversation(client, wsMessage)

	case MessageTypeSendMessage:
		m.handleSendMessage(client, wsMessage.Data)

	case MessageTypeRetryMessage:
		m.handleRetryMessage(client, wsMessage.Data)

	case MessageTypeDiscardMessage:
		m.handleDiscardMessage(client, wsMessage.Data)

	case MessageTypeTyping:
		m.handleTyping(client, wsMessage.Data)

	case MessageTypeMarkRead:
		m.handleMarkRead(client, wsMessage.Data)

	case MessageTypeJoinRoom:
		m.handleJoinRoom(client, wsMessage.Data)

	case MessageTypeLeaveRoom:
		m.handleLeaveRoom(client, wsMessage.Data)

	default:
		logger.Warn("WebSocket: unknown frame type '%s' from %s", wsMessage.Type, client.UserID)
		m.sendErrorToClient(client, "Unknown message type")
	}
}

// Bind attaches the session-level push callbacks: the conversation list and
// room presence follow the engine session for the connection's lifetime.
func (m *Manager) Bind(client *Client) {
	session := client.Session

	session.Directory().SetOnChange(func() {
		m.sendToClient(client, WSMessage{
			Type:      MessageTypeConversationList,
			Data:      session.Directory().List(),
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})

	session.Presence().SetOnChange(func(roomID string, online []entity.UserPresence) {
		m.sendToClient(client, WSMessage{
			Type:      MessageTypePresence,
			Data:      PresenceData{RoomID: roomID, Online: online},
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})
}

func (m *Manager) handlePing(client *Client) {
	m.sendToClient(client, WSMessage{
		Type:      MessageTypePong,
		Data:      map[string]string{"status": "alive"},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (m *Manager) handleOpenConversation(client *Client, frame WSMessage) {
	if frame.ConversationID == "" {
		m.sendErrorToClient(client, "Missing conversation_id")
		return
	}

	view, err := client.Session.OpenConversation(context.Background(), frame.ConversationID)
	if err != nil {
		logger.Error("WebSocket: open conversation %s for %s: %v", frame.ConversationID, client.UserID, err)
		m.sendErrorToClient(client, err.Error())
		return
	}

	conversationID := view.ID
	view.Store.SetOnChange(func() {
		m.sendToClient(client, WSMessage{
			Type:           MessageTypeMessages,
			ConversationID: conversationID,
			Data:           view.Store.Messages(),
			Timestamp:      time.Now().Format(time.RFC3339),
		})
	})
	view.Typing.SetOnChange(func(users []string) {
		m.sendToClient(client, WSMessage{
			Type:      MessageTypeTypingIndicator,
			Data:      TypingIndicatorData{ConversationID: conversationID, Users: users},
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})
	view.Receipts.SetOnChange(func(messageID string) {
		m.sendToClient(client, WSMessage{
			Type: MessageTypeReadReceipt,
			Data: ReadReceiptData{
				ConversationID: conversationID,
				MessageID:      messageID,
				SeenBy:         view.Receipts.SeenBy(messageID),
			},
			Timestamp: time.Now().Format(time.RFC3339),
		})
	})

	// First snapshot goes out immediately; later ones follow store changes.
	m.sendToClient(client, WSMessage{
		Type:           MessageTypeMessages,
		ConversationID: conversationID,
		Data:           view.Store.Messages(),
		Timestamp:      time.Now().Format(time.RFC3339),
	})
}

func (m *Manager) handleCloseConversation(client *Client, frame WSMessage) {
	if frame.ConversationID == "" {
		m.sendErrorToClient(client, "Missing conversation_id")
		return
	}
	client.Session.CloseConversation(frame.ConversationID)
}

func (m *Manager) handleSendMessage(client *Client, data interface{}) {
	var sendData SendMessageData
	if !m.decodeData(client, data, &sendData) {
		return
	}
	if sendData.ConversationID == "" || sendData.Content == "" {
		m.sendErrorToClient(client, "Missing required fields")
		return
	}

	allowed, waitTime := m.rateLimiter.Allow(client.UserID, "send_message")
	if !allowed {
		logger.Info("WebSocket: send rate limited for %s, wait %v", client.UserID, waitTime)
		m.sendErrorToClient(client, "Rate limit exceeded")
		return
	}

	msg, err := client.Session.SendMessage(context.Background(), sendData.ConversationID, sendData.Content, sendData.AttachmentURL, sendData.ReplyToID)
	if err != nil {
		m.sendErrorToClient(client, err.Error())
		return
	}

	// The ack maps the client's temp id to the assigned message id; state
	// transitions arrive through the messages push.
	m.sendToClient(client, WSMessage{
		Type:      MessageTypeMessageAck,
		Data:      MessageAckData{TempID: sendData.TempID, Message: msg},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (m *Manager) handleRetryMessage(client *Client, data interface{}) {
	var ref MessageRefData
	if !m.decodeData(client, data, &ref) {
		return
	}
	if err := client.Session.RetrySend(ref.ConversationID, ref.MessageID); err != nil {
		m.sendErrorToClient(client, err.Error())
	}
}

func (m *Manager) handleDiscardMessage(client *Client, data interface{}) {
	var ref MessageRefData
	if !m.decodeData(client, data, &ref) {
		return
	}
	if err := client.Session.DiscardSend(ref.ConversationID, ref.MessageID); err != nil {
		m.sendErrorToClient(client, err.Error())
	}
}

func (m *Manager) handleTyping(client *Client, data interface{}) {
	var typingData TypingData
	if !m.decodeData(client, data, &typingData) {
		return
	}
	if typingData.ConversationID == "" {
		m.sendErrorToClient(client, "Missing conversation_id")
		return
	}

	if allowed, _ := m.rateLimiter.Allow(client.UserID, "typing"); !allowed {
		// Dropped silently; the debounce already absorbs honest bursts.
		return
	}

	if err := client.Session.SetTyping(context.Background(), typingData.ConversationID, typingData.Typing); err != nil {
		m.sendErrorToClient(client, err.Error())
	}
}

func (m *Manager) handleMarkRead(client *Client, data interface{}) {
	var ref MessageRefData
	if !m.decodeData(client, data, &ref) {
		return
	}
	if ref.ConversationID == "" || ref.MessageID == "" {
		m.sendErrorToClient(client, "Missing required fields")
		return
	}

	if err := client.Session.MarkRead(context.Background(), ref.ConversationID, ref.MessageID); err != nil {
		m.sendErrorToClient(client, err.Error())
	}
}

func (m *Manager) handleJoinRoom(client *Client, data interface{}) {
	var roomData RoomData
	if !m.decodeData(client, data, &roomData) {
		return
	}
	if roomData.RoomID == "" {
		m.sendErrorToClient(client, "Missing room_id")
		return
	}

	client.mu.Lock()
	_, already := client.trackings[roomData.RoomID]
	client.mu.Unlock()
	if already {
		return
	}

	tracking, err := client.Session.JoinRoom(context.Background(), roomData.RoomID)
	if err != nil {
		m.sendErrorToClient(client, err.Error())
		return
	}

	client.mu.Lock()
	if client.trackings == nil {
		client.trackings = make(map[string]*engine.Tracking)
	}
	client.trackings[roomData.RoomID] = tracking
	client.mu.Unlock()

	m.sendToClient(client, WSMessage{
		Type:      MessageTypePresence,
		Data:      PresenceData{RoomID: roomData.RoomID, Online: client.Session.OnlineUsers(roomData.RoomID)},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

func (m *Manager) handleLeaveRoom(client *Client, data interface{}) {
	var roomData RoomData
	if !m.decodeData(client, data, &roomData) {
		return
	}

	client.mu.Lock()
	tracking, ok := client.trackings[roomData.RoomID]
	delete(client.trackings, roomData.RoomID)
	client.mu.Unlock()

	if ok {
		client.Session.LeaveRoom(tracking)
	}
}

// decodeData round-trips the loosely typed data field into a typed struct.
func (m *Manager) decodeData(client *Client, data interface{}, out interface{}) bool {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		m.sendErrorToClient(client, "Invalid message data")
		return false
	}
	if err := json.Unmarshal(dataBytes, out); err != nil {
		m.sendErrorToClient(client, "Invalid message data")
		return false
	}
	return true
}

func (m *Manager) sendToClient(client *Client, message WSMessage) {
	payload, err := json.Marshal(message)
	if err != nil {
		logger.Error("WebSocket: marshal frame for %s: %v", client.UserID, err)
		return
	}
	client.push(payload)
}

func (m *Manager) sendErrorToClient(client *Client, message string) {
	m.sendToClient(client, WSMessage{
		Type:      MessageTypeError,
		Data:      map[string]string{"message": message},
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
