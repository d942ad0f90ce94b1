package protocol

import "encoding/json"

// Envelope wraps every websocket message as {event, data}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload and wraps it under the given event name.
func NewEnvelope(event string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{Event: event, Data: data}, nil
}

// JoinRequest registers an authenticated identity on this connection.
type JoinRequest struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// OnlineUser is one entry of the online-users broadcast, deduplicated by userId.
type OnlineUser struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

type UploadStart struct {
	FileName string `json:"fileName"`
	Size     int64  `json:"size"`
	// FileID is accepted for wire compatibility but never trusted; the server
	// always mints its own transfer id.
	FileID      string `json:"fileId,omitempty"`
	RecipientID string `json:"recipientId,omitempty"`
}

type UploadAck struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Status   string `json:"status"`
}

type UploadError struct {
	FileID  string `json:"fileId,omitempty"`
	Message string `json:"message"`
}

type UploadChunk struct {
	FileID   string `json:"fileId"`
	FileName string `json:"fileName"`
	Chunk    []byte `json:"chunk"`
	Offset   int64  `json:"offset"`
}

type UploadEnd struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	IsPrivate   bool   `json:"isPrivate"`
	RecipientID string `json:"recipientId,omitempty"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
}

// FileShared describes a finalized transfer to its recipient(s).
type FileShared struct {
	FileID      string `json:"fileId"`
	FileName    string `json:"fileName"`
	DownloadURL string `json:"downloadUrl"`
	SenderID    string `json:"senderId"`
	SenderName  string `json:"senderName"`
	Timestamp   string `json:"timestamp"`
	IsPrivate   bool   `json:"isPrivate"`
	// Offline marks deliveries drained from the offline queue on join.
	Offline bool `json:"offline,omitempty"`
}

// FileSent acknowledges the sender after finalize.
type FileSent struct {
	FileShared
	RecipientName string `json:"recipientName,omitempty"`
	Queued        bool   `json:"queued,omitempty"`
}

// FileDelivered notifies the original sender that a queued transfer reached
// its recipient.
type FileDelivered struct {
	FileID        string `json:"fileId"`
	FileName      string `json:"fileName"`
	RecipientID   string `json:"recipientId"`
	RecipientName string `json:"recipientName,omitempty"`
	Timestamp     string `json:"timestamp"`
}
