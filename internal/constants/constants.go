package constants

import "time"

// Network defaults
const (
	DefaultHost      = "localhost:5000"
	DefaultPort      = "5000"
	WSBufferSize     = 131072 // 128KB WebSocket buffer
	MaxWSMessageSize = 2 * 1024 * 1024
)

// Upload limits
const (
	MaxFileSize      = 50 * 1024 * 1024 // 50MB
	DefaultUploadDir = "uploads"
)

// Rate limiting
const (
	UploadRateLimit     = 10
	UploadRateWindow    = time.Minute
	RateSweepInterval   = 5 * time.Minute
	MaxConnectionsPerIP = 10
)

// API endpoints
const (
	EndpointRoot      = "/"
	EndpointWebSocket = "/ws"
	EndpointUploads   = "/uploads/"
)

// Event names on the websocket surface
const (
	EventJoin          = "join"
	EventOnlineUsers   = "online-users"
	EventUploadStart   = "upload-start"
	EventUploadChunk   = "upload-chunk"
	EventUploadEnd     = "upload-end"
	EventUploadAck     = "upload-ack"
	EventUploadError   = "upload-error"
	EventFileShared    = "file-shared"
	EventFileSent      = "file-sent"
	EventFileDelivered = "file-delivered"
)

// App identity
const (
	AppName = "devdrop"
)

// Messages
const (
	MsgMethodNotAllowed  = "Method not allowed"
	MsgFileEmpty         = "File is empty."
	MsgRateLimitExceeded = "Rate limit exceeded. Please wait."
	MsgUploadStartFailed = "Failed to start upload"
	MsgChunkWriteFailed  = "Failed to write chunk"
	MsgUnknownTransfer   = "Unknown or already finalized transfer"
	MsgFileNotFound      = "File not found"
)
