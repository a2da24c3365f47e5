package protocol

// Type is the wire discriminator carried in the "type" field of every message.
type Type string

// Message types
const (
	TypeAuth          Type = "auth"           // Client authentication request
	TypeAuthResponse  Type = "auth_response"  // Agent authentication verdict
	TypeError         Type = "error"          // Structured error
	TypeSessionJoin   Type = "session_join"   // Join a rendezvous session
	TypeSessionJoined Type = "session_joined" // Join confirmation or presence notice
	TypeSessionLeave  Type = "session_leave"  // Leave notice
	TypeOffer         Type = "offer"          // SDP offer
	TypeAnswer        Type = "answer"         // SDP answer
	TypeICECandidate  Type = "ice_candidate"  // Trickled connectivity candidate
	TypeFileMetadata  Type = "file_metadata"  // Transfer announcement
	TypeFileAck       Type = "file_ack"       // Transfer accept/reject
	TypeFileProgress  Type = "file_progress"  // Bytes transferred so far
	TypeFileEnd       Type = "file_end"       // End of transfer
	TypeFileCancel    Type = "file_cancel"    // Transfer cancelled by either side
)

const ProtocolVersion = "1.0"

// Message is the closed set of wire messages. Only types in this package
// implement it.
type Message interface {
	MessageType() Type
	sealed()
}

// TokenCarrier is implemented by messages that echo the shared authentication
// token back through the relay. Receivers validate the token before dispatch.
type TokenCarrier interface {
	Message
	AuthToken() string
	// WithAuthToken returns a shallow copy carrying token. The receiver is
	// left untouched.
	WithAuthToken(token string) Message
}

// Routed is implemented by messages the relay forwards between devices.
type Routed interface {
	Message
	Session() string
	Sender() string
	Recipient() string
	SetSender(deviceID string)
}

// AuthMsg is the first message a client sends after the liveness probe.
type AuthMsg struct {
	Token        string `json:"token"`
	DeviceID     string `json:"deviceId"`
	ConnectionID string `json:"connectionId"`
	Version      string `json:"version"`
}

// AuthResponseMsg is the agent's verdict on an AuthMsg.
type AuthResponseMsg struct {
	Success      bool   `json:"success"`
	Message      string `json:"message,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// ErrorMsg carries error information
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SessionJoinMsg struct {
	SessionID    string `json:"sessionId"`
	DeviceID     string `json:"deviceId"`
	PeerDeviceID string `json:"peerDeviceId,omitempty"`
}

// SessionJoinedMsg confirms a join to the joining device. Devices already in
// the session receive the same message with DeviceID set to the newcomer.
type SessionJoinedMsg struct {
	SessionID string   `json:"sessionId"`
	DeviceID  string   `json:"deviceId"`
	Peers     []string `json:"peers,omitempty"`
}

type SessionLeaveMsg struct {
	SessionID string `json:"sessionId"`
	DeviceID  string `json:"deviceId"`
}

// Route holds the addressing shared by forwarded messages.
type Route struct {
	SessionID string `json:"sessionId"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

func (r *Route) Session() string           { return r.SessionID }
func (r *Route) Sender() string            { return r.From }
func (r *Route) Recipient() string         { return r.To }
func (r *Route) SetSender(deviceID string) { r.From = deviceID }

type OfferMsg struct {
	Route
	SDP   string `json:"sdp"`
	Token string `json:"authToken,omitempty"`
}

type AnswerMsg struct {
	Route
	SDP   string `json:"sdp"`
	Token string `json:"authToken,omitempty"`
}

type ICECandidateMsg struct {
	Route
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
	Token            string  `json:"authToken,omitempty"`
}

type FileMetadataMsg struct {
	Route
	TransferID string `json:"transferId"`
	FileName   string `json:"fileName"`
	FileSize   int64  `json:"fileSize"`
	MIMEType   string `json:"mimeType,omitempty"`
	Digest     []byte `json:"digest,omitempty"` // SHA-256 of the whole file
	Token      string `json:"authToken,omitempty"`
}

type FileAckMsg struct {
	Route
	TransferID string `json:"transferId"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

type FileProgressMsg struct {
	Route
	TransferID       string `json:"transferId"`
	BytesTransferred int64  `json:"bytesTransferred"`
}

// FileEndMsg closes a transfer. The Merkle fields form the authentication
// record binding the chunk set to this transfer and session.
type FileEndMsg struct {
	Route
	TransferID             string `json:"transferId"`
	Success                bool   `json:"success"`
	BytesTransferred       int64  `json:"bytesTransferred"`
	Error                  string `json:"error,omitempty"`
	MerkleRoot             []byte `json:"merkleRoot,omitempty"`
	MerkleRootSignature    []byte `json:"merkleRootSignature,omitempty"`
	MerkleRootSignatureAlg string `json:"merkleRootSignatureAlg,omitempty"`
}

type FileCancelMsg struct {
	Route
	TransferID string `json:"transferId"`
	Reason     string `json:"reason,omitempty"`
}

func (*AuthMsg) MessageType() Type          { return TypeAuth }
func (*AuthResponseMsg) MessageType() Type  { return TypeAuthResponse }
func (*ErrorMsg) MessageType() Type         { return TypeError }
func (*SessionJoinMsg) MessageType() Type   { return TypeSessionJoin }
func (*SessionJoinedMsg) MessageType() Type { return TypeSessionJoined }
func (*SessionLeaveMsg) MessageType() Type  { return TypeSessionLeave }
func (*OfferMsg) MessageType() Type         { return TypeOffer }
func (*AnswerMsg) MessageType() Type        { return TypeAnswer }
func (*ICECandidateMsg) MessageType() Type  { return TypeICECandidate }
func (*FileMetadataMsg) MessageType() Type  { return TypeFileMetadata }
func (*FileAckMsg) MessageType() Type       { return TypeFileAck }
func (*FileProgressMsg) MessageType() Type  { return TypeFileProgress }
func (*FileEndMsg) MessageType() Type       { return TypeFileEnd }
func (*FileCancelMsg) MessageType() Type    { return TypeFileCancel }

func (*AuthMsg) sealed()          {}
func (*AuthResponseMsg) sealed()  {}
func (*ErrorMsg) sealed()         {}
func (*SessionJoinMsg) sealed()   {}
func (*SessionJoinedMsg) sealed() {}
func (*SessionLeaveMsg) sealed()  {}
func (*OfferMsg) sealed()         {}
func (*AnswerMsg) sealed()        {}
func (*ICECandidateMsg) sealed()  {}
func (*FileMetadataMsg) sealed()  {}
func (*FileAckMsg) sealed()       {}
func (*FileProgressMsg) sealed()  {}
func (*FileEndMsg) sealed()       {}
func (*FileCancelMsg) sealed()    {}

func (m *OfferMsg) AuthToken() string { return m.Token }

func (m *OfferMsg) WithAuthToken(token string) Message {
	c := *m
	c.Token = token
	return &c
}

func (m *AnswerMsg) AuthToken() string { return m.Token }

func (m *AnswerMsg) WithAuthToken(token string) Message {
	c := *m
	c.Token = token
	return &c
}

func (m *ICECandidateMsg) AuthToken() string { return m.Token }

func (m *ICECandidateMsg) WithAuthToken(token string) Message {
	c := *m
	c.Token = token
	return &c
}

func (m *FileMetadataMsg) AuthToken() string { return m.Token }

func (m *FileMetadataMsg) WithAuthToken(token string) Message {
	c := *m
	c.Token = token
	return &c
}

// newMessage returns an empty message for the given discriminator.
func newMessage(t Type) (Message, bool) {
	switch t {
	case TypeAuth:
		return &AuthMsg{}, true
	case TypeAuthResponse:
		return &AuthResponseMsg{}, true
	case TypeError:
		return &ErrorMsg{}, true
	case TypeSessionJoin:
		return &SessionJoinMsg{}, true
	case TypeSessionJoined:
		return &SessionJoinedMsg{}, true
	case TypeSessionLeave:
		return &SessionLeaveMsg{}, true
	case TypeOffer:
		return &OfferMsg{}, true
	case TypeAnswer:
		return &AnswerMsg{}, true
	case TypeICECandidate:
		return &ICECandidateMsg{}, true
	case TypeFileMetadata:
		return &FileMetadataMsg{}, true
	case TypeFileAck:
		return &FileAckMsg{}, true
	case TypeFileProgress:
		return &FileProgressMsg{}, true
	case TypeFileEnd:
		return &FileEndMsg{}, true
	case TypeFileCancel:
		return &FileCancelMsg{}, true
	default:
		return nil, false
	}
}
