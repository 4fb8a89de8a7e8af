package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// NetworkMessageType identifies the payload carried by a NetworkMessage.
type NetworkMessageType uint16

// Network-level message types. CIRCUIT wraps a CircuitMessage; everything
// else terminates at the network dispatch loop.
const (
	NetworkMessageUnknown NetworkMessageType = iota
	NetworkMessageEcho
	NetworkMessageHeartbeat
	NetworkMessageCircuit
	NetworkMessageConnectRequest
	NetworkMessageChallenge
	NetworkMessageChallengeResponse
	NetworkMessageAuthFailed
)

// String renders the message type for logging.
func (t NetworkMessageType) String() string {
	switch t {
	case NetworkMessageEcho:
		return "ECHO"
	case NetworkMessageHeartbeat:
		return "HEARTBEAT"
	case NetworkMessageCircuit:
		return "CIRCUIT"
	case NetworkMessageConnectRequest:
		return "AUTH_CONNECT_REQUEST"
	case NetworkMessageChallenge:
		return "AUTH_CHALLENGE"
	case NetworkMessageChallengeResponse:
		return "AUTH_CHALLENGE_RESPONSE"
	case NetworkMessageAuthFailed:
		return "AUTH_FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// CircuitMessageType identifies the payload carried by a CircuitMessage.
type CircuitMessageType uint16

// Circuit-level message types, handled by the circuit dispatch loop.
const (
	CircuitMessageUnknown CircuitMessageType = iota
	CircuitMessageServiceConnectRequest
	CircuitMessageServiceDisconnectRequest
	CircuitMessageDirectMessage
	CircuitMessageAdminDirectMessage
	CircuitMessageError
)

// String renders the message type for logging.
func (t CircuitMessageType) String() string {
	switch t {
	case CircuitMessageServiceConnectRequest:
		return "SERVICE_CONNECT_REQUEST"
	case CircuitMessageServiceDisconnectRequest:
		return "SERVICE_DISCONNECT_REQUEST"
	case CircuitMessageDirectMessage:
		return "CIRCUIT_DIRECT_MESSAGE"
	case CircuitMessageAdminDirectMessage:
		return "ADMIN_DIRECT_MESSAGE"
	case CircuitMessageError:
		return "CIRCUIT_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// NetworkMessage is the outer envelope every frame on the wire uses.
type NetworkMessage struct {
	Type    NetworkMessageType
	Payload []byte
}

var _ Serializable = (*NetworkMessage)(nil)

// EncodeBinary implements Serializable.
func (m *NetworkMessage) EncodeBinary(bw *BinWriter) {
	bw.WriteU16LE(uint16(m.Type))
	bw.WriteVarBytes(m.Payload)
}

// DecodeBinary implements Serializable.
func (m *NetworkMessage) DecodeBinary(br *BinReader) {
	m.Type = NetworkMessageType(br.ReadU16LE())
	m.Payload = br.ReadVarBytes()
}

// CircuitMessage is the nested envelope carried inside a NetworkMessage of
// type CIRCUIT.
type CircuitMessage struct {
	Type    CircuitMessageType
	Payload []byte
}

var _ Serializable = (*CircuitMessage)(nil)

// EncodeBinary implements Serializable.
func (m *CircuitMessage) EncodeBinary(bw *BinWriter) {
	bw.WriteU16LE(uint16(m.Type))
	bw.WriteVarBytes(m.Payload)
}

// DecodeBinary implements Serializable.
func (m *CircuitMessage) DecodeBinary(br *BinReader) {
	m.Type = CircuitMessageType(br.ReadU16LE())
	m.Payload = br.ReadVarBytes()
}

// WrapCircuit encodes cm and wraps it in a CIRCUIT NetworkMessage.
func WrapCircuit(cm *CircuitMessage) *NetworkMessage {
	bw := NewBufBinWriter()
	cm.EncodeBinary(bw.BinWriter)
	return &NetworkMessage{Type: NetworkMessageCircuit, Payload: bw.Bytes()}
}

// UnwrapCircuit decodes the CircuitMessage nested in a CIRCUIT NetworkMessage.
func UnwrapCircuit(nm *NetworkMessage) (*CircuitMessage, error) {
	if nm.Type != NetworkMessageCircuit {
		return nil, fmt.Errorf("wire: message type %s is not CIRCUIT", nm.Type)
	}
	cm := &CircuitMessage{}
	br := NewBinReaderFromBuf(nm.Payload)
	cm.DecodeBinary(br)
	if br.Err != nil {
		return nil, fmt.Errorf("wire: decoding circuit message: %w", br.Err)
	}
	return cm, nil
}

// EncodeMessage encodes m with no length-prefix framing, for callers that
// send full messages through an already-framing transport.Connection.
func EncodeMessage(m *NetworkMessage) ([]byte, error) {
	bw := NewBufBinWriter()
	m.EncodeBinary(bw.BinWriter)
	if bw.Err != nil {
		return nil, fmt.Errorf("wire: encoding message: %w", bw.Err)
	}
	return bw.Bytes(), nil
}

// DecodeMessage decodes b (with no length-prefix framing) into m.
func DecodeMessage(b []byte, m *NetworkMessage) error {
	br := NewBinReaderFromBuf(b)
	m.DecodeBinary(br)
	if br.Err != nil {
		return fmt.Errorf("wire: decoding message: %w", br.Err)
	}
	return nil
}

// maxFrameSize bounds the length prefix so a corrupt or hostile peer cannot
// force an unbounded read.
const maxFrameSize = 32 * 1024 * 1024

// ErrFrameTooLarge is returned by ReadFrame when the advertised length
// exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// WriteFrame writes a 4-byte big-endian length prefix followed by the
// encoded NetworkMessage.
func WriteFrame(w io.Writer, m *NetworkMessage) error {
	bw := NewBufBinWriter()
	m.EncodeBinary(bw.BinWriter)
	if bw.Err != nil {
		return fmt.Errorf("wire: encoding frame: %w", bw.Err)
	}
	return WriteRawFrame(w, bw.Bytes())
}

// WriteRawFrame writes a 4-byte big-endian length prefix followed by
// payload, with no NetworkMessage wrapping. Transports use this to frame
// the already-encoded NetworkMessage bytes handed to them by the Mesh; the
// NetworkMessage structure itself is applied one layer up.
func WriteRawFrame(w io.Writer, payload []byte) error {
	if len(payload) > maxFrameSize {
		return ErrFrameTooLarge
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("wire: writing frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("wire: writing frame body: %w", err)
	}
	return nil
}

// ReadRawFrame reads a length-prefixed payload with no NetworkMessage
// interpretation.
func ReadRawFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: reading frame body: %w", err)
	}
	return body, nil
}

// ReadFrame reads a length-prefixed NetworkMessage.
func ReadFrame(r io.Reader) (*NetworkMessage, error) {
	body, err := ReadRawFrame(r)
	if err != nil {
		return nil, err
	}
	br := NewBinReaderFromBuf(body)
	m := &NetworkMessage{}
	m.DecodeBinary(br)
	if br.Err != nil {
		return nil, fmt.Errorf("wire: decoding frame: %w", br.Err)
	}
	return m, nil
}
