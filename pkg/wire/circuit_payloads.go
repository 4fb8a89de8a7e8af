package wire

// ServiceConnectRequest asks the receiving node to add ServiceID to the
// roster of CircuitID. Applying the same request twice must be idempotent.
type ServiceConnectRequest struct {
	CircuitID string
	ServiceID string
}

var _ Serializable = (*ServiceConnectRequest)(nil)

// EncodeBinary implements Serializable.
func (r *ServiceConnectRequest) EncodeBinary(bw *BinWriter) {
	bw.WriteVarString(r.CircuitID)
	bw.WriteVarString(r.ServiceID)
}

// DecodeBinary implements Serializable.
func (r *ServiceConnectRequest) DecodeBinary(br *BinReader) {
	r.CircuitID = br.ReadVarString()
	r.ServiceID = br.ReadVarString()
}

// ServiceDisconnectRequest asks the receiving node to drop ServiceID from
// the roster of CircuitID.
type ServiceDisconnectRequest struct {
	CircuitID string
	ServiceID string
}

var _ Serializable = (*ServiceDisconnectRequest)(nil)

// EncodeBinary implements Serializable.
func (r *ServiceDisconnectRequest) EncodeBinary(bw *BinWriter) {
	bw.WriteVarString(r.CircuitID)
	bw.WriteVarString(r.ServiceID)
}

// DecodeBinary implements Serializable.
func (r *ServiceDisconnectRequest) DecodeBinary(br *BinReader) {
	r.CircuitID = br.ReadVarString()
	r.ServiceID = br.ReadVarString()
}

// DirectMessage carries application payload between two services hosted on
// the same circuit.
type DirectMessage struct {
	CircuitID     string
	RecipientID   string
	SenderID      string
	CorrelationID string
	Payload       []byte
}

var _ Serializable = (*DirectMessage)(nil)

// EncodeBinary implements Serializable.
func (m *DirectMessage) EncodeBinary(bw *BinWriter) {
	bw.WriteVarString(m.CircuitID)
	bw.WriteVarString(m.RecipientID)
	bw.WriteVarString(m.SenderID)
	bw.WriteVarString(m.CorrelationID)
	bw.WriteVarBytes(m.Payload)
}

// DecodeBinary implements Serializable.
func (m *DirectMessage) DecodeBinary(br *BinReader) {
	m.CircuitID = br.ReadVarString()
	m.RecipientID = br.ReadVarString()
	m.SenderID = br.ReadVarString()
	m.CorrelationID = br.ReadVarString()
	m.Payload = br.ReadVarBytes()
}

// ErrorKind classifies a CIRCUIT_ERROR response.
type ErrorKind uint16

// Recognized error kinds.
const (
	ErrorUnknown ErrorKind = iota
	ErrorUnknownCircuit
	ErrorUnknownService
	ErrorNotAMember
)

// String renders the error kind for logging.
func (k ErrorKind) String() string {
	switch k {
	case ErrorUnknownCircuit:
		return "UNKNOWN_CIRCUIT"
	case ErrorUnknownService:
		return "UNKNOWN_SERVICE"
	case ErrorNotAMember:
		return "NOT_A_MEMBER"
	default:
		return "UNKNOWN"
	}
}

// CircuitError is sent back to a message's source when routing fails.
type CircuitError struct {
	Kind          ErrorKind
	CircuitID     string
	ServiceID     string
	CorrelationID string
	Message       string
}

var _ Serializable = (*CircuitError)(nil)

// EncodeBinary implements Serializable.
func (e *CircuitError) EncodeBinary(bw *BinWriter) {
	bw.WriteU16LE(uint16(e.Kind))
	bw.WriteVarString(e.CircuitID)
	bw.WriteVarString(e.ServiceID)
	bw.WriteVarString(e.CorrelationID)
	bw.WriteVarString(e.Message)
}

// DecodeBinary implements Serializable.
func (e *CircuitError) DecodeBinary(br *BinReader) {
	e.Kind = ErrorKind(br.ReadU16LE())
	e.CircuitID = br.ReadVarString()
	e.ServiceID = br.ReadVarString()
	e.CorrelationID = br.ReadVarString()
	e.Message = br.ReadVarString()
}
