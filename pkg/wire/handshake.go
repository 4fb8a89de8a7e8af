package wire

// ConnectRequest is the first frame a dialing node sends: it advertises its
// claimed identity so the accepting side knows which Verifier to use.
type ConnectRequest struct {
	Identity string
}

var _ Serializable = (*ConnectRequest)(nil)

// EncodeBinary implements Serializable.
func (c *ConnectRequest) EncodeBinary(bw *BinWriter) {
	bw.WriteVarString(c.Identity)
}

// DecodeBinary implements Serializable.
func (c *ConnectRequest) DecodeBinary(br *BinReader) {
	c.Identity = br.ReadVarString()
}

// Challenge carries a random nonce the dialing node must sign to prove
// possession of the private key for its claimed identity.
type Challenge struct {
	Nonce []byte
}

var _ Serializable = (*Challenge)(nil)

// EncodeBinary implements Serializable.
func (c *Challenge) EncodeBinary(bw *BinWriter) {
	bw.WriteVarBytes(c.Nonce)
}

// DecodeBinary implements Serializable.
func (c *Challenge) DecodeBinary(br *BinReader) {
	c.Nonce = br.ReadVarBytes()
}

// ChallengeResponse carries the signature over the challenge nonce.
type ChallengeResponse struct {
	Signature []byte
}

var _ Serializable = (*ChallengeResponse)(nil)

// EncodeBinary implements Serializable.
func (c *ChallengeResponse) EncodeBinary(bw *BinWriter) {
	bw.WriteVarBytes(c.Signature)
}

// DecodeBinary implements Serializable.
func (c *ChallengeResponse) DecodeBinary(br *BinReader) {
	c.Signature = br.ReadVarBytes()
}

// AuthFailed explains why a handshake was rejected.
type AuthFailed struct {
	Reason string
}

var _ Serializable = (*AuthFailed)(nil)

// EncodeBinary implements Serializable.
func (a *AuthFailed) EncodeBinary(bw *BinWriter) {
	bw.WriteVarString(a.Reason)
}

// DecodeBinary implements Serializable.
func (a *AuthFailed) DecodeBinary(br *BinReader) {
	a.Reason = br.ReadVarString()
}

// Encode is a convenience for encoding any Serializable to bytes.
func Encode(s Serializable) []byte {
	bw := NewBufBinWriter()
	s.EncodeBinary(bw.BinWriter)
	return bw.Bytes()
}

// Decode is a convenience for decoding bytes into a Serializable.
func Decode(b []byte, s Serializable) error {
	br := NewBinReaderFromBuf(b)
	s.DecodeBinary(br)
	return br.Err
}
