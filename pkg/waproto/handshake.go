package waproto

import "google.golang.org/protobuf/encoding/protowire"

// HandshakeMessage wraps one step of the Noise exchange.
type HandshakeMessage struct {
	ClientHello  *HelloMessage
	ServerHello  *HelloMessage
	ClientFinish *FinishMessage
}

// HelloMessage is used for both the client and the server hello.
type HelloMessage struct {
	Ephemeral []byte
	Static    []byte
	Payload   []byte
}

type FinishMessage struct {
	Static  []byte
	Payload []byte
}

func (m *HandshakeMessage) Marshal() []byte {
	var b builder
	b.message(2, m.ClientHello, m.ClientHello != nil)
	b.message(3, m.ServerHello, m.ServerHello != nil)
	b.message(4, m.ClientFinish, m.ClientFinish != nil)
	return b.buf
}

func (m *HandshakeMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 2, 3:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			hello := &HelloMessage{}
			if err := hello.Unmarshal(f.raw); err != nil {
				return err
			}
			if f.num == 2 {
				m.ClientHello = hello
			} else {
				m.ServerHello = hello
			}
		case 4:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			m.ClientFinish = &FinishMessage{}
			return m.ClientFinish.Unmarshal(f.raw)
		}
		return nil
	})
}

func (m *HelloMessage) Marshal() []byte {
	var b builder
	b.bytes(1, m.Ephemeral)
	b.bytes(2, m.Static)
	b.bytes(3, m.Payload)
	return b.buf
}

func (m *HelloMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Ephemeral = f.bytes()
		case 2:
			m.Static = f.bytes()
		case 3:
			m.Payload = f.bytes()
		}
		return nil
	})
}

func (m *FinishMessage) Marshal() []byte {
	var b builder
	b.bytes(1, m.Static)
	b.bytes(2, m.Payload)
	return b.buf
}

func (m *FinishMessage) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Static = f.bytes()
		case 2:
			m.Payload = f.bytes()
		}
		return nil
	})
}

// CertChain is the server certificate chain sent inside the server hello.
type CertChain struct {
	Leaf         *NoiseCertificate
	Intermediate *NoiseCertificate
}

// NoiseCertificate carries serialized CertDetails and their signature.
type NoiseCertificate struct {
	Details   []byte
	Signature []byte
}

type CertDetails struct {
	Serial       uint32
	IssuerSerial uint32
	Key          []byte
	NotBefore    uint64
	NotAfter     uint64
}

func (m *CertChain) Marshal() []byte {
	var b builder
	b.message(1, m.Leaf, m.Leaf != nil)
	b.message(2, m.Intermediate, m.Intermediate != nil)
	return b.buf
}

func (m *CertChain) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1, 2:
			if err := expect(f, protowire.BytesType); err != nil {
				return err
			}
			cert := &NoiseCertificate{}
			if err := cert.Unmarshal(f.raw); err != nil {
				return err
			}
			if f.num == 1 {
				m.Leaf = cert
			} else {
				m.Intermediate = cert
			}
		}
		return nil
	})
}

func (m *NoiseCertificate) Marshal() []byte {
	var b builder
	b.bytes(1, m.Details)
	b.bytes(2, m.Signature)
	return b.buf
}

func (m *NoiseCertificate) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Details = f.bytes()
		case 2:
			m.Signature = f.bytes()
		}
		return nil
	})
}

func (m *CertDetails) Marshal() []byte {
	var b builder
	b.uvarint(1, uint64(m.Serial))
	b.uvarint(2, uint64(m.IssuerSerial))
	b.bytes(3, m.Key)
	b.optUvarint(4, m.NotBefore)
	b.optUvarint(5, m.NotAfter)
	return b.buf
}

func (m *CertDetails) Unmarshal(data []byte) error {
	return parseFields(data, func(f field) error {
		switch f.num {
		case 1:
			m.Serial = uint32(f.varint)
		case 2:
			m.IssuerSerial = uint32(f.varint)
		case 3:
			m.Key = f.bytes()
		case 4:
			m.NotBefore = f.varint
		case 5:
			m.NotAfter = f.varint
		}
		return nil
	})
}
