package nvme

import "encoding/binary"

// MarshalError reports a fixed-size encode/decode failure.
type MarshalError string

func (e MarshalError) Error() string { return string(e) }

const (
	ErrInsufficientData = MarshalError("nvme: insufficient data for struct")
	ErrInvalidType      = MarshalError("nvme: unsupported type for marshal")
)

// Marshal encodes a fixed-size NVMe wire struct to its little-endian byte
// representation. Used when writing a freshly-built SQE into a DMA-mapped
// submission ring rather than relying on the host's native struct layout.
func Marshal(v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case *SubmissionEntry:
		return marshalSubmissionEntry(t), nil
	case *CompletionEntry:
		return marshalCompletionEntry(t), nil
	default:
		return nil, ErrInvalidType
	}
}

// Unmarshal decodes a little-endian byte representation into a fixed-size
// NVMe wire struct.
func Unmarshal(data []byte, v interface{}) error {
	switch t := v.(type) {
	case *SubmissionEntry:
		return unmarshalSubmissionEntry(data, t)
	case *CompletionEntry:
		return unmarshalCompletionEntry(data, t)
	default:
		return ErrInvalidType
	}
}

func marshalSubmissionEntry(e *SubmissionEntry) []byte {
	buf := make([]byte, 64)
	binary.LittleEndian.PutUint32(buf[0:4], e.CDW0)
	binary.LittleEndian.PutUint32(buf[4:8], e.NSID)
	binary.LittleEndian.PutUint32(buf[8:12], e.CDW2)
	binary.LittleEndian.PutUint32(buf[12:16], e.CDW3)
	binary.LittleEndian.PutUint64(buf[16:24], e.MPTR)
	binary.LittleEndian.PutUint64(buf[24:32], e.PRP1)
	binary.LittleEndian.PutUint64(buf[32:40], e.PRP2)
	binary.LittleEndian.PutUint32(buf[40:44], e.CDW10)
	binary.LittleEndian.PutUint32(buf[44:48], e.CDW11)
	binary.LittleEndian.PutUint32(buf[48:52], e.CDW12)
	binary.LittleEndian.PutUint32(buf[52:56], e.CDW13)
	binary.LittleEndian.PutUint32(buf[56:60], e.CDW14)
	binary.LittleEndian.PutUint32(buf[60:64], e.CDW15)
	return buf
}

func unmarshalSubmissionEntry(data []byte, e *SubmissionEntry) error {
	if len(data) < 64 {
		return ErrInsufficientData
	}
	e.CDW0 = binary.LittleEndian.Uint32(data[0:4])
	e.NSID = binary.LittleEndian.Uint32(data[4:8])
	e.CDW2 = binary.LittleEndian.Uint32(data[8:12])
	e.CDW3 = binary.LittleEndian.Uint32(data[12:16])
	e.MPTR = binary.LittleEndian.Uint64(data[16:24])
	e.PRP1 = binary.LittleEndian.Uint64(data[24:32])
	e.PRP2 = binary.LittleEndian.Uint64(data[32:40])
	e.CDW10 = binary.LittleEndian.Uint32(data[40:44])
	e.CDW11 = binary.LittleEndian.Uint32(data[44:48])
	e.CDW12 = binary.LittleEndian.Uint32(data[48:52])
	e.CDW13 = binary.LittleEndian.Uint32(data[52:56])
	e.CDW14 = binary.LittleEndian.Uint32(data[56:60])
	e.CDW15 = binary.LittleEndian.Uint32(data[60:64])
	return nil
}

func marshalCompletionEntry(c *CompletionEntry) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint32(buf[0:4], c.DW0)
	binary.LittleEndian.PutUint32(buf[4:8], c.DW1)
	binary.LittleEndian.PutUint32(buf[8:12], c.DW2)
	binary.LittleEndian.PutUint32(buf[12:16], c.DW3)
	return buf
}

func unmarshalCompletionEntry(data []byte, c *CompletionEntry) error {
	if len(data) < 16 {
		return ErrInsufficientData
	}
	c.DW0 = binary.LittleEndian.Uint32(data[0:4])
	c.DW1 = binary.LittleEndian.Uint32(data[4:8])
	c.DW2 = binary.LittleEndian.Uint32(data[8:12])
	c.DW3 = binary.LittleEndian.Uint32(data[12:16])
	return nil
}
