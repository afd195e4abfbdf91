package batchq

import "github.com/google/uuid"

// Attr is an opaque message attribute attached to an Entry, modelled on the
// SQS MessageAttributeValue shape: a typed value plus either a string or
// binary payload. The core never interprets attribute contents; it only
// accounts for their encoded size.
type Attr struct {
	DataType    string
	StringValue string
	BinaryValue []byte
}

// attrBytes returns a deterministic, symmetric byte count for a single
// attribute: the sum of its type tag and value payload lengths.
func (a Attr) attrBytes() int {
	return len(a.DataType) + len(a.StringValue) + len(a.BinaryValue)
}

// Entry is an opaque producer record. Body is the serialized task payload;
// the core never parses it. ID must be unique within a single send batch —
// if left empty on Enqueue, the producer assigns one.
type Entry struct {
	ID         string
	Body       string
	Attributes map[string]Attr
}

// EntryBytes computes the encoded byte size of e: the UTF-8 byte length of
// Body plus the accounted size of every attribute. Go strings built from
// string literals or []byte are already UTF-8 byte sequences, so len(Body)
// is the UTF-8 byte length directly.
func EntryBytes(e Entry) int {
	n := len(e.Body)
	for _, a := range e.Attributes {
		n += a.attrBytes()
	}
	return n
}

// newEntryID generates an identifier for an Entry whose caller left ID empty.
func newEntryID() string {
	return uuid.New().String()
}
