package store

// Reply is the response metadata of an object. Header holds the serialized
// header block exactly as it is stored in front of the body; the store does
// not interpret it.
type Reply struct {
	Status        int
	ContentLength int64 // -1 if unknown
	Date          int64
	Expires       int64
	LastModified  int64
	Header        []byte
}

// HeaderSize returns the number of object bytes taken by the header block.
func (r *Reply) HeaderSize() int64 {
	if r == nil {
		return 0
	}

	return int64(len(r.Header))
}

func (r *Reply) clone() *Reply {
	c := *r
	c.Header = append([]byte(nil), r.Header...)

	return &c
}
