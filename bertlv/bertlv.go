package bertlv

import (
	"errors"
	"fmt"
)

const (
	// classMaskValue marks a constructed encoding in the first tag byte.
	classMaskValue = 0x20

	// longTagMaskValue is used to determine if we have a long tag.
	longTagMaskValue = 0x1F

	// longTagInitialLen is set on every subsequent tag byte except the last one.
	longTagInitialLen = 0x80

	sevenBitMask = 0x7f

	highBitMask = 0x80

	// maxLengthBytes limits long form lengths to 0x84 xx xx xx xx.
	maxLengthBytes = 4
)

var (
	ErrNoBytesLeft = errors.New("no bytes left")
	ErrBadTag      = errors.New("malformed tag")
	ErrBadLength   = errors.New("malformed length")
	ErrNoChild     = errors.New("child not found")
)

// Node is a single BER-TLV element. Constructed nodes carry children, primitive
// nodes carry a value.
//
// Tags are stored the way smart card specifications write them, all tag bytes
// concatenated big endian: 0x7F21, 0x5F29, 0x86.
type Node struct {
	Tag      uint32
	value    []byte
	children []*Node

	// raw is the encoding the node was parsed from, dropped on mutation.
	raw []byte
}

// NewPrimitive creates a primitive node. The value is not copied.
func NewPrimitive(tag uint32, value []byte) *Node {
	return &Node{Tag: tag, value: value}
}

// NewConstructed creates a constructed node holding children in order.
func NewConstructed(tag uint32, children ...*Node) *Node {
	n := &Node{Tag: tag}
	n.Add(children...)

	return n
}

// Add appends children to a constructed node and returns it for chaining.
// nil children are skipped which lets callers add optional elements inline.
func (n *Node) Add(children ...*Node) *Node {
	n.raw = nil
	for _, c := range children {
		if c != nil {
			n.children = append(n.children, c)
		}
	}

	return n
}

// IsConstructed reports whether the tag has the constructed bit set.
func (n *Node) IsConstructed() bool {
	return firstTagByte(n.Tag)&classMaskValue == classMaskValue
}

// Children returns the parsed or added children.
func (n *Node) Children() []*Node {
	return n.children
}

// Value returns the value field. For constructed nodes this is the encoding of
// all children.
func (n *Node) Value() []byte {
	if len(n.children) == 0 {
		return n.value
	}

	var out []byte
	for _, c := range n.children {
		out = append(out, c.Bytes()...)
	}

	return out
}

// Bytes returns the complete encoding of the node: tag, length and value.
func (n *Node) Bytes() []byte {
	v := n.Value()
	out := appendTag(nil, n.Tag)
	out = appendLength(out, len(v))

	return append(out, v...)
}

// Raw returns the bytes a parsed node was decoded from, or its encoding when
// the node was built locally. Signatures are computed over these bytes, which
// may differ from Bytes when the sender used a non minimal length.
func (n *Node) Raw() []byte {
	if n.raw != nil {
		return n.raw
	}

	return n.Bytes()
}

// Child returns the child at index i.
func (n *Node) Child(i int) (*Node, error) {
	if i < 0 || i >= len(n.children) {
		return nil, fmt.Errorf("%w: index %d of tag %X with %d children", ErrNoChild, i, n.Tag, len(n.children))
	}

	return n.children[i], nil
}

// Find returns the first direct child with the given tag or nil.
func (n *Node) Find(tag uint32) *Node {
	for _, c := range n.children {
		if c.Tag == tag {
			return c
		}
	}

	return nil
}

// Get follows a path of tags from this node, descending one level per tag.
func (n *Node) Get(path ...uint32) (*Node, error) {
	cur := n
	for _, tag := range path {
		next := cur.Find(tag)
		if next == nil {
			return nil, fmt.Errorf("%w: tag %X below %X", ErrNoChild, tag, cur.Tag)
		}
		cur = next
	}

	return cur, nil
}

func (n *Node) String() string {
	return fmt.Sprintf("%X[%d]", n.Tag, len(n.Value()))
}

func firstTagByte(tag uint32) byte {
	for tag > 0xff {
		tag >>= 8
	}

	return byte(tag)
}

func appendTag(out []byte, tag uint32) []byte {
	switch {
	case tag > 0xffffff:
		return append(out, byte(tag>>24), byte(tag>>16), byte(tag>>8), byte(tag))
	case tag > 0xffff:
		return append(out, byte(tag>>16), byte(tag>>8), byte(tag))
	case tag > 0xff:
		return append(out, byte(tag>>8), byte(tag))
	}

	return append(out, byte(tag))
}

// appendLength writes the definite length in its shortest form.
// nolint:gomnd
func appendLength(out []byte, n int) []byte {
	switch {
	case n < 0x80:
		return append(out, byte(n))
	case n <= 0xff:
		return append(out, 0x81, byte(n))
	case n <= 0xffff:
		return append(out, 0x82, byte(n>>8), byte(n))
	case n <= 0xffffff:
		return append(out, 0x83, byte(n>>16), byte(n>>8), byte(n))
	}

	return append(out, 0x84, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// tlv walks a byte slice element by element.
type tlv struct {
	// data contains the bytes not consumed yet.
	data []byte
}

// getByte will return a single byte.
func (t *tlv) getByte() (byte, error) {
	if len(t.data) == 0 {
		return 0, ErrNoBytesLeft
	}

	v := t.data[0]
	t.data = t.data[1:]

	return v, nil
}

// getBytes will return n bytes.
// nolint:varnamelen
func (t *tlv) getBytes(n int) ([]byte, error) {
	if len(t.data) < n {
		return nil, fmt.Errorf("%w: want %d, have %d", ErrNoBytesLeft, n, len(t.data))
	}

	v := t.data[:n]
	t.data = t.data[n:]

	return v, nil
}

func (t *tlv) getTag() (uint32, error) {
	b, err := t.getByte()
	if err != nil {
		return 0, err
	}

	tag := uint32(b)
	if b&longTagMaskValue != longTagMaskValue {
		return tag, nil
	}

	// long tag (more than a single byte)
	for i := 0; ; i++ {
		if i == 3 {
			return 0, fmt.Errorf("%w: tag longer than 4 bytes", ErrBadTag)
		}

		b, err = t.getByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated tag", ErrBadTag)
		}

		tag = tag<<8 | uint32(b)

		if b&longTagInitialLen != longTagInitialLen {
			return tag, nil
		}
	}
}

func (t *tlv) getLength() (int, error) {
	b, err := t.getByte()
	if err != nil {
		return 0, err
	}

	if b&highBitMask == 0 {
		// short length
		return int(b), nil
	}

	count := int(b & sevenBitMask)
	if count == 0 || count > maxLengthBytes {
		return 0, fmt.Errorf("%w: 0x%02x", ErrBadLength, b)
	}

	n := 0
	for i := 0; i < count; i++ {
		b, err = t.getByte()
		if err != nil {
			return 0, fmt.Errorf("%w: truncated length", ErrBadLength)
		}
		n = n<<8 | int(b)
	}

	return n, nil
}

func (t *tlv) next() (*Node, error) {
	start := t.data

	tag, err := t.getTag()
	if err != nil {
		return nil, err
	}

	n, err := t.getLength()
	if err != nil {
		return nil, fmt.Errorf("tag %X: %w", tag, err)
	}

	value, err := t.getBytes(n)
	if err != nil {
		return nil, fmt.Errorf("tag %X: %w", tag, err)
	}

	node := &Node{Tag: tag, value: value, raw: start[:len(start)-len(t.data)]}
	if node.IsConstructed() && len(value) > 0 {
		node.children, err = ParseAll(value)
		if err != nil {
			return nil, fmt.Errorf("tag %X: %w", tag, err)
		}
	}

	return node, nil
}

// Parse decodes the first element of data and returns it together with the
// remaining bytes.
func Parse(data []byte) (*Node, []byte, error) {
	t := &tlv{data: data}

	n, err := t.next()
	if err != nil {
		return nil, nil, err
	}

	return n, t.data, nil
}

// ParseAll decodes a concatenation of elements. Padding bytes 0x00 and 0xFF
// between elements are not accepted.
func ParseAll(data []byte) ([]*Node, error) {
	t := &tlv{data: data}

	var nodes []*Node
	for len(t.data) > 0 {
		n, err := t.next()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	return nodes, nil
}
