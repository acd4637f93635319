// Package graphdef encodes and decodes the subset of the TensorFlow GraphDef
// wire format needed for small fixture graphs: placeholders, constants and
// single-type ops such as Add or Identity.
package graphdef

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers from tensorflow/core/framework/{graph,node_def,attr_value,tensor,tensor_shape}.proto.
const (
	graphNode     protowire.Number = 1
	graphVersions protowire.Number = 4

	versionsProducer protowire.Number = 1

	nodeName  protowire.Number = 1
	nodeOp    protowire.Number = 2
	nodeInput protowire.Number = 3
	nodeAttr  protowire.Number = 5

	mapKey   protowire.Number = 1
	mapValue protowire.Number = 2

	attrType   protowire.Number = 6
	attrShape  protowire.Number = 7
	attrTensor protowire.Number = 8

	tensorDType     protowire.Number = 1
	tensorShape     protowire.Number = 2
	tensorContent   protowire.Number = 4
	tensorFloatVal  protowire.Number = 5
	tensorIntVal    protowire.Number = 7
	tensorStringVal protowire.Number = 8

	shapeDim     protowire.Number = 2
	shapeDimSize protowire.Number = 1
)

// Producer is the GraphDef version written by Builder.
const Producer = 27

// Tensor is a constant tensor value.
type Tensor struct {
	DataType  int32
	Shape     []int64
	Content   []byte
	IntVal    []int32
	FloatVal  []float32
	StringVal [][]byte
}

// Node is one NodeDef. DataType is taken from the "dtype" or "T" attribute.
type Node struct {
	Name     string
	Op       string
	Inputs   []string
	DataType int32
	Value    *Tensor
}

// Builder accumulates nodes and serializes them as a GraphDef.
type Builder struct {
	nodes []Node
}

// Placeholder adds a fed input of the given data type.
func (b *Builder) Placeholder(name string, dataType int32) *Builder {
	b.nodes = append(b.nodes, Node{Name: name, Op: "Placeholder", DataType: dataType})
	return b
}

// ConstInt32 adds a scalar int32 constant.
func (b *Builder) ConstInt32(name string, value int32) *Builder {
	const dtInt32 = 3
	b.nodes = append(b.nodes, Node{
		Name:     name,
		Op:       "Const",
		DataType: dtInt32,
		Value:    &Tensor{DataType: dtInt32, Shape: []int64{}, IntVal: []int32{value}},
	})
	return b
}

// Const adds a constant whose value is given in the native tensor layout.
func (b *Builder) Const(name string, dataType int32, shape []int64, content []byte) *Builder {
	b.nodes = append(b.nodes, Node{
		Name:     name,
		Op:       "Const",
		DataType: dataType,
		Value:    &Tensor{DataType: dataType, Shape: shape, Content: content},
	})
	return b
}

// Op adds an op of type op with the given inputs. A non-zero dataType is
// written as the "T" attribute.
func (b *Builder) Op(name, op string, dataType int32, inputs ...string) *Builder {
	b.nodes = append(b.nodes, Node{Name: name, Op: op, DataType: dataType, Inputs: inputs})
	return b
}

// Bytes serializes the graph.
func (b *Builder) Bytes() []byte {
	var out []byte
	for _, n := range b.nodes {
		out = protowire.AppendTag(out, graphNode, protowire.BytesType)
		out = protowire.AppendBytes(out, encodeNode(n))
	}

	var versions []byte
	versions = protowire.AppendTag(versions, versionsProducer, protowire.VarintType)
	versions = protowire.AppendVarint(versions, Producer)
	out = protowire.AppendTag(out, graphVersions, protowire.BytesType)
	out = protowire.AppendBytes(out, versions)
	return out
}

func encodeNode(n Node) []byte {
	var b []byte
	b = protowire.AppendTag(b, nodeName, protowire.BytesType)
	b = protowire.AppendString(b, n.Name)
	b = protowire.AppendTag(b, nodeOp, protowire.BytesType)
	b = protowire.AppendString(b, n.Op)
	for _, in := range n.Inputs {
		b = protowire.AppendTag(b, nodeInput, protowire.BytesType)
		b = protowire.AppendString(b, in)
	}

	typeAttr := "T"
	if n.Op == "Const" || n.Op == "Placeholder" {
		typeAttr = "dtype"
	}
	if n.DataType != 0 {
		var dtype []byte
		dtype = protowire.AppendTag(dtype, attrType, protowire.VarintType)
		dtype = protowire.AppendVarint(dtype, uint64(n.DataType))
		b = appendAttr(b, typeAttr, dtype)
	}

	if n.Value != nil {
		var value []byte
		value = protowire.AppendTag(value, attrTensor, protowire.BytesType)
		value = protowire.AppendBytes(value, encodeTensor(n.Value))
		b = appendAttr(b, "value", value)
	}
	if n.Op == "Placeholder" {
		// Unknown rank.
		var shape []byte
		shape = protowire.AppendTag(shape, attrShape, protowire.BytesType)
		shape = protowire.AppendBytes(shape, []byte{0x18, 0x01})
		b = appendAttr(b, "shape", shape)
	}
	return b
}

func appendAttr(b []byte, key string, value []byte) []byte {
	var entry []byte
	entry = protowire.AppendTag(entry, mapKey, protowire.BytesType)
	entry = protowire.AppendString(entry, key)
	entry = protowire.AppendTag(entry, mapValue, protowire.BytesType)
	entry = protowire.AppendBytes(entry, value)

	b = protowire.AppendTag(b, nodeAttr, protowire.BytesType)
	return protowire.AppendBytes(b, entry)
}

func encodeTensor(t *Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, tensorDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DataType))

	var shape []byte
	for _, dim := range t.Shape {
		var d []byte
		d = protowire.AppendTag(d, shapeDimSize, protowire.VarintType)
		d = protowire.AppendVarint(d, uint64(dim))
		shape = protowire.AppendTag(shape, shapeDim, protowire.BytesType)
		shape = protowire.AppendBytes(shape, d)
	}
	b = protowire.AppendTag(b, tensorShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)

	if len(t.Content) > 0 {
		b = protowire.AppendTag(b, tensorContent, protowire.BytesType)
		b = protowire.AppendBytes(b, t.Content)
	}
	if len(t.FloatVal) > 0 {
		var packed []byte
		for _, v := range t.FloatVal {
			packed = protowire.AppendFixed32(packed, math.Float32bits(v))
		}
		b = protowire.AppendTag(b, tensorFloatVal, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(t.IntVal) > 0 {
		var packed []byte
		for _, v := range t.IntVal {
			packed = protowire.AppendVarint(packed, uint64(int64(v)))
		}
		b = protowire.AppendTag(b, tensorIntVal, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	for _, s := range t.StringVal {
		b = protowire.AppendTag(b, tensorStringVal, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

// Parse decodes the nodes of a serialized GraphDef. Fields outside the
// supported subset are skipped.
func Parse(def []byte) ([]Node, error) {
	var nodes []Node
	err := eachField(def, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		if num != graphNode {
			return nil
		}
		if typ != protowire.BytesType {
			return fmt.Errorf("node field has wire type %d", typ)
		}
		n, err := parseNode(v)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid GraphDef: %w", err)
	}
	return nodes, nil
}

func parseNode(b []byte) (Node, error) {
	var n Node
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case nodeName:
			n.Name = string(v)
		case nodeOp:
			n.Op = string(v)
		case nodeInput:
			n.Inputs = append(n.Inputs, string(v))
		case nodeAttr:
			return parseAttrEntry(v, &n)
		}
		return nil
	})
	if err != nil {
		return Node{}, err
	}
	if n.Name == "" || n.Op == "" {
		return Node{}, fmt.Errorf("node without name or op")
	}
	return n, nil
}

func parseAttrEntry(b []byte, n *Node) error {
	var key string
	var value []byte
	err := eachField(b, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case mapKey:
			key = string(v)
		case mapValue:
			value = v
		}
		return nil
	})
	if err != nil {
		return err
	}

	return eachField(value, func(num protowire.Number, _ protowire.Type, v []byte, scalar uint64) error {
		switch {
		case num == attrType && (key == "dtype" || key == "T"):
			n.DataType = int32(scalar)
		case num == attrTensor && key == "value":
			t, err := parseTensor(v)
			if err != nil {
				return err
			}
			n.Value = t
		}
		return nil
	})
}

func parseTensor(b []byte) (*Tensor, error) {
	t := &Tensor{Shape: []int64{}}
	err := eachField(b, func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error {
		switch num {
		case tensorDType:
			t.DataType = int32(scalar)
		case tensorShape:
			return eachField(v, func(num protowire.Number, _ protowire.Type, dim []byte, _ uint64) error {
				if num != shapeDim {
					return nil
				}
				return eachField(dim, func(num protowire.Number, _ protowire.Type, _ []byte, size uint64) error {
					if num == shapeDimSize {
						t.Shape = append(t.Shape, int64(size))
					}
					return nil
				})
			})
		case tensorContent:
			t.Content = append([]byte(nil), v...)
		case tensorFloatVal:
			if typ == protowire.Fixed32Type {
				t.FloatVal = append(t.FloatVal, math.Float32frombits(uint32(scalar)))
				return nil
			}
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed32(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.FloatVal = append(t.FloatVal, math.Float32frombits(bits))
				v = v[n:]
			}
		case tensorIntVal:
			if typ == protowire.VarintType {
				t.IntVal = append(t.IntVal, int32(scalar))
				return nil
			}
			for len(v) > 0 {
				x, n := protowire.ConsumeVarint(v)
				if n < 0 {
					return protowire.ParseError(n)
				}
				t.IntVal = append(t.IntVal, int32(x))
				v = v[n:]
			}
		case tensorStringVal:
			t.StringVal = append(t.StringVal, append([]byte(nil), v...))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// eachField walks the top-level fields of a message. Length-delimited fields
// are passed as v; varint and fixed fields as scalar.
func eachField(b []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, scalar uint64) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var v []byte
		var scalar uint64
		switch typ {
		case protowire.VarintType:
			scalar, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var x uint32
			x, n = protowire.ConsumeFixed32(b)
			scalar = uint64(x)
		case protowire.Fixed64Type:
			scalar, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := fn(num, typ, v, scalar); err != nil {
			return err
		}
	}
	return nil
}
