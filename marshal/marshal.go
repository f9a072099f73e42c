// Package marshal implements a registry of typed, compact record
// serializers: ranged integers, bit-packed unsigned integers, quantized
// floats, raw doubles, bools, bounded strings, and nested types, wired
// together by a two-phase declare-then-resolve registration pass.
//
// Ported from IMarshalManager/TypeMarshal/MarshalOp in
// _examples/original_source/src/etwork/marshal.h and
// _examples/original_source/src/lib/marshal.cpp. The original binds
// fields to raw struct byte offsets (MemberDesc::offset_); that has no
// safe, idiomatic Go equivalent, so fields are instead bound to Go
// struct field names and walked with reflect — the same "ordered field
// list, each with an element marshaller" shape, without unsafe offset
// arithmetic. The original's separate in-memory "instance size" with
// alignment rounding is dropped for the same reason: Go already lays out
// struct memory itself, so there is nothing for this package to compute.
package marshal

import (
	"math"
	"reflect"

	"github.com/pkg/errors"

	socket "github.com/okubo-dev/wiresock"
)

// Element is a single field's wire codec. Implementations marshal to and
// demarshal from a socket.Block at its current cursor, operating on the
// addressable reflect.Value of the struct field they are bound to.
type Element interface {
	MaxSize() int
	Marshal(v reflect.Value, b *socket.Block) bool
	Demarshal(v reflect.Value, b *socket.Block) bool
}

// RangeError reports a field value, or a value decoded off the wire, that
// violates its declared constraint. TypeDescriptor.Marshal/Demarshal let
// this propagate as a panic rather than a false return: IntMarshaller and
// friends throw std::invalid_argument on exactly this condition in both
// directions (marshal.cpp:57-61,84-88), and spec §9 treats a constraint
// violation as a fatal structured error rather than a recoverable
// bytes-in-the-stream one. Insufficient wire space remains a soft
// false/cursor-restore return — only an out-of-range value panics.
type RangeError struct {
	cause error
}

func (e *RangeError) Error() string { return e.cause.Error() }
func (e *RangeError) Unwrap() error { return e.cause }

func rangePanic(format string, args ...interface{}) {
	panic(&RangeError{cause: errors.Errorf(format, args...)})
}

// writeRangedInt encodes val-min using the minimum number of big-endian
// bytes needed to hold max-min, per spec's ranged-int element.
func writeRangedInt(b *socket.Block, val, min, max int64) bool {
	if val < min || val > max {
		rangePanic("marshal: value %d out of range [%d, %d]", val, min, max)
	}
	n := bytesForRange(uint64(max - min))
	enc := uint64(val - min)
	buf := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(enc)
		enc >>= 8
	}
	return b.Write(buf) == n
}

func readRangedInt(b *socket.Block, min, max int64) (int64, bool) {
	n := bytesForRange(uint64(max - min))
	buf := make([]byte, n)
	if b.Read(buf) != n {
		return 0, false
	}
	var enc uint64
	for _, by := range buf {
		enc = enc<<8 | uint64(by)
	}
	val := min + int64(enc)
	if val > max {
		rangePanic("marshal: decoded value %d exceeds range [%d, %d]", val, min, max)
	}
	return val, true
}

func writeBits(b *socket.Block, val uint64, bits uint) bool {
	mask := bitMask(bits)
	if val&^mask != 0 {
		rangePanic("marshal: value %d does not fit in %d bits", val, bits)
	}
	n := bytesForBits(bits)
	buf := make([]byte, n)
	v := val
	for i := n - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return b.Write(buf) == n
}

func readBits(b *socket.Block, bits uint) (uint64, bool) {
	n := bytesForBits(bits)
	buf := make([]byte, n)
	if b.Read(buf) != n {
		return 0, false
	}
	var val uint64
	for _, by := range buf {
		val = val<<8 | uint64(by)
	}
	if val&^bitMask(bits) != 0 {
		rangePanic("marshal: decoded value %d does not fit in %d bits", val, bits)
	}
	return val, true
}

func bitMask(bits uint) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << bits) - 1
}

func bytesForBits(bits uint) int {
	return int((bits + 7) / 8)
}

func bytesForRange(rangeVal uint64) int {
	n := 1
	for rangeVal > 0xFF {
		rangeVal >>= 8
		n++
	}
	return n
}

// IntElement marshals a signed integer constrained to [Min, Max].
type IntElement struct{ Min, Max int64 }

func (e *IntElement) MaxSize() int { return bytesForRange(uint64(e.Max - e.Min)) }

func (e *IntElement) Marshal(v reflect.Value, b *socket.Block) bool {
	return writeRangedInt(b, v.Int(), e.Min, e.Max)
}

func (e *IntElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	val, ok := readRangedInt(b, e.Min, e.Max)
	if !ok {
		return false
	}
	v.SetInt(val)
	return true
}

// UintElement marshals an unsigned integer using ceil(Bits/8) bytes,
// range-checked against 2^Bits - 1.
type UintElement struct{ Bits uint }

func (e *UintElement) MaxSize() int { return bytesForBits(e.Bits) }

func (e *UintElement) Marshal(v reflect.Value, b *socket.Block) bool {
	return writeBits(b, v.Uint(), e.Bits)
}

func (e *UintElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	val, ok := readBits(b, e.Bits)
	if !ok {
		return false
	}
	v.SetUint(val)
	return true
}

// Uint64Element is UintElement for Bits up to 64, kept distinct to mirror
// the original's separate Uint64Marshaller (and because Go's uint64
// bit masking at 64 bits needs its own branch, see bitMask).
type Uint64Element struct{ Bits uint }

func (e *Uint64Element) MaxSize() int { return bytesForBits(e.Bits) }

func (e *Uint64Element) Marshal(v reflect.Value, b *socket.Block) bool {
	return writeBits(b, v.Uint(), e.Bits)
}

func (e *Uint64Element) Demarshal(v reflect.Value, b *socket.Block) bool {
	val, ok := readBits(b, e.Bits)
	if !ok {
		return false
	}
	v.SetUint(val)
	return true
}

// FloatElement quantizes a float64 field to int((v-Min)/Prec) and
// delegates to the ranged-int wire encoding, bounding round-trip error
// to Prec.
type FloatElement struct{ Min, Max, Prec float64 }

func (e *FloatElement) maxQuantum() int64 {
	return int64(math.Ceil((e.Max-e.Min)/e.Prec)) + 1
}

func (e *FloatElement) MaxSize() int { return bytesForRange(uint64(e.maxQuantum())) }

func (e *FloatElement) Marshal(v reflect.Value, b *socket.Block) bool {
	val := v.Float()
	if val < e.Min || val > e.Max {
		rangePanic("marshal: float value %v out of range [%v, %v]", val, e.Min, e.Max)
	}
	q := int64((val - e.Min) / e.Prec)
	maxQ := e.maxQuantum()
	if q > maxQ {
		q = maxQ
	}
	return writeRangedInt(b, q, 0, maxQ)
}

func (e *FloatElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	q, ok := readRangedInt(b, 0, e.maxQuantum())
	if !ok {
		return false
	}
	v.SetFloat(e.Min + float64(q)*e.Prec)
	return true
}

// DoubleElement marshals a float64 bit-for-bit via the 64-bit unsigned
// path, matching DoubleMarshaller's delegation to Uint64Marshaller(64).
type DoubleElement struct{}

func (e *DoubleElement) MaxSize() int { return 8 }

func (e *DoubleElement) Marshal(v reflect.Value, b *socket.Block) bool {
	return writeBits(b, math.Float64bits(v.Float()), 64)
}

func (e *DoubleElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	bits, ok := readBits(b, 64)
	if !ok {
		return false
	}
	v.SetFloat(math.Float64frombits(bits))
	return true
}

// BoolElement marshals a bool as a single 0/1 byte.
type BoolElement struct{}

func (e *BoolElement) MaxSize() int { return 1 }

func (e *BoolElement) Marshal(v reflect.Value, b *socket.Block) bool {
	var by byte
	if v.Bool() {
		by = 1
	}
	return b.Write([]byte{by}) == 1
}

func (e *BoolElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	buf := make([]byte, 1)
	if b.Read(buf) != 1 {
		return false
	}
	v.SetBool(buf[0] != 0)
	return true
}

// StringElement marshals a bounded string as a ranged-int length prefix
// (0..MaxLen) followed by that many raw bytes.
type StringElement struct{ MaxLen int }

func (e *StringElement) MaxSize() int { return bytesForRange(uint64(e.MaxLen)) + e.MaxLen }

func (e *StringElement) Marshal(v reflect.Value, b *socket.Block) bool {
	s := v.String()
	if len(s) > e.MaxLen {
		rangePanic("marshal: string length %d exceeds max %d", len(s), e.MaxLen)
	}
	if !writeRangedInt(b, int64(len(s)), 0, int64(e.MaxLen)) {
		return false
	}
	return b.Write([]byte(s)) == len(s)
}

func (e *StringElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	n, ok := readRangedInt(b, 0, int64(e.MaxLen))
	if !ok {
		return false
	}
	buf := make([]byte, n)
	if b.Read(buf) != int(n) {
		return false
	}
	v.SetString(string(buf))
	return true
}

// TypeElement delegates to another registered type's marshaller,
// resolved by name during Registry.Startup.
type TypeElement struct {
	TypeName string
	target   *TypeDescriptor
}

func (e *TypeElement) MaxSize() int {
	if e.target == nil {
		return 0
	}
	return e.target.maxWireSize
}

func (e *TypeElement) Marshal(v reflect.Value, b *socket.Block) bool {
	return e.target.marshalValue(v, b)
}

func (e *TypeElement) Demarshal(v reflect.Value, b *socket.Block) bool {
	return e.target.demarshalValue(v, b)
}

// Field binds one struct field, by Go field name, to an Element.
type Field struct {
	Name string
	Elem Element
}

// TypeDescriptor is a registered type's ordered field list plus its
// string name and optional numeric id. Built with NewType and the
// fluent Int/Uint/Uint64/Float/Double/Bool/String/Type helpers, then
// handed to Registry.Register.
type TypeDescriptor struct {
	Name   string
	ID     uint32
	Fields []Field

	resolved    bool
	maxWireSize int
}

// NewType starts a new type declaration. id may be zero if the type is
// never used as a top-level dispatch target.
func NewType(name string, id uint32) *TypeDescriptor {
	return &TypeDescriptor{Name: name, ID: id}
}

func (t *TypeDescriptor) field(name string, e Element) *TypeDescriptor {
	t.Fields = append(t.Fields, Field{Name: name, Elem: e})
	return t
}

// Int declares a signed integer field ranged over [min, max].
func (t *TypeDescriptor) Int(name string, min, max int64) *TypeDescriptor {
	return t.field(name, &IntElement{Min: min, Max: max})
}

// Uint declares an unsigned integer field using bits bits.
func (t *TypeDescriptor) Uint(name string, bits uint) *TypeDescriptor {
	return t.field(name, &UintElement{Bits: bits})
}

// Uint64 declares an unsigned 64-bit-domain integer field using bits bits.
func (t *TypeDescriptor) Uint64(name string, bits uint) *TypeDescriptor {
	return t.field(name, &Uint64Element{Bits: bits})
}

// Float declares a quantized float64 field ranged over [min, max] with
// precision prec.
func (t *TypeDescriptor) Float(name string, min, max, prec float64) *TypeDescriptor {
	return t.field(name, &FloatElement{Min: min, Max: max, Prec: prec})
}

// Double declares a bit-for-bit float64 field.
func (t *TypeDescriptor) Double(name string) *TypeDescriptor {
	return t.field(name, &DoubleElement{})
}

// Bool declares a single-byte boolean field.
func (t *TypeDescriptor) Bool(name string) *TypeDescriptor {
	return t.field(name, &BoolElement{})
}

// String declares a bounded string field, at most maxLen bytes.
func (t *TypeDescriptor) String(name string, maxLen int) *TypeDescriptor {
	return t.field(name, &StringElement{MaxLen: maxLen})
}

// Type declares a nested field of another registered type, resolved by
// name during Registry.Startup. Registration order does not matter —
// typeName may be registered before or after t.
func (t *TypeDescriptor) Type(name string, typeName string) *TypeDescriptor {
	return t.field(name, &TypeElement{TypeName: typeName})
}

// Marshal walks t's fields in declared order, encoding record (a struct
// or pointer to one) into b at its current cursor. A field that doesn't
// fit in the remaining space restores the cursor to its pre-call
// position and returns false; a field value that violates its declared
// constraint panics with a *RangeError instead, since that condition is
// a caller bug, not recoverable backpressure.
func (t *TypeDescriptor) Marshal(record interface{}, b *socket.Block) bool {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	return t.marshalValue(v, b)
}

func (t *TypeDescriptor) marshalValue(v reflect.Value, b *socket.Block) bool {
	start := b.Pos()
	for _, f := range t.Fields {
		fv := v.FieldByName(f.Name)
		if !fv.IsValid() || !f.Elem.Marshal(fv, b) {
			b.Seek(start)
			return false
		}
	}
	return true
}

// Demarshal walks t's fields in declared order, decoding from b at its
// current cursor into record, which must be a pointer to a struct. Too
// few remaining bytes for a field restores the cursor and returns false;
// a decoded value that violates its field's declared constraint panics
// with a *RangeError instead, matching Marshal and the original's
// IntMarshaller/UintMarshaller throwing std::invalid_argument on a
// corrupt or out-of-range decode.
func (t *TypeDescriptor) Demarshal(record interface{}, b *socket.Block) bool {
	v := reflect.ValueOf(record)
	if v.Kind() != reflect.Ptr {
		return false
	}
	return t.demarshalValue(v.Elem(), b)
}

func (t *TypeDescriptor) demarshalValue(v reflect.Value, b *socket.Block) bool {
	start := b.Pos()
	for _, f := range t.Fields {
		fv := v.FieldByName(f.Name)
		if !fv.IsValid() || !fv.CanSet() || !f.Elem.Demarshal(fv, b) {
			b.Seek(start)
			return false
		}
	}
	return true
}

// MaxWireSize returns t's aggregate maximum wire size, valid only after
// Registry.Startup has resolved t.
func (t *TypeDescriptor) MaxWireSize() int { return t.maxWireSize }

// Registry is the two-phase type registration manager: Register declares
// intent, Startup resolves every nested type reference and computes each
// type's aggregate wire size. Ported from MarshalManager in marshal.cpp.
type Registry struct {
	order  []*TypeDescriptor
	byName map[string]*TypeDescriptor
	byID   map[uint32]*TypeDescriptor
	ready  bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register declares t. Registration only records intent — duplicate
// names/ids and unresolved nested-type references are not detected
// until Startup, so registration order (including forward references to
// types not yet registered) never matters.
func (r *Registry) Register(t *TypeDescriptor) error {
	if r.ready {
		return errors.New("marshal: Register called after Startup")
	}
	if t.Name == "" {
		return errors.New("marshal: type must have a name")
	}
	r.order = append(r.order, t)
	return nil
}

// Startup resolves every registered type: binds nested TypeElement
// fields to their target TypeDescriptor (pulling referenced types
// forward out of declaration order), computes each type's aggregate
// wire size, and rejects duplicate names, duplicate non-zero ids, and
// reference cycles.
func (r *Registry) Startup() error {
	r.byName = make(map[string]*TypeDescriptor, len(r.order))
	r.byID = make(map[uint32]*TypeDescriptor, len(r.order))
	for _, t := range r.order {
		if _, dup := r.byName[t.Name]; dup {
			return errors.Errorf("marshal: duplicate type name %q", t.Name)
		}
		r.byName[t.Name] = t
		if t.ID != 0 {
			if _, dup := r.byID[t.ID]; dup {
				return errors.Errorf("marshal: duplicate type id %d", t.ID)
			}
			r.byID[t.ID] = t
		}
	}

	resolving := make(map[string]bool, len(r.order))
	for _, t := range r.order {
		if err := r.resolve(t, resolving); err != nil {
			return err
		}
	}
	r.ready = true
	return nil
}

func (r *Registry) resolve(t *TypeDescriptor, resolving map[string]bool) error {
	if t.resolved {
		return nil
	}
	if resolving[t.Name] {
		return errors.Errorf("marshal: cyclic type reference involving %q", t.Name)
	}
	resolving[t.Name] = true

	size := 0
	for _, f := range t.Fields {
		if te, ok := f.Elem.(*TypeElement); ok {
			nested, ok := r.byName[te.TypeName]
			if !ok {
				return errors.Errorf("marshal: type %q references unregistered type %q", t.Name, te.TypeName)
			}
			if err := r.resolve(nested, resolving); err != nil {
				return err
			}
			te.target = nested
		}
		size += f.Elem.MaxSize()
	}
	t.maxWireSize = size
	t.resolved = true
	delete(resolving, t.Name)
	return nil
}

// Lookup returns the resolved type registered under name.
func (r *Registry) Lookup(name string) (*TypeDescriptor, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// LookupID returns the resolved type registered under the given non-zero id.
func (r *Registry) LookupID(id uint32) (*TypeDescriptor, bool) {
	t, ok := r.byID[id]
	return t, ok
}

// Count reports how many types have been registered.
func (r *Registry) Count() int {
	return len(r.order)
}
