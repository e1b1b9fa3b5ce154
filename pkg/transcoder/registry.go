package transcoder

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/immutable"
	"github.com/vmihailenco/msgpack/v5"
)

// Adapter takes over the optimized encoding of one registered type.
// Read receives a settable value of the registered type.
type Adapter interface {
	Write(enc *msgpack.Encoder, v reflect.Value) error
	Read(dec *msgpack.Decoder, v reflect.Value) error
}

type registration struct {
	id      uint32 // 0 for types known only by name
	name    string
	typ     reflect.Type
	adapter Adapter
}

// Registry maps Go types to the compact numeric IDs written by the optimized
// backend. IDs follow registration order, so every process sharing payloads
// must register the same types in the same order. A Registry is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byType map[reflect.Type]*registration
	byName map[string]*registration
	byID   []*registration
}

// NewRegistry returns a registry preloaded with the well-known container
// types and dates.
func NewRegistry() *Registry {
	r := &Registry{
		byType: make(map[reflect.Type]*registration),
		byName: make(map[string]*registration),
	}
	registerDateExt()
	r.Register([]any(nil))
	r.RegisterWithAdapter(map[string]any(nil), mapAdapter{})
	r.Register(map[string]struct{}(nil))
	r.RegisterWithAdapter((*immutable.SortedMap[string, any])(nil), sortedMapAdapter{})
	r.RegisterWithAdapter((*immutable.List[any])(nil), listAdapter{})
	r.Register([]string(nil))
	r.Register(map[string]string(nil))
	r.Register(int(0))
	r.Register(uint(0))
	r.Register(uint8(0))
	r.Register(uint16(0))
	r.Register(uint32(0))
	r.Register(uint64(0))
	r.Register(time.Time{})
	return r
}

// Register assigns the next ID to the type of value and returns it.
// Registering an already known type returns its existing ID.
func (r *Registry) Register(value any) uint32 {
	return r.register(value, nil)
}

// RegisterWithAdapter registers the type of value with a custom adapter.
func (r *Registry) RegisterWithAdapter(value any, a Adapter) uint32 {
	return r.register(value, a)
}

func (r *Registry) register(value any, a Adapter) uint32 {
	t := reflect.TypeOf(value)
	if t == nil {
		panic("transcoder: cannot register the nil type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.byType[t]; ok && reg.id != 0 {
		if a != nil {
			reg.adapter = a
		}
		return reg.id
	}
	reg := &registration{
		id:      uint32(len(r.byID) + 1),
		name:    typeName(t),
		typ:     t,
		adapter: a,
	}
	r.byID = append(r.byID, reg)
	r.byType[t] = reg
	r.byName[reg.name] = reg
	return reg.id
}

// forType returns the registration for t, recording unregistered types by
// name so this process can read back what it wrote.
func (r *Registry) forType(t reflect.Type) *registration {
	r.mu.RLock()
	reg, ok := r.byType[t]
	r.mu.RUnlock()
	if ok {
		return reg
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if reg, ok := r.byType[t]; ok {
		return reg
	}
	reg = &registration{name: typeName(t), typ: t}
	r.byType[t] = reg
	if _, taken := r.byName[reg.name]; !taken {
		r.byName[reg.name] = reg
	}
	return reg
}

func (r *Registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// typesFrom returns the types holding IDs above n, in ID order.
func (r *Registry) typesFrom(n int) []reflect.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n >= len(r.byID) {
		return nil
	}
	types := make([]reflect.Type, 0, len(r.byID)-n)
	for _, reg := range r.byID[n:] {
		types = append(types, reg.typ)
	}
	return types
}

func (r *Registry) byIdentifier(id uint32) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == 0 || int(id) > len(r.byID) {
		return nil, false
	}
	return r.byID[id-1], true
}

func (r *Registry) byTypeName(name string) (*registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byName[name]
	return reg, ok
}

// typeName follows the naming used by encoding/gob.Register.
func typeName(t reflect.Type) string {
	star := ""
	base := t
	if t.Name() == "" && t.Kind() == reflect.Pointer {
		star = "*"
		base = t.Elem()
	}
	if base.Name() == "" {
		return t.String()
	}
	if base.PkgPath() == "" {
		return star + base.Name()
	}
	return star + base.PkgPath() + "." + base.Name()
}

// dateExtID tags dates written as the decimal string of epoch milliseconds.
const dateExtID int8 = 16

var dateExtOnce sync.Once

// registerDateExt routes every time.Time msgpack encodes by reflection,
// including nested struct fields and interface slots, through the date
// extension. Interface slots decode it back to time.Time. msgpack caches
// per-type encoders, so this must run before the first optimized encode.
func registerDateExt() {
	dateExtOnce.Do(func() {
		msgpack.RegisterExtEncoder(dateExtID, time.Time{}, encodeDateExt)
		msgpack.RegisterExtDecoder(dateExtID, time.Time{}, decodeDateExt)
	})
}

func encodeDateExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	t := v.Interface().(time.Time)
	return strconv.AppendInt(nil, t.UnixMilli(), 10), nil
}

func decodeDateExt(dec *msgpack.Decoder, v reflect.Value, extLen int) error {
	b := make([]byte, extLen)
	if err := dec.ReadFull(b); err != nil {
		return err
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("date %q: %w", b, err)
	}
	v.Set(reflect.ValueOf(time.UnixMilli(ms)))
	return nil
}

// encodeAny writes v by reflection. Encoder.Encode special-cases time.Time
// and would bypass the date extension.
func encodeAny(enc *msgpack.Encoder, v any) error {
	if v == nil {
		return enc.EncodeNil()
	}
	return enc.EncodeValue(reflect.ValueOf(v))
}

// mapAdapter writes a map[string]any with its values passed through encodeAny.
type mapAdapter struct{}

func (mapAdapter) Write(enc *msgpack.Encoder, v reflect.Value) error {
	m, _ := v.Interface().(map[string]any)
	if m == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeMapLen(len(m)); err != nil {
		return err
	}
	for k, val := range m {
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := encodeAny(enc, val); err != nil {
			return err
		}
	}
	return nil
}

func (mapAdapter) Read(dec *msgpack.Decoder, v reflect.Value) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n == -1 {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}
	m := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return err
		}
		if m[k], err = dec.DecodeInterface(); err != nil {
			return err
		}
	}
	v.Set(reflect.ValueOf(m))
	return nil
}

// sortedMapAdapter writes a SortedMap as a plain msgpack map in key order.
type sortedMapAdapter struct{}

func (sortedMapAdapter) Write(enc *msgpack.Encoder, v reflect.Value) error {
	m, _ := v.Interface().(*immutable.SortedMap[string, any])
	if m == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeMapLen(m.Len()); err != nil {
		return err
	}
	it := m.Iterator()
	for !it.Done() {
		k, val, _ := it.Next()
		if err := enc.EncodeString(k); err != nil {
			return err
		}
		if err := encodeAny(enc, val); err != nil {
			return err
		}
	}
	return nil
}

func (sortedMapAdapter) Read(dec *msgpack.Decoder, v reflect.Value) error {
	n, err := dec.DecodeMapLen()
	if err != nil {
		return err
	}
	if n == -1 {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}
	m := &immutable.SortedMap[string, any]{}
	for i := 0; i < n; i++ {
		k, err := dec.DecodeString()
		if err != nil {
			return err
		}
		val, err := dec.DecodeInterface()
		if err != nil {
			return err
		}
		m = m.Set(k, val)
	}
	v.Set(reflect.ValueOf(m))
	return nil
}

// listAdapter writes a List as a msgpack array.
type listAdapter struct{}

func (listAdapter) Write(enc *msgpack.Encoder, v reflect.Value) error {
	l, _ := v.Interface().(*immutable.List[any])
	if l == nil {
		return enc.EncodeNil()
	}
	if err := enc.EncodeArrayLen(l.Len()); err != nil {
		return err
	}
	for i := 0; i < l.Len(); i++ {
		if err := encodeAny(enc, l.Get(i)); err != nil {
			return err
		}
	}
	return nil
}

func (listAdapter) Read(dec *msgpack.Decoder, v reflect.Value) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n == -1 {
		v.Set(reflect.Zero(v.Type()))
		return nil
	}
	l := immutable.NewList[any]()
	for i := 0; i < n; i++ {
		val, err := dec.DecodeInterface()
		if err != nil {
			return err
		}
		l = l.Append(val)
	}
	v.Set(reflect.ValueOf(l))
	return nil
}
