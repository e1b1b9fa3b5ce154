package transcoder

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"
)

// Backend is a generic object serializer for values without a fast path.
type Backend interface {
	Kind() Kind
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// TypeResolver supplies a prototype value for a stored type name that the
// serializer does not know yet.
type TypeResolver func(name string) (prototype any, ok bool)

// Classic is the gob-backed backend. Values are written as gob interface
// values so the stream names its own concrete type. Classic is safe for
// concurrent use.
type Classic struct {
	// Resolver is consulted when a stream names a type that was never
	// registered with gob in this process.
	Resolver TypeResolver
	// Registry, when set, lends its types to gob so that values of those
	// types can also travel inside interface values, such as []any elements.
	Registry *Registry

	registered sync.Map // reflect.Type -> struct{}
	synced     atomic.Int64
	syncMu     sync.Mutex
}

func (c *Classic) Kind() Kind { return KindGenericClassic }

func (c *Classic) Marshal(v any) ([]byte, error) {
	c.syncRegistry()
	c.register(v)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Classic) Unmarshal(data []byte) (any, error) {
	c.syncRegistry()
	v, err := decodeGob(data)
	if err == nil {
		return v, nil
	}

	name, ok := unregisteredGobName(err)
	if !ok {
		if strings.Contains(err.Error(), "type mismatch") {
			return nil, fmt.Errorf("%w: %w", ErrIncompatibleType, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrCorruptStream, err)
	}
	if c.Resolver != nil {
		if proto, found := c.Resolver(name); found && registerGobName(name, proto) {
			if v, err := decodeGob(data); err == nil {
				return v, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrIncompatibleType, name)
}

// register makes the concrete type of v known to gob. A type that gob
// already knows under another name keeps that name.
func (c *Classic) register(v any) {
	t := reflect.TypeOf(v)
	if _, ok := c.registered.Load(t); ok {
		return
	}
	func() {
		defer func() { _ = recover() }()
		gob.Register(v)
	}()
	c.registered.Store(t, struct{}{})
}

// syncRegistry registers with gob every Registry type added since the last call.
func (c *Classic) syncRegistry() {
	if c.Registry == nil || int64(c.Registry.len()) == c.synced.Load() {
		return
	}
	c.syncMu.Lock()
	defer c.syncMu.Unlock()

	types := c.Registry.typesFrom(int(c.synced.Load()))
	for _, t := range types {
		c.register(reflect.Zero(t).Interface())
	}
	c.synced.Add(int64(len(types)))
}

func decodeGob(data []byte) (any, error) {
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

const gobUnregistered = "name not registered for interface: "

func unregisteredGobName(err error) (string, bool) {
	_, quoted, ok := strings.Cut(err.Error(), gobUnregistered)
	if !ok {
		return "", false
	}
	name, uerr := strconv.Unquote(quoted)
	if uerr != nil {
		return "", false
	}
	return name, true
}

func registerGobName(name string, proto any) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	gob.RegisterName(name, proto)
	return true
}

// Optimized is the msgpack-backed backend. Each payload starts with the
// registry ID of its type (or 0 and the type name) followed by the value.
// An Optimized owns reusable encoder state and must not be shared between
// goroutines; see Session.
type Optimized struct {
	registry *Registry

	buf bytes.Buffer
	enc *msgpack.Encoder
	rd  bytes.Reader
	dec *msgpack.Decoder
}

// NewOptimized returns a backend bound to reg.
func NewOptimized(reg *Registry) *Optimized {
	o := &Optimized{registry: reg}
	o.enc = msgpack.NewEncoder(&o.buf)
	o.dec = msgpack.NewDecoder(&o.rd)
	return o
}

func (o *Optimized) Kind() Kind { return KindGenericOptimized }

func (o *Optimized) Marshal(v any) ([]byte, error) {
	rv := reflect.ValueOf(v)
	reg := o.registry.forType(rv.Type())

	o.buf.Reset()
	o.enc.Reset(&o.buf)

	if err := o.writeHeader(reg); err != nil {
		return nil, err
	}
	var err error
	if reg.adapter != nil {
		err = reg.adapter.Write(o.enc, rv)
	} else {
		err = o.enc.EncodeValue(rv)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, o.buf.Len())
	copy(out, o.buf.Bytes())
	return out, nil
}

func (o *Optimized) writeHeader(reg *registration) error {
	if reg.id != 0 {
		return o.enc.EncodeUint(uint64(reg.id))
	}
	if err := o.enc.EncodeUint(0); err != nil {
		return err
	}
	return o.enc.EncodeString(reg.name)
}

func (o *Optimized) Unmarshal(data []byte) (any, error) {
	o.rd.Reset(data)
	o.dec.Reset(&o.rd)

	reg, err := o.readHeader()
	if err != nil {
		return nil, err
	}

	ptr := reflect.New(reg.typ)
	if reg.adapter != nil {
		err = reg.adapter.Read(o.dec, ptr.Elem())
	} else {
		err = o.dec.DecodeValue(ptr.Elem())
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCorruptStream, reg.name, err)
	}
	return ptr.Elem().Interface(), nil
}

func (o *Optimized) readHeader() (*registration, error) {
	id, err := o.dec.DecodeUint64()
	if err != nil {
		return nil, fmt.Errorf("%w: type id: %w", ErrCorruptStream, err)
	}
	if id > math.MaxUint32 {
		return nil, fmt.Errorf("%w: type id %d out of range", ErrCorruptStream, id)
	}
	if id != 0 {
		reg, ok := o.registry.byIdentifier(uint32(id))
		if !ok {
			return nil, fmt.Errorf("%w: type id %d", ErrIncompatibleType, id)
		}
		return reg, nil
	}
	name, err := o.dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("%w: type name: %w", ErrCorruptStream, err)
	}
	reg, ok := o.registry.byTypeName(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrIncompatibleType, name)
	}
	return reg, nil
}
