package cache

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/agentuity/plotcache/sizing"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Key identifies one cache entry. It is a comparable value: two keys are
// the same entry exactly when every field is equal.
type Key struct {
	// Artifact is the identity of the output being cached.
	Artifact string
	// Parts is the hash of the caller supplied key parts.
	Parts uint64
	// Width and Height are the canonical render size.
	Width  int
	Height int
	// Session is set only for session scoped entries.
	Session string
}

// Size returns the canonical size embedded in the key.
func (k Key) Size() sizing.Size {
	return sizing.Size{Width: k.Width, Height: k.Height}
}

// String renders the key unambiguously: the free-form fields are quoted.
func (k Key) String() string {
	s := strconv.Quote(k.Artifact) + "/" + fmt.Sprintf("%016x/%dx%d", k.Parts, k.Width, k.Height)
	if k.Session != "" {
		s += "/" + strconv.Quote(k.Session)
	}
	return s
}

// Bytes is the key as stored by a Backend.
func (k Key) Bytes() []byte {
	return []byte(k.String())
}

// KeyBuilder derives cache keys. The zero value is ready to use and safe for
// concurrent use.
//
// The caller parts are order sensitive: [a, b] and [b, a] are different keys.
// Parts should be small values with a stable encoding (numbers, strings,
// booleans, short slices or maps of those). Anything else is still hashed,
// it just makes hits unlikely. Map entries, at any depth, are ordered by
// their encoded key so iteration order never matters.
type KeyBuilder struct{}

// Build returns the key for an artifact rendered at size. sessionID is empty
// outside the session scope.
func (KeyBuilder) Build(artifactID string, parts []any, size sizing.Size, sessionID string) Key {
	return Key{
		Artifact: artifactID,
		Parts:    HashParts(parts),
		Width:    size.Width,
		Height:   size.Height,
		Session:  sessionID,
	}
}

// HashParts hashes an ordered list of key parts. It never fails: a part that
// cannot be encoded canonically is hashed through its Go-syntax
// representation.
func HashParts(parts []any) uint64 {
	var buf bytes.Buffer
	_ = msgpack.NewEncoder(&buf).EncodeArrayLen(len(parts))
	for _, p := range parts {
		var part bytes.Buffer
		if err := encodeCanonical(&part, reflect.ValueOf(p), 0); err != nil {
			part.Reset()
			_ = msgpack.NewEncoder(&part).EncodeString(fmt.Sprintf("%T:%#v", p, p))
		}
		buf.Write(part.Bytes())
	}
	return xxhash.Sum64(buf.Bytes())
}

const maxPartDepth = 32

var (
	timeType          = reflect.TypeOf(time.Time{})
	customEncoderType = reflect.TypeOf((*msgpack.CustomEncoder)(nil)).Elem()
	marshalerType     = reflect.TypeOf((*msgpack.Marshaler)(nil)).Elem()
)

// encodeCanonical writes v as msgpack. Containers are walked so that every
// map, however deeply nested and whatever its key type, is written with its
// entries sorted by encoded key.
func encodeCanonical(w *bytes.Buffer, v reflect.Value, depth int) error {
	if depth > maxPartDepth {
		return errors.New("key part nested too deeply")
	}
	enc := msgpack.NewEncoder(w)
	if !v.IsValid() {
		return enc.EncodeNil()
	}
	t := v.Type()
	if t == timeType || t.Implements(customEncoderType) || t.Implements(marshalerType) {
		return enc.EncodeValue(v)
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return enc.EncodeNil()
		}
		return encodeCanonical(w, v.Elem(), depth+1)
	case reflect.Map:
		if v.IsNil() {
			return enc.EncodeNil()
		}
		type entry struct{ key, value []byte }
		entries := make([]entry, 0, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			var k, val bytes.Buffer
			if err := encodeCanonical(&k, iter.Key(), depth+1); err != nil {
				return err
			}
			if err := encodeCanonical(&val, iter.Value(), depth+1); err != nil {
				return err
			}
			entries = append(entries, entry{k.Bytes(), val.Bytes()})
		}
		sort.Slice(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].key, entries[j].key) < 0
		})
		if err := enc.EncodeMapLen(len(entries)); err != nil {
			return err
		}
		for _, e := range entries {
			w.Write(e.key)
			w.Write(e.value)
		}
		return nil
	case reflect.Slice, reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			return enc.EncodeValue(v)
		}
		if v.Kind() == reflect.Slice && v.IsNil() {
			return enc.EncodeNil()
		}
		if err := enc.EncodeArrayLen(v.Len()); err != nil {
			return err
		}
		for i := 0; i < v.Len(); i++ {
			if err := encodeCanonical(w, v.Index(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		var fields []int
		for i := 0; i < t.NumField(); i++ {
			if t.Field(i).IsExported() {
				fields = append(fields, i)
			}
		}
		if len(fields) == 0 && t.NumField() > 0 {
			return errors.Newf("%s has no exported fields", t)
		}
		if err := enc.EncodeMapLen(len(fields)); err != nil {
			return err
		}
		for _, i := range fields {
			if err := enc.EncodeString(t.Field(i).Name); err != nil {
				return err
			}
			if err := encodeCanonical(w, v.Field(i), depth+1); err != nil {
				return err
			}
		}
		return nil
	case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
		return errors.Newf("cannot encode %s", t)
	default:
		return enc.EncodeValue(v)
	}
}
