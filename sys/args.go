package sys

import (
	"fmt"
	"math"
	"reflect"
)

// Args are the arguments of one call, already in Go form.
type Args []any

// argError is raised by the accessors and turned into EFAULT.
type argError struct {
	i    int
	want string
	got  any
}

func (e argError) Error() string {
	return fmt.Sprintf("argument %d: want %s, got %T", e.i, e.want, e.got)
}

func (a Args) get(i int, want string) any {
	if i >= len(a) {
		panic(argError{i: i, want: want})
	}
	return a[i]
}

// Int accepts any integer kind, which is what decoders hand over.
func (a Args) Int(i int) int {
	switch v := a.get(i, "int").(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint32:
		return int(v)
	case uint64:
		if v > math.MaxInt {
			// sign-extended negatives such as AT_FDCWD
			return int(int64(v))
		}
		return int(v)
	case uintptr:
		return int(v)
	default:
		panic(argError{i: i, want: "int", got: v})
	}
}

func (a Args) Int64(i int) int64 { return int64(a.Int(i)) }

func (a Args) Uintptr(i int) uintptr { return uintptr(a.Int(i)) }

func (a Args) String(i int) string { return Arg[string](a, i) }

func (a Args) Bytes(i int) []byte { return Arg[[]byte](a, i) }

// Strings accepts a string slice or a slice of any holding strings.
func (a Args) Strings(i int) []string {
	switch v := a.get(i, "[]string").(type) {
	case nil:
		return nil
	case []string:
		return v
	case []any:
		out := make([]string, len(v))
		for j, s := range v {
			str, ok := s.(string)
			if !ok {
				panic(argError{i: i, want: "[]string", got: v})
			}
			out[j] = str
		}
		return out
	default:
		panic(argError{i: i, want: "[]string", got: v})
	}
}

// Arg returns argument i as a T. A nil argument is the zero T, so
// optional pointers may be passed as nil.
func Arg[T any](a Args, i int) T {
	var zero T
	v := a.get(i, reflect.TypeOf((*T)(nil)).Elem().String())
	if v == nil {
		return zero
	}
	t, ok := v.(T)
	if !ok {
		panic(argError{i: i, want: reflect.TypeOf((*T)(nil)).Elem().String(), got: v})
	}
	return t
}
