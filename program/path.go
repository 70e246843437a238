package program

import (
	"errors"
	"fmt"
	"github.com/jt05610/echemlab"
	"math"
	"reflect"
	"strconv"
	"strings"
)

var ErrPath = fmt.Errorf("%w: bad path", echemlab.ErrValidation)

type segment struct {
	name  string
	index int
	isIdx bool
}

func (s segment) String() string {
	if s.isIdx {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.name
}

// parsePath splits "steps[3].ec_params.scan_rate" into its segments.
func parsePath(path string) ([]segment, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("%w: empty", ErrPath)
	}
	ret := make([]segment, 0, 4)
	for _, part := range strings.Split(path, ".") {
		name, rest, hasIdx := strings.Cut(part, "[")
		if name == "" && !hasIdx || name == "" && len(ret) == 0 {
			return nil, fmt.Errorf("%w: %q", ErrPath, path)
		}
		if name != "" {
			ret = append(ret, segment{name: name})
		}
		for hasIdx {
			var num string
			num, rest, hasIdx = strings.Cut(rest, "]")
			if !hasIdx {
				return nil, fmt.Errorf("%w: unclosed index in %q", ErrPath, path)
			}
			i, err := strconv.Atoi(num)
			if err != nil || i < 0 {
				return nil, fmt.Errorf("%w: index %q in %q", ErrPath, num, path)
			}
			ret = append(ret, segment{index: i, isIdx: true})
			if rest == "" {
				break
			}
			if !strings.HasPrefix(rest, "[") {
				return nil, fmt.Errorf("%w: %q", ErrPath, path)
			}
			rest = rest[1:]
		}
	}
	return ret, nil
}

func fieldByJSON(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if tag == name || tag == "" && f.Name == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// walk follows segs from v. When set is valid the final value is replaced
// by it; map members are written with SetMapIndex.
func walk(v reflect.Value, segs []segment, set reflect.Value) (reflect.Value, error) {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return reflect.Value{}, errors.New("nil value")
		}
		v = v.Elem()
	}
	if len(segs) == 0 {
		if set.IsValid() {
			if !v.CanSet() {
				return reflect.Value{}, errors.New("value not settable")
			}
			c, err := convert(set, v.Type())
			if err != nil {
				return reflect.Value{}, err
			}
			v.Set(c)
		}
		return v, nil
	}
	seg, rest := segs[0], segs[1:]
	if seg.isIdx {
		if v.Kind() != reflect.Slice && v.Kind() != reflect.Array {
			return reflect.Value{}, fmt.Errorf("%s is not a list", v.Type())
		}
		if seg.index >= v.Len() {
			return reflect.Value{}, fmt.Errorf("index %d out of range (%d)", seg.index, v.Len())
		}
		return walk(v.Index(seg.index), rest, set)
	}
	switch v.Kind() {
	case reflect.Struct:
		f, ok := fieldByJSON(v, seg.name)
		if !ok {
			return reflect.Value{}, fmt.Errorf("no field %q", seg.name)
		}
		return walk(f, rest, set)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return reflect.Value{}, fmt.Errorf("%s has non-string keys", v.Type())
		}
		key := reflect.ValueOf(seg.name).Convert(v.Type().Key())
		elem := v.MapIndex(key)
		if !elem.IsValid() {
			return reflect.Value{}, fmt.Errorf("no key %q", seg.name)
		}
		if len(rest) == 0 && set.IsValid() {
			c, err := convert(set, v.Type().Elem())
			if err != nil {
				return reflect.Value{}, err
			}
			v.SetMapIndex(key, c)
			return c, nil
		}
		return walk(elem, rest, set)
	default:
		return reflect.Value{}, fmt.Errorf("cannot descend into %s with %q", v.Type(), seg.name)
	}
}

func convert(v reflect.Value, t reflect.Type) (reflect.Value, error) {
	for v.Kind() == reflect.Interface && !v.IsNil() {
		v = v.Elem()
	}
	if v.Type() == t {
		return v, nil
	}
	isFloat := func(k reflect.Kind) bool { return k == reflect.Float32 || k == reflect.Float64 }
	isInt := func(k reflect.Kind) bool { return k >= reflect.Int && k <= reflect.Int64 }
	switch {
	case isFloat(v.Kind()) && isInt(t.Kind()):
		f := v.Float()
		if f != math.Trunc(f) {
			return reflect.Value{}, fmt.Errorf("%g is not an integer", f)
		}
		return reflect.ValueOf(int64(f)).Convert(t), nil
	case (isFloat(v.Kind()) || isInt(v.Kind())) && (isFloat(t.Kind()) || isInt(t.Kind())):
		return v.Convert(t), nil
	case v.Type().ConvertibleTo(t) && v.Kind() == t.Kind():
		return v.Convert(t), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot assign %s to %s", v.Type(), t)
}

func (p *Program) resolve(path string, set reflect.Value) (reflect.Value, error) {
	segs, err := parsePath(path)
	if err != nil {
		return reflect.Value{}, err
	}
	v, err := walk(reflect.ValueOf(p), segs, set)
	if err != nil {
		return reflect.Value{}, fmt.Errorf("%w: %s: %w", ErrPath, path, err)
	}
	return v, nil
}

// Get returns the value at path.
func (p *Program) Get(path string) (any, error) {
	v, err := p.resolve(path, reflect.Value{})
	if err != nil {
		return nil, err
	}
	return v.Interface(), nil
}

// Number returns the numeric value at path.
func (p *Program) Number(path string) (float64, error) {
	v, err := p.resolve(path, reflect.Value{})
	if err != nil {
		return 0, err
	}
	switch {
	case v.CanFloat():
		return v.Float(), nil
	case v.CanInt():
		return float64(v.Int()), nil
	}
	return 0, fmt.Errorf("%w: %s is %s, not a number", ErrPath, path, v.Type())
}

// Set writes a numeric value at path. Integer targets accept only whole
// values.
func (p *Program) Set(path string, value float64) error {
	_, err := p.resolve(path, reflect.ValueOf(value))
	return err
}

// Snapshot records the values at paths.
type Snapshot map[string]any

func (p *Program) Snapshot(paths []string) (Snapshot, error) {
	ret := make(Snapshot, len(paths))
	for _, path := range paths {
		v, err := p.Get(path)
		if err != nil {
			return nil, err
		}
		ret[path] = v
	}
	return ret, nil
}

// Restore writes every snapshot value back, reporting all failures.
func (p *Program) Restore(s Snapshot) error {
	var errs []error
	for path, v := range s {
		if _, err := p.resolve(path, reflect.ValueOf(v)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
