package meta

import "fmt"

// fields reads typed values out of a dictionary produced by bencode.Decode,
// where byte strings arrive as string, integers as int64 and lists as []any.
// Missing keys read as zero values. The first type mismatch is kept in err
// and every later read returns a zero value.
type fields struct {
	dict map[string]any
	err  error
}

func (f *fields) has(key string) bool {
	_, ok := f.dict[key]
	return ok
}

func (f *fields) fail(key, want string) {
	if f.err == nil {
		f.err = fmt.Errorf("%w: %q is not %s", ErrWrongType, key, want)
	}
}

func (f *fields) lookup(key string) (any, bool) {
	if f.err != nil {
		return nil, false
	}
	v, ok := f.dict[key]
	return v, ok
}

func (f *fields) string(key string) string {
	v, ok := f.lookup(key)
	if !ok {
		return ""
	}

	s, ok := v.(string)
	if !ok {
		f.fail(key, "a string")
	}
	return s
}

func (f *fields) int(key string) int64 {
	v, ok := f.lookup(key)
	if !ok {
		return 0
	}

	n, ok := v.(int64)
	if !ok {
		f.fail(key, "an integer")
	}
	return n
}

func (f *fields) list(key string) []any {
	v, ok := f.lookup(key)
	if !ok {
		return nil
	}

	l, ok := v.([]any)
	if !ok {
		f.fail(key, "a list")
	}
	return l
}

func (f *fields) strings(key string) []string {
	out, ok := stringList(f.list(key))
	if !ok {
		f.fail(key, "a list of strings")
	}
	return out
}

func (f *fields) tiers(key string) [][]string {
	raw := f.list(key)
	out := make([][]string, 0, len(raw))

	for i, t := range raw {
		l, ok := t.([]any)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), "a list")
			return nil
		}

		tier, ok := stringList(l)
		if !ok {
			f.fail(fmt.Sprintf("%s[%d]", key, i), "a list of strings")
			return nil
		}
		if len(tier) > 0 {
			out = append(out, tier)
		}
	}

	return out
}

func stringList(l []any) ([]string, bool) {
	out := make([]string, 0, len(l))
	for _, e := range l {
		s, ok := e.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
