// internal/weights/manifest.go
package weights

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/tidwall/gjson"
)

var ErrManifest = errors.New("malformed weight manifest")

const ManifestFile = "manifest.json"

// Entry - one tensor described by the manifest
type Entry struct {
	Name     string
	Filename string
	Shape    []int
	DType    string

	Quantized bool
	Scale     float32
	MinValue  float32
}

func (e Entry) Size() int {
	n := 1
	for _, d := range e.Shape {
		n *= d
	}
	return n
}

// parseManifest accepts both layouts: {"weights": {name: entry}} and the
// older flat {name: entry}.
func parseManifest(data []byte) ([]Entry, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid json", ErrManifest)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: top level is not an object", ErrManifest)
	}
	weights := root
	if w := root.Get("weights"); w.Exists() {
		if !w.IsObject() {
			return nil, fmt.Errorf("%w: \"weights\" is not an object", ErrManifest)
		}
		weights = w
	}

	var entries []Entry
	var perr error
	weights.ForEach(func(key, value gjson.Result) bool {
		e, err := parseEntry(key.String(), value)
		if err != nil {
			perr = err
			return false
		}
		entries = append(entries, e)
		return true
	})
	if perr != nil {
		return nil, perr
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no entries", ErrManifest)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

func parseEntry(name string, v gjson.Result) (Entry, error) {
	bad := func(format string, args ...any) (Entry, error) {
		return Entry{}, fmt.Errorf("%w: %s: %s", ErrManifest, name, fmt.Sprintf(format, args...))
	}
	if !v.IsObject() {
		return bad("entry is not an object")
	}

	e := Entry{Name: name, DType: "float32"}

	filename := v.Get("filename")
	if filename.Type != gjson.String || filename.String() == "" {
		return bad("missing filename")
	}
	e.Filename = filename.String()
	if !filepath.IsLocal(filepath.FromSlash(e.Filename)) {
		return bad("filename %q escapes the model location", e.Filename)
	}

	shape := v.Get("shape")
	if !shape.IsArray() {
		return bad("missing shape")
	}
	for _, d := range shape.Array() {
		f := d.Float()
		if d.Type != gjson.Number || f < 0 || f != math.Trunc(f) {
			return bad("invalid dimension %s", d.Raw)
		}
		e.Shape = append(e.Shape, int(f))
	}

	if dt := v.Get("dtype"); dt.Exists() {
		e.DType = dt.String()
	}
	switch e.DType {
	case "float32", "float16", "uint8", "uint16":
	default:
		return bad("unsupported dtype %q", e.DType)
	}

	if q := v.Get("quantization"); q.Exists() && q.Type != gjson.Null {
		if e.DType != "uint8" && e.DType != "uint16" {
			return bad("quantization needs an integer dtype, got %s", e.DType)
		}
		scale, minValue := q.Get("scale"), q.Get("min_value")
		if scale.Type != gjson.Number || minValue.Type != gjson.Number {
			return bad("quantization needs numeric scale and min_value")
		}
		e.Quantized = true
		e.Scale = float32(scale.Float())
		e.MinValue = float32(minValue.Float())
	}
	return e, nil
}
