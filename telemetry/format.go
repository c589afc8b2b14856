package telemetry

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// epsilon decides whether a float changed between frames.
const epsilon = 1e-9

const schemaTag = 0x1

var errNotNumeric = errors.New("sample has no numeric fields")

type schema struct {
	// channels is the order channel samples are flattened in.
	channels []string
	// fields are the fully qualified metric names, in channel order.
	fields []string
}

func writeSchema(s *schema, output io.Writer) error {
	if _, err := output.Write([]byte{schemaTag}); err != nil {
		return errors.Wrap(err, "writing schema tag")
	}
	// Encode appends the newline the format requires.
	if err := json.NewEncoder(output).Encode(s.fields); err != nil {
		return errors.Wrap(err, "writing schema")
	}
	return nil
}

// writeFrame writes the diff bits, time and changed values of curr. prev may be empty right after
// a schema, otherwise it has the length of curr.
func writeFrame(t int64, prev, curr []float32, output io.Writer) error {
	if len(prev) != 0 && len(prev) != len(curr) {
		return errors.Errorf("frame size mismatch, prev %d curr %d", len(prev), len(curr))
	}
	diffs := make([]float32, len(curr))
	copy(diffs, curr)
	if len(prev) != 0 {
		for i := range curr {
			diffs[i] = curr[i] - prev[i]
		}
	}

	bits := make([]byte, diffBytes(len(curr)))
	for i, d := range diffs {
		bit := i + 1
		if math.Abs(float64(d)) > epsilon {
			bits[bit/8] |= 1 << (bit % 8)
		}
	}
	if _, err := output.Write(bits); err != nil {
		return errors.Wrap(err, "writing diff bits")
	}
	if err := binary.Write(output, binary.BigEndian, t); err != nil {
		return errors.Wrap(err, "writing time")
	}
	for i, d := range diffs {
		if math.Abs(float64(d)) > epsilon {
			if err := binary.Write(output, binary.BigEndian, curr[i]); err != nil {
				return errors.Wrap(err, "writing values")
			}
		}
	}
	return nil
}

// diffBytes is the number of bytes holding the frame bit and one diff bit per field.
func diffBytes(fields int) int {
	return 1 + fields/8
}

func deref(v reflect.Value) reflect.Value {
	for v.Kind() == reflect.Pointer || v.Kind() == reflect.Interface {
		if v.IsNil() {
			return v
		}
		v = v.Elem()
	}
	return v
}

// fieldNames returns the flattened metric names of a sample, without the channel prefix. A bare
// number has the single empty name.
func fieldNames(v reflect.Value) []string {
	v = deref(v)
	switch {
	case isNumeric(v.Kind()):
		return []string{""}
	case v.Kind() == reflect.Array:
		var names []string
		for i := 0; i < v.Len(); i++ {
			for _, sub := range fieldNames(v.Index(i)) {
				names = append(names, join(fmt.Sprint(i), sub))
			}
		}
		return names
	case v.Kind() == reflect.Struct:
		var names []string
		typ := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !typ.Field(i).IsExported() {
				continue
			}
			for _, sub := range fieldNames(v.Field(i)) {
				names = append(names, join(typ.Field(i).Name, sub))
			}
		}
		return names
	}
	return nil
}

// flattenValue appends the numbers of a sample in fieldNames order.
func flattenValue(v reflect.Value, out []float32) []float32 {
	v = deref(v)
	switch {
	case v.CanUint():
		return append(out, float32(v.Uint()))
	case v.CanInt():
		return append(out, float32(v.Int()))
	case v.CanFloat():
		return append(out, float32(v.Float()))
	case v.Kind() == reflect.Bool:
		if v.Bool() {
			return append(out, 1)
		}
		return append(out, 0)
	case v.Kind() == reflect.Array:
		for i := 0; i < v.Len(); i++ {
			out = flattenValue(v.Index(i), out)
		}
	case v.Kind() == reflect.Struct:
		typ := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if typ.Field(i).IsExported() {
				out = flattenValue(v.Field(i), out)
			}
		}
	}
	return out
}

func isNumeric(kind reflect.Kind) bool {
	switch kind {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func join(parent, child string) string {
	if child == "" {
		return parent
	}
	return parent + "." + child
}

// Fields returns the metric names a sample recorded on channel name flattens to.
func Fields(name string, sample any) ([]string, error) {
	sub := fieldNames(reflect.ValueOf(sample))
	if len(sub) == 0 {
		return nil, errors.Wrapf(errNotNumeric, "channel %q", name)
	}
	names := make([]string, len(sub))
	for i, s := range sub {
		names[i] = join(name, s)
	}
	return names, nil
}

// Flatten returns the values of a sample in Fields order.
func Flatten(sample any) []float32 {
	return flattenValue(reflect.ValueOf(sample), nil)
}

// Frame is one decoded frame: the time and every metric of the schema in effect.
type Frame struct {
	// Time is nanoseconds since the epoch.
	Time     int64
	Readings []Reading
}

// Reading is a fully qualified metric name and its value.
type Reading struct {
	Metric string
	Value  float32
}

// ConvertedTime returns the frame time in UTC.
func (f Frame) ConvertedTime() time.Time {
	return time.Unix(0, f.Time).UTC()
}

// Value returns the reading of a metric.
func (f Frame) Value(metric string) (float32, bool) {
	for _, r := range f.Readings {
		if r.Metric == metric {
			return r.Value, true
		}
	}
	return 0, false
}

// Parse decodes a whole telemetry stream. On error it returns the frames decoded so far along
// with the error.
func Parse(r io.Reader) ([]Frame, error) {
	frames := []Frame{}
	reader := bufio.NewReader(r)
	var (
		s    *schema
		prev []float32
	)
	for {
		peek, err := reader.Peek(1)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return frames, err
		}
		if peek[0] == schemaTag {
			// Peek succeeded so ReadByte cannot fail.
			_, _ = reader.ReadByte()
			if s, reader, err = readSchema(reader); err != nil {
				return frames, err
			}
			prev = nil
			continue
		}
		if s == nil {
			return frames, errors.New("telemetry stream must start with a schema")
		}

		changed, err := readDiffBits(reader, len(s.fields))
		if err != nil {
			return frames, err
		}
		var t int64
		if err := binary.Read(reader, binary.BigEndian, &t); err != nil {
			return frames, errors.Wrap(err, "reading time")
		}
		values, err := readValues(reader, len(s.fields), changed, prev)
		if err != nil {
			return frames, err
		}
		prev = values
		frames = append(frames, Frame{Time: t, Readings: s.zip(values)})
	}
}

// readSchema reads the JSON field list and returns a reader positioned on the next document.
func readSchema(reader *bufio.Reader) (*schema, *bufio.Reader, error) {
	decoder := json.NewDecoder(reader)
	var fields []string
	if err := decoder.Decode(&fields); err != nil {
		return nil, nil, errors.Wrap(err, "reading schema")
	}
	// the decoder may have buffered past the end of the list
	next := bufio.NewReader(io.MultiReader(decoder.Buffered(), reader))
	if ch, err := next.ReadByte(); err != nil || ch != '\n' {
		return nil, nil, errors.New("schema is not newline terminated")
	}

	var channels []string
	seen := map[string]bool{}
	for _, f := range fields {
		ch, _, _ := strings.Cut(f, ".")
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	return &schema{channels: channels, fields: fields}, next, nil
}

func readDiffBits(reader *bufio.Reader, fields int) ([]bool, error) {
	buf := make([]byte, diffBytes(fields))
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, errors.Wrap(err, "reading diff bits")
	}
	changed := make([]bool, fields)
	for i := range changed {
		bit := i + 1
		changed[i] = buf[bit/8]&(1<<(bit%8)) != 0
	}
	return changed, nil
}

func readValues(reader *bufio.Reader, fields int, changed []bool, prev []float32) ([]float32, error) {
	if prev != nil && len(prev) != fields {
		return nil, errors.Errorf("previous frame has %d values, schema has %d", len(prev), fields)
	}
	values := make([]float32, fields)
	for i := range values {
		switch {
		case changed[i]:
			if err := binary.Read(reader, binary.BigEndian, &values[i]); err != nil {
				return nil, errors.Wrap(err, "reading values")
			}
		case prev != nil:
			values[i] = prev[i]
		}
	}
	return values, nil
}

func (s *schema) zip(values []float32) []Reading {
	readings := make([]Reading, len(s.fields))
	for i, name := range s.fields {
		readings[i] = Reading{Metric: name, Value: values[i]}
	}
	return readings
}
