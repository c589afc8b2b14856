package telemetry

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/foc/logging"
)

type motorSample struct {
	A     float64
	V     [2]float32
	On    bool
	Label string
}

func TestFields(t *testing.T) {
	fields, err := Fields("motor0", motorSample{})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fields, test.ShouldResemble, []string{"motor0.A", "motor0.V.0", "motor0.V.1", "motor0.On"})
	test.That(t, Flatten(&motorSample{A: 1, V: [2]float32{2, 3}, On: true}), test.ShouldResemble, []float32{1, 2, 3, 1})

	fields, err = Fields("vbus", 24.0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, fields, test.ShouldResemble, []string{"vbus"})

	_, err = Fields("name", "text")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFrameEncoding(t *testing.T) {
	var buf bytes.Buffer
	test.That(t, writeFrame(7, []float32{1, 2}, []float32{1, 5}, &buf), test.ShouldBeNil)
	want := []byte{
		0x04,
		0, 0, 0, 0, 0, 0, 0, 7,
		0x40, 0xa0, 0, 0,
	}
	test.That(t, buf.Bytes(), test.ShouldResemble, want)

	test.That(t, writeFrame(7, []float32{1}, []float32{1, 5}, &buf), test.ShouldNotBeNil)
	test.That(t, diffBytes(7), test.ShouldEqual, 1)
	test.That(t, diffBytes(8), test.ShouldEqual, 2)
}

func TestRecordAndParse(t *testing.T) {
	clk := clock.NewMock()
	var buf bytes.Buffer
	r := NewRecorder(&buf, Config{}, clk, logging.NewTestLogger(t))

	r.Record("motor0", motorSample{A: 1, V: [2]float32{2, 3}, On: true, Label: "x"})
	clk.Add(time.Millisecond)
	r.Record("vbus", 24.0)
	clk.Add(time.Millisecond)
	r.Record("motor0", motorSample{A: 1, V: [2]float32{2, 4}})
	r.Record("ignored", "text")
	test.That(t, r.Close(), test.ShouldBeNil)
	test.That(t, r.Written(), test.ShouldEqual, uint64(3))
	test.That(t, r.Dropped(), test.ShouldEqual, uint64(0))

	// closed recorders ignore samples
	r.Record("vbus", 12.0)
	test.That(t, r.Close(), test.ShouldBeNil)

	frames, err := Parse(&buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldHaveLength, 3)

	want := [][]Reading{
		{{"motor0.A", 1}, {"motor0.V.0", 2}, {"motor0.V.1", 3}, {"motor0.On", 1}},
		{{"motor0.A", 1}, {"motor0.V.0", 2}, {"motor0.V.1", 3}, {"motor0.On", 1}, {"vbus", 24}},
		{{"motor0.A", 1}, {"motor0.V.0", 2}, {"motor0.V.1", 4}, {"motor0.On", 0}, {"vbus", 24}},
	}
	for i, f := range frames {
		if diff := cmp.Diff(want[i], f.Readings); diff != "" {
			t.Errorf("frame %d mismatch (-want +got):\n%s", i, diff)
		}
		test.That(t, f.Time, test.ShouldEqual, int64(i)*int64(time.Millisecond))
	}
	v, ok := frames[2].Value("vbus")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, v, test.ShouldEqual, float32(24))
	_, ok = frames[0].Value("vbus")
	test.That(t, ok, test.ShouldBeFalse)
	test.That(t, frames[1].ConvertedTime(), test.ShouldEqual, time.Unix(0, int64(time.Millisecond)).UTC())
}

func TestDecimation(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf, Config{Decimation: 3}, clock.NewMock(), logging.NewTestLogger(t))
	for i := 0; i < 7; i++ {
		r.Record("n", i)
		r.Record("m", -i)
	}
	test.That(t, r.Close(), test.ShouldBeNil)

	frames, err := Parse(&buf)
	test.That(t, err, test.ShouldBeNil)
	var got []float32
	for _, f := range frames {
		v, ok := f.Value("n")
		test.That(t, ok, test.ShouldBeTrue)
		got = append(got, v)
	}
	// one frame per recorded sample of either channel
	test.That(t, got, test.ShouldResemble, []float32{0, 0, 3, 3, 6, 6})
}

type blockingWriter struct {
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	buf     bytes.Buffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	return w.buf.Write(p)
}

func TestRecordNeverBlocks(t *testing.T) {
	w := &blockingWriter{entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRecorder(w, Config{QueueSize: 1}, clock.NewMock(), logging.NewTestLogger(t))

	// large enough to overflow the stream buffer on the first write
	var big [2000]float64
	r.Record("big", big)
	<-w.entered

	r.Record("big", big)
	r.Record("big", big)
	r.Record("big", big)
	test.That(t, r.Dropped(), test.ShouldEqual, uint64(2))

	close(w.release)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, r.Written(), test.ShouldEqual, uint64(2))
	})
	test.That(t, r.Close(), test.ShouldBeNil)

	frames, err := Parse(&w.buf)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frames, test.ShouldHaveLength, 2)
	test.That(t, frames[0].Readings, test.ShouldHaveLength, 2000)
}

func TestParseErrors(t *testing.T) {
	frames, err := Parse(bytes.NewReader([]byte{0, 1, 2}))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, frames, test.ShouldBeEmpty)

	var buf bytes.Buffer
	test.That(t, writeSchema(&schema{fields: []string{"a.x", "a.y"}}, &buf), test.ShouldBeNil)
	test.That(t, writeFrame(1, nil, []float32{1, 2}, &buf), test.ShouldBeNil)
	test.That(t, writeFrame(2, []float32{1, 2}, []float32{1, 3}, &buf), test.ShouldBeNil)
	full := buf.Bytes()

	frames, err = Parse(bytes.NewReader(full[:len(full)-2]))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, frames, test.ShouldHaveLength, 1)
	test.That(t, frames[0].Readings, test.ShouldResemble, []Reading{{"a.x", 1}, {"a.y", 2}})
}
