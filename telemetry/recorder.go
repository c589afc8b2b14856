package telemetry

import (
	"bufio"
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"go.viam.com/foc/logging"
	"go.viam.com/foc/utils"
)

// Config configures a Recorder.
type Config struct {
	// Decimation records every Nth sample of each channel. Zero or one records every sample.
	Decimation int `json:"decimation,omitempty"`
	// QueueSize bounds the samples waiting to be written. Samples beyond it are dropped.
	QueueSize int `json:"queue_size,omitempty"`
}

func (cfg Config) withDefaults() Config {
	if cfg.Decimation <= 0 {
		cfg.Decimation = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return cfg
}

type sample struct {
	channel string
	time    int64
	value   any
}

type channel struct {
	fields []string
	values []float32
}

// Recorder writes channel samples to a stream on a background worker. Record never blocks: when
// the writer falls behind, samples are dropped and counted.
type Recorder struct {
	cfg    Config
	clk    clock.Clock
	logger logging.Logger

	mu       sync.Mutex
	counts   map[string]int
	queue    chan sample
	closed   bool
	dropped  atomic.Uint64
	written  atomic.Uint64
	dropWarn *rate.Limiter

	// writer state, owned by the worker
	out      *bufio.Writer
	channels map[string]*channel
	order    []string
	schema   *schema
	prev     []float32
	err      error

	workers utils.StoppableWorkers
}

// NewRecorder starts a recorder writing to out. clk stamps the samples; nil means the wall clock.
func NewRecorder(out io.Writer, cfg Config, clk clock.Clock, logger logging.Logger) *Recorder {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	r := &Recorder{
		cfg:      cfg,
		clk:      clk,
		logger:   logger,
		counts:   map[string]int{},
		queue:    make(chan sample, cfg.QueueSize),
		dropWarn: rate.NewLimiter(rate.Every(time.Second), 1),
		out:      bufio.NewWriter(out),
		channels: map[string]*channel{},
	}
	r.workers = utils.NewStoppableWorkers(r.writer)
	return r
}

// Record queues a sample of a channel, honoring the decimation. It does not block.
func (r *Recorder) Record(name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	n := r.counts[name]
	r.counts[name] = n + 1
	if n%r.cfg.Decimation != 0 {
		return
	}
	select {
	case r.queue <- sample{channel: name, time: r.clk.Now().UnixNano(), value: value}:
	default:
		r.dropped.Inc()
		if r.dropWarn.Allow() {
			r.logger.Warnw("telemetry queue full, dropping samples", "channel", name, "dropped", r.dropped.Load())
		}
	}
}

// Dropped returns the number of samples dropped because the queue was full.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns the number of frames written.
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Close writes the queued samples, flushes the stream and stops the worker. It returns the first
// write error, if any.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.workers.Stop()
	for drained := false; !drained; {
		select {
		case s := <-r.queue:
			r.write(s)
		default:
			drained = true
		}
	}
	return multierr.Combine(r.err, errors.Wrap(r.out.Flush(), "flushing telemetry"))
}

func (r *Recorder) writer(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-r.queue:
			r.write(s)
		}
	}
}

// write appends one frame holding the latest sample of every channel.
func (r *Recorder) write(s sample) {
	if r.err != nil {
		return
	}
	ch, ok := r.channels[s.channel]
	if !ok {
		fields, err := Fields(s.channel, s.value)
		if err != nil {
			r.logger.Warnw("ignoring telemetry channel", "channel", s.channel, "error", err)
			r.channels[s.channel] = nil
			return
		}
		ch = &channel{fields: fields}
		r.channels[s.channel] = ch
		r.order = append(r.order, s.channel)
		r.schema = nil
	}
	if ch == nil {
		return
	}
	values := Flatten(s.value)
	if len(values) != len(ch.fields) {
		r.logger.Warnw("telemetry sample changed shape", "channel", s.channel,
			"fields", len(ch.fields), "values", len(values))
		return
	}
	ch.values = values

	if r.schema == nil {
		r.schema = &schema{channels: append([]string(nil), r.order...)}
		for _, name := range r.order {
			r.schema.fields = append(r.schema.fields, r.channels[name].fields...)
		}
		if r.err = writeSchema(r.schema, r.out); r.err != nil {
			return
		}
		r.prev = nil
	}

	curr := make([]float32, 0, len(r.schema.fields))
	for _, name := range r.schema.channels {
		c := r.channels[name]
		if c.values == nil {
			c.values = make([]float32, len(c.fields))
		}
		curr = append(curr, c.values...)
	}
	if r.err = writeFrame(s.time, r.prev, curr, r.out); r.err != nil {
		return
	}
	r.prev = curr
	r.written.Inc()
}
