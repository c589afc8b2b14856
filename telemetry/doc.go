// Package telemetry records named control-loop channels to a compact diff-encoded stream.
//
// A channel is a name and a sample. A sample is a number, a struct of numbers, or an array of
// either; nested fields and array elements are flattened with dots, so the Torq [3]float64 field
// of a "motor0" channel becomes the metrics "motor0.Torq.0", "motor0.Torq.1" and
// "motor0.Torq.2". Booleans record as 0 or 1. Strings and other non-numeric fields are skipped.
//
// The stream is a sequence of documents:
//
//	stream = doc*
//	doc    = schema | frame
//	schema = 0x01, JSON array of metric names, '\n'
//	frame  = diff bits (bit 0 is always 0), int64 time, float32 value*
//
// A schema document lists every metric of every channel seen so far, channels in order of first
// appearance. It is written again whenever a new channel shows up. A frame holds one diff bit per
// metric of the current schema, packed after the leading zero bit and padded to a whole byte. A
// set bit means the value changed since the previous frame and its float32 follows after the
// time. The first frame after a schema diffs against zero. Time is nanoseconds since the epoch.
// All numbers are big-endian.
//
// For two metrics, a frame where only the second changed is:
//
//	0000 0100 <int64 time> <float32 second>
//	7       0
//
// Values are stored as float32. Telemetry is for inspection and plotting, not for bit-exact
// replay.
package telemetry
