package frame

import (
	"fmt"
	"slices"
	"time"
)

// DefaultLogSize is the number of frame samples kept in each ring log.
const DefaultLogSize = 1000

// DisplayMode selects how much of the statistics is reported.
type DisplayMode int

const (
	DisplayNone DisplayMode = iota
	DisplayBasic
	DisplayFull
)

func ParseDisplayMode(s string) (DisplayMode, error) {
	switch s {
	case "", "none":
		return DisplayNone, nil
	case "basic":
		return DisplayBasic, nil
	case "full":
		return DisplayFull, nil
	}
	return DisplayNone, fmt.Errorf("unknown stats display mode %q", s)
}

// Next cycles none -> basic -> full -> none.
func (m DisplayMode) Next() DisplayMode {
	return (m + 1) % 3
}

// ring keeps the last cap values.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(size int) *ring {
	if size <= 0 {
		size = DefaultLogSize
	}
	return &ring{buf: make([]float64, size)}
}

func (r *ring) push(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// values returns the samples oldest first.
func (r *ring) values() []float64 {
	if !r.full {
		return slices.Clone(r.buf[:r.next])
	}
	return append(slices.Clone(r.buf[r.next:]), r.buf[:r.next]...)
}

// Stats tracks frame timing. Timings in the logs are milliseconds.
type Stats struct {
	FrameTime  time.Duration
	CPUTime    time.Duration
	TotalFrame uint64
	FPS        int
	Reloads    int

	frameLog *ring
	cpuLog   *ring
	count    int
	timer    time.Duration
}

func NewStats(logSize int) *Stats {
	return &Stats{frameLog: newRing(logSize), cpuLog: newRing(logSize)}
}

// Tick records one finished frame. It reports whether a full second has
// elapsed since the last fps update.
func (s *Stats) Tick(frameTime, cpuTime time.Duration) bool {
	s.FrameTime = frameTime
	s.CPUTime = cpuTime
	s.frameLog.push(ms(frameTime))
	s.cpuLog.push(ms(cpuTime))

	s.TotalFrame++
	s.count++
	s.timer += frameTime
	if s.timer < time.Second {
		return false
	}
	s.FPS = s.count
	s.count = 0
	s.timer -= time.Second
	return true
}

func (s *Stats) FrameLog() []float64 { return s.frameLog.values() }
func (s *Stats) CPULog() []float64   { return s.cpuLog.values() }

// Summary formats the statistics for mode; empty for DisplayNone.
func (s *Stats) Summary(mode DisplayMode) string {
	switch mode {
	case DisplayBasic:
		return fmt.Sprintf("fps=%d frame=%s cpu=%s", s.FPS, s.FrameTime, s.CPUTime)
	case DisplayFull:
		frames := s.FrameLog()
		return fmt.Sprintf("fps=%d frame=%s cpu=%s frames=%d reloads=%d frame_ms[p50=%.2f p99=%.2f max=%.2f]",
			s.FPS, s.FrameTime, s.CPUTime, s.TotalFrame, s.Reloads,
			percentile(frames, 0.5), percentile(frames, 0.99), percentile(frames, 1))
	}
	return ""
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func percentile(vs []float64, p float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	sorted := slices.Clone(vs)
	slices.Sort(sorted)
	idx := int(p*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}
