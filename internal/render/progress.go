package render

import (
	"bytes"
	"regexp"
	"strconv"
	"sync"
)

// frameCounter matches "123/900" style counters in CLI output.
var frameCounter = regexp.MustCompile(`(\d+)\s*/\s*(\d+)`)

// progressParser turns the CLI's carriage-return updated stdout into
// fractional progress callbacks.
type progressParser struct {
	frames     int
	onProgress func(float64)

	mu   sync.Mutex
	buf  []byte
	last float64
}

func newProgressParser(frames int, onProgress func(float64)) *progressParser {
	return &progressParser{frames: frames, onProgress: onProgress, last: -1}
}

func (p *progressParser) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(p.buf, b...)
	for {
		i := bytes.IndexAny(p.buf, "\r\n")
		if i < 0 {
			break
		}
		p.parseLine(p.buf[:i])
		p.buf = p.buf[i+1:]
	}
	return len(b), nil
}

// flush parses any trailing partial line.
func (p *progressParser) flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) > 0 {
		p.parseLine(p.buf)
		p.buf = nil
	}
}

func (p *progressParser) parseLine(line []byte) {
	m := frameCounter.FindSubmatch(line)
	if m == nil {
		return
	}
	done, err1 := strconv.Atoi(string(m[1]))
	total, err2 := strconv.Atoi(string(m[2]))
	if err1 != nil || err2 != nil || total <= 0 {
		return
	}
	if p.frames > 0 && total != p.frames {
		return
	}
	fraction := float64(done) / float64(total)
	if fraction > 1 {
		fraction = 1
	}
	if fraction <= p.last {
		return
	}
	p.last = fraction
	if p.onProgress != nil {
		p.onProgress(fraction)
	}
}
