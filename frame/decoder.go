package frame

// Decoder reassembles frames from a byte stream delivered in arbitrary
// chunks. At most one frame is open at a time; the bytes of an open frame
// that have been seen so far are kept until its ETX arrives.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	open     bool
	leftover []byte
	maxSize  int
	frames   [][]byte
}

// NewDecoder returns a decoder that rejects frames whose payload grows past
// maxSize bytes. A maxSize <= 0 selects DefaultMaxSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Decoder{maxSize: maxSize}
}

// AddBytes scans chunk and queues every frame it completes.
//
// A protocol violation stops the scan and returns an Error. The open frame is
// discarded; frames completed before the violation stay queued. Decoding
// should not continue after an error.
func (d *Decoder) AddBytes(chunk []byte) error {
	start := 0
	for i, b := range chunk {
		switch b {
		case STX:
			if d.open {
				d.reset()
				return ErrNestedStart
			}
			d.open = true
			start = i + 1
		case ETX:
			if !d.open {
				d.reset()
				return ErrEndWithoutStart
			}
			if len(d.leftover)+i-start > d.maxSize {
				d.reset()
				return ErrFrameTooLarge
			}
			payload := make([]byte, 0, len(d.leftover)+i-start)
			payload = append(payload, d.leftover...)
			payload = append(payload, chunk[start:i]...)
			d.frames = append(d.frames, payload)
			d.open = false
			d.leftover = nil
		}
	}
	if !d.open {
		return nil
	}
	if len(d.leftover)+len(chunk)-start > d.maxSize {
		d.reset()
		return ErrFrameTooLarge
	}
	d.leftover = append(d.leftover, chunk[start:]...)
	return nil
}

// Read pops the oldest completed frame.
func (d *Decoder) Read() ([]byte, bool) {
	if len(d.frames) == 0 {
		return nil, false
	}
	f := d.frames[0]
	d.frames[0] = nil
	d.frames = d.frames[1:]
	return f, true
}

// ReadAll drains every completed frame in arrival order.
func (d *Decoder) ReadAll() [][]byte {
	out := d.frames
	d.frames = nil
	return out
}

// Pending returns the number of completed frames not yet read.
func (d *Decoder) Pending() int {
	return len(d.frames)
}

// Open reports whether a frame has started but not yet ended.
func (d *Decoder) Open() bool {
	return d.open
}

func (d *Decoder) reset() {
	d.open = false
	d.leftover = nil
}
