package broadcast

// ring keeps the most recent delivered events of one restaurant.
type ring struct {
	buf   []Event
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = e
		r.size++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// since returns the buffered events with a sequence above after, and whether
// the buffer reaches back far enough to guarantee nothing in between is missing.
func (r *ring) since(after int64) ([]Event, bool) {
	if r.size == 0 {
		return nil, false
	}

	var (
		out    []Event
		oldest = r.buf[r.start].Sequence
	)
	for i := 0; i < r.size; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Sequence < oldest {
			oldest = e.Sequence
		}
		if e.Sequence > after {
			out = append(out, e)
		}
	}
	return out, oldest <= after+1
}
