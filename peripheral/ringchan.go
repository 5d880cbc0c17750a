package peripheral

// ringChan is a bounded buffer with drop-oldest semantics. The status
// sampler must never block on a slow consumer: when the buffer is full the
// stalest snapshot is discarded and the fresh one goes in.
type ringChan[T any] struct {
	ch chan T
}

func newRingChan[T any](capacity int) *ringChan[T] {
	if capacity <= 0 {
		panic("ringchan: capacity must be > 0")
	}
	return &ringChan[T]{ch: make(chan T, capacity)}
}

// c returns the receive side; consumers range over it until close.
func (rc *ringChan[T]) c() <-chan T {
	return rc.ch
}

// send inserts v, discarding the oldest buffered element when full.
func (rc *ringChan[T]) send(v T) {
	select {
	case rc.ch <- v:
	default:
		select {
		case <-rc.ch:
		default:
		}
		rc.ch <- v
	}
}

func (rc *ringChan[T]) close() {
	close(rc.ch)
}
