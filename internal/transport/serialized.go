package transport

// Poster runs closures one at a time on a single goroutine.
type Poster interface {
	Post(fn func()) bool
}

// Serialized wraps h so every event is posted to p instead of being handled
// on the transport's goroutine.
func Serialized(p Poster, h Handler) Handler {
	return serialized{p: p, h: h}
}

type serialized struct {
	p Poster
	h Handler
}

func (s serialized) HandleOpen(ch Channel) {
	s.p.Post(func() { s.h.HandleOpen(ch) })
}

func (s serialized) HandleMessage(ch Channel, data []byte) {
	s.p.Post(func() { s.h.HandleMessage(ch, data) })
}

func (s serialized) HandleClose(ch Channel, failed bool) {
	s.p.Post(func() { s.h.HandleClose(ch, failed) })
}

// SerializedListener is Serialized for a Listener.
func SerializedListener(p Poster, l Listener) Listener {
	return serializedListener{p: p, l: l}
}

type serializedListener struct {
	p Poster
	l Listener
}

func (s serializedListener) HandleIncoming(ch Channel) {
	s.p.Post(func() { s.l.HandleIncoming(ch) })
}

func (s serializedListener) HandleNetworkLost(err error) {
	s.p.Post(func() { s.l.HandleNetworkLost(err) })
}
