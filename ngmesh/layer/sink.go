package layer

// Sink records frames that reach it. It is meant for the ends of a stack in
// tests and tools; frames received from one side are also forwarded to the
// other side when a neighbour is bound there.
type Sink struct {
	Base
	FromUpper []Frame
	FromLower []Frame
}

func (s *Sink) HandleFromUpper(f Frame) {
	s.FromUpper = append(s.FromUpper, clone(f))
	s.SendDown(f)
}

func (s *Sink) HandleFromLower(f Frame) {
	s.FromLower = append(s.FromLower, clone(f))
	s.SendUp(f)
}

// Reset forgets recorded frames.
func (s *Sink) Reset() {
	s.FromUpper = nil
	s.FromLower = nil
}

func clone(f Frame) Frame {
	return Frame{Peer: f.Peer, Data: append([]byte(nil), f.Data...)}
}
