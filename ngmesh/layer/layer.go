// Package layer defines the duplex frame contract shared by the stages of
// the data plane and the helpers that stack them.
package layer

import "github.com/TheusHen/ngmesh/ngmesh/identity"

// Frame is a payload associated with a remote device: the destination on
// the way down, the source on the way up.
type Frame struct {
	Peer identity.DeviceID
	Data []byte
}

// Layer is one stage of the pipeline. Handlers run on the event loop and
// must not block; they transform, forward or drop the frame.
type Layer interface {
	HandleFromUpper(Frame)
	HandleFromLower(Frame)
	SetUpper(Layer)
	SetLower(Layer)
}

// Base implements neighbour binding. Embed it and override the handlers.
type Base struct {
	upper Layer
	lower Layer
}

func (b *Base) SetUpper(l Layer) { b.upper = l }
func (b *Base) SetLower(l Layer) { b.lower = l }

// SendUp passes f to the upper neighbour, if any.
func (b *Base) SendUp(f Frame) {
	if b.upper != nil {
		b.upper.HandleFromLower(f)
	}
}

// SendDown passes f to the lower neighbour, if any.
func (b *Base) SendDown(f Frame) {
	if b.lower != nil {
		b.lower.HandleFromUpper(f)
	}
}

// HandleFromUpper forwards unchanged.
func (b *Base) HandleFromUpper(f Frame) { b.SendDown(f) }

// HandleFromLower forwards unchanged.
func (b *Base) HandleFromLower(f Frame) { b.SendUp(f) }

// Stack binds layers ordered top to bottom and returns the top layer.
func Stack(layers ...Layer) Layer {
	for i := 0; i+1 < len(layers); i++ {
		layers[i].SetLower(layers[i+1])
		layers[i+1].SetUpper(layers[i])
	}
	if len(layers) == 0 {
		return nil
	}
	return layers[0]
}
