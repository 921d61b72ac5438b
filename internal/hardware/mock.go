package hardware

import "context"

// Input is the common surface of the real encoder and the mock.
type Input interface {
	Run(ctx context.Context) error
}

// Mock stands in for the encoder on hosts without GPIO. Tests drive the sink
// through the Simulate methods.
type Mock struct {
	sink Events
}

// NewMock creates a mock input bound to the same sink the real encoder would
// use.
func NewMock(sink Events) *Mock {
	return &Mock{sink: sink}
}

// Run blocks until ctx ends; the mock produces no spontaneous input.
func (m *Mock) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// SimulateTurn feeds detents into the sink.
func (m *Mock) SimulateTurn(steps int) {
	if steps >= 0 {
		for i := 0; i < steps; i++ {
			m.sink.Turn(1)
		}
		return
	}
	for i := 0; i < -steps; i++ {
		m.sink.Turn(-1)
	}
}

// SimulatePress feeds one button press into the sink.
func (m *Mock) SimulatePress() {
	m.sink.Press()
}

var (
	_ Input = (*Mock)(nil)
	_ Input = (*Rotary)(nil)
)
