package pipeline

import "time"

// State is the lifecycle stage of a run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// EncoderStatus reports one encoder session.
type EncoderStatus struct {
	Name  string `json:"name"`
	Alive bool   `json:"alive"`
}

// Status is a point-in-time snapshot served by /api/status.
type Status struct {
	RunID           string          `json:"run_id"`
	Mode            string          `json:"mode"`
	State           State           `json:"state"`
	FramesReceived  int64           `json:"frames_received"`
	FramesDelivered int64           `json:"frames_delivered"`
	QueueDepth      int             `json:"queue_depth"`
	QueueCapacity   int             `json:"queue_capacity"`
	Elapsed         time.Duration   `json:"elapsed_ns"`
	Encoders        []EncoderStatus `json:"encoders"`
	Error           string          `json:"error,omitempty"`
}

// Status returns a snapshot of the run.
func (p *Pipeline) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Status{
		RunID:           p.id,
		Mode:            string(p.strat.Mode()),
		State:           p.state,
		FramesReceived:  p.received.Load(),
		FramesDelivered: p.delivered.Load(),
		QueueDepth:      p.frames.Len(),
		QueueCapacity:   p.frames.Cap(),
		Encoders:        make([]EncoderStatus, 0, len(p.opts.Encoders)),
	}
	switch {
	case p.started.IsZero():
	case p.ended.IsZero():
		s.Elapsed = time.Since(p.started)
	default:
		s.Elapsed = p.ended.Sub(p.started)
	}
	for _, enc := range p.opts.Encoders {
		s.Encoders = append(s.Encoders, EncoderStatus{Name: enc.Name(), Alive: enc.IsAlive()})
	}
	if p.err != nil {
		s.Error = p.err.Error()
	}
	return s
}

func (p *Pipeline) setState(st State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = st
	p.err = err
	switch st {
	case StateRunning:
		p.started = time.Now()
	case StateCompleted, StateFailed:
		p.ended = time.Now()
	}
}
