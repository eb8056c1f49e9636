package mesh

import "github.com/dkeye/voicemesh/internal/core"

type outbound struct {
	event   string
	payload any
}

// effects collects the side effects of one reaction. They run after the
// session lock is released, in the order sends, closes, callbacks, steps.
type effects struct {
	sends  []outbound
	closes []core.Link
	after  []func()
	steps  []func()
}

func (fx *effects) send(event string, payload any) {
	fx.sends = append(fx.sends, outbound{event: event, payload: payload})
}

func (fx *effects) close(l core.Link) { fx.closes = append(fx.closes, l) }

func (fx *effects) callback(f func()) { fx.after = append(fx.after, f) }

func (fx *effects) step(f func()) { fx.steps = append(fx.steps, f) }

// react runs fn as one non-overlapping reaction and then applies its effects.
func (s *Session) react(fn func(fx *effects)) {
	var fx effects
	s.mu.Lock()
	fn(&fx)
	s.mu.Unlock()
	s.apply(&fx)
}

func (s *Session) apply(fx *effects) {
	for _, o := range fx.sends {
		if err := s.channel.Send(o.event, o.payload); err != nil {
			s.log.Warn().Err(err).Str("event", o.event).Msg("send failed")
		}
	}
	for _, l := range fx.closes {
		if err := l.Close(); err != nil {
			s.log.Debug().Err(err).Msg("link close")
		}
	}
	for _, f := range fx.after {
		f()
	}
	if len(fx.steps) == 0 {
		return
	}
	s.submitMu.RLock()
	defer s.submitMu.RUnlock()
	if s.closed {
		return
	}
	for _, f := range fx.steps {
		s.dispatch.Submit(f)
	}
}
