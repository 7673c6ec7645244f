// Package fsm provides a small generic state machine runner for the
// key-exchange protocol state machine.
//
// A state is any ~int enum implementing StateM. Each state owns a Transition
// that lists which Event tags it accepts and which states it is allowed to
// exit into; Update refuses anything not named in either list. This gives the
// "exactly once" guarantees the vita-ske1 protocol relies on (a state reachable
// only through one Transition.Call can't be entered any other way through
// Update) without hand rolling a switch per caller. The lists are checked at
// run time by Update, not by the compiler.
package fsm

// Selector is the constraint satisfied by a state enum.
type Selector interface{ ~int }

// StateM is implemented by types that carry a mutable Sel state.
type StateM[Sel Selector] interface {
	State() Sel
	SetState(s Sel)
}

// Event carries the input processed by a Transition.Call.
type Event struct {
	Tag  string
	Msg  []byte
	Data any
}

// Command carries the output produced by a Transition.Call.
type Command struct {
	Msg  []byte
	Data any
}

// TransitionFunc implements the behaviour of one state. It returns the state
// to exit into, the Command to emit and an error. On error, sel is ignored:
// Update leaves the state unchanged so that failed operations never corrupt
// FSM state (see the per-package error-recovery policy).
type TransitionFunc[Sel Selector, S StateM[Sel]] func(s S, evt Event) (Sel, Command, error)

// Transition describes the events one state accepts and the states Call may
// legally exit into.
type Transition[Sel Selector, S StateM[Sel]] struct {
	Allow []string
	Call  TransitionFunc[Sel, S]
	Exit  []Sel
}

// Update dispatches evt to the Transition matching s's current state.
// It errors without mutating s if evt.Tag is not in that Transition's Allow
// list, if Call errors, or if Call returns a state outside the Exit list.
func Update[Sel Selector, S StateM[Sel]](s S, trs []Transition[Sel, S], evt Event) (cmd Command, err error) {
	sel := s.State()
	if sel < 0 || int(sel) >= len(trs) {
		return cmd, newError("invalid inner state %d", sel)
	}

	tr := trs[int(sel)]
	var allowed bool
	for _, tag := range tr.Allow {
		if tag == evt.Tag {
			allowed = true
			break
		}
	}
	if !allowed {
		return cmd, newError("event %s not allowed in state %d", evt.Tag, sel)
	}

	if nil != tr.Call {
		sel, cmd, err = tr.Call(s, evt)
	}
	if nil != err {
		// leave s untouched: FSM state must survive a failed operation.
		return cmd, err
	}

	allowed = false
	for _, exit := range tr.Exit {
		if exit == sel {
			allowed = true
			break
		}
	}
	if !allowed {
		return cmd, newError("exit state %d not allowed", sel)
	}

	s.SetState(sel)

	return cmd, nil
}
