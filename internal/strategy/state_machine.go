package strategy

// Transition returns the lifecycle state an event moves a position to and
// reports whether the event is valid from current. Invalid events leave the
// state unchanged.
func Transition(current State, event Event) (State, bool) {
	return nextState(current, event)
}

func nextState(current State, event Event) (State, bool) {
	switch current {
	case StateNone, StateClosed:
		if event == EventEnter {
			return StateOpen, true
		}
	case StateOpen:
		switch event {
		case EventRebalance:
			return StateOpen, true
		case EventExit:
			return StateClosing, true
		}
	case StateClosing:
		switch event {
		case EventExit:
			return StateClosing, true
		case EventFilled:
			return StateClosed, true
		}
	}
	return current, false
}
