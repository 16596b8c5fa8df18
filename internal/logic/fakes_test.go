package logic

type relayCall struct {
	id     RelayID
	on     bool
	manual bool
}

// fakeRelays is a scripted RelayActuator that honours the safety block.
type fakeRelays struct {
	state   map[RelayID]bool
	safety  bool
	refuse  bool // refuse every ON command
	calls   []relayCall
	allOffs int
}

func newFakeRelays() *fakeRelays {
	return &fakeRelays{state: make(map[RelayID]bool)}
}

func (f *fakeRelays) SetRelay(id RelayID, on, manual bool) bool {
	f.calls = append(f.calls, relayCall{id: id, on: on, manual: manual})
	if on && (f.refuse || (f.safety && !manual)) {
		return false
	}
	f.state[id] = on
	return true
}

func (f *fakeRelays) AllOff() {
	f.allOffs++
	for id := range f.state {
		f.state[id] = false
	}
}

func (f *fakeRelays) State(id RelayID) bool { return f.state[id] }

func (f *fakeRelays) SetSafety(active bool) { f.safety = active }

func (f *fakeRelays) onCalls(id RelayID) int {
	n := 0
	for _, c := range f.calls {
		if c.id == id && c.on {
			n++
		}
	}
	return n
}

type fakeEngine struct {
	stopped bool
	calls   int
}

func (f *fakeEngine) SetEngineStop(stop bool) error {
	f.stopped = stop
	f.calls++
	return nil
}

type fakeGuard struct{ err error }

func (g fakeGuard) CanStart() error { return g.err }

func eventNames(events []Event) []string {
	var names []string
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	return names
}

func hasEvent(events []Event, name string) bool {
	for _, ev := range events {
		if ev.Name == name {
			return true
		}
	}
	return false
}
