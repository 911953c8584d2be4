package session

import "fmt"

// Action is the operation requested of the controller.
type Action int

const (
	// ActionSpawn starts the app under instrumentation and attaches to it.
	ActionSpawn Action = iota
	// ActionEnumerate lists processes on the device.
	ActionEnumerate
	// ActionGetScript returns the script that would be injected.
	ActionGetScript
	// ActionSession attaches to an existing session or process.
	ActionSession
)

var actionNames = map[Action]string{
	ActionSpawn:     "spawn",
	ActionEnumerate: "ps",
	ActionGetScript: "get",
	ActionSession:   "session",
}

// ParseAction maps a wire name to an Action. An empty name means spawn.
func ParseAction(s string) (Action, error) {
	if s == "" {
		return ActionSpawn, nil
	}
	for a, name := range actionNames {
		if name == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

// String returns the wire name.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// attaches reports whether the action ends in a detached attach.
func (a Action) attaches() bool {
	return a == ActionSpawn || a == ActionSession
}
