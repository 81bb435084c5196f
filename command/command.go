package command

import (
	"strings"
)

// Action is the closed set of slash-command verbs.
type Action int

const (
	ActionStatus Action = iota
	ActionClaim
	ActionRelease
	ActionRealtime
	ActionHelp
)

func (a Action) String() string {
	switch a {
	case ActionStatus:
		return "status"
	case ActionClaim:
		return "claim"
	case ActionRelease:
		return "release"
	case ActionRealtime:
		return "realtime"
	case ActionHelp:
		return "help"
	}
	return "unknown"
}

// ParseAction maps a verb to an Action. An empty verb is status, anything
// unrecognised is help.
func ParseAction(s string) Action {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "status":
		return ActionStatus
	case "claim":
		return ActionClaim
	case "release":
		return ActionRelease
	case "realtime":
		return ActionRealtime
	}
	return ActionHelp
}

// Command is a parsed slash command.
type Command struct {
	Action   Action
	Args     []string
	UserID   string
	UserName string
}

// Parse splits slash-command text such as "claim 0 training model 2h".
func Parse(text, userID, userName string) Command {
	parts := strings.Fields(text)
	cmd := Command{Action: ActionStatus, UserID: userID, UserName: userName}
	if len(parts) > 0 {
		cmd.Action = ParseAction(parts[0])
		cmd.Args = parts[1:]
	}
	return cmd
}

// FormatError is returned for commands with missing arguments.
type FormatError struct {
	Action Action
	Usage  string
}

func (e *FormatError) Error() string {
	return "invalid " + e.Action.String() + " command, usage: " + e.Usage
}
