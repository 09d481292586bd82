// Package managram turns inbound mana payments into commands and executes
// them, paying the sender back according to the outcome.
package managram

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"mirrorbot/internal/question"
)

// UserError is a failure the paying user caused and should hear about in a
// refund message. Anything else is internal and absorbs the payment.
type UserError struct {
	Message string
}

func (e *UserError) Error() string { return e.Message }

func userErrorf(format string, args ...any) error {
	return &UserError{Message: fmt.Sprintf(format, args...)}
}

// Command is one parsed payment instruction.
type Command interface{ isCommand() }

// MirrorCommand requests a mirror of a specific source question.
type MirrorCommand struct {
	Target Target
	Force  bool
}

// ResolveCommand asks the bot to check one of its mirrors for resolution.
// Target is a market URL or a literal contract id.
type ResolveCommand struct {
	Target string
}

type PingCommand struct{}

// UnknownCommand is anything that does not match the grammar. It draws no
// response; the payment is kept.
type UnknownCommand struct {
	Tokens []string
}

func (MirrorCommand) isCommand()  {}
func (ResolveCommand) isCommand() {}
func (PingCommand) isCommand()    {}
func (UnknownCommand) isCommand() {}

// Target names a source question.
type Target struct {
	Source   question.Source
	SourceID string
}

// Parse tokenizes a payment message on whitespace and matches it against
// the command grammar. Messages that do not start with a known command word
// parse as UnknownCommand; a known command with bad arguments is a UserError.
func Parse(message string) (Command, error) {
	tokens := strings.Fields(message)
	if len(tokens) == 0 {
		return UnknownCommand{}, nil
	}
	switch tokens[0] {
	case "mirror":
		return parseMirror(tokens[1:])
	case "resolve":
		if len(tokens) != 2 {
			return nil, userErrorf("resolve takes exactly one market url or id")
		}
		return ResolveCommand{Target: tokens[1]}, nil
	case "ping":
		return PingCommand{}, nil
	}
	return UnknownCommand{Tokens: tokens}, nil
}

func parseMirror(args []string) (Command, error) {
	cmd := MirrorCommand{}
	targetSet := false
	for _, arg := range args {
		switch {
		case arg == "--force":
			cmd.Force = true
		case strings.HasPrefix(arg, "--"):
			return nil, userErrorf("unrecognized flag %q", arg)
		case targetSet:
			return nil, userErrorf("mirror takes exactly one question url")
		default:
			target, err := parseTarget(arg)
			if err != nil {
				return nil, err
			}
			cmd.Target = target
			targetSet = true
		}
	}
	if !targetSet {
		return nil, userErrorf("mirror needs a question url")
	}
	return cmd, nil
}

// parseTarget maps a question URL onto its source platform and id.
func parseTarget(raw string) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return Target{}, userErrorf("invalid URL")
	}
	switch u.Host {
	case "www.metaculus.com", "metaculus.com":
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		if len(segments) < 2 || segments[0] != "questions" {
			return Target{}, userErrorf("failed to parse Metaculus question url")
		}
		if _, err := strconv.ParseUint(segments[1], 10, 64); err != nil {
			return Target{}, userErrorf("Metaculus question id must be a positive integer")
		}
		return Target{Source: question.Metaculus, SourceID: segments[1]}, nil
	case "www.kalshi.com", "kalshi.com":
		return Target{}, userErrorf("managram mirroring for Kalshi has not been implemented yet")
	}
	return Target{}, userErrorf("unrecognized host %q", u.Host)
}
