// ABOUTME: Closed set of commands a normalized inbound message can turn into
// ABOUTME: Every platform maps its native command shape onto these variants before dispatch

package command

// Command is one interpreted inbound message. The set of implementations is closed.
type Command interface {
	command()
	// Name returns the command word, or "chat" for plain messages.
	Name() string
}

// PlainChat is an ordinary message destined for the model.
type PlainChat struct {
	Text string
}

// Clear resets the conversation.
type Clear struct{}

// SetPrompt replaces the system prompt with custom text.
type SetPrompt struct {
	Text string
}

// Search queries the prompt catalog.
type Search struct {
	Query string
}

// Load fetches a catalog prompt by id and makes it the system prompt.
type Load struct {
	PromptID string
}

// Help asks for the command list. Welcome marks the greeting a platform
// sends when a user first opens the bot ("/start").
type Help struct {
	Welcome bool
}

// Unknown is a slash command that matched no known word.
type Unknown struct {
	Word string
	Raw  string
}

func (PlainChat) command() {}
func (Clear) command()     {}
func (SetPrompt) command() {}
func (Search) command()    {}
func (Load) command()      {}
func (Help) command()      {}
func (Unknown) command()   {}

func (PlainChat) Name() string { return "chat" }
func (Clear) Name() string     { return "clear" }
func (SetPrompt) Name() string { return "prompt" }
func (Search) Name() string    { return "search" }
func (Load) Name() string      { return "load" }
func (Help) Name() string      { return "help" }
func (Unknown) Name() string   { return "unknown" }
