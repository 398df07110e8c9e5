// ABOUTME: Parses raw message text into a Command
// ABOUTME: Handles Telegram @bot suffixes, Slack's /flowgpt wrapper and Discord-style command tokens

package command

import (
	"regexp"
	"strings"
)

var mentionPattern = regexp.MustCompile(`<@[!&]?[A-Za-z0-9]+>`)

// Parse interprets text. A leading "/word" is a command (case-insensitive);
// anything else is a plain chat message carrying the whole text.
func Parse(text string) Command {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return PlainChat{Text: trimmed}
	}

	body := trimmed[1:]
	word, args := body, ""
	if idx := strings.IndexAny(body, " \t\r\n"); idx >= 0 {
		word, args = body[:idx], body[idx+1:]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return build(strings.ToLower(word), strings.TrimSpace(args), trimmed)
}

// FromEvent builds a Command from an adapter-supplied native command token
// (for example a Discord interaction name) and its argument text. An empty
// token falls back to Parse.
func FromEvent(token, text string) Command {
	token = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(token), "/"))
	if token == "" {
		return Parse(text)
	}
	if i := strings.IndexByte(token, '@'); i >= 0 {
		token = token[:i]
	}
	args := strings.TrimSpace(text)
	raw := "/" + token
	if args != "" {
		raw += " " + args
	}
	return build(strings.ToLower(token), args, raw)
}

func build(word, args, raw string) Command {
	switch word {
	case "clear":
		return Clear{}
	case "prompt":
		return SetPrompt{Text: args}
	case "search":
		return Search{Query: args}
	case "load":
		return Load{PromptID: args}
	case "help":
		return Help{}
	case "start":
		return Help{Welcome: true}
	case "chat":
		if args == "" {
			return Help{}
		}
		return PlainChat{Text: args}
	default:
		return Unknown{Word: word, Raw: raw}
	}
}

// NormalizeSlackCommand rewrites the text of Slack's single "/flowgpt"
// slash command into the shared "/sub args" form. "chat <msg>" becomes the
// bare message and an empty invocation becomes "/help".
func NormalizeSlackCommand(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return "/help"
	}
	sub, args, _ := strings.Cut(text, " ")
	sub = strings.ToLower(strings.TrimPrefix(sub, "/"))
	args = strings.TrimSpace(args)
	if sub == "chat" {
		if args == "" {
			return "/help"
		}
		return args
	}
	if args == "" {
		return "/" + sub
	}
	return "/" + sub + " " + args
}

// StripMentions removes platform mention tokens such as <@U123>.
func StripMentions(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}
