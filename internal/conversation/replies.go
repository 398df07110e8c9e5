// ABOUTME: User-visible reply texts and formatting for command results
// ABOUTME: Previews are cut on rune boundaries and marked with an ellipsis

package conversation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	replyCleared        = "Conversation history cleared!"
	replyPromptUsage    = "Please provide a system prompt.\nUsage: /prompt <your system prompt>"
	replyLoadUsage      = "Please provide a prompt ID.\nUsage: /load <prompt_id>"
	replyLoadFailed     = "Could not load the prompt. Please check the ID and try again."
	replyNoResults      = "No prompts found."
	replySearchFailed   = "Prompt search failed. Please try again later."
	replyEmptyMessage   = "Send me a message to start chatting, or /help for commands."
	replyChatFailed     = "Sorry, I encountered an error processing your message. Please try again."
	replyBusy           = "The bot is handling too many conversations right now. Please try again later."
	replyCancelled      = "Your request was cancelled before it completed."
	replyInvalidRequest = "This conversation could not be identified."
	replyEnded          = "Conversation ended."

	promptPreviewLength = 100
	loadPreviewLength   = 200
)

// DefaultWelcome greets a user who opens the bot with /start when no welcome
// text is configured.
const DefaultWelcome = "Welcome to FlowGPT Bot!\n\n" +
	"I'm an AI assistant powered by FlowGPT prompts.\n\n" +
	"Commands:\n" +
	"/start - Show this welcome message\n" +
	"/help - Show help information\n" +
	"/clear - Clear conversation history\n" +
	"/prompt <text> - Set a custom system prompt\n" +
	"/search <query> - Search FlowGPT prompts\n" +
	"/load <prompt_id> - Load a FlowGPT prompt\n\n" +
	"Just send me a message to start chatting!"

// DefaultHelp is shown when no help text is configured for a platform.
const DefaultHelp = "FlowGPT Bot Help\n\n" +
	"Available Commands:\n" +
	"/help - Show this help message\n" +
	"/clear - Clear your conversation history\n" +
	"/prompt <text> - Set a custom system prompt for the AI\n" +
	"/search <query> - Search for prompts on FlowGPT\n" +
	"/load <prompt_id> - Load a specific FlowGPT prompt\n\n" +
	"Tips:\n" +
	"- Just type your message to chat with the AI\n" +
	"- Use /clear to start a fresh conversation\n" +
	"- Use /prompt to customize the AI's behavior"

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func promptUpdatedReply(text string) string {
	return "System prompt updated!\n\nNew prompt: " + preview(text, promptPreviewLength)
}

func promptLoadedReply(content string) string {
	return "Prompt loaded successfully!\n\nPreview: " + preview(content, loadPreviewLength)
}

func unknownCommandReply(name string) string {
	if name == "" {
		return "Unknown command. Send /help to see what I can do."
	}
	return fmt.Sprintf("Unknown command: /%s. Send /help to see what I can do.", name)
}

func searchReply(results []SearchResult, total int) string {
	var b strings.Builder
	b.WriteString("Found prompts:\n\n")
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   ID: %s\n", i+1, r.Title, r.ID)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s...\n", r.Snippet)
		}
		b.WriteString("\n")
	}
	if total > len(results) {
		fmt.Fprintf(&b, "Showing %d of %d results.\n", len(results), total)
	}
	b.WriteString("Use /load <prompt_id> to load a prompt.")
	return b.String()
}
