// Package blockkit builds the Slack Block Kit messages the bot replies with.
package blockkit

import (
	"github.com/slack-go/slack"
)

const (
	ResponseInChannel = "in_channel"
	ResponseEphemeral = "ephemeral"
)

func mrkdwn(text string) *slack.TextBlockObject {
	return slack.NewTextBlockObject(slack.MarkdownType, text, false, false)
}

func Header(text string) slack.Block {
	return slack.NewHeaderBlock(slack.NewTextBlockObject(slack.PlainTextType, text, true, false))
}

func Section(text string) slack.Block {
	return slack.NewSectionBlock(mrkdwn(text), nil, nil)
}

// Fields renders a two-column section.
func Fields(texts ...string) slack.Block {
	fields := make([]*slack.TextBlockObject, 0, len(texts))
	for _, t := range texts {
		fields = append(fields, mrkdwn(t))
	}
	return slack.NewSectionBlock(nil, fields, nil)
}

func Context(text string) slack.Block {
	return slack.NewContextBlock("", mrkdwn(text))
}

func Divider() slack.Block {
	return slack.NewDividerBlock()
}

func titled(emoji, title, message string) slack.Block {
	return Section(emoji + " *" + title + "*\n" + message)
}

func Error(title, message string) []slack.Block {
	return []slack.Block{titled("❌", title, message)}
}

func Info(title, message string) []slack.Block {
	return []slack.Block{titled("ℹ️", title, message)}
}

func Success(title, message string) []slack.Block {
	return []slack.Block{titled("✅", title, message)}
}

// Message is a slash-command reply.
func Message(responseType string, blocks []slack.Block) slack.Msg {
	return slack.Msg{
		ResponseType: responseType,
		Blocks:       slack.Blocks{BlockSet: blocks},
	}
}
