package models

import "time"

// Mode is the action family a message asks for. Classification priority
// is fixed: build > execute > analyze > maintain > assist.
type Mode string

const (
	ModeBuild    Mode = "build"
	ModeExecute  Mode = "execute"
	ModeAnalyze  Mode = "analyze"
	ModeAssist   Mode = "assist"
	ModeMaintain Mode = "maintain"
)

// Genre describes the speech act of a message.
type Genre string

const (
	GenreDirect  Genre = "direct"
	GenreInform  Genre = "inform"
	GenreCommit  Genre = "commit"
	GenreDecide  Genre = "decide"
	GenreExpress Genre = "express"
)

// Format is determined by the inbound channel, never the content.
type Format string

const (
	FormatCommand      Format = "command"
	FormatMessage      Format = "message"
	FormatNotification Format = "notification"
	FormatDocument     Format = "document"
	FormatTranscript   Format = "transcript"
)

// Signal is the immutable 5-tuple classification of an inbound message.
type Signal struct {
	Mode      Mode        `json:"mode"`
	Genre     Genre       `json:"genre"`
	Type      string      `json:"type"`
	Format    Format      `json:"format"`
	Weight    float64     `json:"weight"`
	Channel   ChannelType `json:"channel"`
	Timestamp time.Time   `json:"timestamp"`
}

// FormatForChannel maps a channel to its fixed signal format.
func FormatForChannel(channel ChannelType) Format {
	switch channel {
	case ChannelCLI:
		return FormatCommand
	case ChannelWebhook, ChannelSystem:
		return FormatNotification
	case ChannelEmail:
		return FormatDocument
	default:
		return FormatMessage
	}
}
