package adapter

import (
	"fmt"
	"log/slog"
	"strings"
)

// ChannelType is an external messaging surface an agent can be reached on.
type ChannelType string

const (
	ChannelTelegram   ChannelType = "telegram"
	ChannelDiscord    ChannelType = "discord"
	ChannelSlack      ChannelType = "slack"
	ChannelWhatsapp   ChannelType = "whatsapp"
	ChannelSignal     ChannelType = "signal"
	ChannelMatrix     ChannelType = "matrix"
	ChannelEmail      ChannelType = "email"
	ChannelFeishu     ChannelType = "feishu"
	ChannelDingtalk   ChannelType = "dingtalk"
	ChannelMattermost ChannelType = "mattermost"
	ChannelIRC        ChannelType = "irc"
	ChannelTeams      ChannelType = "teams"
	ChannelIMessage   ChannelType = "imessage"
	ChannelGoogleChat ChannelType = "google_chat"
	ChannelQQ         ChannelType = "qq"
	ChannelLine       ChannelType = "line"
	ChannelNostr      ChannelType = "nostr"
)

var channelAliases = map[string]ChannelType{
	"telegram":    ChannelTelegram,
	"discord":     ChannelDiscord,
	"slack":       ChannelSlack,
	"whatsapp":    ChannelWhatsapp,
	"signal":      ChannelSignal,
	"matrix":      ChannelMatrix,
	"email":       ChannelEmail,
	"feishu":      ChannelFeishu,
	"lark":        ChannelFeishu,
	"dingtalk":    ChannelDingtalk,
	"mattermost":  ChannelMattermost,
	"irc":         ChannelIRC,
	"teams":       ChannelTeams,
	"imessage":    ChannelIMessage,
	"google_chat": ChannelGoogleChat,
	"googlechat":  ChannelGoogleChat,
	"qq":          ChannelQQ,
	"line":        ChannelLine,
	"nostr":       ChannelNostr,
}

// ParseChannelType resolves a channel type case-insensitively, accepting
// the known aliases (lark, googlechat).
func ParseChannelType(s string) (ChannelType, error) {
	ct, ok := channelAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownChannelType, s)
	}
	return ct, nil
}

func (c ChannelType) String() string {
	return string(c)
}

// SupportLevel describes how a runtime handles a channel on its own.
type SupportLevel string

const (
	SupportNative      SupportLevel = "native"
	SupportVia         SupportLevel = "via"
	SupportUnsupported SupportLevel = "unsupported"
)

// ChannelSupport is one entry of a runtime's channel support table.
// Mechanism names the runtime-specific bridge when Level is SupportVia.
type ChannelSupport struct {
	Level     SupportLevel `json:"level"`
	Mechanism string       `json:"mechanism,omitempty"`
}

func Native() ChannelSupport { return ChannelSupport{Level: SupportNative} }

func Via(mechanism string) ChannelSupport {
	return ChannelSupport{Level: SupportVia, Mechanism: mechanism}
}

func Unsupported() ChannelSupport { return ChannelSupport{Level: SupportUnsupported} }

// ChannelInstanceConfig is a named configuration of one messaging channel.
type ChannelInstanceConfig struct {
	InstanceName string            `json:"instance_name"`
	ChannelType  ChannelType       `json:"channel_type"`
	Credentials  map[string]string `json:"credentials,omitempty"`
	Options      map[string]any    `json:"options,omitempty"`
}

// LogValue keeps credential values out of log output.
func (c ChannelInstanceConfig) LogValue() slog.Value {
	keys := make([]string, 0, len(c.Credentials))
	for k := range c.Credentials {
		keys = append(keys, k)
	}
	return slog.GroupValue(
		slog.String("instance", c.InstanceName),
		slog.String("type", string(c.ChannelType)),
		slog.Any("credential_keys", keys),
	)
}

type BindingStatus string

const (
	BindingActive   BindingStatus = "active"
	BindingDraining BindingStatus = "draining"
	BindingReleased BindingStatus = "released"
)

// ChannelBinding records that the credential with TokenHash is claimed by
// InstanceID for ChannelType. The raw credential is never kept.
type ChannelBinding struct {
	ID            string        `json:"id"`
	InstanceID    string        `json:"instance_id"`
	ChannelType   ChannelType   `json:"channel_type"`
	TokenHash     string        `json:"bot_token_hash"`
	Status        BindingStatus `json:"status"`
	BoundAtUnixMs int64         `json:"bound_at_unix_ms"`
}

type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionRateLimited  ConnectionStatus = "rate_limited"
	ConnectionProxied      ConnectionStatus = "proxied"
)
