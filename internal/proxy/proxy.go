// Package proxy decides when the orchestrator must carry a channel's
// traffic for a runtime and relays such messages through the adapter.
package proxy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codervisor/clawden/internal/adapter"
)

type Status struct {
	ChannelType adapter.ChannelType `json:"channel_type"`
	Runtime     adapter.Runtime     `json:"runtime"`
	Proxied     bool                `json:"is_proxied"`
	Reason      string              `json:"reason,omitempty"`
}

// NeedsProxy reports whether meta lacks native or bridged support for ct.
// A missing entry counts as unsupported.
func NeedsProxy(meta adapter.RuntimeMetadata, ct adapter.ChannelType) bool {
	support, ok := meta.ChannelSupport[ct]
	if !ok {
		return true
	}
	switch support.Level {
	case adapter.SupportNative, adapter.SupportVia:
		return false
	}
	return true
}

func ProxyStatus(meta adapter.RuntimeMetadata, ct adapter.ChannelType) Status {
	st := Status{
		ChannelType: ct,
		Runtime:     meta.Runtime,
		Proxied:     NeedsProxy(meta, ct),
	}
	if st.Proxied {
		st.Reason = fmt.Sprintf("%s does not natively support %s; clawden will proxy", meta.Runtime, ct)
	}
	return st
}

// CreateProxyMessage wraps inbound channel text in the generic message
// shape, tagging the role with the originating channel.
func CreateProxyMessage(ct adapter.ChannelType, sender, content string) adapter.Message {
	return adapter.Message{
		Role:    "proxy:" + string(ct),
		Content: fmt.Sprintf("[%s] %s", sender, content),
	}
}

func FormatProxyResponse(resp adapter.Response) string {
	return resp.Content
}

// Relay sends an inbound channel message to the agent behind h and returns
// the text to post back on the channel.
func Relay(ctx context.Context, a adapter.Adapter, h adapter.Handle, ct adapter.ChannelType, sender, content string) (string, error) {
	msg := CreateProxyMessage(ct, sender, content)
	resp, err := a.Send(ctx, h, msg)
	if err != nil {
		return "", fmt.Errorf("relay %s message to %s: %w", ct, h.ID, err)
	}
	slog.Debug("proxied message relayed", "channel", ct, "agent", h.ID)
	return FormatProxyResponse(resp), nil
}
