package claws

import "github.com/codervisor/clawden/internal/adapter"

func intPtr(v int) *int { return &v }

func native(types ...adapter.ChannelType) map[adapter.ChannelType]adapter.ChannelSupport {
	m := make(map[adapter.ChannelType]adapter.ChannelSupport, len(types))
	for _, t := range types {
		m[t] = adapter.Native()
	}
	return m
}

// NewOpenClaw returns the adapter for the TypeScript OpenClaw runtime. It
// can be supervised but does not accept messages through the bus.
func NewOpenClaw(opts Options) *Backend {
	support := native(
		adapter.ChannelTelegram, adapter.ChannelDiscord, adapter.ChannelSlack,
		adapter.ChannelFeishu, adapter.ChannelMattermost, adapter.ChannelIRC,
		adapter.ChannelTeams, adapter.ChannelIMessage, adapter.ChannelGoogleChat,
		adapter.ChannelNostr,
	)
	support[adapter.ChannelWhatsapp] = adapter.Via("Baileys")
	support[adapter.ChannelSignal] = adapter.Via("signal-cli")

	return newBackend(profile{
		meta: adapter.RuntimeMetadata{
			Runtime:        adapter.RuntimeOpenClaw,
			Version:        "latest",
			Language:       "typescript",
			Capabilities:   []string{"chat", "tools"},
			DefaultPort:    intPtr(18789),
			ConfigFormat:   "json5",
			ChannelSupport: support,
		},
		executable: "openclaw",
		image:      "ghcr.io/openclaw/openclaw:latest",
	}, opts)
}

// NewZeroClaw returns the adapter for the Rust ZeroClaw runtime.
func NewZeroClaw(opts Options) *Backend {
	support := native(
		adapter.ChannelTelegram, adapter.ChannelDiscord, adapter.ChannelSlack,
		adapter.ChannelSignal, adapter.ChannelFeishu, adapter.ChannelMatrix,
		adapter.ChannelEmail, adapter.ChannelMattermost, adapter.ChannelIRC,
		adapter.ChannelIMessage, adapter.ChannelNostr,
	)
	support[adapter.ChannelWhatsapp] = adapter.Via("Meta Cloud API")

	return newBackend(profile{
		meta: adapter.RuntimeMetadata{
			Runtime:        adapter.RuntimeZeroClaw,
			Version:        "latest",
			Language:       "rust",
			Capabilities:   []string{"chat", "reasoning"},
			DefaultPort:    intPtr(42617),
			ConfigFormat:   "toml",
			ChannelSupport: support,
		},
		executable:   "zeroclaw",
		image:        "ghcr.io/zeroclaw-labs/zeroclaw:latest",
		interactive:  true,
		eventsSource: true,
	}, opts)
}

// NewPicoClaw returns the adapter for the Go PicoClaw runtime.
func NewPicoClaw(opts Options) *Backend {
	return newBackend(profile{
		meta: adapter.RuntimeMetadata{
			Runtime:      adapter.RuntimePicoClaw,
			Version:      "latest",
			Language:     "go",
			Capabilities: []string{"chat", "embedded"},
			ConfigFormat: "json",
			ChannelSupport: native(
				adapter.ChannelTelegram, adapter.ChannelDiscord, adapter.ChannelSlack,
				adapter.ChannelWhatsapp, adapter.ChannelFeishu, adapter.ChannelDingtalk,
				adapter.ChannelQQ, adapter.ChannelLine,
			),
		},
		executable:   "picoclaw",
		image:        "ghcr.io/sipeed/picoclaw:latest",
		interactive:  true,
		eventsSource: true,
	}, opts)
}

// All returns one adapter per built-in runtime, sharing opts.
func All(opts Options) []adapter.Adapter {
	return []adapter.Adapter{
		NewOpenClaw(opts),
		NewZeroClaw(opts),
		NewPicoClaw(opts),
	}
}
