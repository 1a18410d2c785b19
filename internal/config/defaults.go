package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:        "info",
			DefaultProvider: "lmstudio",
			QueueSize:       4,
			ContextSize:     5,
			MaxIterations:   5,
			ChunkPacingMs:   500,
		},
		Providers: map[string]ProviderConfig{
			"lmstudio": {
				Enabled:      true,
				APIBase:      "http://localhost:1234/api/v0",
				DefaultModel: "",
			},
			"crofai": {
				Enabled: false,
				APIBase: "https://ai.nahcrof.com/v2",
				APIKey:  "${CROFAI_API_KEY}",
			},
		},
		Channels: ChannelsConfig{
			Discord: DiscordConfig{
				Enabled: false,
			},
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Context: ContextConfig{
			ChannelMessages: 5,
			UserMessages:    3,
			QuotedMentions:  1,
		},
		Search: SearchConfig{
			ScraperFallback: true,
		},
		Memory: MemoryConfig{
			Enabled: true,
			DBPath:  "~/.replybot/memory.db",
		},
		MCP: MCPConfig{
			Enabled:    false,
			ConfigPath: "~/.replybot/mcp_servers.yaml",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9091,
		},
	}
}
