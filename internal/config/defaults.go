package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
			Timezone:  "America/New_York",
		},
		Source: SourceConfig{
			APIBase:        "https://api.twilio.com",
			PageSize:       50,
			TimeoutSeconds: 15,
		},
		Classifier: ClassifierConfig{
			Provider:           "openai",
			Temperature:        0.1,
			MaxTokens:          500,
			TimeoutSeconds:     30,
			RateLimitPerMinute: 60,
			RateLimitBurst:     5,
		},
		Providers: map[string]ProviderConfig{
			"openai": {
				Enabled:      true,
				APIBase:      "https://api.openai.com/v1",
				DefaultModel: "gpt-4o-mini",
			},
			"claude": {
				Enabled: false,
			},
			"ollama": {
				Enabled:      false,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
			},
		},
		Ledger: LedgerConfig{
			Kind:           "sheets",
			TimeoutSeconds: 15,
			Sheets: SheetsConfig{
				SheetName: "Sheet1",
			},
			SQLite: SQLiteConfig{
				DBPath: "~/.orderdesk/ledger.db",
			},
		},
		Alert: AlertConfig{
			Kind:           "slack",
			TimeoutSeconds: 10,
		},
		Schedule: ScheduleConfig{
			Enabled:           true,
			Primary:           "0 9-17 * * *",
			Secondary:         "30 9-16 * * *",
			JobTimeoutSeconds: 300,
		},
		Pipeline: PipelineConfig{
			InitialLookbackMinutes: 60,
		},
		State: StateConfig{
			Kind:          "memory",
			DBPath:        "~/.orderdesk/state.db",
			RetentionDays: 30,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 3000,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
