package config

const redacted = "***"

// RedactedConfig returns a copy of cfg that is safe to log: passwords, tokens
// and webhook URLs are replaced with "***".
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Redis.Password)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Slices are copied so the redacted value shares nothing with cfg.
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	out.Server.CORSOrigins = append([]string(nil), cfg.Server.CORSOrigins...)

	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
