package config

// RedactedConfig returns a copy of cfg with secrets replaced by "***", for
// logging the active configuration.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Exchange.APIKey)
	redact(&out.Exchange.APISecret)
	redact(&out.Exchange.APIPassphrase)

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)

	redact(&out.Redis.Password)

	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	redact(&out.Server.APIKey)

	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)

	// Copy slices and maps so the redacted copy cannot alias the original.
	out.Exchange.Currencies = append([]string(nil), cfg.Exchange.Currencies...)
	out.Execution.Majors = append([]string(nil), cfg.Execution.Majors...)
	out.Session.Tracked = append([]string(nil), cfg.Session.Tracked...)
	out.Notify.Events = append([]string(nil), cfg.Notify.Events...)
	if cfg.Session.PaperBalances != nil {
		out.Session.PaperBalances = make(map[string]float64, len(cfg.Session.PaperBalances))
		for k, v := range cfg.Session.PaperBalances {
			out.Session.PaperBalances[k] = v
		}
	}
	return out
}

const redacted = "***"

// redact replaces a non-empty string with the redacted placeholder.
func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
