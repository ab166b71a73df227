// Package config provides 12-factor configuration for the extension runtime.
//
// Configuration is loaded from environment variables with defaults. The CLI
// loads a .env file first, so values there behave like exported variables.
//
// Configuration Sections:
//   - Server: admin HTTP server settings (port, host)
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting of the admin API
//   - Dispatch: per-extension limiting of script API calls
//   - Storage: managed storage policy file
//   - Background: background context settings
//   - Extensions: discovery directory, URL scheme, auto-activation
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Admin API on %s\n", cfg.Server.Addr())
//
// Environment Variables:
//   - PORT, HOST
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - DISPATCH_RPS, DISPATCH_BURST, EVENT_BUFFER
//   - STORAGE_POLICY_FILE
//   - BACKGROUND_ENABLED, BACKGROUND_START_TIMEOUT
//   - EXTENSIONS_DIR, EXTENSION_SCHEME, EXTENSIONS_AUTO_ACTIVATE
package config
