// Package logging provides structured logging for SmartTrash Core.
//
// It wraps log/slog with the handler selection and default fields
// (service, version) every component shares.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("token rotated", "owner_id", ownerID)
//
// Raw refresh tokens, access tokens and passwords are never logged;
// log token IDs instead.
package logging
