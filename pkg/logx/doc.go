// Package logx configures wikibot's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller), coloured only on a TTY
//   - File output JSON-structured, with size-based rotation
//   - Child loggers cheap: With() copies fields and never touches the parent
package logx
