package storage

// Package storage is the wiki's persistence collaborator as seen by the bot API.
//
// It covers only what the bot endpoints need:
//   - Pages by normalized (trimmed, lowercase) name
//   - Users by id/username/token, plus token rotation
//   - A flat key-value settings store
//
// Drivers: "memory" (default, tests) and "sqlite" (modernc.org/sqlite).
