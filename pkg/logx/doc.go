// Package logx configures qrond's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Job passthrough output untouched (raw writers, optional line rate cap)
package logx
