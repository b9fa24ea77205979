// Package logx configures evalwatch's structured logging.
//
// Components log through logx.Logger, a thin wrapper on top of zerolog:
//   - Console output stays readable (short timestamp + short caller)
//   - File output stays JSON-structured
//   - Records at or above a min level can be forwarded to the alert channel
package logx
