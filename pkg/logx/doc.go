// Package logx configures edunotify's structured logging.
//
// Components take a logx.Logger (a small wrapper on top of zerolog) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output stays JSON-structured
//   - Level and sinks can be swapped at runtime on config reload
package logx
