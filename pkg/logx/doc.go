// Package logx configures autopanel's structured logging.
//
// It is a small wrapper (logx.Logger) on top of zerolog with a readable
// console format, JSON file output and an optional chat sink gated by a
// minimum level and a token bucket.
package logx
