// Package logx configures notifyd's structured logging.
//
// Components log through logx.Logger, a small value type on top of zerolog:
//   - console output is human readable (short timestamp + file:line caller)
//   - console output can be switched to JSON lines for log shippers
//   - an optional file sink always writes JSON
//
// The zero Logger is a no-op, so components can be constructed without one.
package logx
