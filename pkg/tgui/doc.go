// Package tgui provides small helpers for composing Telegram HTML messages.
//
// Design goals:
//   - Safe by default for Telegram ParseMode="HTML" (auto escaping)
//   - The H type marks strings that are already escaped, so builders
//     compose without double-escaping
package tgui
