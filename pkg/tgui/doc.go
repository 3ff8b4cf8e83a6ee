// Package tgui provides small Telegram text helpers: rune-safe truncation,
// splitting long replies under the message limit, and list paging.
package tgui
