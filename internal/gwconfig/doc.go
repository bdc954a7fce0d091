// Package gwconfig persists the gateway's two JSON documents (gateway
// config and per-template registry entries) under a single root directory,
// always writing through a temp-file-plus-rename so a crash mid-write never
// leaves a truncated file for the next load. Watcher layers an fsnotify
// watch on top for processes that want to hot-reload templates or the
// gateway config without a restart.
package gwconfig
