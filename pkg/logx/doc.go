// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase can log through a small, stable
// API (Logger + Field helpers) without importing zerolog directly, and so
// the output sinks (console, file) are decided once at startup.
package logx
