// Package logx is the structured logger of both daemons: a thin value-type
// wrapper over zerolog whose sinks and level can be swapped on config
// reload without re-creating the loggers handed to components.
package logx
