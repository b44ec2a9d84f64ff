// Package logx is the daemon's zerolog wrapper.
//
// Components take a logx.Logger value and tag it with a "comp" field. The
// Service behind every Logger owns the sinks, so a config reload can change
// level, console and file output without rebuilding loggers.
package logx
