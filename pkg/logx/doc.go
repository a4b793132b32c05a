// Package logx is sprinkler's logging layer over zerolog.
//
// Console output is human readable with a short file:line caller, the log
// file gets JSON lines, and warnings can be mirrored to a RemoteSink (the
// MQTT publisher) under a level floor and a rate limit. Loggers obtained
// from a Service follow Service.Apply, so a config reload changes the level
// of every component at once.
package logx
