// Package server provides the HTTP and websocket surface: the web app,
// the realtime room protocol, synthesized audio artifacts, and the
// monitoring endpoints.
package server
