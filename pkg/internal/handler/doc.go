// Package handler provides reflection-based invocation of registered job
// handlers. It is internal to the queue engine.
package handler
