// Package exec implements one executor per node kind behind a single
// execution capability, plus the uniform timeout/retry wrapper applied to
// every node.
//
// Executors delegate real work to the external capabilities in
// Capabilities (model invocation, tools, retrieval, sandbox, HTTP) and
// never block anywhere else. Partial output is pushed through the EmitFunc
// callback; the engine tags and orders it.
package exec
