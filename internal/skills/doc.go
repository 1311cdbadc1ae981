// ABOUTME: Package documentation for skills
// ABOUTME: Definitions, templates, the executor, and the skill service

// Package skills defines multi-step tool workflows and runs them.
//
// A Definition is an ordered list of steps, each naming a server, a tool,
// and arguments that may reference earlier results with "{{step.path}}"
// templates. Executor runs the steps one by one through a GatewayClient and
// stops at the first failure. Service stores skills and versions, serves the
// marketplace, and tracks running executions so they can be cancelled.
package skills
