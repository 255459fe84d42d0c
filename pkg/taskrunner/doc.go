// Package taskrunner hosts the shared abstractions for running ciflow
// workflows. It exposes the `Executor` interface plus helpers (`Factory`,
// `Resolve`, `BuildDependencies`) so CLI packages can assemble
// workflow.Dependencies once and obtain a runner, while unit tests can swap in
// fakes.
package taskrunner
