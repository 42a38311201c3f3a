// Package graph implements the task mesh: a directed acyclic graph of
// tasks and dependency edges with cycle rejection, readiness queries,
// topological ordering and critical-path computation.
//
// Only hard and data edges participate in cycle detection and readiness;
// soft and resource edges are advisory.
package graph
