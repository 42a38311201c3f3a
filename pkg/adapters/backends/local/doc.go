// Package local is the in-process execution backend: a fixed worker
// pool with panic containment and periodic health reporting.
package local
