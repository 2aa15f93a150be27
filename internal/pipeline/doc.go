// Package pipeline runs a project through indexing, integration, symmetry
// determination, scaling and merging.
//
// A pipeline name ("3d", "3dd") selects the implementation of each stage from
// a Registry. Sweeps are indexed and integrated one at a time, or spread over
// a worker pool, and their results are folded back into the project tree in
// submission order. The tree is checkpointed after integration and again
// after scaling, so an interrupted run can be resumed.
package pipeline
