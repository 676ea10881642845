// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster implements the agglomerative clusterer (spec.md §4.7):
// a priority-queue-driven hierarchical clusterer over an N×N distance
// matrix, with average linkage and a stop condition of either a target
// cluster count or a distance threshold.
package cluster

import (
	"container/heap"
	"fmt"

	"github.com/odml-runtime/odmld/internal/odmlerr"
)

// Linkage selects how the distance between two merged clusters is
// recomputed. Average is the only linkage spec.md requires.
type Linkage int

const (
	Average Linkage = iota
)

// node is one entry in the dendrogram: a leaf (left == right == nil) or
// an inner node formed by merging two earlier nodes.
type node struct {
	left, right *node
	id          int
	active      bool
}

// leafIDs appends every leaf id reachable from n to group.
func (n *node) leafIDs(group *[]int) {
	if n.left == nil && n.right == nil {
		*group = append(*group, n.id)
		return
	}
	if n.left != nil {
		n.left.leafIDs(group)
	}
	if n.right != nil {
		n.right.leafIDs(group)
	}
}

// pair is one entry on the min-priority queue: a candidate merge and
// the distance it was queued at. The nodes it references may have gone
// inactive by the time it is popped, in which case it is discarded.
type pair struct {
	distance float32
	a, b     *node
}

// pairHeap is a container/heap min-heap of pair, the idiomatic Go
// equivalent of the original's std::priority_queue with a greater-than
// comparator.
type pairHeap []pair

func (h pairHeap) Len() int            { return len(h) }
func (h pairHeap) Less(i, j int) bool  { return h[i].distance < h[j].distance }
func (h pairHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pairHeap) Push(x any)         { *h = append(*h, x.(pair)) }
func (h *pairHeap) Pop() any {
	old := *h
	n := len(old)
	last := old[n-1]
	*h = old[:n-1]
	return last
}

// averageLinkage tracks, per node id, the cluster size and the running
// sum of pairwise distances to every other active node — spec.md §4.7's
// "maintains the sum of all pairwise distances between clusters, so
// average = sum/(size_a·size_b)".
type averageLinkage struct {
	sums  [][]float32
	sizes []int
}

func newAverageLinkage(distances [][]float32, n int) *averageLinkage {
	capacity := 2 * n
	l := &averageLinkage{
		sums:  make([][]float32, capacity),
		sizes: make([]int, capacity),
	}
	for i := range l.sums {
		l.sums[i] = make([]float32, capacity)
	}
	for i := 0; i < n; i++ {
		l.sizes[i] = 1
		copy(l.sums[i][:n], distances[i][:n])
	}
	return l
}

// merge folds node1 and node2's rows into newNodeID's row by elementwise
// addition over every still-active node with a lower id, then returns
// the recomputed average distance from newNodeID to each of them.
func (l *averageLinkage) merge(node1, node2, newNodeID int, nodes []*node) map[int]float32 {
	l.sizes[newNodeID] = l.sizes[node1] + l.sizes[node2]

	for i := 0; i < newNodeID; i++ {
		if !nodes[i].active {
			continue
		}
		sum := l.sums[node1][i] + l.sums[node2][i]
		l.sums[i][newNodeID] = sum
		l.sums[newNodeID][i] = sum
	}

	out := make(map[int]float32)
	for i := 0; i < newNodeID; i++ {
		if !nodes[i].active {
			continue
		}
		out[i] = l.sums[newNodeID][i] / float32(l.sizes[newNodeID]) / float32(l.sizes[i])
	}
	return out
}

// Options selects exactly one stop condition for Run.
type Options struct {
	Linkage   Linkage
	NClusters *int
	Threshold *float32
}

// Run clusters an N×N symmetric distance matrix, returning groups of
// leaf indices. Order between and within groups is unspecified
// (spec.md §4.7).
func Run(distances [][]float32, opts Options) ([][]int, error) {
	const op = "cluster.Run"

	n := len(distances)
	for i, row := range distances {
		if len(row) != n {
			return nil, odmlerr.New(odmlerr.InvalidArgument, op, fmt.Errorf("row %d has length %d, want %d (matrix must be square)", i, len(row), n))
		}
	}

	if (opts.NClusters == nil) == (opts.Threshold == nil) {
		return nil, odmlerr.New(odmlerr.InvalidArgument, op, fmt.Errorf("exactly one of n_clusters or threshold must be supplied"))
	}
	if opts.NClusters != nil && (*opts.NClusters < 0 || *opts.NClusters > n) {
		return nil, odmlerr.New(odmlerr.InvalidArgument, op, fmt.Errorf("n_clusters %d out of range [0,%d]", *opts.NClusters, n))
	}
	if opts.Threshold != nil && *opts.Threshold < 0 {
		return nil, odmlerr.New(odmlerr.InvalidArgument, op, fmt.Errorf("threshold %f must be non-negative", *opts.Threshold))
	}
	if opts.Linkage != Average {
		return nil, odmlerr.New(odmlerr.InvalidArgument, op, fmt.Errorf("unsupported linkage %d", opts.Linkage))
	}

	if n == 0 {
		return [][]int{}, nil
	}

	nodes := make([]*node, 0, 2*n)
	for i := 0; i < n; i++ {
		nodes = append(nodes, &node{id: i, active: true})
	}

	pq := make(pairHeap, 0, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := 0; j < i; j++ {
			pq = append(pq, pair{distance: distances[j][i], a: nodes[j], b: nodes[i]})
		}
	}
	heap.Init(&pq)

	linkage := newAverageLinkage(distances, n)

	for pq.Len() > 0 {
		numGroups := n - (len(nodes) - n)
		if opts.NClusters != nil && numGroups <= *opts.NClusters {
			break
		}

		selected := heap.Pop(&pq).(pair)
		if !selected.a.active || !selected.b.active {
			continue
		}
		if opts.Threshold != nil && selected.distance > *opts.Threshold {
			break
		}

		newID := len(nodes)
		selected.a.active = false
		selected.b.active = false
		merged := &node{left: selected.a, right: selected.b, id: newID, active: true}
		nodes = append(nodes, merged)

		for id, dist := range linkage.merge(selected.a.id, selected.b.id, newID, nodes) {
			heap.Push(&pq, pair{distance: dist, a: nodes[id], b: merged})
		}
	}

	var groups [][]int
	for _, nd := range nodes {
		if !nd.active {
			continue
		}
		var group []int
		nd.leafIDs(&group)
		groups = append(groups, group)
	}
	if groups == nil {
		groups = [][]int{}
	}
	return groups, nil
}
