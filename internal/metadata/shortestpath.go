package metadata

import (
	"container/heap"

	"github.com/deltaup/deltaup"
)

// ShortestPath finds the cheapest chain of packages from start to
// goal, where cost is the total number of data bytes to download.
// start == "" means "no version installed". The returned packages
// point into the packages argument; nil means no path exists.
//
// Besides the edges defined by the packages, a zero-cost edge from
// start to "no version" lets the path switch to a complete package
// whenever chaining patches would be more expensive.
func ShortestPath(start, goal deltaup.CleanName, packages []Package) []*Package {
	var (
		adjacency [][]edge
		nodeNames []deltaup.CleanName
	)
	nameToIdx := make(map[deltaup.CleanName]int)
	nodeIdx := func(name deltaup.CleanName) int {
		if idx, ok := nameToIdx[name]; ok {
			return idx
		}
		idx := len(adjacency)
		nameToIdx[name] = idx
		adjacency = append(adjacency, nil)
		nodeNames = append(nodeNames, name)
		return idx
	}

	emptyIdx := nodeIdx("")
	startIdx := nodeIdx(start)
	goalIdx := nodeIdx(goal)
	if startIdx != emptyIdx {
		adjacency[startIdx] = append(adjacency[startIdx], edge{node: emptyIdx})
	}
	for i := range packages {
		p := &packages[i]
		from := nodeIdx(p.From)
		to := nodeIdx(p.To)
		adjacency[from] = append(adjacency[from], edge{node: to, cost: p.Size})
	}

	nodePath := dijkstra(adjacency, startIdx, goalIdx)
	if nodePath == nil {
		return nil
	}

	var chain []*Package
	from := start
	if startIdx != emptyIdx && len(nodePath) > 0 && nodePath[0] == emptyIdx {
		from = ""
		nodePath = nodePath[1:]
	}
	for _, idx := range nodePath {
		to := nodeNames[idx]
		for i := range packages {
			p := &packages[i]
			if p.From == from && p.To == to {
				chain = append(chain, p)
				break
			}
		}
		from = to
	}
	return chain
}

type edge struct {
	node int
	cost uint64
}

type queueItem struct {
	node int
	cost uint64
}

type queue []queueItem

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	// Ties break on the lower node index so results are deterministic.
	if q[i].cost != q[j].cost {
		return q[i].cost < q[j].cost
	}
	return q[i].node < q[j].node
}

func (q queue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *queue) Push(x interface{}) { *q = append(*q, x.(queueItem)) }

func (q *queue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// dijkstra returns the node indices on the cheapest path from start to
// goal, excluding start itself. It returns nil if goal is unreachable,
// and also when start == goal (the path is then empty).
func dijkstra(adjacency [][]edge, start, goal int) []int {
	const unvisited = -1
	dist := make([]uint64, len(adjacency))
	prev := make([]int, len(adjacency))
	done := make([]bool, len(adjacency))
	for i := range dist {
		dist[i] = ^uint64(0)
		prev[i] = unvisited
	}
	dist[start] = 0

	q := &queue{{node: start}}
	for q.Len() > 0 {
		item := heap.Pop(q).(queueItem)
		if done[item.node] {
			continue
		}
		done[item.node] = true
		if item.node == goal {
			break
		}
		for _, e := range adjacency[item.node] {
			next := item.cost + e.cost
			if !done[e.node] && next < dist[e.node] {
				dist[e.node] = next
				prev[e.node] = item.node
				heap.Push(q, queueItem{node: e.node, cost: next})
			}
		}
	}
	if !done[goal] {
		return nil
	}

	var path []int
	for node := goal; node != start; node = prev[node] {
		path = append(path, node)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path
}
