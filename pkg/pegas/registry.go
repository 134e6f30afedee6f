package pegas

// registry maps a RegionID to every live Region bound under it, in the
// order they were mapped. The same region file may be mapped more than
// once. Callers synchronize access.
type registry struct {
	byID map[RegionID][]Mapping
	n    int
}

func newRegistry() *registry {
	return &registry{byID: make(map[RegionID][]Mapping)}
}

func (g *registry) insert(m Mapping) {
	g.byID[m.ID()] = append(g.byID[m.ID()], m)
	g.n++
}

// remove drops m by identity and reports whether it was registered.
func (g *registry) remove(m Mapping) bool {
	list := g.byID[m.ID()]
	for i, cur := range list {
		if cur != m {
			continue
		}
		list = append(list[:i], list[i+1:]...)
		if len(list) == 0 {
			delete(g.byID, m.ID())
		} else {
			g.byID[m.ID()] = list
		}
		g.n--
		return true
	}
	return false
}

func (g *registry) contains(m Mapping) bool {
	for _, cur := range g.byID[m.ID()] {
		if cur == m {
			return true
		}
	}
	return false
}

// lookup returns the most recently mapped live region for id.
func (g *registry) lookup(id RegionID) (Mapping, bool) {
	list := g.byID[id]
	if len(list) == 0 {
		return nil, false
	}
	return list[len(list)-1], true
}

// all returns a copy of the regions for id, oldest first.
func (g *registry) all(id RegionID) []Mapping {
	list := g.byID[id]
	if len(list) == 0 {
		return nil
	}
	return append([]Mapping(nil), list...)
}

// drain empties the registry and returns everything it held.
func (g *registry) drain() []Mapping {
	out := make([]Mapping, 0, g.n)
	for _, list := range g.byID {
		out = append(out, list...)
	}
	clear(g.byID)
	g.n = 0
	return out
}

func (g *registry) len() int { return g.n }
