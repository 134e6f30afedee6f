package pegas

// FailureGroup stands for a fault domain: the set of components whose
// failure is correlated (a rack switch, an interleave group, a node). It
// is reserved for placement and replication layers built on top of the
// address space and carries no behaviour here.
type FailureGroup struct{}
