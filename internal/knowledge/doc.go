// Package knowledge implements decisiond's persistent memory: a graph of
// content nodes with fixed-dimension embeddings and labeled edges, searched
// by vector similarity through an embedded chromem-go index.
//
// The graph owns node lifecycle. Growth is bounded by decay: every
// maintenance pass reduces node weights, and nodes falling below the
// configured floor are pruned together with their vectors and any edges
// referencing them. Pruning runs on the maintenance cadence, never inside a
// query.
package knowledge
