/*
Package scheduler turns parsed task graphs into execution.

A graph is persisted first: the root, one task row per child, and the
dependency edges. Children dispatch when their last dependency settles
successfully; sequential graphs run one child at a time in declaration
order, parallel graphs run every ready child at once under the
instance pool's cap. A failed dependency cancels its transitive
dependents without dispatching them. When every child has settled the
root reduces: all-success completes it, a root deadline times it out,
an external cancel cancels it, anything else fails it.
*/
package scheduler
