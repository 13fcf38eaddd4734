// Package orbit holds the types shared by the mapper packages: options,
// lock modes, the result cache contract and the error taxonomy.
//
// The mapper itself is split by concern:
//
//	schema   entity definitions and the metadata registry
//	entity   managed entity instances, references and collections
//	uow      identity map, change sets and commit ordering
//	orm      bootstrap, entity manager and request scoping
//	dialect  the driver contract and its memory, sql and dynamodb backends
//	cache    result cache adapters
//	config   file and environment configuration
package orbit
