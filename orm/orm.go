package orm

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/syssam/orbit"
	"github.com/syssam/orbit/cache"
	"github.com/syssam/orbit/dialect"
	"github.com/syssam/orbit/schema"
)

// ORM is an initialized mapper: the entity registry, the connected driver
// and the root entity manager.
type ORM struct {
	drv    dialect.Driver
	reg    *schema.Registry
	opts   orbit.Options
	logger *slog.Logger
	cache  *resultCache
	em     *EntityManager
}

// Init validates opts, builds the registry from defs, connects drv and,
// when configured, creates indexes. Options are read once here.
//
//	o, err := orm.Init(ctx, memory.New(), orbit.Options{DBName: "library"},
//		schema.Entity("Author").Fields(schema.Int("id").Primary(), schema.String("name")),
//	)
func Init(ctx context.Context, drv dialect.Driver, opts orbit.Options, defs ...*schema.EntityBuilder) (*ORM, error) {
	if drv == nil {
		return nil, orbit.NewValidationError("", "", "no driver configured")
	}
	if opts.Cache.TTL == 0 {
		opts.Cache.TTL = orbit.DefaultOptions().Cache.TTL
	}
	opts.Normalize()
	logger := opts.Logger

	defs, err := selectEntities(opts, defs)
	if err != nil {
		return nil, err
	}
	reg, err := schema.Build(drv.Platform().NamingStrategy(), defs...)
	if err != nil {
		return nil, orbit.NewValidationError("", "", err.Error())
	}
	drv.SetMetadata(reg)
	if opts.Debug {
		drv = dialect.NewDebugDriver(drv, dialect.DebugWithLogger(logger))
	}

	conn := drv.Connection()
	url := opts.ClientURL
	if url == "" {
		url = conn.ClientURL()
	}
	if err := conn.Connect(ctx); err != nil {
		logger.ErrorContext(ctx, "database connection failed", "db", opts.DBName, "url", url, "error", err)
		return nil, fmt.Errorf("orm: connect to %s: %w", url, err)
	}
	logger.InfoContext(ctx, "connected to database", "db", opts.DBName, "url", url)

	if opts.EnsureIndexes {
		if err := drv.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
	}

	var adapter orbit.Cache = cache.NullAdapter{}
	if opts.Cache.Enabled {
		adapter = opts.CacheAdapter
		if adapter == nil {
			adapter = cache.NewMemoryAdapter()
		}
	}
	o := &ORM{
		drv:    drv,
		reg:    reg,
		opts:   opts,
		logger: logger,
		cache:  &resultCache{adapter: adapter, ttl: opts.Cache.TTL, enabled: opts.Cache.Enabled, logger: logger},
	}
	o.em = newEntityManager(o)
	return o, nil
}

// selectEntities applies the explicit entity list.
func selectEntities(opts orbit.Options, defs []*schema.EntityBuilder) ([]*schema.EntityBuilder, error) {
	if len(opts.Entities) == 0 {
		if opts.Discovery.RequireEntitiesArray {
			return nil, orbit.NewValidationError("", "", "explicit list of entities is required when discovery.requireEntitiesArray is set")
		}
		if len(defs) == 0 {
			return nil, orbit.NewValidationError("", "", "no entities found")
		}
		return defs, nil
	}
	byName := make(map[string]*schema.EntityBuilder, len(defs))
	for _, def := range defs {
		byName[def.Name()] = def
	}
	out := make([]*schema.EntityBuilder, 0, len(opts.Entities))
	for _, name := range opts.Entities {
		def, ok := byName[name]
		if !ok {
			return nil, orbit.ValidationErrorf(name, "", "entity %s is listed but not defined", name)
		}
		if !slices.Contains(out, def) {
			out = append(out, def)
		}
	}
	return out, nil
}

// EM returns the root entity manager. Request handling should use a fork.
func (o *ORM) EM() *EntityManager { return o.em }

// Fork returns an entity manager with an empty identity map.
func (o *ORM) Fork() *EntityManager { return o.em.Fork() }

// Driver returns the driver, wrapped for debugging when configured.
func (o *ORM) Driver() dialect.Driver { return o.drv }

// Metadata returns the entity registry.
func (o *ORM) Metadata() *schema.Registry { return o.reg }

// Options returns the options the ORM was initialized with.
func (o *ORM) Options() orbit.Options { return o.opts }

// Cache returns the result cache adapter, the null adapter when caching is
// disabled.
func (o *ORM) Cache() orbit.Cache { return o.cache.adapter }

// IsConnected reports whether the driver connection is open.
func (o *ORM) IsConnected(ctx context.Context) bool {
	return o.drv.Connection().IsConnected(ctx)
}

// Close closes the driver connection. With force, pending work is
// abandoned.
func (o *ORM) Close(ctx context.Context, force bool) error {
	if err := o.drv.Connection().Close(ctx, force); err != nil {
		return err
	}
	o.logger.InfoContext(ctx, "database connection closed", "db", o.opts.DBName)
	return nil
}
