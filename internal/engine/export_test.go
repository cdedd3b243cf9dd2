package engine

// WithAfterLoad returns a copy of e that calls fn between loading the entity
// and opening the write transaction.
func WithAfterLoad(e Engine, fn func()) Engine {
	e.afterLoad = fn
	return e
}
