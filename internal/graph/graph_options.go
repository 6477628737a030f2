package graph

// Option configures how definitions are turned into nodes
type Option func(*buildOptions)

type buildOptions struct {
	defaultMaxRetries int
}

const defaultMaxRetries = 2

// WithDefaultMaxRetries sets maxRetries for definitions that leave it unset
func WithDefaultMaxRetries(n int) Option {
	return func(o *buildOptions) {
		if n >= 0 {
			o.defaultMaxRetries = n
		}
	}
}
