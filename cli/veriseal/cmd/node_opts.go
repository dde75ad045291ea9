package cmd

import "context"

type (
	// nodeRunnable is the function the node command executes once the
	// configuration is loaded.
	nodeRunnable func(ctx context.Context, config *nodeConfiguration) error

	Options struct {
		nodeRunFunc nodeRunnable
	}

	Option     func(*Options)
	allOptions struct{}
)

var (
	Opts = &allOptions{}
)

// NodeRunFunc sets the node runnable function. Otherwise, default function will be used.
func (o *allOptions) NodeRunFunc(nodeRunFunc nodeRunnable) Option {
	return func(options *Options) {
		options.nodeRunFunc = nodeRunFunc
	}
}
