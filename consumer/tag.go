package consumer

import "github.com/google/uuid"

// TagGenerator names consumer subscriptions
type TagGenerator interface {
	Generate() string
}

// TagGeneratorFunc is a function adapter for TagGenerator
type TagGeneratorFunc func() string

// Generate implements TagGenerator
func (f TagGeneratorFunc) Generate() string {
	return f()
}

// PrefixTagGenerator generates unique tags starting with Prefix
type PrefixTagGenerator struct {
	Prefix string
}

// Generate implements TagGenerator
func (g PrefixTagGenerator) Generate() string {
	return g.Prefix + uuid.NewString()
}
