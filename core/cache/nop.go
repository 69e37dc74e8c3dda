package cache

type nop struct{}

// NewNop returns a cache that stores nothing; every Get is a miss.
func NewNop() Cache { return nop{} }

func (nop) Get(string) (any, bool) { return nil, false }
func (nop) Put(string, any)        {}
func (nop) Delete(string)          {}

var _ Cache = nop{}
