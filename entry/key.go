package entry

import "fmt"

// Key identifies an entry by (cache id, key), per spec.md §3.
type Key struct {
	CacheID string
	Key     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.CacheID, k.Key)
}
