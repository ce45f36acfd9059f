package atlas

import "math/rand"

// RandSource is a small seam around math/rand so gossip target selection
// is reproducible in tests, the same purpose as the teacher-adjacent
// gossip/pkg/rand.go helper in the retrieval pack.
type RandSource struct {
	r *rand.Rand
}

// NewRandSource returns a RandSource seeded from the process-wide source.
func NewRandSource() *RandSource {
	return &RandSource{r: rand.New(rand.NewSource(rand.Int63()))}
}

func (s *RandSource) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return s.r.Intn(n)
}

func (s *RandSource) Perm(n int) []int {
	return s.r.Perm(n)
}
